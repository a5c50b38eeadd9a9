package cmd

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kiesman99/tilecrop/internal/fetch"
	"github.com/kiesman99/tilecrop/internal/mosaic"
	"github.com/kiesman99/tilecrop/internal/server"
)

// Version is reported by the health endpoint
const Version = "1.0.0"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server for tile stitching API",
	Long: `Start an HTTP server that provides a REST API for bounding box exports.

Endpoints:
  GET  /api/v1/health   liveness and version
  GET  /api/v1/plan     tile grid and crop rectangle for a bounding box
  POST /api/v1/stitch   stitched and cropped image

Examples:
  # Start server on default port 8080
  tilecrop serve

  # Start server on custom port
  tilecrop serve --port 3000

  # Start server with custom bind address
  tilecrop serve --bind 0.0.0.0 --port 8080`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	// Server configuration
	serveCmd.Flags().StringP("bind", "b", "localhost", "bind address")
	serveCmd.Flags().IntP("port", "p", 8080, "port to listen on")
	serveCmd.Flags().Duration("timeout", 60*time.Second, "request timeout")
	serveCmd.Flags().Int("workers", mosaic.DefaultWorkers, "concurrent tile downloads per request")
	serveCmd.Flags().Int64("max-pixels", mosaic.DefaultMaxPixels, "largest mosaic a request may assemble")
	serveCmd.Flags().Duration("cache-ttl", fetch.DefaultCacheTTL, "how long downloaded tiles stay in memory")

	// Bind flags to viper
	viper.BindPFlag("server.bind", serveCmd.Flags().Lookup("bind"))
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("server.timeout", serveCmd.Flags().Lookup("timeout"))
	viper.BindPFlag("server.workers", serveCmd.Flags().Lookup("workers"))
	viper.BindPFlag("server.max-pixels", serveCmd.Flags().Lookup("max-pixels"))
	viper.BindPFlag("server.cache-ttl", serveCmd.Flags().Lookup("cache-ttl"))
}

func runServe(cmd *cobra.Command, args []string) error {
	bind := viper.GetString("server.bind")
	port := viper.GetInt("server.port")
	timeout := viper.GetDuration("server.timeout")

	addr := fmt.Sprintf("%s:%d", bind, port)

	apiServer := server.NewServer(Version,
		server.WithStore(fetch.NewStore(viper.GetDuration("server.cache-ttl"), fetch.DefaultCacheCleanup)),
		server.WithWorkers(viper.GetInt("server.workers")),
		server.WithMaxPixels(viper.GetInt64("server.max-pixels")),
		server.WithUserAgent(viper.GetString("user-agent")),
	)

	httpServer := &http.Server{
		Addr:        addr,
		Handler:     server.NewRouter(apiServer, timeout),
		ReadTimeout: timeout,
		// Encoding a large image can outlast the handler timeout
		WriteTimeout: 2 * timeout,
	}

	// Graceful shutdown
	go func() {
		<-cmd.Context().Done()

		fmt.Fprintf(cmd.ErrOrStderr(), "\nShutting down server...\n")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	fmt.Fprintf(cmd.ErrOrStderr(), "Starting tilecrop server on %s\n", addr)
	fmt.Fprintf(cmd.ErrOrStderr(), "Health check: http://%s/api/v1/health\n", addr)
	fmt.Fprintf(cmd.ErrOrStderr(), "Plan endpoint: http://%s/api/v1/plan\n", addr)
	fmt.Fprintf(cmd.ErrOrStderr(), "Stitch endpoint: http://%s/api/v1/stitch\n", addr)

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %v", err)
	}

	return nil
}
