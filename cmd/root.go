package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kiesman99/tilecrop/internal/fetch"
	"github.com/kiesman99/tilecrop/internal/mosaic"
	"github.com/kiesman99/tilecrop/internal/stitch"
	"github.com/kiesman99/tilecrop/internal/stitcher"
	"github.com/kiesman99/tilecrop/pkg/tile"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tilecrop",
	Short: "Export a pixel-exact map image for any bounding box",
	Long: `tilecrop downloads the slippy-map tiles covering a bounding box, stitches
them into a mosaic and crops it to exactly the requested area.

Tiles come from any {z}/{x}/{y} raster tile service. When no --url is given
the Mapbox style from MAPBOX_STYLE_ID is used with MAPBOX_ACCESS_TOKEN.
Output is PNG or TIFF, optionally with a world file.

Examples:
  # San Antonio downtown from Mapbox at zoom 14
  tilecrop --bbox 29.4115,-98.5055,29.4335,-98.4790 -o sa.png

  # OpenStreetMap tiles, TIFF with world file
  tilecrop --min-lat 37.37 --min-lon -122.92 --max-lat 38.23 --max-lon -121.56 --zoom 10 --tilesize 256 --url https://{s}.tile.openstreetmap.org/{z}/{x}/{y}.png -f tiff -w -o bay.tif

  # Half-size output without the disk cache
  tilecrop --bbox 29.4115,-98.5055,29.4335,-98.4790 --scale 0.5 --no-cache -o small.png

  # Start HTTP server
  tilecrop serve --port 8080`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Without a bounding box there is nothing to export
		if !viper.IsSet("bbox") && !viper.IsSet("min-lat") {
			return cmd.Help()
		}
		return runStitch(cmd, args)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		stop()
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.tilecrop.yaml)")

	// Output options
	rootCmd.Flags().StringP("output", "o", "map.png", "output file, '-' for stdout")
	rootCmd.Flags().StringP("format", "f", "png", "output format (png|tiff)")
	rootCmd.Flags().BoolP("worldfile", "w", false, "write world file")
	rootCmd.Flags().Float64("scale", 1.0, "resize factor applied to the cropped image")

	// Bounding box
	rootCmd.Flags().Float64("min-lat", 0, "minimum latitude (south boundary)")
	rootCmd.Flags().Float64("min-lon", 0, "minimum longitude (west boundary)")
	rootCmd.Flags().Float64("max-lat", 0, "maximum latitude (north boundary)")
	rootCmd.Flags().Float64("max-lon", 0, "maximum longitude (east boundary)")
	rootCmd.Flags().String("bbox", "", "bounding box as 'min-lat,min-lon,max-lat,max-lon'")

	// Tile options
	rootCmd.Flags().Int("zoom", tile.DefaultZoom, "zoom level")
	rootCmd.Flags().StringP("url", "u", "", "tile URL template with {z}, {x}, {y} placeholders")
	rootCmd.Flags().String("style", "", "Mapbox style id, e.g. 'user/style' (env MAPBOX_STYLE_ID)")
	rootCmd.Flags().String("token", "", "Mapbox access token (env MAPBOX_ACCESS_TOKEN)")
	rootCmd.Flags().IntP("tilesize", "t", tile.DefaultTileSize, "tile size in pixels")
	rootCmd.Flags().Int("workers", mosaic.DefaultWorkers, "concurrent tile downloads")

	// Cache options
	rootCmd.Flags().String("cache-dir", "tiles", "directory for downloaded tiles")
	rootCmd.Flags().Bool("no-cache", false, "do not read or write the tile directory")

	// HTTP options
	rootCmd.Flags().String("user-agent", fetch.DefaultUserAgent, "HTTP User-Agent header")
	rootCmd.Flags().Int("retries", fetch.DefaultRetries, "retries per tile on transient errors")
	rootCmd.Flags().Duration("timeout", fetch.DefaultTimeout, "per tile request timeout")

	// Bind flags to viper for root command
	for _, name := range []string{
		"output", "format", "worldfile", "scale",
		"min-lat", "min-lon", "max-lat", "max-lon", "bbox",
		"zoom", "url", "tilesize", "workers",
		"cache-dir", "no-cache",
		"user-agent", "retries", "timeout",
	} {
		viper.BindPFlag(name, rootCmd.Flags().Lookup(name))
	}
	viper.BindPFlag("mapbox.style", rootCmd.Flags().Lookup("style"))
	viper.BindPFlag("mapbox.token", rootCmd.Flags().Lookup("token"))
	viper.BindEnv("mapbox.style", "MAPBOX_STYLE_ID")
	viper.BindEnv("mapbox.token", "MAPBOX_ACCESS_TOKEN")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// Search config in home directory with name ".tilecrop" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".tilecrop")
	}

	viper.SetEnvPrefix("TILECROP")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// exportConfig is everything one CLI export needs, resolved from viper
type exportConfig struct {
	Options  stitcher.Options
	Output   stitch.Output
	Template string
	HTTP     fetch.HTTPOptions
	CacheDir string
}

func runStitch(cmd *cobra.Command, args []string) error {
	cfg, err := loadExportConfig(viper.GetViper())
	if err != nil {
		return err
	}

	fetcher, err := newFetcher(cfg)
	if err != nil {
		return err
	}

	s := stitch.NewStitcher(fetcher, cmd.ErrOrStderr())
	s.SetStdout(cmd.OutOrStdout())
	_, err = s.StitchBoundingBox(cmd.Context(), cfg.Options, cfg.Output)
	return err
}

func loadExportConfig(v *viper.Viper) (*exportConfig, error) {
	bbox, err := bboxFromConfig(v)
	if err != nil {
		return nil, err
	}

	format, err := stitcher.ParseFormat(v.GetString("format"))
	if err != nil {
		return nil, err
	}

	template, err := tileTemplate(v.GetString("url"), v.GetString("mapbox.style"), v.GetString("mapbox.token"))
	if err != nil {
		return nil, err
	}

	cacheDir := v.GetString("cache-dir")
	if v.GetBool("no-cache") {
		cacheDir = ""
	}

	return &exportConfig{
		Options: stitcher.Options{
			BBox:     bbox,
			Zoom:     v.GetInt("zoom"),
			TileSize: v.GetInt("tilesize"),
			Scale:    v.GetFloat64("scale"),
			Workers:  v.GetInt("workers"),
		},
		Output: stitch.Output{
			Path:           v.GetString("output"),
			Format:         format,
			WriteWorldFile: v.GetBool("worldfile"),
		},
		Template: template,
		HTTP: fetch.HTTPOptions{
			UserAgent: v.GetString("user-agent"),
			Retries:   v.GetInt("retries"),
			Timeout:   v.GetDuration("timeout"),
		},
		CacheDir: cacheDir,
	}, nil
}

// newFetcher chains HTTP downloads behind the tile directory and an in-process cache
func newFetcher(cfg *exportConfig) (mosaic.Fetcher, error) {
	httpFetcher, err := fetch.NewHTTPFetcher(cfg.Template, cfg.HTTP)
	if err != nil {
		return nil, err
	}

	var next mosaic.Fetcher = httpFetcher
	if cfg.CacheDir != "" {
		disk, err := fetch.NewDiskCache(httpFetcher, cfg.CacheDir)
		if err != nil {
			return nil, err
		}
		next = disk
	}

	return fetch.NewMemoryCache(next, fetch.DefaultCacheTTL, fetch.DefaultCacheCleanup), nil
}

// tileTemplate prefers an explicit URL and falls back to Mapbox credentials
func tileTemplate(url, style, token string) (string, error) {
	if url != "" {
		return url, fetch.ValidateTemplate(url)
	}
	if style == "" || token == "" {
		return "", errors.New("either --url or a Mapbox style and access token (MAPBOX_STYLE_ID, MAPBOX_ACCESS_TOKEN) are required")
	}
	return fetch.MapboxURL(style, token), nil
}

func bboxFromConfig(v *viper.Viper) (tile.BoundingBox, error) {
	if s := v.GetString("bbox"); s != "" {
		return parseBBox(s)
	}

	keys := []string{"min-lat", "min-lon", "max-lat", "max-lon"}
	for _, k := range keys {
		if !v.IsSet(k) {
			return tile.BoundingBox{}, errors.New("bounding box mode requires all of: --min-lat, --min-lon, --max-lat, --max-lon (or --bbox)")
		}
	}
	return tile.NewBoundingBox(
		v.GetFloat64("min-lat"),
		v.GetFloat64("min-lon"),
		v.GetFloat64("max-lat"),
		v.GetFloat64("max-lon"),
	), nil
}

// parseBBox parses "min-lat,min-lon,max-lat,max-lon"
func parseBBox(s string) (tile.BoundingBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return tile.BoundingBox{}, errors.New("bbox must be in format 'min-lat,min-lon,max-lat,max-lon'")
	}

	names := []string{"min-lat", "min-lon", "max-lat", "max-lon"}
	var values [4]float64
	for i, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return tile.BoundingBox{}, errors.Wrapf(err, "invalid %s in bbox", names[i])
		}
		values[i] = f
	}

	return tile.NewBoundingBox(values[0], values[1], values[2], values[3]), nil
}
