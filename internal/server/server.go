package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/oapi-codegen/runtime"
	"github.com/pkg/errors"

	"github.com/kiesman99/tilecrop/internal/fetch"
	"github.com/kiesman99/tilecrop/internal/mosaic"
	"github.com/kiesman99/tilecrop/internal/stitcher"
	"github.com/kiesman99/tilecrop/pkg/tile"
)

// FetcherFactory builds the tile fetcher for one request's tile source
type FetcherFactory func(src TileSource) (mosaic.Fetcher, error)

// Server implements the tile stitching HTTP API
type Server struct {
	startTime  time.Time
	version    string
	store      *fetch.Store
	newFetcher FetcherFactory
	workers    int
	maxPixels  int64
	userAgent  string
}

// Option configures a Server
type Option func(*Server)

// WithFetcherFactory replaces the HTTP tile fetcher
func WithFetcherFactory(f FetcherFactory) Option {
	return func(s *Server) { s.newFetcher = f }
}

// WithStore shares a tile store across requests
func WithStore(store *fetch.Store) Option {
	return func(s *Server) { s.store = store }
}

// WithWorkers bounds concurrent tile fetches per request
func WithWorkers(n int) Option {
	return func(s *Server) { s.workers = n }
}

// WithMaxPixels caps the mosaic size per request
func WithMaxPixels(n int64) Option {
	return func(s *Server) { s.maxPixels = n }
}

// WithUserAgent sets the User-Agent sent to tile servers
func WithUserAgent(ua string) Option {
	return func(s *Server) { s.userAgent = ua }
}

// NewServer creates a new server instance
func NewServer(version string, opts ...Option) *Server {
	s := &Server{
		startTime: time.Now(),
		version:   version,
		userAgent: fetch.DefaultUserAgent,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		s.store = fetch.NewStore(fetch.DefaultCacheTTL, fetch.DefaultCacheCleanup)
	}
	if s.newFetcher == nil {
		s.newFetcher = s.httpFetcher
	}
	return s
}

// httpFetcher downloads from the request's template through the shared store
func (s *Server) httpFetcher(src TileSource) (mosaic.Fetcher, error) {
	opts := fetch.HTTPOptions{UserAgent: s.userAgent, Retries: fetch.DefaultRetries}
	if src.Headers != nil {
		opts.Headers = *src.Headers
	}
	f, err := fetch.NewHTTPFetcher(src.Url, opts)
	if err != nil {
		return nil, err
	}
	return s.store.Wrap(src.Url, f), nil
}

// GetHealth implements the health check endpoint
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	uptime := int(time.Since(s.startTime).Seconds())

	response := HealthResponse{
		Status:    Healthy,
		Timestamp: time.Now(),
		Uptime:    &uptime,
		Version:   &s.version,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Printf("Error encoding health response: %v", err)
	}
}

// GetPlan reports the tile grid and crop for a bounding box without fetching
func (s *Server) GetPlan(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r)
	w.Header().Set("X-Request-ID", requestID)

	query := r.URL.Query()
	var bbox BoundingBox
	zoom := tile.DefaultZoom
	tileSize := tile.DefaultTileSize
	scale := 1.0

	params := []struct {
		name     string
		required bool
		dest     interface{}
	}{
		{"min_lat", true, &bbox.MinLat},
		{"min_lon", true, &bbox.MinLon},
		{"max_lat", true, &bbox.MaxLat},
		{"max_lon", true, &bbox.MaxLon},
		{"zoom", false, &zoom},
		{"tile_size", false, &tileSize},
		{"scale", false, &scale},
	}
	for _, p := range params {
		if err := runtime.BindQueryParameter("form", true, p.required, p.name, query, p.dest); err != nil {
			s.writeValidationErrorResponse(w, p.name, fmt.Sprintf("Invalid format for parameter %s: %s", p.name, err), &requestID)
			return
		}
	}

	if err := validateTileSize(tileSize); err != nil {
		s.writeValidationErrorResponse(w, "tile_size", err.Error(), &requestID)
		return
	}

	plan, err := stitcher.NewPlan(&stitcher.Options{
		BBox:     bbox.toTile(),
		Zoom:     zoom,
		TileSize: tileSize,
		Scale:    scale,
	})
	if err != nil {
		s.handleStitchingError(w, err, &requestID, 0)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(PlanResponse{RequestId: &requestID, Plan: plan, TileCount: plan.Tiles.Count()}); err != nil {
		log.Printf("Error encoding plan response: %v", err)
	}
}

// CreateStitchedImage implements the main stitching endpoint
func (s *Server) CreateStitchedImage(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r)
	w.Header().Set("X-Request-ID", requestID)

	// Parse request body
	var req StitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, CodeInvalidJSON,
			"Invalid JSON in request body", &requestID, nil)
		return
	}

	// Validate request
	if field, err := s.validateStitchRequest(&req); err != nil {
		s.writeValidationErrorResponse(w, field, err.Error(), &requestID)
		return
	}

	opts, format, err := s.convertToStitcherOptions(&req)
	if err != nil {
		s.writeValidationErrorResponse(w, "output", err.Error(), &requestID)
		return
	}

	fetcher, err := s.newFetcher(req.TileSource)
	if err != nil {
		s.writeValidationErrorResponse(w, "tile_source.url", err.Error(), &requestID)
		return
	}

	// Perform stitching
	result, err := stitcher.New(fetcher).Stitch(r.Context(), opts)
	if err != nil {
		total := 0
		if plan, perr := stitcher.NewPlan(opts); perr == nil {
			total = plan.Tiles.Count()
		}
		s.handleStitchingError(w, err, &requestID, total)
		return
	}

	imageData, err := stitcher.EncodeBytes(result.Image, format)
	if err != nil {
		s.handleStitchingError(w, err, &requestID, 0)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Length", strconv.Itoa(len(imageData)))
	w.Header().Set("X-Tile-Count", strconv.Itoa(result.Plan.Tiles.Count()))

	// Write image data
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(imageData); err != nil {
		log.Printf("Error writing response: %v", err)
	}
}

// validateStitchRequest validates the incoming stitch request and names the bad field
func (s *Server) validateStitchRequest(req *StitchRequest) (string, error) {
	if req.Bbox == nil {
		return "bbox", errors.New("bbox is required")
	}
	if req.Bbox.MinLat >= req.Bbox.MaxLat {
		return "bbox", errors.New("min_lat must be less than max_lat")
	}
	if req.Bbox.MinLon >= req.Bbox.MaxLon {
		return "bbox", errors.New("min_lon must be less than max_lon")
	}

	if req.Zoom != nil {
		if err := tile.ValidateZoom(*req.Zoom); err != nil {
			return "zoom", err
		}
	}

	if err := fetch.ValidateTemplate(req.TileSource.Url); err != nil {
		return "tile_source.url", err
	}

	if req.Output != nil && req.Output.TileSize != nil {
		if err := validateTileSize(*req.Output.TileSize); err != nil {
			return "output.tile_size", err
		}
	}

	return "", nil
}

func validateTileSize(size int) error {
	switch size {
	case 256, 512, 1024:
		return nil
	default:
		return errors.Errorf("tile_size must be 256, 512 or 1024, got %d", size)
	}
}

// convertToStitcherOptions converts API request to internal stitcher options
func (s *Server) convertToStitcherOptions(req *StitchRequest) (*stitcher.Options, stitcher.Format, error) {
	opts := &stitcher.Options{
		BBox:      req.Bbox.toTile(),
		Zoom:      tile.DefaultZoom,
		TileSize:  tile.DefaultTileSize,
		Workers:   s.workers,
		MaxPixels: s.maxPixels,
	}
	if req.Zoom != nil {
		opts.Zoom = *req.Zoom
	}

	format := stitcher.FormatPNG
	if req.Output != nil {
		if req.Output.TileSize != nil {
			opts.TileSize = *req.Output.TileSize
		}
		if req.Output.Scale != nil {
			opts.Scale = *req.Output.Scale
		}
		if req.Output.Format != nil {
			f, err := stitcher.ParseFormat(*req.Output.Format)
			if err != nil {
				return nil, "", err
			}
			format = f
		}
	}

	return opts, format, nil
}

// handleStitchingError maps the pipeline's error kinds to responses
func (s *Server) handleStitchingError(w http.ResponseWriter, err error, requestID *string, totalTiles int) {
	var bboxErr *tile.InvalidBoundingBoxError
	var cropErr *mosaic.DegenerateCropError
	var fetchErr *mosaic.TileFetchError
	var asmErr *mosaic.AssemblyError

	switch {
	case errors.As(err, &bboxErr):
		s.writeValidationErrorResponse(w, "bbox", bboxErr.Error(), requestID)

	case errors.As(err, &cropErr):
		s.writeErrorResponse(w, http.StatusUnprocessableEntity, CodeDegenerateCrop,
			cropErr.Error(), requestID, map[string]interface{}{
				"crop": cropErr.Rect,
			})

	case errors.Is(err, context.DeadlineExceeded):
		s.writeErrorResponse(w, http.StatusGatewayTimeout, CodeTileServerTimeout,
			"Tile server requests timed out", requestID, nil)

	case errors.As(err, &fetchErr):
		failed := FailedTile{Tile: fetchErr.Tile, Error: fetchErr.Err.Error()}
		var statusErr *fetch.StatusError
		var urlErr *url.Error
		switch {
		case errors.As(fetchErr.Err, &statusErr):
			code := statusErr.StatusCode
			failed.StatusCode = &code
			failed.Url = redactURL(statusErr.URL)
		case errors.As(fetchErr.Err, &urlErr):
			// Transport errors quote the full URL, token included
			failed.Url = redactURL(urlErr.URL)
			failed.Error = fmt.Sprintf("%s %q: %v", urlErr.Op, failed.Url, urlErr.Err)
		}

		response := TileErrorResponse{
			Error:       CodeTileServer,
			Message:     fmt.Sprintf("Tile %s could not be downloaded", fetchErr.Tile),
			FailedTiles: []FailedTile{failed},
			TotalTiles:  totalTiles,
			RequestId:   requestID,
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(response)

	case errors.As(err, &asmErr):
		s.writeErrorResponse(w, http.StatusBadGateway, CodeAssembly,
			asmErr.Error(), requestID, map[string]interface{}{
				"tile": asmErr.Tile,
			})

	default:
		log.Printf("Stitching failed: %v", err)
		s.writeErrorResponse(w, http.StatusInternalServerError, CodeInternal,
			"Internal server error", requestID, nil)
	}
}

// writeErrorResponse writes a standard error response
func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string, requestID *string, details map[string]interface{}) {
	response := ErrorResponse{
		Error:     errorCode,
		Message:   message,
		RequestId: requestID,
	}

	if details != nil {
		response.Details = &details
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(response)
}

// writeValidationErrorResponse writes a validation error response
func (s *Server) writeValidationErrorResponse(w http.ResponseWriter, field, message string, requestID *string) {
	response := ValidationErrorResponse{
		Error:     CodeValidation,
		Message:   message,
		RequestId: requestID,
		ValidationErrors: []ValidationError{
			{
				Field:   field,
				Message: message,
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(response)
}

// requestIDFrom prefers the id assigned by the RequestID middleware
func requestIDFrom(r *http.Request) string {
	if id := middleware.GetReqID(r.Context()); id != "" {
		return id
	}
	return fmt.Sprintf("req_%d", time.Now().UnixNano())
}

// redactURL drops the query string, which usually carries an access token
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	u.RawQuery = ""
	return u.String()
}
