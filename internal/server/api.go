package server

import (
	"time"

	"github.com/kiesman99/tilecrop/internal/stitcher"
	"github.com/kiesman99/tilecrop/pkg/tile"
)

// Error codes returned in the "error" field
const (
	CodeInvalidJSON       = "INVALID_JSON"
	CodeValidation        = "VALIDATION_ERROR"
	CodeDegenerateCrop    = "DEGENERATE_CROP"
	CodeTileServer        = "TILE_SERVER_ERROR"
	CodeAssembly          = "ASSEMBLY_ERROR"
	CodeTileServerTimeout = "TILE_SERVER_TIMEOUT"
	CodeInternal          = "INTERNAL_ERROR"
)

// HealthStatus values
const (
	Healthy = "healthy"
)

// BoundingBox is the wire form of a geographic box
type BoundingBox struct {
	MinLat float64 `json:"min_lat"`
	MinLon float64 `json:"min_lon"`
	MaxLat float64 `json:"max_lat"`
	MaxLon float64 `json:"max_lon"`
}

func (b BoundingBox) toTile() tile.BoundingBox {
	return tile.NewBoundingBox(b.MinLat, b.MinLon, b.MaxLat, b.MaxLon)
}

// TileSource is the remote tile service for one request
type TileSource struct {
	Url     string             `json:"url"`
	Name    *string            `json:"name,omitempty"`
	Headers *map[string]string `json:"headers,omitempty"`
}

// OutputOptions controls encoding and tile geometry
type OutputOptions struct {
	Format   *string  `json:"format,omitempty"`
	TileSize *int     `json:"tile_size,omitempty"`
	Scale    *float64 `json:"scale,omitempty"`
}

// StitchRequest is the body of POST /stitch
type StitchRequest struct {
	Bbox       *BoundingBox   `json:"bbox"`
	Zoom       *int           `json:"zoom,omitempty"`
	TileSource TileSource     `json:"tile_source"`
	Output     *OutputOptions `json:"output,omitempty"`
}

// PlanResponse is the body of GET /plan
type PlanResponse struct {
	RequestId *string        `json:"request_id,omitempty"`
	Plan      *stitcher.Plan `json:"plan"`
	TileCount int            `json:"tile_count"`
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    *int      `json:"uptime,omitempty"`
	Version   *string   `json:"version,omitempty"`
}

// ErrorResponse is the generic error body
type ErrorResponse struct {
	Error     string                  `json:"error"`
	Message   string                  `json:"message"`
	RequestId *string                 `json:"request_id,omitempty"`
	Details   *map[string]interface{} `json:"details,omitempty"`
}

// ValidationError points at one invalid field
type ValidationError struct {
	Code    *string `json:"code,omitempty"`
	Field   string  `json:"field"`
	Message string  `json:"message"`
}

// ValidationErrorResponse is returned for 400s
type ValidationErrorResponse struct {
	Error            string            `json:"error"`
	Message          string            `json:"message"`
	RequestId        *string           `json:"request_id,omitempty"`
	ValidationErrors []ValidationError `json:"validation_errors"`
}

// FailedTile describes the tile that aborted an export
type FailedTile struct {
	Tile       tile.Index `json:"tile"`
	Url        string     `json:"url,omitempty"`
	StatusCode *int       `json:"status_code,omitempty"`
	Error      string     `json:"error"`
}

// TileErrorResponse is returned when the tile server fails
type TileErrorResponse struct {
	Error       string       `json:"error"`
	Message     string       `json:"message"`
	FailedTiles []FailedTile `json:"failed_tiles"`
	TotalTiles  int          `json:"total_tiles"`
	RequestId   *string      `json:"request_id,omitempty"`
}
