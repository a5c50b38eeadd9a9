package tile

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

const (
	// MaxLatitude is the northern and southern limit of the Web-Mercator tile grid.
	MaxLatitude = 85.0511287798066

	// MaxZoom is the highest zoom level accepted by standard tile schemes.
	MaxZoom = 22

	// DefaultZoom matches the Mapbox exports this tool was written for.
	DefaultZoom = 14

	// DefaultTileSize is the edge of a @2x tile: 512 logical pixels rendered at 1024.
	DefaultTileSize = 1024
)

// GeoPoint is a WGS84 coordinate in degrees
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// BoundingBox represents geographic bounds, Min is the south-west corner
type BoundingBox struct {
	Min GeoPoint `json:"min"`
	Max GeoPoint `json:"max"`
}

// NewBoundingBox builds a bounding box from its four edges
func NewBoundingBox(minLat, minLon, maxLat, maxLon float64) BoundingBox {
	return BoundingBox{
		Min: GeoPoint{Lat: minLat, Lon: minLon},
		Max: GeoPoint{Lat: maxLat, Lon: maxLon},
	}
}

// NorthWest returns the upper left corner
func (b BoundingBox) NorthWest() GeoPoint {
	return GeoPoint{Lat: b.Max.Lat, Lon: b.Min.Lon}
}

// SouthEast returns the lower right corner
func (b BoundingBox) SouthEast() GeoPoint {
	return GeoPoint{Lat: b.Min.Lat, Lon: b.Max.Lon}
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("%.7f,%.7f,%.7f,%.7f", b.Min.Lat, b.Min.Lon, b.Max.Lat, b.Max.Lon)
}

// Validate checks that the box is ordered and inside the Web-Mercator grid.
func (b BoundingBox) Validate() error {
	for _, v := range []float64{b.Min.Lat, b.Min.Lon, b.Max.Lat, b.Max.Lon} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &InvalidBoundingBoxError{BBox: b, Reason: "coordinates must be finite"}
		}
	}
	if b.Min.Lat >= b.Max.Lat {
		return &InvalidBoundingBoxError{BBox: b, Reason: "min latitude must be less than max latitude"}
	}
	if b.Min.Lon >= b.Max.Lon {
		return &InvalidBoundingBoxError{BBox: b, Reason: "min longitude must be less than max longitude"}
	}
	if b.Min.Lat < -MaxLatitude || b.Max.Lat > MaxLatitude {
		return &InvalidBoundingBoxError{BBox: b, Reason: fmt.Sprintf("latitude outside Web-Mercator limit of ±%.4f", MaxLatitude)}
	}
	if b.Min.Lon < -180 || b.Max.Lon > 180 {
		return &InvalidBoundingBoxError{BBox: b, Reason: "longitude outside [-180, 180]"}
	}
	return nil
}

// InvalidBoundingBoxError is returned before any tile is requested
type InvalidBoundingBoxError struct {
	BBox   BoundingBox
	Reason string
}

func (e *InvalidBoundingBoxError) Error() string {
	return fmt.Sprintf("invalid bounding box %s: %s", e.BBox, e.Reason)
}

// ValidateZoom checks the zoom against the standard tile scheme range
func ValidateZoom(zoom int) error {
	if zoom < 0 || zoom > MaxZoom {
		return errors.Errorf("zoom %d outside [0, %d]", zoom, MaxZoom)
	}
	return nil
}
