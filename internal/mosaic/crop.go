package mosaic

import (
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"

	"github.com/kiesman99/tilecrop/pkg/tile"
)

// CropRect is a half-open pixel rectangle [Left, Right) x [Top, Bottom) in mosaic coordinates
type CropRect struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

func (r CropRect) Width() int  { return r.Right - r.Left }
func (r CropRect) Height() int { return r.Bottom - r.Top }

func (r CropRect) String() string {
	return fmt.Sprintf("(%d,%d)-(%d,%d)", r.Left, r.Top, r.Right, r.Bottom)
}

// Rectangle converts to an image.Rectangle
func (r CropRect) Rectangle() image.Rectangle {
	return image.Rect(r.Left, r.Top, r.Right, r.Bottom)
}

// PixelOf maps a point to fractional pixel coordinates relative to the
// upper left corner of the origin tile.
func PixelOf(p tile.GeoPoint, zoom int, origin tile.Index, tileSize int) (float64, float64) {
	x, y := tile.PointToTileCoord(p, zoom)
	return (x - float64(origin.X)) * float64(tileSize), (y - float64(origin.Y)) * float64(tileSize)
}

// CropRectFor computes the pixel rectangle of bbox inside a mosaic of
// width x height pixels whose upper left tile is origin.
//
// Left and Top are floored, Right and Bottom are ceiled, so the rectangle
// always covers the whole bounding box. The result is clamped to the mosaic.
func CropRectFor(bbox tile.BoundingBox, zoom int, origin tile.Index, tileSize, width, height int) (CropRect, error) {
	left, top := PixelOf(bbox.NorthWest(), zoom, origin, tileSize)
	right, bottom := PixelOf(bbox.SouthEast(), zoom, origin, tileSize)

	r := CropRect{
		Left:   clamp(int(math.Floor(left)), 0, width),
		Top:    clamp(int(math.Floor(top)), 0, height),
		Right:  clamp(int(math.Ceil(right)), 0, width),
		Bottom: clamp(int(math.Ceil(bottom)), 0, height),
	}

	// An empty box would otherwise round out to a one pixel strip.
	if !(right > left) || !(bottom > top) || r.Left >= r.Right || r.Top >= r.Bottom {
		return r, &DegenerateCropError{Rect: r}
	}
	return r, nil
}

// ComputeCropRect locates bbox inside the mosaic
func ComputeCropRect(m *Mosaic, bbox tile.BoundingBox, zoom int) (CropRect, error) {
	b := m.Image.Bounds()
	return CropRectFor(bbox, zoom, m.Origin(), m.TileSize, b.Dx(), b.Dy())
}

// Crop slices the mosaic to the exact bounding box
func Crop(m *Mosaic, bbox tile.BoundingBox, zoom int) (*image.NRGBA, CropRect, error) {
	r, err := ComputeCropRect(m, bbox, zoom)
	if err != nil {
		return nil, r, err
	}
	return imaging.Crop(m.Image, r.Rectangle()), r, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
