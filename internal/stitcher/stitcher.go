package stitcher

import (
	"context"
	"image"
	"math"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"github.com/kiesman99/tilecrop/internal/mosaic"
	"github.com/kiesman99/tilecrop/pkg/tile"
)

// Options contains all stitching parameters
type Options struct {
	BBox     tile.BoundingBox
	Zoom     int
	TileSize int

	// Scale resizes the cropped raster; 0 and 1 leave it untouched
	Scale float64

	Workers   int
	MaxPixels int64
	Progress  func(done, total int, t tile.Index)
}

func (o *Options) tileSize() int {
	if o.TileSize <= 0 {
		return tile.DefaultTileSize
	}
	return o.TileSize
}

func (o *Options) scale() float64 {
	if o.Scale <= 0 {
		return 1
	}
	return o.Scale
}

// Size is a raster dimension in pixels
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Plan describes an export before any tile is fetched
type Plan struct {
	BBox     tile.BoundingBox `json:"bbox"`
	Zoom     int              `json:"zoom"`
	TileSize int              `json:"tile_size"`
	Tiles    tile.Range       `json:"tiles"`

	// TileBounds is the geographic extent of the uncropped mosaic
	TileBounds tile.BoundingBox `json:"tile_bounds"`

	Mosaic Size            `json:"mosaic"`
	Crop   mosaic.CropRect `json:"crop"`
	Output Size            `json:"output"`

	// Extent is the geographic area actually covered by the crop, which
	// is the bounding box rounded outward to whole pixels.
	Extent tile.BoundingBox `json:"extent"`
}

// NewPlan validates the request and computes the tile grid and crop rectangle
func NewPlan(opts *Options) (*Plan, error) {
	if err := opts.BBox.Validate(); err != nil {
		return nil, err
	}
	if err := tile.ValidateZoom(opts.Zoom); err != nil {
		return nil, err
	}
	if opts.Scale < 0 || math.IsNaN(opts.Scale) || math.IsInf(opts.Scale, 0) {
		return nil, errors.Errorf("invalid scale %v", opts.Scale)
	}

	size := opts.tileSize()
	r := tile.RangeOf(opts.BBox, opts.Zoom)
	mosaicSize := Size{Width: r.Cols() * size, Height: r.Rows() * size}

	rect, err := mosaic.CropRectFor(opts.BBox, opts.Zoom, r.Origin(), size, mosaicSize.Width, mosaicSize.Height)
	if err != nil {
		return nil, err
	}

	p := &Plan{
		BBox:       opts.BBox,
		Zoom:       opts.Zoom,
		TileSize:   size,
		Tiles:      r,
		TileBounds: r.Bound(),
		Mosaic:     mosaicSize,
		Crop:       rect,
		Output:     scaledSize(rect.Width(), rect.Height(), opts.scale()),
	}
	p.Extent = p.pixelExtent()

	if p.Output.Width <= 0 || p.Output.Height <= 0 {
		return nil, &mosaic.DegenerateCropError{Rect: rect}
	}
	return p, nil
}

// pixelExtent converts the crop rectangle back to geographic bounds
func (p *Plan) pixelExtent() tile.BoundingBox {
	size := float64(p.TileSize)
	ox, oy := float64(p.Tiles.MinX), float64(p.Tiles.MinY)

	nw := tile.TileCoordToPoint(ox+float64(p.Crop.Left)/size, oy+float64(p.Crop.Top)/size, p.Zoom)
	se := tile.TileCoordToPoint(ox+float64(p.Crop.Right)/size, oy+float64(p.Crop.Bottom)/size, p.Zoom)

	return tile.NewBoundingBox(se.Lat, nw.Lon, nw.Lat, se.Lon)
}

func scaledSize(w, h int, scale float64) Size {
	if scale == 1 {
		return Size{Width: w, Height: h}
	}
	return Size{
		Width:  int(math.Round(float64(w) * scale)),
		Height: int(math.Round(float64(h) * scale)),
	}
}

// Result contains the stitching result
type Result struct {
	Image *image.NRGBA
	Plan  *Plan
}

// Stitcher performs tile stitching operations
type Stitcher struct {
	fetcher mosaic.Fetcher
}

// New creates a new stitcher instance
func New(fetcher mosaic.Fetcher) *Stitcher {
	return &Stitcher{fetcher: fetcher}
}

// Stitch assembles, crops and optionally scales the raster for opts.BBox
func (s *Stitcher) Stitch(ctx context.Context, opts *Options) (*Result, error) {
	plan, err := NewPlan(opts)
	if err != nil {
		return nil, err
	}

	m, err := mosaic.Assemble(ctx, opts.BBox, opts.Zoom, s.fetcher, &mosaic.Options{
		TileSize:  plan.TileSize,
		Workers:   opts.Workers,
		MaxPixels: opts.MaxPixels,
		Progress:  opts.Progress,
	})
	if err != nil {
		return nil, err
	}

	img, rect, err := mosaic.Crop(m, opts.BBox, opts.Zoom)
	if err != nil {
		return nil, err
	}
	if rect != plan.Crop {
		return nil, errors.Errorf("crop %s does not match plan %s", rect, plan.Crop)
	}

	if opts.scale() != 1 {
		img = imaging.Resize(img, plan.Output.Width, plan.Output.Height, imaging.Lanczos)
	}

	return &Result{Image: img, Plan: plan}, nil
}
