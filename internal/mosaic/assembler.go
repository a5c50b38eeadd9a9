package mosaic

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	"sync/atomic"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/kiesman99/tilecrop/pkg/tile"
)

const (
	// DefaultWorkers bounds concurrent tile fetches
	DefaultWorkers = 8

	// DefaultMaxPixels caps the mosaic allocation
	DefaultMaxPixels = 10000 * 10000
)

// Fetcher returns the raw image bytes of one tile
type Fetcher interface {
	Fetch(ctx context.Context, t tile.Index) ([]byte, error)
}

// FetcherFunc adapts a function to the Fetcher interface
type FetcherFunc func(ctx context.Context, t tile.Index) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, t tile.Index) ([]byte, error) {
	return f(ctx, t)
}

// Options controls tile assembly
type Options struct {
	TileSize  int
	Workers   int
	MaxPixels int64

	// Progress is called after each tile is placed. It may be called
	// from several goroutines.
	Progress func(done, total int, t tile.Index)
}

func (o *Options) withDefaults() Options {
	out := Options{}
	if o != nil {
		out = *o
	}
	if out.TileSize <= 0 {
		out.TileSize = tile.DefaultTileSize
	}
	if out.Workers <= 0 {
		out.Workers = DefaultWorkers
	}
	if out.MaxPixels <= 0 {
		out.MaxPixels = DefaultMaxPixels
	}
	return out
}

// Mosaic is the uncropped raster of every tile in Range
type Mosaic struct {
	Image    *image.NRGBA
	Range    tile.Range
	TileSize int
}

// Origin returns the upper left tile of the mosaic
func (m *Mosaic) Origin() tile.Index {
	return m.Range.Origin()
}

// TileRect is the pixel rectangle occupied by t
func (m *Mosaic) TileRect(t tile.Index) image.Rectangle {
	x := (t.X - m.Range.MinX) * m.TileSize
	y := (t.Y - m.Range.MinY) * m.TileSize
	return image.Rect(x, y, x+m.TileSize, y+m.TileSize)
}

// Assemble fetches every tile covering bbox and composites them into one raster.
// Any failed or malformed tile aborts the whole mosaic.
func Assemble(ctx context.Context, bbox tile.BoundingBox, zoom int, fetcher Fetcher, opts *Options) (*Mosaic, error) {
	o := opts.withDefaults()

	if err := bbox.Validate(); err != nil {
		return nil, err
	}
	if err := tile.ValidateZoom(zoom); err != nil {
		return nil, err
	}

	r := tile.RangeOf(bbox, zoom)
	width := r.Cols() * o.TileSize
	height := r.Rows() * o.TileSize

	if int64(width)*int64(height) > o.MaxPixels {
		return nil, errors.Errorf("requested mosaic size too large: %dx%d", width, height)
	}

	m := &Mosaic{
		Image:    image.NewNRGBA(image.Rect(0, 0, width, height)),
		Range:    r,
		TileSize: o.TileSize,
	}

	tiles := r.Tiles()
	total := len(tiles)
	var done atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.Workers)

	for _, t := range tiles {
		t := t
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := m.place(gctx, fetcher, t); err != nil {
				return err
			}
			if o.Progress != nil {
				o.Progress(int(done.Add(1)), total, t)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return m, nil
}

// place fetches, decodes and draws one tile into its own rectangle
func (m *Mosaic) place(ctx context.Context, fetcher Fetcher, t tile.Index) error {
	data, err := fetcher.Fetch(ctx, t)
	if err != nil {
		return &TileFetchError{Tile: t, Err: err}
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return &AssemblyError{Tile: t, Reason: "decode error", Err: err}
	}

	b := img.Bounds()
	if b.Dx() != m.TileSize || b.Dy() != m.TileSize {
		return &AssemblyError{
			Tile:   t,
			Reason: fmt.Sprintf("wrong tile size: got %dx%d, expected %dx%d", b.Dx(), b.Dy(), m.TileSize, m.TileSize),
		}
	}

	draw.Draw(m.Image, m.TileRect(t), img, b.Min, draw.Src)
	return nil
}
