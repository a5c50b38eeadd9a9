package stitch

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/kiesman99/tilecrop/internal/mosaic"
	"github.com/kiesman99/tilecrop/internal/stitcher"
	"github.com/kiesman99/tilecrop/pkg/tile"
)

// Output describes where and how the stitched raster is written
type Output struct {
	// Path is the destination file; "" or "-" writes to Stdout
	Path           string
	Format         stitcher.Format
	WriteWorldFile bool
}

func (o Output) toStdout() bool {
	return o.Path == "" || o.Path == "-"
}

// Stitcher handles the file export around the stitching pipeline
type Stitcher struct {
	pipeline *stitcher.Stitcher
	stdout   io.Writer

	// mu serializes progress lines written by the download workers
	mu  sync.Mutex
	log io.Writer
}

// NewStitcher creates a new stitcher instance. Progress and diagnostics
// go to log, which may be nil.
func NewStitcher(fetcher mosaic.Fetcher, log io.Writer) *Stitcher {
	if log == nil {
		log = io.Discard
	}
	return &Stitcher{
		pipeline: stitcher.New(fetcher),
		stdout:   os.Stdout,
		log:      log,
	}
}

// SetStdout redirects "-" output
func (s *Stitcher) SetStdout(w io.Writer) {
	s.stdout = w
}

// StitchBoundingBox renders opts.BBox and writes it to out.
// Nothing is left at out.Path if any step fails.
func (s *Stitcher) StitchBoundingBox(ctx context.Context, opts stitcher.Options, out Output) (*stitcher.Plan, error) {
	if out.WriteWorldFile && out.toStdout() {
		return nil, errors.New("can't write a worldfile when writing to stdout")
	}

	plan, err := stitcher.NewPlan(&opts)
	if err != nil {
		return nil, err
	}
	s.describe(plan)

	progress := opts.Progress
	opts.Progress = func(done, total int, t tile.Index) {
		s.mu.Lock()
		fmt.Fprintf(s.log, "%.2f%%: %s\n", float64(done)/float64(total)*100, t)
		if progress != nil {
			progress(done, total, t)
		}
		s.mu.Unlock()
	}

	result, err := s.pipeline.Stitch(ctx, &opts)
	if err != nil {
		return nil, err
	}

	if out.toStdout() {
		fmt.Fprintf(s.log, "Output %s: stdout\n", strings.ToUpper(string(out.Format)))
		if err := stitcher.Encode(s.stdout, result.Image, out.Format); err != nil {
			return nil, errors.Wrap(err, "write output")
		}
		return result.Plan, nil
	}

	fmt.Fprintf(s.log, "Output %s: %s\n", strings.ToUpper(string(out.Format)), out.Path)
	if err := writeAtomic(out.Path, func(w io.Writer) error {
		return stitcher.Encode(w, result.Image, out.Format)
	}); err != nil {
		return nil, errors.Wrapf(err, "failed to write %s", out.Path)
	}

	if out.WriteWorldFile {
		worldFile := WorldFilePath(out.Path, out.Format)
		data := result.Plan.Georef().WorldFile()
		if err := writeAtomic(worldFile, func(w io.Writer) error {
			_, err := w.Write(data)
			return err
		}); err != nil {
			os.Remove(out.Path)
			return nil, errors.Wrapf(err, "failed to write world file %s", worldFile)
		}
		fmt.Fprintf(s.log, "World file written to '%s'.\n", worldFile)
	}

	return result.Plan, nil
}

// describe prints the request summary ahead of downloading
func (s *Stitcher) describe(p *stitcher.Plan) {
	g := p.Georef()
	fmt.Fprintf(s.log, "==Geodetic Bounds  (EPSG:4326): %.17g,%.17g to %.17g,%.17g\n", p.BBox.Min.Lat, p.BBox.Min.Lon, p.BBox.Max.Lat, p.BBox.Max.Lon)
	fmt.Fprintf(s.log, "==Projected Bounds (EPSG:3857): %.17g,%.17g to %.17g,%.17g\n", g.MinY, g.MinX, g.MaxY, g.MaxX)
	fmt.Fprintf(s.log, "==Zoom Level: %d\n", p.Zoom)
	fmt.Fprintf(s.log, "==Upper Left Tile: x:%d y:%d\n", p.Tiles.MinX, p.Tiles.MinY)
	fmt.Fprintf(s.log, "==Lower Right Tile: x:%d y:%d\n", p.Tiles.MaxX, p.Tiles.MaxY)
	fmt.Fprintf(s.log, "==Tile Bounds: %s\n", p.TileBounds)
	fmt.Fprintf(s.log, "==Tiles: %d (%dx%d)\n", p.Tiles.Count(), p.Tiles.Cols(), p.Tiles.Rows())
	fmt.Fprintf(s.log, "==Mosaic Size: %dx%d\n", p.Mosaic.Width, p.Mosaic.Height)
	fmt.Fprintf(s.log, "==Crop: %s\n", p.Crop)
	fmt.Fprintf(s.log, "==Raster Size: %dx%d\n", p.Output.Width, p.Output.Height)
	fmt.Fprintf(s.log, "==Pixel Size: x:%.17g y:%.17g\n", g.PixelSizeX, g.PixelSizeY)
}

// WorldFilePath replaces the output extension with the world file one
func WorldFilePath(filename string, format stitcher.Format) string {
	ext := filepath.Ext(filename)
	return strings.TrimSuffix(filename, ext) + format.WorldFileExt()
}

// writeAtomic writes through a temp file in the destination directory
// and renames it over path once write succeeds.
func writeAtomic(path string, write func(w io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
