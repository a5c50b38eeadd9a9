package mosaic

import (
	"fmt"

	"github.com/kiesman99/tilecrop/pkg/tile"
)

// TileFetchError reports the tile whose fetch aborted the export
type TileFetchError struct {
	Tile tile.Index
	Err  error
}

func (e *TileFetchError) Error() string {
	return fmt.Sprintf("fetch tile %s: %v", e.Tile, e.Err)
}

func (e *TileFetchError) Unwrap() error {
	return e.Err
}

// AssemblyError is an unrecoverable problem placing a fetched tile
type AssemblyError struct {
	Tile   tile.Index
	Reason string
	Err    error
}

func (e *AssemblyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("assemble tile %s: %s: %v", e.Tile, e.Reason, e.Err)
	}
	return fmt.Sprintf("assemble tile %s: %s", e.Tile, e.Reason)
}

func (e *AssemblyError) Unwrap() error {
	return e.Err
}

// DegenerateCropError means the bounding box rounds to an empty raster
type DegenerateCropError struct {
	Rect CropRect
}

func (e *DegenerateCropError) Error() string {
	return fmt.Sprintf("degenerate crop rectangle %s", e.Rect)
}
