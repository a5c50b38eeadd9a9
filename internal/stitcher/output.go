package stitcher

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"math"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"golang.org/x/image/tiff"

	"github.com/kiesman99/tilecrop/pkg/tile"
)

// Format is an output image encoding
type Format string

const (
	FormatPNG  Format = "png"
	FormatTIFF Format = "tiff"
)

// ParseFormat accepts png, tiff, tif and the legacy geotiff name
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "png":
		return FormatPNG, nil
	case "tiff", "tif", "geotiff":
		return FormatTIFF, nil
	default:
		return "", errors.Errorf("unknown format: %s", s)
	}
}

// ContentType is the MIME type of the encoding
func (f Format) ContentType() string {
	if f == FormatTIFF {
		return "image/tiff"
	}
	return "image/png"
}

// WorldFileExt is the sidecar extension for the encoding
func (f Format) WorldFileExt() string {
	if f == FormatTIFF {
		return ".tfw"
	}
	return ".pnw"
}

// Encode writes img in the given format. Both encodings are lossless.
func Encode(w io.Writer, img image.Image, format Format) error {
	switch format {
	case FormatPNG, "":
		return imaging.Encode(w, img, imaging.PNG)
	case FormatTIFF:
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
	default:
		return errors.Errorf("unknown format: %s", format)
	}
}

// EncodeBytes encodes img into memory
func EncodeBytes(img image.Image, format Format) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, img, format); err != nil {
		return nil, errors.Wrapf(err, "encode %s", format)
	}
	return buf.Bytes(), nil
}

// Georef is the Spherical Mercator placement of the output raster
type Georef struct {
	PixelSizeX float64
	PixelSizeY float64
	MinX, MinY float64
	MaxX, MaxY float64
}

// Georef projects the plan's pixel extent to EPSG:3857
func (p *Plan) Georef() Georef {
	minx, miny := tile.ProjectLatLon(p.Extent.Min.Lat, p.Extent.Min.Lon)
	maxx, maxy := tile.ProjectLatLon(p.Extent.Max.Lat, p.Extent.Max.Lon)

	return Georef{
		PixelSizeX: (maxx - minx) / float64(p.Output.Width),
		PixelSizeY: math.Abs(maxy-miny) / float64(p.Output.Height),
		MinX:       minx,
		MinY:       miny,
		MaxX:       maxx,
		MaxY:       maxy,
	}
}

// WorldFile renders the six line world file: pixel size x, rotation,
// rotation, negative pixel size y, top left x, top left y
func (g Georef) WorldFile() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%24.10f\n", g.PixelSizeX)
	fmt.Fprintf(&buf, "%24.10f\n", 0.0)
	fmt.Fprintf(&buf, "%24.10f\n", 0.0)
	fmt.Fprintf(&buf, "%24.10f\n", -g.PixelSizeY)
	fmt.Fprintf(&buf, "%24.10f\n", g.MinX)
	fmt.Fprintf(&buf, "%24.10f\n", g.MaxY)
	return buf.Bytes()
}
