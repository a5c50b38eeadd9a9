package tile

import (
	"fmt"
	"math"

	"github.com/paulmach/orb/maptile"
)

// Index addresses one tile of the slippy map grid
type Index struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

func (i Index) String() string {
	return fmt.Sprintf("%d/%d/%d", i.Z, i.X, i.Y)
}

// Tile returns the index as an orb maptile
func (i Index) Tile() maptile.Tile {
	return maptile.New(uint32(i.X), uint32(i.Y), maptile.Zoom(i.Z))
}

// Bound returns the geographic extent covered by the tile
func (i Index) Bound() BoundingBox {
	b := i.Tile().Bound()
	return NewBoundingBox(b.Min.Lat(), b.Min.Lon(), b.Max.Lat(), b.Max.Lon())
}

// Range is an inclusive rectangle of tile indices at one zoom level
type Range struct {
	MinX int `json:"x_min"`
	MinY int `json:"y_min"`
	MaxX int `json:"x_max"`
	MaxY int `json:"y_max"`
	Z    int `json:"zoom"`
}

// Cols is the number of tiles along x
func (r Range) Cols() int { return r.MaxX - r.MinX + 1 }

// Rows is the number of tiles along y
func (r Range) Rows() int { return r.MaxY - r.MinY + 1 }

// Count is the number of tiles in the range
func (r Range) Count() int { return r.Cols() * r.Rows() }

// Bound is the geographic extent of every tile in the range
func (r Range) Bound() BoundingBox {
	nw := Index{X: r.MinX, Y: r.MinY, Z: r.Z}.Bound()
	se := Index{X: r.MaxX, Y: r.MaxY, Z: r.Z}.Bound()
	return NewBoundingBox(se.Min.Lat, nw.Min.Lon, nw.Max.Lat, se.Max.Lon)
}

// Origin is the upper left tile
func (r Range) Origin() Index { return Index{X: r.MinX, Y: r.MinY, Z: r.Z} }

// Tiles lists the range row by row
func (r Range) Tiles() []Index {
	tiles := make([]Index, 0, r.Count())
	for y := r.MinY; y <= r.MaxY; y++ {
		for x := r.MinX; x <= r.MaxX; x++ {
			tiles = append(tiles, Index{X: x, Y: y, Z: r.Z})
		}
	}
	return tiles
}

// PointToTileCoord converts lat/lon to fractional tile coordinates at the given zoom.
// http://wiki.openstreetmap.org/wiki/Slippy_map_tilenames
//
// The latitude must be within ±MaxLatitude; near the poles the secant term
// diverges. BoundingBox.Validate enforces this for callers.
func PointToTileCoord(p GeoPoint, zoom int) (float64, float64) {
	latRad := p.Lat * math.Pi / 180
	n := math.Exp2(float64(zoom))

	x := (p.Lon + 180) / 360 * n
	y := (1 - math.Log(math.Tan(latRad)+1/math.Cos(latRad))/math.Pi) / 2 * n

	return x, y
}

// TileCoordToPoint converts fractional tile coordinates back to lat/lon
func TileCoordToPoint(x, y float64, zoom int) GeoPoint {
	n := math.Exp2(float64(zoom))
	lon := 360.0*x/n - 180.0
	latRad := math.Atan(math.Sinh(math.Pi * (1 - 2.0*y/n)))

	return GeoPoint{Lat: latRad * 180 / math.Pi, Lon: lon}
}

// IndexOf returns the tile containing the point, clamped to the grid
func IndexOf(p GeoPoint, zoom int) Index {
	x, y := PointToTileCoord(p, zoom)
	return Index{X: clampTile(x, zoom), Y: clampTile(y, zoom), Z: zoom}
}

// RangeOf returns the inclusive tile range covering the bounding box.
// North is up, so the max latitude corner has the smaller y.
func RangeOf(bbox BoundingBox, zoom int) Range {
	corners := []GeoPoint{
		bbox.Min,
		bbox.Max,
		bbox.NorthWest(),
		bbox.SouthEast(),
	}

	r := Range{MinX: math.MaxInt, MinY: math.MaxInt, MaxX: math.MinInt, MaxY: math.MinInt, Z: zoom}
	for _, c := range corners {
		i := IndexOf(c, zoom)
		r.MinX = min(r.MinX, i.X)
		r.MaxX = max(r.MaxX, i.X)
		r.MinY = min(r.MinY, i.Y)
		r.MaxY = max(r.MaxY, i.Y)
	}
	return r
}

func clampTile(v float64, zoom int) int {
	last := (1 << uint(zoom)) - 1
	i := int(math.Floor(v))
	if i < 0 {
		return 0
	}
	if i > last {
		return last
	}
	return i
}

// ProjectLatLon converts lat/lon in WGS84 to XY in Spherical Mercator (EPSG:900913/3857)
func ProjectLatLon(lat, lon float64) (float64, float64) {
	const originshift = 20037508.342789244 // 2 * pi * 6378137 / 2
	x := lon * originshift / 180.0
	y := math.Log(math.Tan((90+lat)*math.Pi/360.0)) / (math.Pi / 180.0)
	y = y * originshift / 180.0

	return x, y
}
