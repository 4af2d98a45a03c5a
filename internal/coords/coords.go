// Package coords converts between the three coordinate spaces the
// annotation engine works in: pixel offsets inside a rendered raster,
// percentage-of-image positions, and geographic latitude/longitude on
// equirectangular tile maps.
package coords

import (
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
)

// ErrDegenerateContainer is returned when a conversion would divide by a
// zero-size container dimension.
var ErrDegenerateContainer = eris.New("coords: zero-size container")

// PixelOffset is a pointer position in pixels relative to the top-left
// corner of the rendered image or viewport.
type PixelOffset struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Size is the rendered size of a container in pixels. The values come
// from the rendered layout, so any zoom transform applied above the
// container is already baked in.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// PercentPoint is a position inside the image expressed as percentages
// of its rendered bounding box, each in [0,100].
type PercentPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// LatLng is a geographic position in degrees.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Bounds is an axis-aligned geographic rectangle with normalized edges:
// South <= North and West <= East always hold.
type Bounds struct {
	South float64 `json:"south"`
	West  float64 `json:"west"`
	North float64 `json:"north"`
	East  float64 `json:"east"`
}

// Viewport describes the geographic extent currently covered by a
// rendered tile map and its size in pixels.
type Viewport struct {
	Bounds Bounds `json:"bounds"`
	Size   Size   `json:"size"`
}

// ToPercentage converts a pixel offset into percentage-of-image space.
func ToPercentage(px PixelOffset, container Size) (PercentPoint, error) {
	if container.Width == 0 || container.Height == 0 {
		return PercentPoint{}, ErrDegenerateContainer
	}
	return PercentPoint{
		X: px.X / container.Width * 100,
		Y: px.Y / container.Height * 100,
	}, nil
}

// ToGeographic converts a pixel offset inside a viewport into geographic
// coordinates by equirectangular interpolation. Pixel y grows downward
// while latitude grows northward, so y interpolates from North down.
func ToGeographic(px PixelOffset, vp Viewport) (LatLng, error) {
	if vp.Size.Width == 0 || vp.Size.Height == 0 {
		return LatLng{}, ErrDegenerateContainer
	}
	b := vp.Bounds
	return LatLng{
		Lat: b.North - px.Y/vp.Size.Height*(b.North-b.South),
		Lng: NormalizeLon(b.West + px.X/vp.Size.Width*(b.East-b.West)),
	}, nil
}

// NormalizeLon maps a longitude given in [0, 360) into (-180, 180].
// Longitudes already in (-180, 180] pass through unchanged.
func NormalizeLon(lon float64) float64 {
	if lon > 180 {
		return lon - 360
	}
	return lon
}

// MakeBounds builds the normalized rectangle spanned by two opposite
// corners. The corner order as drawn is not preserved.
func MakeBounds(a, b LatLng) Bounds {
	bb := geom.NewBounds(geom.XY)
	bb.Extend(geom.NewPointFlat(geom.XY, []float64{a.Lng, a.Lat}))
	bb.Extend(geom.NewPointFlat(geom.XY, []float64{b.Lng, b.Lat}))
	return Bounds{
		South: bb.Min(1),
		West:  bb.Min(0),
		North: bb.Max(1),
		East:  bb.Max(0),
	}
}

// Center returns the midpoint of a bounds rectangle, used to anchor the
// rectangle's label marker.
func Center(b Bounds) LatLng {
	return LatLng{
		Lat: (b.South + b.North) / 2,
		Lng: (b.West + b.East) / 2,
	}
}

// Contains reports whether p falls inside b, edges included. The eraser
// tool uses it for hit testing.
func (b Bounds) Contains(p LatLng) bool {
	return p.Lat >= b.South && p.Lat <= b.North && p.Lng >= b.West && p.Lng <= b.East
}
