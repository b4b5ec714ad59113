// Package tile computes the 32 bit tile key stored with every node and the
// fixed-point integer form of coordinates.
package tile

import "math"

// Scale is the fixed-point factor for stored coordinates (10^7)
const Scale = 10000000

// Fixed is a coordinate in units of 10^-7 degrees
type Fixed int64

// ToFixed converts degrees to fixed-point, rounding half away from zero
func ToFixed(deg float64) Fixed {
	return Fixed(math.Round(deg * Scale))
}

// Degrees converts back to a float64 coordinate
func (f Fixed) Degrees() float64 {
	return float64(f) / Scale
}

// Key returns the interleaved tile key for a point. Longitude and latitude
// are quantized to 16 bits each, then interleaved from the most significant
// bit down, longitude first.
func Key(lat, lon float64) uint32 {
	lonInt := quantize((lon + 180.0) * 65535.0 / 360.0)
	latInt := quantize((lat + 90.0) * 65535.0 / 180.0)

	var key uint32
	for i := 15; i >= 0; i-- {
		key = (key << 1) | ((lonInt >> i) & 1)
		key = (key << 1) | ((latInt >> i) & 1)
	}
	return key
}

// quantize rounds half up and clamps into the 16 bit range
func quantize(x float64) uint32 {
	v := math.Floor(x + 0.5)
	switch {
	case v < 0:
		return 0
	case v > 65535:
		return 65535
	}
	return uint32(v)
}

// Range returns the smallest and largest key a bounding box can produce.
// Keys outside the range belong to points outside the box; keys inside the
// range still need the coordinates checked.
func Range(minLat, minLon, maxLat, maxLon float64) (lo, hi uint32) {
	return Key(minLat, minLon), Key(maxLat, maxLon)
}
