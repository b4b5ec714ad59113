package element

import (
	"github.com/paulmach/orb"
)

// Envelope is a bounding box that may be null (covering nothing)
type Envelope struct {
	bound orb.Bound
	set   bool
}

// NewEnvelope returns an envelope covering the given corners
func NewEnvelope(minLat, minLon, maxLat, maxLon float64) Envelope {
	return Envelope{
		bound: orb.Bound{Min: orb.Point{minLon, minLat}, Max: orb.Point{maxLon, maxLat}},
		set:   true,
	}
}

// IsNull reports whether nothing has been added yet
func (e Envelope) IsNull() bool {
	return !e.set
}

// ExpandPoint grows the envelope to include a point
func (e *Envelope) ExpandPoint(lat, lon float64) {
	p := orb.Point{lon, lat}
	if !e.set {
		e.bound = p.Bound()
		e.set = true
		return
	}
	e.bound = e.bound.Extend(p)
}

// Extend grows the envelope to include another envelope
func (e *Envelope) Extend(other Envelope) {
	if !other.set {
		return
	}
	if !e.set {
		*e = other
		return
	}
	e.bound = e.bound.Union(other.bound)
}

// Bound returns the envelope as an orb.Bound; ok is false when null
func (e Envelope) Bound() (b orb.Bound, ok bool) {
	return e.bound, e.set
}

func (e Envelope) MinLat() float64 { return e.bound.Min.Lat() }
func (e Envelope) MaxLat() float64 { return e.bound.Max.Lat() }
func (e Envelope) MinLon() float64 { return e.bound.Min.Lon() }
func (e Envelope) MaxLon() float64 { return e.bound.Max.Lon() }

// Contains reports whether a point lies inside a non-null envelope
func (e Envelope) Contains(lat, lon float64) bool {
	return e.set && e.bound.Contains(orb.Point{lon, lat})
}
