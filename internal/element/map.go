package element

import (
	"sort"
)

// Map is an in-memory element graph. It is what readers load a stored map
// into and what visitors walk.
type Map struct {
	nodes     map[int64]*Node
	ways      map[int64]*Way
	relations map[int64]*Relation

	// relation envelopes, dropped whenever any relation's membership changes
	envelopes map[int64]Envelope
}

// NewMap returns an empty map
func NewMap() *Map {
	return &Map{
		nodes:     make(map[int64]*Node),
		ways:      make(map[int64]*Way),
		relations: make(map[int64]*Relation),
		envelopes: make(map[int64]Envelope),
	}
}

// AddNode inserts or replaces a node
func (m *Map) AddNode(n *Node) { m.nodes[n.ID] = n }

// AddWay inserts or replaces a way
func (m *Map) AddWay(w *Way) { m.ways[w.ID] = w }

// AddRelation inserts or replaces a relation and subscribes to its
// geometry changes
func (m *Map) AddRelation(r *Relation) {
	r.SetGeometryListener(m)
	m.relations[r.ID] = r
	m.envelopes = make(map[int64]Envelope)
}

// Remove deletes an element if present
func (m *Map) Remove(id ID) {
	switch id.Kind {
	case KindNode:
		delete(m.nodes, id.Ref)
	case KindWay:
		delete(m.ways, id.Ref)
	case KindRelation:
		if r, ok := m.relations[id.Ref]; ok {
			r.SetGeometryListener(nil)
			delete(m.relations, id.Ref)
		}
	}
	m.envelopes = make(map[int64]Envelope)
}

func (m *Map) Node(id int64) *Node         { return m.nodes[id] }
func (m *Map) Way(id int64) *Way           { return m.ways[id] }
func (m *Map) Relation(id int64) *Relation { return m.relations[id] }

func (m *Map) ContainsNode(id int64) bool     { _, ok := m.nodes[id]; return ok }
func (m *Map) ContainsWay(id int64) bool      { _, ok := m.ways[id]; return ok }
func (m *Map) ContainsRelation(id int64) bool { _, ok := m.relations[id]; return ok }

// ContainsElement implements Provider
func (m *Map) ContainsElement(id ID) bool {
	switch id.Kind {
	case KindNode:
		return m.ContainsNode(id.Ref)
	case KindWay:
		return m.ContainsWay(id.Ref)
	case KindRelation:
		return m.ContainsRelation(id.Ref)
	}
	return false
}

// Element implements Provider. It returns nil for a missing element.
func (m *Map) Element(id ID) Element {
	switch id.Kind {
	case KindNode:
		if n, ok := m.nodes[id.Ref]; ok {
			return n
		}
	case KindWay:
		if w, ok := m.ways[id.Ref]; ok {
			return w
		}
	case KindRelation:
		if r, ok := m.relations[id.Ref]; ok {
			return r
		}
	}
	return nil
}

// Len returns the number of elements of each kind
func (m *Map) Len() (nodes, ways, relations int) {
	return len(m.nodes), len(m.ways), len(m.relations)
}

// RelationEnvelope returns the cached envelope of a relation
func (m *Map) RelationEnvelope(id int64) Envelope {
	if e, ok := m.envelopes[id]; ok {
		return e
	}
	r, ok := m.relations[id]
	if !ok {
		return Envelope{}
	}
	e := r.Envelope(m)
	m.envelopes[id] = e
	return e
}

// Envelope is the bounds of every node in the map
func (m *Map) Envelope() Envelope {
	var e Envelope
	for _, n := range m.nodes {
		e.ExpandPoint(n.LatDegrees(), n.LonDegrees())
	}
	return e
}

// PreGeometryChange implements GeometryListener. Parent relations may
// depend on the changed one, so every cached envelope goes.
func (m *Map) PreGeometryChange(*Relation) {
	m.envelopes = make(map[int64]Envelope)
}

func (m *Map) PostGeometryChange(*Relation) {}

// VisitAll visits every element in id order, nodes first
func (m *Map) VisitAll(v Visitor) {
	for _, id := range sortedKeys(m.nodes) {
		v.Visit(m.nodes[id])
	}
	for _, id := range sortedKeys(m.ways) {
		v.Visit(m.ways[id])
	}
	for _, id := range sortedKeys(m.relations) {
		v.Visit(m.relations[id])
	}
}

func sortedKeys[T any](in map[int64]T) []int64 {
	keys := make([]int64, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
