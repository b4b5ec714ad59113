package element

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
)

// Provider gives read access to the elements of a map
type Provider interface {
	ContainsElement(id ID) bool
	Element(id ID) Element
}

// MutableProvider adds the per-kind presence checks used while a graph is
// being edited
type MutableProvider interface {
	Provider
	ContainsNode(id int64) bool
	ContainsWay(id int64) bool
	ContainsRelation(id int64) bool
}

// Visitor receives elements during a traversal
type Visitor interface {
	Visit(e Element)
}

// VisitorFunc adapts a function to Visitor
type VisitorFunc func(e Element)

func (f VisitorFunc) Visit(e Element) { f(e) }

// VisitRO applies v to e and, for ways and relations, to every child found
// in p. Relation members are visited in member order; missing members are
// skipped.
func VisitRO(p Provider, e Element, v Visitor) {
	visit(p, e, v, nil, mapset.NewThreadUnsafeSet[ID]())
}

// VisitRW is VisitRO for graphs that are being edited: a member is only
// visited if the kind-specific presence check also passes. The member list
// is copied first so v may modify the relation.
func VisitRW(p MutableProvider, e Element, v Visitor) {
	visit(p, e, v, p, mapset.NewThreadUnsafeSet[ID]())
}

// visit tracks the elements on the current path so a relation that
// (indirectly) contains itself is not entered twice.
func visit(p Provider, e Element, v Visitor, rw MutableProvider, path mapset.Set[ID]) {
	id := e.ElementID()
	if path.Contains(id) {
		return
	}
	v.Visit(e)

	switch el := e.(type) {
	case *Node:
		return
	case *Way:
		path.Add(id)
		for _, nid := range el.NodeIDs {
			child := NodeID(nid)
			if !p.ContainsElement(child) || (rw != nil && !rw.ContainsNode(nid)) {
				continue
			}
			visit(p, p.Element(child), v, rw, path)
		}
		path.Remove(id)
	case *Relation:
		members := el.Members()
		if rw != nil {
			members = append([]Entry(nil), members...)
		}
		path.Add(id)
		for _, m := range members {
			if !m.Member.Kind.Valid() {
				panic(fmt.Sprintf("relation %d has member with impossible kind %d", el.ID, int8(m.Member.Kind)))
			}
			if !p.ContainsElement(m.Member) {
				continue
			}
			if rw != nil && !stillPresent(rw, m.Member) {
				continue
			}
			visit(p, p.Element(m.Member), v, rw, path)
		}
		path.Remove(id)
	}
}

func stillPresent(p MutableProvider, id ID) bool {
	switch id.Kind {
	case KindNode:
		return p.ContainsNode(id.Ref)
	case KindWay:
		return p.ContainsWay(id.Ref)
	case KindRelation:
		return p.ContainsRelation(id.Ref)
	}
	// A member of any other kind means the model itself is corrupt.
	panic(fmt.Sprintf("relation member with impossible kind %d", int8(id.Kind)))
}
