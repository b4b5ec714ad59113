package element

import (
	"fmt"
	"strings"

	"github.com/paulmach/osm"
)

// Kind identifies which of the three element types an ID refers to
type Kind int8

const (
	KindNode Kind = iota + 1
	KindWay
	KindRelation
)

// Kinds lists the element kinds in dependency order
var Kinds = []Kind{KindNode, KindWay, KindRelation}

// String returns the lower-cased name used in member_type columns
func (k Kind) String() string {
	switch k {
	case KindNode:
		return "node"
	case KindWay:
		return "way"
	case KindRelation:
		return "relation"
	}
	return fmt.Sprintf("kind(%d)", int8(k))
}

// Valid reports whether k is one of Node, Way, Relation
func (k Kind) Valid() bool {
	return k == KindNode || k == KindWay || k == KindRelation
}

// ParseKind is the inverse of Kind.String. Matching ignores case.
func ParseKind(s string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "node":
		return KindNode, true
	case "way":
		return KindWay, true
	case "relation":
		return KindRelation, true
	}
	return 0, false
}

// KindFromOSM maps a paulmach/osm element type onto a Kind
func KindFromOSM(t osm.Type) (Kind, bool) {
	switch t {
	case osm.TypeNode:
		return KindNode, true
	case osm.TypeWay:
		return KindWay, true
	case osm.TypeRelation:
		return KindRelation, true
	}
	return 0, false
}

// OSMType returns the paulmach/osm type for k
func (k Kind) OSMType() osm.Type {
	switch k {
	case KindNode:
		return osm.TypeNode
	case KindWay:
		return osm.TypeWay
	case KindRelation:
		return osm.TypeRelation
	}
	return ""
}

// ID references one element. It is comparable and usable as a map key.
type ID struct {
	Kind Kind
	Ref  int64
}

// NodeID, WayID and RelationID build IDs of the matching kind
func NodeID(ref int64) ID     { return ID{Kind: KindNode, Ref: ref} }
func WayID(ref int64) ID      { return ID{Kind: KindWay, Ref: ref} }
func RelationID(ref int64) ID { return ID{Kind: KindRelation, Ref: ref} }

func (id ID) String() string {
	return fmt.Sprintf("%s/%d", id.Kind, id.Ref)
}
