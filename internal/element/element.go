// Package element holds the in-memory element graph: nodes, ways and
// relations, the traversal helpers used by map consumers, and a simple
// in-memory map.
package element

import (
	"github.com/wegman-software/mapdb-go/internal/tags"
	"github.com/wegman-software/mapdb-go/internal/tile"
)

// Element is implemented by *Node, *Way and *Relation
type Element interface {
	ElementID() ID
	ChangesetID() int64
	Tags() tags.Tags
	// Envelope computes the element's bounds, resolving children through p.
	// The result is null when a child cannot be resolved.
	Envelope(p Provider) Envelope
}

// Node is a point. Coordinates are held in fixed-point so that a write and
// read cycle returns exactly the stored value.
type Node struct {
	ID        int64
	Lat       tile.Fixed
	Lon       tile.Fixed
	Changeset int64
	Tag       tags.Tags
}

// NewNode builds a node from degrees
func NewNode(id int64, lat, lon float64, changeset int64, t tags.Tags) *Node {
	return &Node{
		ID:        id,
		Lat:       tile.ToFixed(lat),
		Lon:       tile.ToFixed(lon),
		Changeset: changeset,
		Tag:       t,
	}
}

func (n *Node) ElementID() ID      { return NodeID(n.ID) }
func (n *Node) ChangesetID() int64 { return n.Changeset }
func (n *Node) Tags() tags.Tags    { return n.Tag }

// LatDegrees and LonDegrees return the coordinates in degrees
func (n *Node) LatDegrees() float64 { return n.Lat.Degrees() }
func (n *Node) LonDegrees() float64 { return n.Lon.Degrees() }

// TileKey returns the spatial index key for the node's position
func (n *Node) TileKey() uint32 {
	return tile.Key(n.LatDegrees(), n.LonDegrees())
}

func (n *Node) Envelope(Provider) Envelope {
	var e Envelope
	e.ExpandPoint(n.LatDegrees(), n.LonDegrees())
	return e
}

// Way is an ordered list of node references
type Way struct {
	ID        int64
	NodeIDs   []int64
	Changeset int64
	Tag       tags.Tags
}

// NewWay builds a way, copying nodeIDs
func NewWay(id int64, nodeIDs []int64, changeset int64, t tags.Tags) *Way {
	return &Way{
		ID:        id,
		NodeIDs:   append([]int64(nil), nodeIDs...),
		Changeset: changeset,
		Tag:       t,
	}
}

func (w *Way) ElementID() ID      { return WayID(w.ID) }
func (w *Way) ChangesetID() int64 { return w.Changeset }
func (w *Way) Tags() tags.Tags    { return w.Tag }

// IsClosed reports whether the first and last node are the same
func (w *Way) IsClosed() bool {
	return len(w.NodeIDs) > 2 && w.NodeIDs[0] == w.NodeIDs[len(w.NodeIDs)-1]
}

func (w *Way) Envelope(p Provider) Envelope {
	var e Envelope
	for _, nid := range w.NodeIDs {
		id := NodeID(nid)
		if !p.ContainsElement(id) {
			return Envelope{}
		}
		e.Extend(p.Element(id).Envelope(p))
	}
	return e
}
