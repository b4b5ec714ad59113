package element

import (
	"github.com/paulmach/osm"

	"github.com/wegman-software/mapdb-go/internal/tags"
)

// TagsFromOSM converts decoder tags; no tags gives nil
func TagsFromOSM(t osm.Tags) tags.Tags {
	if len(t) == 0 {
		return nil
	}
	return tags.Tags(t.Map())
}

// RelationFromOSM builds a relation from decoded OSM data. The "type" tag
// becomes the relation type. resolve maps each member reference to the id
// to store; members it rejects are left out and counted in dropped.
func RelationFromOSM(o *osm.Relation, id, changeset int64, resolve func(ID) (int64, bool)) (r *Relation, dropped int) {
	t := TagsFromOSM(o.Tags)
	typ := t[TypeTag]
	delete(t, TypeTag)

	r = NewRelation(id, typ, changeset, t)
	for _, m := range o.Members {
		k, ok := KindFromOSM(m.Type)
		if !ok {
			dropped++
			continue
		}
		ref, ok := resolve(ID{Kind: k, Ref: m.Ref})
		if !ok {
			dropped++
			continue
		}
		r.AddMember(m.Role, ID{Kind: k, Ref: ref})
	}
	return r, dropped
}

// WayFromOSM builds a way from decoded OSM data, resolving node references
// like RelationFromOSM
func WayFromOSM(o *osm.Way, id, changeset int64, resolve func(ID) (int64, bool)) (w *Way, dropped int) {
	nodeIDs := make([]int64, 0, len(o.Nodes))
	for _, wn := range o.Nodes {
		ref, ok := resolve(NodeID(int64(wn.ID)))
		if !ok {
			dropped++
			continue
		}
		nodeIDs = append(nodeIDs, ref)
	}
	return NewWay(id, nodeIDs, changeset, TagsFromOSM(o.Tags)), dropped
}
