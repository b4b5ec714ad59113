package apidb

import (
	"fmt"

	"github.com/wegman-software/mapdb-go/internal/element"
)

// Template tables copied for every map
const (
	templateChangesets      = "changesets"
	templateNodes           = "current_nodes"
	templateWays            = "current_ways"
	templateWayNodes        = "current_way_nodes"
	templateRelations       = "current_relations"
	templateRelationMembers = "current_relation_members"
)

// mapTables names every per-map artifact. All names derive from the map id
// alone, so two live maps can never collide.
type mapTables struct {
	Changesets      string
	Nodes           string
	Ways            string
	WayNodes        string
	Relations       string
	RelationMembers string

	NodeSeq     string
	WaySeq      string
	RelationSeq string
}

func tablesFor(mapID int64) mapTables {
	suffix := fmt.Sprintf("_%d", mapID)
	t := mapTables{
		Changesets:      templateChangesets + suffix,
		Nodes:           templateNodes + suffix,
		Ways:            templateWays + suffix,
		WayNodes:        templateWayNodes + suffix,
		Relations:       templateRelations + suffix,
		RelationMembers: templateRelationMembers + suffix,
	}
	t.NodeSeq = t.Nodes + "_id_seq"
	t.WaySeq = t.Ways + "_id_seq"
	t.RelationSeq = t.Relations + "_id_seq"
	return t
}

// dropOrder lists the tables so that memberships go before their parents
func (t mapTables) dropOrder() []string {
	return []string{t.RelationMembers, t.Relations, t.WayNodes, t.Ways, t.Nodes, t.Changesets}
}

func (t mapTables) sequences() []string {
	return []string{t.NodeSeq, t.WaySeq, t.RelationSeq}
}

// elementTable returns the main table for a kind
func (t mapTables) elementTable(k element.Kind) string {
	switch k {
	case element.KindNode:
		return t.Nodes
	case element.KindWay:
		return t.Ways
	case element.KindRelation:
		return t.Relations
	}
	panic(fmt.Sprintf("no table for element kind %v", k))
}

func (t mapTables) sequence(k element.Kind) string {
	switch k {
	case element.KindNode:
		return t.NodeSeq
	case element.KindWay:
		return t.WaySeq
	case element.KindRelation:
		return t.RelationSeq
	}
	panic(fmt.Sprintf("no sequence for element kind %v", k))
}
