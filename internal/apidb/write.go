package apidb

import (
	"context"
	"fmt"

	"github.com/wegman-software/mapdb-go/internal/element"
	"github.com/wegman-software/mapdb-go/internal/tags"
)

// InsertNode buffers a node for mapID and returns its id. With createNewID
// the id is taken from the map's node sequence and stored back into n.
func (s *Session) InsertNode(ctx context.Context, mapID int64, n *element.Node, createNewID bool) (int64, error) {
	if err := s.SwitchMap(ctx, mapID); err != nil {
		return 0, err
	}
	cs, err := s.checkChangeset(ctx, n.Changeset)
	if err != nil {
		return 0, err
	}
	if err := s.assignID(ctx, element.KindNode, &n.ID, createNewID); err != nil {
		return 0, err
	}

	row := []any{
		n.ID,
		int64(n.Lat),
		int64(n.Lon),
		n.Changeset,
		int64(n.TileKey()),
		tags.Encode(n.Tag),
	}
	if err := s.addRow(ctx, nodeRows, row); err != nil {
		return 0, err
	}

	cs.RecordNode(n.LatDegrees(), n.LonDegrees())
	s.stats.NodesWritten.Add(1)
	return n.ID, nil
}

// InsertWay buffers a way and its node memberships
func (s *Session) InsertWay(ctx context.Context, mapID int64, w *element.Way, createNewID bool) (int64, error) {
	if err := s.SwitchMap(ctx, mapID); err != nil {
		return 0, err
	}
	cs, err := s.checkChangeset(ctx, w.Changeset)
	if err != nil {
		return 0, err
	}
	if err := s.assignID(ctx, element.KindWay, &w.ID, createNewID); err != nil {
		return 0, err
	}

	if err := s.addRow(ctx, wayRows, []any{w.ID, w.Changeset, tags.Encode(w.Tag)}); err != nil {
		return 0, err
	}
	if err := s.InsertWayNodes(ctx, mapID, w.ID, w.NodeIDs); err != nil {
		return 0, err
	}

	cs.RecordChange()
	s.stats.WaysWritten.Add(1)
	return w.ID, nil
}

// InsertWayNodes buffers the ordered node memberships of a way. Positions
// start at zero.
func (s *Session) InsertWayNodes(ctx context.Context, mapID, wayID int64, nodeIDs []int64) error {
	if err := s.SwitchMap(ctx, mapID); err != nil {
		return err
	}
	for i, nodeID := range nodeIDs {
		if err := s.addRow(ctx, wayNodeRows, []any{wayID, nodeID, int64(i)}); err != nil {
			return err
		}
	}
	return nil
}

// InsertRelation buffers a relation and writes its members. The relation
// type is stored as the "type" tag.
func (s *Session) InsertRelation(ctx context.Context, mapID int64, r *element.Relation, createNewID bool) (int64, error) {
	if err := s.SwitchMap(ctx, mapID); err != nil {
		return 0, err
	}
	cs, err := s.checkChangeset(ctx, r.ChangesetID())
	if err != nil {
		return 0, err
	}
	if err := s.assignID(ctx, element.KindRelation, &r.ID, createNewID); err != nil {
		return 0, err
	}

	row := []any{r.ID, r.ChangesetID(), tags.Encode(r.PersistedTags())}
	if err := s.addRow(ctx, relationRows, row); err != nil {
		return 0, err
	}
	for i, m := range r.Members() {
		if err := s.InsertRelationMembers(ctx, mapID, r.ID, m.Member, m.Role, i); err != nil {
			return 0, err
		}
	}

	cs.RecordChange()
	s.stats.RelationsWritten.Add(1)
	return r.ID, nil
}

// InsertRelationMembers writes one relation member at position seq. The
// member row is written immediately, not batched.
func (s *Session) InsertRelationMembers(ctx context.Context, mapID, relationID int64, member element.ID, role string, seq int) error {
	if err := s.SwitchMap(ctx, mapID); err != nil {
		return err
	}
	sql := fmt.Sprintf(`INSERT INTO %s (relation_id, member_type, member_id, member_role, sequence_id)
		VALUES ($1, $2, $3, $4, $5)`, s.tables().RelationMembers)
	stmt, err := s.prepared(ctx, "insert_relation_member", sql)
	if err != nil {
		return err
	}

	args := []any{relationID, member.Kind.String(), member.Ref, role, seq}
	if _, err := s.db.Exec(ctx, stmt, args...); err != nil {
		return queryError("insert relation member", sql, err, args...)
	}
	return nil
}

// UpdateNode rewrites a stored node. Buffered inserts are flushed first so
// the update sees them.
func (s *Session) UpdateNode(ctx context.Context, mapID int64, n *element.Node) error {
	if err := s.beforeUpdate(ctx, mapID); err != nil {
		return err
	}
	cs, err := s.checkChangeset(ctx, n.Changeset)
	if err != nil {
		return err
	}

	sql := fmt.Sprintf(`UPDATE %s SET latitude = $2, longitude = $3, changeset_id = $4, tile = $5, tags = $6
		WHERE id = $1`, s.tables().Nodes)
	args := []any{n.ID, int64(n.Lat), int64(n.Lon), n.Changeset, int64(n.TileKey()), tags.Encode(n.Tag)}
	if err := s.execUpdate(ctx, "update_node", sql, element.NodeID(n.ID), args); err != nil {
		return err
	}

	cs.RecordNode(n.LatDegrees(), n.LonDegrees())
	return nil
}

// UpdateWay rewrites a way's tags and changeset and replaces its node list
func (s *Session) UpdateWay(ctx context.Context, mapID int64, w *element.Way) error {
	if err := s.beforeUpdate(ctx, mapID); err != nil {
		return err
	}
	cs, err := s.checkChangeset(ctx, w.Changeset)
	if err != nil {
		return err
	}

	t := s.tables()
	sql := fmt.Sprintf("UPDATE %s SET changeset_id = $2, tags = $3 WHERE id = $1", t.Ways)
	args := []any{w.ID, w.Changeset, tags.Encode(w.Tag)}
	if err := s.execUpdate(ctx, "update_way", sql, element.WayID(w.ID), args); err != nil {
		return err
	}

	del := fmt.Sprintf("DELETE FROM %s WHERE way_id = $1", t.WayNodes)
	if _, err := s.db.Exec(ctx, del, w.ID); err != nil {
		return queryError("replace way nodes", del, err, w.ID)
	}
	if err := s.InsertWayNodes(ctx, mapID, w.ID, w.NodeIDs); err != nil {
		return err
	}

	cs.RecordChange()
	return nil
}

// UpdateRelation rewrites a relation's tags and changeset and replaces its
// members
func (s *Session) UpdateRelation(ctx context.Context, mapID int64, r *element.Relation) error {
	if err := s.beforeUpdate(ctx, mapID); err != nil {
		return err
	}
	cs, err := s.checkChangeset(ctx, r.ChangesetID())
	if err != nil {
		return err
	}

	t := s.tables()
	sql := fmt.Sprintf("UPDATE %s SET changeset_id = $2, tags = $3 WHERE id = $1", t.Relations)
	args := []any{r.ID, r.ChangesetID(), tags.Encode(r.PersistedTags())}
	if err := s.execUpdate(ctx, "update_relation", sql, element.RelationID(r.ID), args); err != nil {
		return err
	}

	del := fmt.Sprintf("DELETE FROM %s WHERE relation_id = $1", t.RelationMembers)
	if _, err := s.db.Exec(ctx, del, r.ID); err != nil {
		return queryError("replace relation members", del, err, r.ID)
	}
	for i, m := range r.Members() {
		if err := s.InsertRelationMembers(ctx, mapID, r.ID, m.Member, m.Role, i); err != nil {
			return err
		}
	}

	cs.RecordChange()
	return nil
}

// DeleteElement removes an element from a map, attributing the deletion to
// changesetID. A way's node list and a relation's members go with it.
// Deleting a node that a way still uses fails with an integrity error once
// the map's foreign keys exist.
func (s *Session) DeleteElement(ctx context.Context, mapID int64, id element.ID, changesetID int64) error {
	if err := s.beforeUpdate(ctx, mapID); err != nil {
		return err
	}
	cs, err := s.checkChangeset(ctx, changesetID)
	if err != nil {
		return err
	}

	t := s.tables()
	var table, children, childKey string
	switch id.Kind {
	case element.KindNode:
		table = t.Nodes
	case element.KindWay:
		table, children, childKey = t.Ways, t.WayNodes, "way_id"
	case element.KindRelation:
		table, children, childKey = t.Relations, t.RelationMembers, "relation_id"
	default:
		panic(fmt.Sprintf("apidb: cannot delete element of kind %d", id.Kind))
	}

	if children != "" {
		del := fmt.Sprintf("DELETE FROM %s WHERE %s = $1", children, childKey)
		if _, err := s.db.Exec(ctx, del, id.Ref); err != nil {
			return queryError("delete "+id.Kind.String()+" children", del, err, id.Ref)
		}
	}

	sql := fmt.Sprintf("DELETE FROM %s WHERE id = $1", table)
	if err := s.execUpdate(ctx, "delete_"+id.Kind.String(), sql, id, []any{id.Ref}); err != nil {
		return err
	}

	cs.RecordChange()
	return nil
}

func (s *Session) beforeUpdate(ctx context.Context, mapID int64) error {
	if err := s.SwitchMap(ctx, mapID); err != nil {
		return err
	}
	return s.flushAll(ctx)
}

// execUpdate runs a prepared update and reports NotFound when no row matched
func (s *Session) execUpdate(ctx context.Context, key, sql string, id element.ID, args []any) error {
	stmt, err := s.prepared(ctx, key, sql)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, stmt, args...)
	if err != nil {
		return queryError(key, sql, err, args...)
	}
	if tag.RowsAffected() == 0 {
		return notFound("%s %d in map %d", id.Kind, id.Ref, s.mapID)
	}
	return nil
}
