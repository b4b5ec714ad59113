package apidb

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/wegman-software/mapdb-go/internal/element"
	"github.com/wegman-software/mapdb-go/internal/tags"
	"github.com/wegman-software/mapdb-go/internal/tile"
)

// Reads flush the session's buffers first so they observe its own inserts.

// SelectNode reads one node
func (s *Session) SelectNode(ctx context.Context, mapID, id int64) (*element.Node, error) {
	if err := s.beforeRead(ctx, mapID); err != nil {
		return nil, err
	}

	sql := fmt.Sprintf("SELECT latitude, longitude, changeset_id, tags FROM %s WHERE id = $1", s.tables().Nodes)
	stmt, err := s.prepared(ctx, "select_node", sql)
	if err != nil {
		return nil, err
	}

	var (
		lat, lon, cs int64
		encoded      string
	)
	err = s.db.QueryRow(ctx, stmt, id).Scan(&lat, &lon, &cs, &encoded)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("node %d in map %d", id, mapID)
	}
	if err != nil {
		return nil, queryError("select node", sql, err, id)
	}
	return buildNode(id, lat, lon, cs, encoded)
}

// SelectWay reads a way together with its ordered node ids
func (s *Session) SelectWay(ctx context.Context, mapID, id int64) (*element.Way, error) {
	if err := s.beforeRead(ctx, mapID); err != nil {
		return nil, err
	}

	sql := fmt.Sprintf("SELECT changeset_id, tags FROM %s WHERE id = $1", s.tables().Ways)
	stmt, err := s.prepared(ctx, "select_way", sql)
	if err != nil {
		return nil, err
	}

	var (
		cs      int64
		encoded string
	)
	err = s.db.QueryRow(ctx, stmt, id).Scan(&cs, &encoded)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("way %d in map %d", id, mapID)
	}
	if err != nil {
		return nil, queryError("select way", sql, err, id)
	}

	t, err := decodeTags(element.WayID(id), encoded)
	if err != nil {
		return nil, err
	}
	nodeIDs, err := s.SelectNodeIDsForWay(ctx, mapID, id)
	if err != nil {
		return nil, err
	}
	return element.NewWay(id, nodeIDs, cs, t), nil
}

// SelectRelation reads a relation together with its members
func (s *Session) SelectRelation(ctx context.Context, mapID, id int64) (*element.Relation, error) {
	if err := s.beforeRead(ctx, mapID); err != nil {
		return nil, err
	}

	sql := fmt.Sprintf("SELECT changeset_id, tags FROM %s WHERE id = $1", s.tables().Relations)
	stmt, err := s.prepared(ctx, "select_relation", sql)
	if err != nil {
		return nil, err
	}

	var (
		cs      int64
		encoded string
	)
	err = s.db.QueryRow(ctx, stmt, id).Scan(&cs, &encoded)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("relation %d in map %d", id, mapID)
	}
	if err != nil {
		return nil, queryError("select relation", sql, err, id)
	}

	r, err := buildRelation(id, cs, encoded)
	if err != nil {
		return nil, err
	}
	members, err := s.SelectMembersForRelation(ctx, mapID, id)
	if err != nil {
		return nil, err
	}
	r.SetMembers(members)
	return r, nil
}

// SelectNodeIDsForWay returns a way's node ids in sequence order
func (s *Session) SelectNodeIDsForWay(ctx context.Context, mapID, wayID int64) ([]int64, error) {
	if err := s.beforeRead(ctx, mapID); err != nil {
		return nil, err
	}

	sql := fmt.Sprintf("SELECT node_id FROM %s WHERE way_id = $1 ORDER BY sequence_id", s.tables().WayNodes)
	stmt, err := s.prepared(ctx, "select_way_nodes", sql)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx, stmt, wayID)
	if err != nil {
		return nil, queryError("select way nodes", sql, err, wayID)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, queryError("select way nodes", sql, err, wayID)
	}
	return ids, nil
}

// SelectMembersForRelation returns a relation's members in sequence order.
// Members with an unrecognised type are logged and skipped.
func (s *Session) SelectMembersForRelation(ctx context.Context, mapID, relationID int64) ([]element.Entry, error) {
	if err := s.beforeRead(ctx, mapID); err != nil {
		return nil, err
	}

	sql := fmt.Sprintf(`SELECT member_type, member_id, member_role FROM %s
		WHERE relation_id = $1 ORDER BY sequence_id`, s.tables().RelationMembers)
	stmt, err := s.prepared(ctx, "select_relation_members", sql)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx, stmt, relationID)
	if err != nil {
		return nil, queryError("select relation members", sql, err, relationID)
	}

	var (
		members  []element.Entry
		typ      string
		memberID int64
		role     string
	)
	_, err = pgx.ForEachRow(rows, []any{&typ, &memberID, &role}, func() error {
		if e, ok := s.memberEntry(relationID, typ, memberID, role); ok {
			members = append(members, e)
		}
		return nil
	})
	if err != nil {
		return nil, queryError("select relation members", sql, err, relationID)
	}
	return members, nil
}

func (s *Session) memberEntry(relationID int64, typ string, memberID int64, role string) (element.Entry, bool) {
	k, ok := element.ParseKind(typ)
	if !ok {
		s.log.Warn("Skipping relation member with unknown type",
			zap.Int64("map_id", s.mapID),
			zap.Int64("relation_id", relationID),
			zap.String("member_type", typ),
			zap.Int64("member_id", memberID))
		return element.Entry{}, false
	}
	return element.Entry{Role: role, Member: element.ID{Kind: k, Ref: memberID}}, true
}

// NumElements counts the stored elements of one kind
func (s *Session) NumElements(ctx context.Context, mapID int64, k element.Kind) (int64, error) {
	if err := s.beforeRead(ctx, mapID); err != nil {
		return 0, err
	}
	sql := "SELECT COUNT(*) FROM " + s.tables().elementTable(k)
	var n int64
	if err := s.db.QueryRow(ctx, sql).Scan(&n); err != nil {
		return 0, queryError("count "+k.String()+"s", sql, err)
	}
	return n, nil
}

// ForEachElementID calls fn with the id of every stored element of kind k
// in ascending order. Iteration stops at the first error fn returns.
func (s *Session) ForEachElementID(ctx context.Context, mapID int64, k element.Kind, fn func(id int64) error) error {
	if err := s.beforeRead(ctx, mapID); err != nil {
		return err
	}
	sql := fmt.Sprintf("SELECT id FROM %s ORDER BY id", s.tables().elementTable(k))
	rows, err := s.db.Query(ctx, sql)
	if err != nil {
		return queryError("list "+k.String()+" ids", sql, err)
	}

	var id int64
	var fnErr error
	_, err = pgx.ForEachRow(rows, []any{&id}, func() error {
		if fnErr = fn(id); fnErr != nil {
			return fnErr
		}
		return nil
	})
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		return queryError("list "+k.String()+" ids", sql, err)
	}
	return nil
}

// SelectNodesInBounds returns the nodes inside env. The tile index narrows
// the scan; coordinates are then checked exactly.
func (s *Session) SelectNodesInBounds(ctx context.Context, mapID int64, env element.Envelope) ([]*element.Node, error) {
	if env.IsNull() {
		return nil, nil
	}
	if err := s.beforeRead(ctx, mapID); err != nil {
		return nil, err
	}

	lo, hi := tile.Range(env.MinLat(), env.MinLon(), env.MaxLat(), env.MaxLon())
	sql := fmt.Sprintf(`SELECT id, latitude, longitude, changeset_id, tags FROM %s
		WHERE tile BETWEEN $1 AND $2
			AND latitude BETWEEN $3 AND $4
			AND longitude BETWEEN $5 AND $6
		ORDER BY id`, s.tables().Nodes)
	args := []any{
		int64(lo), int64(hi),
		int64(tile.ToFixed(env.MinLat())), int64(tile.ToFixed(env.MaxLat())),
		int64(tile.ToFixed(env.MinLon())), int64(tile.ToFixed(env.MaxLon())),
	}

	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, queryError("select nodes in bounds", sql, err, args...)
	}
	nodes, err := collectNodes(rows)
	if err != nil {
		return nil, scanError("select nodes in bounds", sql, err)
	}
	return nodes, nil
}

// CalculateEnvelope returns the bounds of every node in the map; null when
// the map has no nodes
func (s *Session) CalculateEnvelope(ctx context.Context, mapID int64) (element.Envelope, error) {
	if err := s.beforeRead(ctx, mapID); err != nil {
		return element.Envelope{}, err
	}

	sql := fmt.Sprintf(`SELECT MIN(latitude), MAX(latitude), MIN(longitude), MAX(longitude)
		FROM %s`, s.tables().Nodes)
	var minLat, maxLat, minLon, maxLon *int64
	if err := s.db.QueryRow(ctx, sql).Scan(&minLat, &maxLat, &minLon, &maxLon); err != nil {
		return element.Envelope{}, queryError("calculate envelope", sql, err)
	}
	if minLat == nil || maxLat == nil || minLon == nil || maxLon == nil {
		return element.Envelope{}, nil
	}
	return element.NewEnvelope(
		tile.Fixed(*minLat).Degrees(), tile.Fixed(*minLon).Degrees(),
		tile.Fixed(*maxLat).Degrees(), tile.Fixed(*maxLon).Degrees(),
	), nil
}

// LoadMap reads a whole map into memory
func (s *Session) LoadMap(ctx context.Context, mapID int64) (*element.Map, error) {
	if err := s.beforeRead(ctx, mapID); err != nil {
		return nil, err
	}
	t := s.tables()
	m := element.NewMap()

	sql := fmt.Sprintf("SELECT id, latitude, longitude, changeset_id, tags FROM %s ORDER BY id", t.Nodes)
	rows, err := s.db.Query(ctx, sql)
	if err != nil {
		return nil, queryError("load nodes", sql, err)
	}
	nodes, err := collectNodes(rows)
	if err != nil {
		return nil, scanError("load nodes", sql, err)
	}
	for _, n := range nodes {
		m.AddNode(n)
	}

	ways, err := s.loadWays(ctx, t)
	if err != nil {
		return nil, err
	}
	for _, w := range ways {
		m.AddWay(w)
	}

	relations, err := s.loadRelations(ctx, t)
	if err != nil {
		return nil, err
	}
	for _, r := range relations {
		m.AddRelation(r)
	}

	n, w, r := m.Len()
	s.log.Debug("Loaded map", zap.Int64("map_id", mapID),
		zap.Int("nodes", n), zap.Int("ways", w), zap.Int("relations", r))
	return m, nil
}

func (s *Session) loadWays(ctx context.Context, t mapTables) ([]*element.Way, error) {
	sql := fmt.Sprintf("SELECT id, changeset_id, tags FROM %s ORDER BY id", t.Ways)
	rows, err := s.db.Query(ctx, sql)
	if err != nil {
		return nil, queryError("load ways", sql, err)
	}

	var (
		ways    []*element.Way
		byID    = make(map[int64]*element.Way)
		id, cs  int64
		encoded string
	)
	_, err = pgx.ForEachRow(rows, []any{&id, &cs, &encoded}, func() error {
		tg, err := decodeTags(element.WayID(id), encoded)
		if err != nil {
			return err
		}
		w := element.NewWay(id, nil, cs, tg)
		ways = append(ways, w)
		byID[id] = w
		return nil
	})
	if err != nil {
		return nil, scanError("load ways", sql, err)
	}

	sql = fmt.Sprintf("SELECT way_id, node_id FROM %s ORDER BY way_id, sequence_id", t.WayNodes)
	rows, err = s.db.Query(ctx, sql)
	if err != nil {
		return nil, queryError("load way nodes", sql, err)
	}
	var wayID, nodeID int64
	_, err = pgx.ForEachRow(rows, []any{&wayID, &nodeID}, func() error {
		if w, ok := byID[wayID]; ok {
			w.NodeIDs = append(w.NodeIDs, nodeID)
		}
		return nil
	})
	if err != nil {
		return nil, queryError("load way nodes", sql, err)
	}
	return ways, nil
}

func (s *Session) loadRelations(ctx context.Context, t mapTables) ([]*element.Relation, error) {
	sql := fmt.Sprintf("SELECT id, changeset_id, tags FROM %s ORDER BY id", t.Relations)
	rows, err := s.db.Query(ctx, sql)
	if err != nil {
		return nil, queryError("load relations", sql, err)
	}

	var (
		relations []*element.Relation
		members   = make(map[int64][]element.Entry)
		id, cs    int64
		encoded   string
	)
	_, err = pgx.ForEachRow(rows, []any{&id, &cs, &encoded}, func() error {
		r, err := buildRelation(id, cs, encoded)
		if err != nil {
			return err
		}
		relations = append(relations, r)
		return nil
	})
	if err != nil {
		return nil, scanError("load relations", sql, err)
	}

	sql = fmt.Sprintf(`SELECT relation_id, member_type, member_id, member_role FROM %s
		ORDER BY relation_id, sequence_id`, t.RelationMembers)
	rows, err = s.db.Query(ctx, sql)
	if err != nil {
		return nil, queryError("load relation members", sql, err)
	}
	var (
		relationID, memberID int64
		typ, role            string
	)
	_, err = pgx.ForEachRow(rows, []any{&relationID, &typ, &memberID, &role}, func() error {
		if e, ok := s.memberEntry(relationID, typ, memberID, role); ok {
			members[relationID] = append(members[relationID], e)
		}
		return nil
	})
	if err != nil {
		return nil, queryError("load relation members", sql, err)
	}

	for _, r := range relations {
		if m := members[r.ID]; len(m) > 0 {
			r.SetMembers(m)
		}
	}
	return relations, nil
}

func (s *Session) beforeRead(ctx context.Context, mapID int64) error {
	if err := s.SwitchMap(ctx, mapID); err != nil {
		return err
	}
	return s.flushAll(ctx)
}

// scanError keeps errors raised while decoding a row and wraps the rest
func scanError(op, sql string, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return queryError(op, sql, err)
}

// collectNodes scans id, latitude, longitude, changeset_id, tags rows
func collectNodes(rows pgx.Rows) ([]*element.Node, error) {
	var (
		nodes        []*element.Node
		id           int64
		lat, lon, cs int64
		encoded      string
	)
	_, err := pgx.ForEachRow(rows, []any{&id, &lat, &lon, &cs, &encoded}, func() error {
		n, err := buildNode(id, lat, lon, cs, encoded)
		if err != nil {
			return err
		}
		nodes = append(nodes, n)
		return nil
	})
	return nodes, err
}

func buildNode(id, lat, lon, cs int64, encoded string) (*element.Node, error) {
	t, err := decodeTags(element.NodeID(id), encoded)
	if err != nil {
		return nil, err
	}
	return &element.Node{
		ID:        id,
		Lat:       tile.Fixed(lat),
		Lon:       tile.Fixed(lon),
		Changeset: cs,
		Tag:       t,
	}, nil
}

// buildRelation moves the stored "type" tag back into the relation type
func buildRelation(id, cs int64, encoded string) (*element.Relation, error) {
	t, err := decodeTags(element.RelationID(id), encoded)
	if err != nil {
		return nil, err
	}
	typ := t[element.TypeTag]
	delete(t, element.TypeTag)
	return element.NewRelation(id, typ, cs, t), nil
}

func decodeTags(id element.ID, encoded string) (tags.Tags, error) {
	t, err := tags.Decode(encoded)
	if err != nil {
		return nil, &Error{Kind: ErrData, Op: "decode tags of " + id.String(), Err: err}
	}
	return t, nil
}
