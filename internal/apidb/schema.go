package apidb

import (
	"context"
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// execer runs statements that return no rows of interest
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// SchemaManager creates and drops the table set behind each map. DDL is not
// wrapped in a transaction of its own, so an interrupted create or delete
// can leave a partial table set behind.
type SchemaManager struct {
	db  execer
	log *zap.Logger

	// maps whose tile index and foreign keys are still to be created
	pending mapset.Set[int64]
}

// NewSchemaManager returns a manager executing through db
func NewSchemaManager(db execer, log *zap.Logger) *SchemaManager {
	return &SchemaManager{
		db:      db,
		log:     log,
		pending: mapset.NewThreadUnsafeSet[int64](),
	}
}

// SchemaVersion is recorded by Provision and reported by DBVersion
const SchemaVersion = "1:mapdb"

// provisionDDL creates the shared tables and the per-map templates
var provisionDDL = []string{
	`CREATE TABLE IF NOT EXISTS schema_versions (
		id TEXT NOT NULL,
		author TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (id, author)
	)`,
	`INSERT INTO schema_versions (id, author) VALUES ('1', 'mapdb') ON CONFLICT DO NOTHING`,
	`CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS maps (
		id BIGSERIAL PRIMARY KEY,
		display_name TEXT NOT NULL,
		user_id BIGINT NOT NULL REFERENCES users (id),
		public BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS changesets (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		min_lat DOUBLE PRECISION,
		max_lat DOUBLE PRECISION,
		min_lon DOUBLE PRECISION,
		max_lon DOUBLE PRECISION,
		closed_at TIMESTAMPTZ,
		num_changes INTEGER NOT NULL DEFAULT 0,
		tags TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS current_nodes (
		id BIGINT PRIMARY KEY,
		latitude BIGINT NOT NULL,
		longitude BIGINT NOT NULL,
		changeset_id BIGINT NOT NULL,
		tile BIGINT NOT NULL,
		tags TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS current_nodes_tile_idx ON current_nodes USING btree (tile)`,
	`CREATE TABLE IF NOT EXISTS current_ways (
		id BIGINT PRIMARY KEY,
		changeset_id BIGINT NOT NULL,
		tags TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS current_way_nodes (
		way_id BIGINT NOT NULL,
		node_id BIGINT NOT NULL,
		sequence_id BIGINT NOT NULL,
		PRIMARY KEY (way_id, sequence_id)
	)`,
	`CREATE TABLE IF NOT EXISTS current_relations (
		id BIGINT PRIMARY KEY,
		changeset_id BIGINT NOT NULL,
		tags TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS current_relation_members (
		relation_id BIGINT NOT NULL,
		member_type TEXT NOT NULL,
		member_id BIGINT NOT NULL,
		member_role TEXT NOT NULL DEFAULT '',
		sequence_id INTEGER NOT NULL,
		PRIMARY KEY (relation_id, sequence_id)
	)`,
}

// Provision creates the registry tables and the table templates each map
// is copied from. Existing tables are left alone.
func (m *SchemaManager) Provision(ctx context.Context) error {
	m.log.Info("Provisioning database schema")
	for _, sql := range provisionDDL {
		if err := m.exec(ctx, "provision", sql); err != nil {
			return err
		}
	}
	return nil
}

// CreateMap registers a map and creates its tables and sequences. The tile
// index is dropped straight away so the bulk load that usually follows does
// not pay for index maintenance; FinalizeIndexes puts it back.
func (m *SchemaManager) CreateMap(ctx context.Context, displayName string, userID int64, public bool) (int64, error) {
	const insertMap = `INSERT INTO maps (display_name, user_id, public, created_at)
		VALUES ($1, $2, $3, NOW()) RETURNING id`

	var mapID int64
	if err := m.db.QueryRow(ctx, insertMap, displayName, userID, public).Scan(&mapID); err != nil {
		return 0, queryError("insert map", insertMap, err, displayName, userID, public)
	}

	t := tablesFor(mapID)
	log := m.log.With(zap.Int64("map_id", mapID))
	log.Info("Creating map tables", zap.String("name", displayName))

	copies := []struct{ from, to string }{
		{templateChangesets, t.Changesets},
		{templateNodes, t.Nodes},
		{templateRelationMembers, t.RelationMembers},
		{templateRelations, t.Relations},
		{templateWayNodes, t.WayNodes},
		{templateWays, t.Ways},
	}
	for _, c := range copies {
		sql := fmt.Sprintf("CREATE TABLE %s (LIKE %s INCLUDING DEFAULTS INCLUDING CONSTRAINTS INCLUDING INDEXES)", c.to, c.from)
		if err := m.exec(ctx, "create map table", sql); err != nil {
			return mapID, err
		}
	}

	for _, seq := range t.sequences() {
		if err := m.exec(ctx, "create map sequence", "CREATE SEQUENCE "+seq); err != nil {
			return mapID, err
		}
	}

	defaults := []struct{ table, seq string }{
		{t.Nodes, t.NodeSeq},
		{t.Relations, t.RelationSeq},
		{t.Ways, t.WaySeq},
	}
	for _, d := range defaults {
		sql := fmt.Sprintf("ALTER TABLE %s ALTER COLUMN id SET DEFAULT NEXTVAL('%s'::regclass)", d.table, d.seq)
		if err := m.exec(ctx, "wire id default", sql); err != nil {
			return mapID, err
		}
	}

	if err := m.exec(ctx, "drop tile index", fmt.Sprintf("DROP INDEX IF EXISTS %s_tile_idx", t.Nodes)); err != nil {
		return mapID, err
	}
	m.pending.Add(mapID)

	return mapID, nil
}

// FinalizeIndexes creates the foreign keys and tile index of every map
// created since the last call. A map leaves the pending set only once all
// of its statements succeeded.
func (m *SchemaManager) FinalizeIndexes(ctx context.Context) error {
	ids := m.pending.ToSlice()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, mapID := range ids {
		m.log.Info("Creating map indexes", zap.Int64("map_id", mapID))
		for _, sql := range finalizeStatements(mapID) {
			if err := m.exec(ctx, "create map index", sql); err != nil {
				return err
			}
		}
		m.pending.Remove(mapID)
	}
	return nil
}

func finalizeStatements(mapID int64) []string {
	t := tablesFor(mapID)
	fk := func(table, name, column, ref string) string {
		return fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s_%d FOREIGN KEY (%s) REFERENCES %s (id) "+
			"MATCH SIMPLE ON UPDATE NO ACTION ON DELETE NO ACTION", table, name, mapID, column, ref)
	}
	return []string{
		fk(t.Nodes, "current_nodes_changeset_id_fkey", "changeset_id", t.Changesets),
		fmt.Sprintf("CREATE INDEX %s_tile_idx ON %s USING btree (tile)", t.Nodes, t.Nodes),
		fk(t.Relations, "current_relations_changeset_id_fkey", "changeset_id", t.Changesets),
		fk(t.WayNodes, "current_way_nodes_node_id_fkey", "node_id", t.Nodes),
		fk(t.WayNodes, "current_way_nodes_way_id_fkey", "way_id", t.Ways),
		fk(t.Ways, "current_ways_changeset_id_fkey", "changeset_id", t.Changesets),
	}
}

// PendingIndexes returns the maps still waiting for FinalizeIndexes
func (m *SchemaManager) PendingIndexes() []int64 {
	ids := m.pending.ToSlice()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// restorePending resets the pending set, e.g. after the transaction that
// created some of the indexes was rolled back
func (m *SchemaManager) restorePending(ids []int64) {
	m.pending = mapset.NewThreadUnsafeSet(ids...)
}

// DeleteMap drops a map's tables and sequences and its registry row.
// Artifacts that are already gone are skipped, so deleting a map that does
// not exist succeeds.
func (m *SchemaManager) DeleteMap(ctx context.Context, mapID int64) error {
	t := tablesFor(mapID)
	m.log.Info("Deleting map", zap.Int64("map_id", mapID))

	for _, table := range t.dropOrder() {
		if err := m.exec(ctx, "drop map table", "DROP TABLE IF EXISTS "+table); err != nil {
			return err
		}
	}
	for _, seq := range t.sequences() {
		if err := m.exec(ctx, "drop map sequence", "DROP SEQUENCE IF EXISTS "+seq+" CASCADE"); err != nil {
			return err
		}
	}

	const deleteMap = "DELETE FROM maps WHERE id = $1"
	if _, err := m.db.Exec(ctx, deleteMap, mapID); err != nil {
		return queryError("delete map", deleteMap, err, mapID)
	}
	m.pending.Remove(mapID)
	return nil
}

func (m *SchemaManager) exec(ctx context.Context, op, sql string) error {
	m.log.Debug("Executing DDL", zap.String("sql", sql))
	if _, err := m.db.Exec(ctx, sql); err != nil {
		m.log.Warn("DDL failed", zap.String("sql", sql), zap.Error(err))
		return schemaError(op, sql, err)
	}
	return nil
}
