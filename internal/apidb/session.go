// Package apidb stores versioned maps in PostgreSQL. Each map owns its own
// set of element tables; a Session is the single connection through which
// maps are created, written, read and deleted.
package apidb

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wegman-software/mapdb-go/internal/config"
	"github.com/wegman-software/mapdb-go/internal/element"
	"github.com/wegman-software/mapdb-go/internal/logger"
)

// conn is the subset of *pgx.Conn a session uses
type conn interface {
	copier
	querier
	preparer
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close(ctx context.Context) error
}

// TxState is the transaction state of a session
type TxState int

const (
	Idle TxState = iota
	InTransaction
)

func (s TxState) String() string {
	if s == InTransaction {
		return "in-transaction"
	}
	return "idle"
}

// noMap is the current map id before any map has been selected
const noMap int64 = math.MinInt64

// row kinds that have their own batcher
type rowKind int

const (
	nodeRows rowKind = iota
	wayRows
	wayNodeRows
	relationRows
	numRowKinds
)

var rowColumns = [numRowKinds][]string{
	nodeRows:     {"id", "latitude", "longitude", "changeset_id", "tile", "tags"},
	wayRows:      {"id", "changeset_id", "tags"},
	wayNodeRows:  {"way_id", "node_id", "sequence_id"},
	relationRows: {"id", "changeset_id", "tags"},
}

func (t mapTables) rowTable(k rowKind) string {
	switch k {
	case nodeRows:
		return t.Nodes
	case wayRows:
		return t.Ways
	case wayNodeRows:
		return t.WayNodes
	}
	return t.Relations
}

// csKey names a changeset; ids are only unique within a map
type csKey struct{ mapID, id int64 }

// seqKey names one id sequence of one map
type seqKey struct {
	mapID int64
	kind  element.Kind
}

func sortSeqKeys(keys []seqKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].mapID != keys[j].mapID {
			return keys[i].mapID < keys[j].mapID
		}
		return keys[i].kind < keys[j].kind
	})
}

// txSnapshot is the session state a rollback returns to
type txSnapshot struct {
	changesets map[csKey]element.Changeset
	explicit   []seqKey
	pending    []int64
}

// Stats counts session activity; safe to read from other goroutines
type Stats struct {
	NodesWritten     atomic.Int64
	WaysWritten      atomic.Int64
	RelationsWritten atomic.Int64
	RowsFlushed      atomic.Int64
	Flushes          atomic.Int64
}

// Session owns one connection, the current map, the transaction state and
// every prepared statement, batcher and reservoir created on its behalf.
// A session is not safe for concurrent use.
type Session struct {
	cfg    *config.Config
	db     conn
	log    *zap.Logger
	schema *SchemaManager
	stmts  *statements

	state  TxState
	mapID  int64
	closed bool

	batchers   [numRowKinds]*Batcher
	reservoirs map[element.Kind]*Reservoir
	changesets map[csKey]*element.Changeset

	// sequences that rows with caller-supplied ids may have overtaken
	explicit mapset.Set[seqKey]
	// taken at Begin, restored when the transaction is rolled back
	saved *txSnapshot

	stats Stats
}

// Open connects to the database described by cfg. A database without any
// tables is reported as a connection error: it has not been provisioned.
// Use OpenEmpty to connect to a fresh database that is about to be
// provisioned.
func Open(ctx context.Context, cfg *config.Config) (*Session, error) {
	s, err := OpenEmpty(ctx, cfg)
	if err != nil {
		return nil, err
	}

	const countTables = `SELECT COUNT(*) FROM pg_catalog.pg_tables
		WHERE schemaname = ANY (current_schemas(false))`
	var n int64
	if err := s.db.QueryRow(ctx, countTables).Scan(&n); err != nil {
		s.db.Close(ctx)
		return nil, &Error{Kind: ErrConnection, Op: "list tables", SQL: countTables, Err: err}
	}
	if n == 0 {
		s.db.Close(ctx)
		return nil, &Error{
			Kind: ErrConnection,
			Op:   fmt.Sprintf("open database %s", cfg.DBName),
			Err:  errors.New("found zero tables; has the database been provisioned?"),
		}
	}
	return s, nil
}

// OpenEmpty connects without checking that the schema exists
func OpenEmpty(ctx context.Context, cfg *config.Config) (*Session, error) {
	c, err := pgx.Connect(ctx, cfg.ConnectionString())
	if err != nil {
		return nil, &Error{Kind: ErrConnection, Op: "connect to " + cfg.DBHost, Err: err}
	}

	s := newSession(c, cfg, logger.Named("apidb"))
	if _, err := c.Exec(ctx, "SET client_min_messages TO WARNING"); err != nil {
		s.log.Warn("Failed to lower client_min_messages", zap.Error(err))
	}
	return s, nil
}

func newSession(db conn, cfg *config.Config, log *zap.Logger) *Session {
	return &Session{
		cfg:        cfg,
		db:         db,
		log:        log,
		schema:     NewSchemaManager(db, log),
		stmts:      newStatements(db, log),
		mapID:      noMap,
		reservoirs: make(map[element.Kind]*Reservoir),
		changesets: make(map[csKey]*element.Changeset),
		explicit:   mapset.NewThreadUnsafeSet[seqKey](),
	}
}

// Schema returns the session's schema manager
func (s *Session) Schema() *SchemaManager { return s.schema }

// State returns the transaction state
func (s *Session) State() TxState { return s.state }

// CurrentMap returns the map selected by the last operation, if any
func (s *Session) CurrentMap() (int64, bool) {
	return s.mapID, s.mapID != noMap
}

// Stats returns live counters for progress reporting
func (s *Session) Stats() *Stats { return &s.stats }

// Begin opens a transaction. Prepared statements are dropped first because
// they must be created inside the new transaction.
func (s *Session) Begin(ctx context.Context) error {
	if err := s.usable(); err != nil {
		return err
	}
	if s.state == InTransaction {
		return newError(ErrQuery, "begin", ErrInTransaction)
	}
	if err := s.flushAll(ctx); err != nil {
		return err
	}
	s.invalidate(ctx)
	if _, err := s.db.Exec(ctx, "BEGIN"); err != nil {
		return queryError("begin", "BEGIN", err)
	}
	s.saved = s.snapshot()
	s.state = InTransaction
	return nil
}

// Commit creates pending map indexes, flushes every batcher, moves id
// sequences past explicitly written ids and commits. If the commit itself
// fails the session stays InTransaction and the caller should Rollback.
func (s *Session) Commit(ctx context.Context) error {
	if err := s.usable(); err != nil {
		return err
	}
	if s.state != InTransaction {
		return newError(ErrQuery, "commit", ErrNotInTransaction)
	}
	if err := s.schema.FinalizeIndexes(ctx); err != nil {
		return err
	}
	if err := s.flushAll(ctx); err != nil {
		return err
	}
	if err := s.syncSequences(ctx); err != nil {
		return err
	}
	s.invalidate(ctx)

	tag, err := s.db.Exec(ctx, "COMMIT")
	if err != nil {
		s.log.Warn("Error committing transaction", zap.Error(err))
		return queryError("commit", "COMMIT", err)
	}
	// COMMIT of an aborted transaction succeeds but reports ROLLBACK
	if tag.String() == "ROLLBACK" {
		s.restore()
		s.state = Idle
		return queryError("commit", "COMMIT", errors.New("transaction was aborted and has been rolled back"))
	}
	s.saved = nil
	s.state = Idle
	return nil
}

// Rollback abandons the transaction. Buffered rows are flushed first so
// the rollback covers them too; a flush failure is logged because the rows
// would be discarded anyway. Changeset accounting and pending indexes go
// back to what they were at Begin.
func (s *Session) Rollback(ctx context.Context) error {
	if err := s.usable(); err != nil {
		return err
	}
	if s.state != InTransaction {
		return newError(ErrQuery, "rollback", ErrNotInTransaction)
	}
	if err := s.flushAll(ctx); err != nil {
		s.log.Warn("Flush before rollback failed, discarding buffered rows", zap.Error(err))
		s.discardAll()
	}
	s.invalidate(ctx)

	if _, err := s.db.Exec(ctx, "ROLLBACK"); err != nil {
		s.log.Warn("Error rolling back transaction", zap.Error(err))
		return queryError("rollback", "ROLLBACK", err)
	}
	s.restore()
	s.state = Idle
	return nil
}

// Close rolls back an open transaction (it is never committed), then
// finalizes pending indexes, flushes, syncs id sequences and closes the
// connection.
func (s *Session) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}

	var errs error
	if s.state == InTransaction {
		s.log.Warn("Closing database before transaction is committed. Rolling back transaction.")
		if err := s.Rollback(ctx); err != nil {
			errs = multierr.Append(errs, err)
			s.discardAll()
		}
	}
	if s.state == Idle {
		errs = multierr.Append(errs, s.schema.FinalizeIndexes(ctx))
		if err := s.flushAll(ctx); err != nil {
			errs = multierr.Append(errs, err)
		} else {
			errs = multierr.Append(errs, s.syncSequences(ctx))
		}
	}
	s.invalidate(ctx)

	if err := s.db.Close(ctx); err != nil {
		errs = multierr.Append(errs, &Error{Kind: ErrConnection, Op: "close", Err: err})
	}
	s.closed = true
	return errs
}

// SwitchMap makes mapID the current map. When it differs from the current
// one every batcher is flushed and every statement and reservoir dropped, so
// nothing bound to the old map's tables is used for the new one. Changeset
// accounting is kept per map and survives the switch.
func (s *Session) SwitchMap(ctx context.Context, mapID int64) error {
	if err := s.usable(); err != nil {
		return err
	}
	if mapID == s.mapID {
		return nil
	}
	if err := s.flushAll(ctx); err != nil {
		return err
	}
	s.invalidate(ctx)
	s.mapID = mapID
	return nil
}

// Flush writes every buffered row
func (s *Session) Flush(ctx context.Context) error {
	if err := s.usable(); err != nil {
		return err
	}
	return s.flushAll(ctx)
}

// invalidate drops prepared statements, batchers and reservoirs. Batchers
// must have been flushed (or deliberately discarded) before.
func (s *Session) invalidate(ctx context.Context) {
	s.stmts.reset(ctx)
	for i := range s.batchers {
		s.batchers[i] = nil
	}
	clear(s.reservoirs)
}

// flushAll writes the batchers in dependency order: nodes and ways before
// the way memberships that reference them.
func (s *Session) flushAll(ctx context.Context) error {
	for _, b := range s.batchers {
		if b == nil {
			continue
		}
		before := b.RowsWritten()
		pending := b.Pending()
		if err := b.Flush(ctx); err != nil {
			return err
		}
		if pending > 0 {
			s.stats.Flushes.Add(1)
			s.stats.RowsFlushed.Add(b.RowsWritten() - before)
		}
	}
	return nil
}

// lazyFlush flushes everything once any batcher is over its threshold
func (s *Session) lazyFlush(ctx context.Context) error {
	for _, b := range s.batchers {
		if b != nil && b.Full() {
			return s.flushAll(ctx)
		}
	}
	return nil
}

func (s *Session) discardAll() {
	for _, b := range s.batchers {
		if b != nil {
			b.Discard()
		}
	}
}

// batcher returns the current map's batcher for k, creating it on first use
func (s *Session) batcher(k rowKind) *Batcher {
	if s.batchers[k] == nil {
		table := tablesFor(s.mapID).rowTable(k)
		s.batchers[k] = NewBatcher(s.db, table, rowColumns[k], s.cfg.BatchSize)
	}
	return s.batchers[k]
}

// addRow buffers a row and flushes all batchers if it made one overflow
func (s *Session) addRow(ctx context.Context, k rowKind, row []any) error {
	if s.batcher(k).Add(row) {
		return s.lazyFlush(ctx)
	}
	return nil
}

// reservoir returns the current map's id reservoir for k
func (s *Session) reservoir(k element.Kind) *Reservoir {
	r, ok := s.reservoirs[k]
	if !ok {
		r = NewReservoir(s.db, tablesFor(s.mapID).sequence(k), s.cfg.ReserveBlockSize)
		s.reservoirs[k] = r
	}
	return r
}

// NextID reserves a new id for an element of kind k in mapID
func (s *Session) NextID(ctx context.Context, mapID int64, k element.Kind) (int64, error) {
	if err := s.SwitchMap(ctx, mapID); err != nil {
		return 0, err
	}
	return s.reserveID(ctx, k)
}

// reserveID takes the next id of kind k in the current map. A sequence
// that explicit ids were written past is moved beyond them first.
func (s *Session) reserveID(ctx context.Context, k element.Kind) (int64, error) {
	key := seqKey{mapID: s.mapID, kind: k}
	if s.explicit.Contains(key) {
		if err := s.flushAll(ctx); err != nil {
			return 0, err
		}
		if err := s.syncSequence(ctx, key); err != nil {
			return 0, err
		}
		delete(s.reservoirs, k)
	}
	return s.reservoir(k).Next(ctx)
}

// assignID reserves a new id into *id, or notes that the caller's id may
// have overtaken the sequence
func (s *Session) assignID(ctx context.Context, k element.Kind, id *int64, createNewID bool) error {
	if !createNewID {
		s.explicit.Add(seqKey{mapID: s.mapID, kind: k})
		return nil
	}
	next, err := s.reserveID(ctx, k)
	if err != nil {
		return err
	}
	*id = next
	return nil
}

func setvalSQL(k seqKey) string {
	t := tablesFor(k.mapID)
	seq := t.sequence(k.kind)
	return fmt.Sprintf("SELECT setval('%s'::regclass, GREATEST((SELECT COALESCE(MAX(id), 0) FROM %s), (SELECT last_value FROM %s)))",
		seq, t.elementTable(k.kind), seq)
}

// syncSequence moves one sequence past the largest stored id. Buffered rows
// must have been flushed.
func (s *Session) syncSequence(ctx context.Context, k seqKey) error {
	sql := setvalSQL(k)
	if _, err := s.db.Exec(ctx, sql); err != nil {
		return queryError("sync id sequence", sql, err)
	}
	s.explicit.Remove(k)
	return nil
}

func (s *Session) syncSequences(ctx context.Context) error {
	keys := s.explicit.ToSlice()
	sortSeqKeys(keys)
	for _, k := range keys {
		if err := s.syncSequence(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) snapshot() *txSnapshot {
	saved := &txSnapshot{
		changesets: make(map[csKey]element.Changeset, len(s.changesets)),
		explicit:   s.explicit.ToSlice(),
		pending:    s.schema.PendingIndexes(),
	}
	for k, cs := range s.changesets {
		saved.changesets[k] = *cs
	}
	return saved
}

// restore puts back the state saved at Begin. Changesets opened or first
// touched inside the transaction are forgotten and looked up again.
func (s *Session) restore() {
	if s.saved == nil {
		return
	}
	clear(s.changesets)
	for k, cs := range s.saved.changesets {
		cs := cs // per-iteration copy; module targets go 1.21 loop semantics
		s.changesets[k] = &cs
	}
	s.explicit = mapset.NewThreadUnsafeSet(s.saved.explicit...)
	s.schema.restorePending(s.saved.pending)
	s.saved = nil
}

// forgetMap drops the accounting kept for a deleted map
func (s *Session) forgetMap(mapID int64) {
	for k := range s.changesets {
		if k.mapID == mapID {
			delete(s.changesets, k)
		}
	}
	for _, k := range s.explicit.ToSlice() {
		if k.mapID == mapID {
			s.explicit.Remove(k)
		}
	}
}

// prepared returns the prepared statement for key on the current map
func (s *Session) prepared(ctx context.Context, key, sql string) (string, error) {
	return s.stmts.get(ctx, key, sql)
}

func (s *Session) usable() error {
	if s.closed {
		return newError(ErrConnection, "use session", ErrSessionClosed)
	}
	return nil
}

// requireMap fails when no map has been selected
func (s *Session) requireMap() error {
	if s.mapID == noMap {
		return newError(ErrQuery, "current map", ErrNoMap)
	}
	return nil
}

// tables returns the current map's table names
func (s *Session) tables() mapTables {
	return tablesFor(s.mapID)
}
