package apidb

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// MapInfo is one row of the map registry
type MapInfo struct {
	ID          int64
	DisplayName string
	UserID      int64
	Public      bool
	CreatedAt   time.Time
}

// Provision creates the registry tables and per-map templates
func (s *Session) Provision(ctx context.Context) error {
	if err := s.usable(); err != nil {
		return err
	}
	return s.schema.Provision(ctx)
}

// CreateMap registers a map and creates its tables. The new map's tile
// index is created on the next Commit, Close or FinalizeIndexes.
func (s *Session) CreateMap(ctx context.Context, displayName string, userID int64, public bool) (int64, error) {
	if err := s.usable(); err != nil {
		return 0, err
	}
	return s.schema.CreateMap(ctx, displayName, userID, public)
}

// FinalizeIndexes creates the indexes of maps created by this session
func (s *Session) FinalizeIndexes(ctx context.Context) error {
	if err := s.usable(); err != nil {
		return err
	}
	return s.schema.FinalizeIndexes(ctx)
}

// DeleteMap drops a map. Rows still buffered for it are discarded.
func (s *Session) DeleteMap(ctx context.Context, mapID int64) error {
	if err := s.usable(); err != nil {
		return err
	}
	if mapID == s.mapID {
		s.discardAll()
		s.invalidate(ctx)
		s.mapID = noMap
	}
	s.forgetMap(mapID)
	return s.schema.DeleteMap(ctx, mapID)
}

// MapExists reports whether the registry has a map with this id
func (s *Session) MapExists(ctx context.Context, mapID int64) (bool, error) {
	const sql = "SELECT EXISTS (SELECT 1 FROM maps WHERE id = $1)"
	var ok bool
	if err := s.db.QueryRow(ctx, sql, mapID).Scan(&ok); err != nil {
		return false, queryError("map exists", sql, err, mapID)
	}
	return ok, nil
}

// SelectMapIDs returns the ids of userID's maps whose display name matches
// the LIKE pattern name
func (s *Session) SelectMapIDs(ctx context.Context, name string, userID int64) ([]int64, error) {
	const sql = "SELECT id FROM maps WHERE display_name LIKE $1 AND user_id = $2 ORDER BY id"
	rows, err := s.db.Query(ctx, sql, name, userID)
	if err != nil {
		return nil, queryError("select map ids", sql, err, name, userID)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, queryError("select map ids", sql, err, name, userID)
	}
	return ids, nil
}

// ListMaps returns every registered map ordered by id
func (s *Session) ListMaps(ctx context.Context) ([]MapInfo, error) {
	const sql = "SELECT id, display_name, user_id, public, created_at FROM maps ORDER BY id"
	rows, err := s.db.Query(ctx, sql)
	if err != nil {
		return nil, queryError("list maps", sql, err)
	}

	var (
		maps []MapInfo
		m    MapInfo
	)
	_, err = pgx.ForEachRow(rows, []any{&m.ID, &m.DisplayName, &m.UserID, &m.Public, &m.CreatedAt}, func() error {
		maps = append(maps, m)
		return nil
	})
	if err != nil {
		return nil, queryError("list maps", sql, err)
	}
	return maps, nil
}

// DBVersion returns the most recently applied schema version as "id:author"
func (s *Session) DBVersion(ctx context.Context) (string, error) {
	const sql = "SELECT id || ':' || author FROM schema_versions ORDER BY applied_at DESC LIMIT 1"
	var version string
	err := s.db.QueryRow(ctx, sql).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", &Error{Kind: ErrData, Op: "db version", SQL: sql, Err: errors.New("no schema version recorded")}
	}
	if err != nil {
		return "", queryError("db version", sql, err)
	}
	return version, nil
}
