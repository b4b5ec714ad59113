package apidb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/wegman-software/mapdb-go/internal/element"
	"github.com/wegman-software/mapdb-go/internal/tags"
)

// InsertChangeset opens a changeset in mapID for userID
func (s *Session) InsertChangeset(ctx context.Context, mapID, userID int64, t tags.Tags) (int64, error) {
	if err := s.SwitchMap(ctx, mapID); err != nil {
		return 0, err
	}

	sql := fmt.Sprintf(`INSERT INTO %s (user_id, created_at, tags)
		VALUES ($1, NOW(), $2) RETURNING id, created_at`, s.tables().Changesets)
	stmt, err := s.prepared(ctx, "insert_changeset", sql)
	if err != nil {
		return 0, err
	}

	cs := &element.Changeset{MapID: mapID, UserID: userID, Tags: t.Clone()}
	if err := s.db.QueryRow(ctx, stmt, userID, tags.Encode(t)).Scan(&cs.ID, &cs.CreatedAt); err != nil {
		return 0, queryError("insert changeset", sql, err, userID)
	}
	s.changesets[csKey{mapID, cs.ID}] = cs

	s.log.Debug("Opened changeset", zap.Int64("map_id", mapID), zap.Int64("changeset_id", cs.ID))
	return cs.ID, nil
}

// CloseChangeset stamps closed_at and merges the envelope and change count
// accumulated by this session's edits into the stored row. Closing an
// already closed changeset fails with ErrChangesetClosed.
func (s *Session) CloseChangeset(ctx context.Context, mapID, id int64) error {
	if err := s.SwitchMap(ctx, mapID); err != nil {
		return err
	}
	cs, err := s.checkChangeset(ctx, id)
	if err != nil {
		return err
	}

	sql := fmt.Sprintf(`UPDATE %s SET
			min_lat = LEAST(min_lat, $2), max_lat = GREATEST(max_lat, $3),
			min_lon = LEAST(min_lon, $4), max_lon = GREATEST(max_lon, $5),
			num_changes = num_changes + $6, closed_at = NOW()
		WHERE id = $1 AND closed_at IS NULL
		RETURNING closed_at`, s.tables().Changesets)
	stmt, err := s.prepared(ctx, "close_changeset", sql)
	if err != nil {
		return err
	}

	// LEAST and GREATEST ignore NULL, so a null envelope leaves the row alone
	args := []any{id, nil, nil, nil, nil, cs.NumChanges}
	if !cs.Envelope.IsNull() {
		args[1], args[2] = cs.Envelope.MinLat(), cs.Envelope.MaxLat()
		args[3], args[4] = cs.Envelope.MinLon(), cs.Envelope.MaxLon()
	}

	var closedAt time.Time
	if err := s.db.QueryRow(ctx, stmt, args...).Scan(&closedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &Error{Kind: ErrIntegrity, Op: fmt.Sprintf("close changeset %d", id), Err: ErrChangesetClosed}
		}
		return queryError("close changeset", sql, err, args...)
	}
	cs.ClosedAt = &closedAt

	s.log.Debug("Closed changeset",
		zap.Int64("map_id", mapID),
		zap.Int64("changeset_id", id),
		zap.Int("changes", cs.NumChanges))
	return nil
}

// ChangesetExists reports whether mapID has a changeset with the given id
func (s *Session) ChangesetExists(ctx context.Context, mapID, id int64) (bool, error) {
	if err := s.SwitchMap(ctx, mapID); err != nil {
		return false, err
	}
	if _, ok := s.changesets[csKey{mapID, id}]; ok {
		return true, nil
	}

	sql := fmt.Sprintf("SELECT num_changes FROM %s WHERE id = $1", s.tables().Changesets)
	stmt, err := s.prepared(ctx, "changeset_exists", sql)
	if err != nil {
		return false, err
	}
	var n int64
	err = s.db.QueryRow(ctx, stmt, id).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, queryError("changeset exists", sql, err, id)
	}
	return true, nil
}

// SelectChangeset reads a changeset as stored. Edits made by this session
// since it was opened are not included until it is closed.
func (s *Session) SelectChangeset(ctx context.Context, mapID, id int64) (*element.Changeset, error) {
	if err := s.SwitchMap(ctx, mapID); err != nil {
		return nil, err
	}
	return s.loadChangeset(ctx, id)
}

func (s *Session) loadChangeset(ctx context.Context, id int64) (*element.Changeset, error) {
	sql := fmt.Sprintf(`SELECT user_id, created_at, min_lat, max_lat, min_lon, max_lon,
			closed_at, num_changes, tags
		FROM %s WHERE id = $1`, s.tables().Changesets)
	stmt, err := s.prepared(ctx, "select_changeset", sql)
	if err != nil {
		return nil, err
	}

	var (
		cs                             = &element.Changeset{ID: id, MapID: s.mapID}
		minLat, maxLat, minLon, maxLon *float64
		encoded                        string
	)
	err = s.db.QueryRow(ctx, stmt, id).Scan(
		&cs.UserID, &cs.CreatedAt,
		&minLat, &maxLat, &minLon, &maxLon,
		&cs.ClosedAt, &cs.NumChanges, &encoded)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("changeset %d in map %d", id, s.mapID)
	}
	if err != nil {
		return nil, queryError("select changeset", sql, err, id)
	}

	if minLat != nil && maxLat != nil && minLon != nil && maxLon != nil {
		cs.Envelope = element.NewEnvelope(*minLat, *minLon, *maxLat, *maxLon)
	}
	if cs.Tags, err = tags.Decode(encoded); err != nil {
		return nil, &Error{Kind: ErrData, Op: fmt.Sprintf("decode tags of changeset %d", id), Err: err}
	}
	return cs, nil
}

// checkChangeset returns the session's record of changeset id, loading it
// on first use. Edits may only reference open changesets.
func (s *Session) checkChangeset(ctx context.Context, id int64) (*element.Changeset, error) {
	if err := s.requireMap(); err != nil {
		return nil, err
	}
	key := csKey{s.mapID, id}
	cs, ok := s.changesets[key]
	if !ok {
		loaded, err := s.loadChangeset(ctx, id)
		if err != nil {
			return nil, err
		}
		// counted from zero; the stored values are merged on close
		loaded.NumChanges = 0
		loaded.Envelope = element.Envelope{}
		cs = loaded
		s.changesets[key] = cs
	}
	if !cs.IsOpen() {
		return nil, &Error{Kind: ErrIntegrity, Op: fmt.Sprintf("edit with changeset %d", id), Err: ErrChangesetClosed}
	}
	return cs, nil
}
