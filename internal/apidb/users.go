package apidb

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// InsertUser creates a user and returns its id. If another session
// inserted the same email first, the existing id is returned instead.
func (s *Session) InsertUser(ctx context.Context, email, displayName string) (int64, error) {
	const sql = "INSERT INTO users (email, display_name) VALUES ($1, $2) RETURNING id"

	// a failed statement aborts the surrounding transaction unless it is
	// fenced off by a savepoint
	savepoint := s.state == InTransaction
	if savepoint {
		if _, err := s.db.Exec(ctx, "SAVEPOINT insert_user"); err != nil {
			return 0, queryError("insert user", "SAVEPOINT insert_user", err)
		}
	}

	var id int64
	err := s.db.QueryRow(ctx, sql, email, displayName).Scan(&id)
	if err == nil {
		if savepoint {
			if _, err := s.db.Exec(ctx, "RELEASE SAVEPOINT insert_user"); err != nil {
				return 0, queryError("insert user", "RELEASE SAVEPOINT insert_user", err)
			}
		}
		return id, nil
	}

	if !isUniqueViolation(err) {
		s.log.Warn("Failed to insert user", zap.String("email", email), zap.Error(err))
		return 0, queryError("insert user", sql, err, email, displayName)
	}
	if savepoint {
		if _, rbErr := s.db.Exec(ctx, "ROLLBACK TO SAVEPOINT insert_user"); rbErr != nil {
			return 0, queryError("insert user", "ROLLBACK TO SAVEPOINT insert_user", rbErr)
		}
	}

	existing, found, lookupErr := s.lookupUser(ctx, email)
	if lookupErr != nil {
		return 0, lookupErr
	}
	if !found {
		return 0, &Error{Kind: ErrQuery, Op: "insert user", SQL: sql, Args: summarizeArgs([]any{email, displayName}), Err: err}
	}
	s.log.Debug("User was inserted concurrently, using existing id",
		zap.String("email", email), zap.Int64("user_id", existing))
	return existing, nil
}

// GetUserID returns the id of the user with this email
func (s *Session) GetUserID(ctx context.Context, email string) (int64, error) {
	id, found, err := s.lookupUser(ctx, email)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, notFound("user with email %q", email)
	}
	return id, nil
}

// GetOrCreateUser returns the id of the user with this email, creating the
// user if needed
func (s *Session) GetOrCreateUser(ctx context.Context, email, displayName string) (int64, error) {
	id, found, err := s.lookupUser(ctx, email)
	if err != nil {
		return 0, err
	}
	if found {
		return id, nil
	}
	return s.InsertUser(ctx, email, displayName)
}

// DeleteUser deletes every map owned by the user and then the user
func (s *Session) DeleteUser(ctx context.Context, userID int64) error {
	const selectMaps = "SELECT id FROM maps WHERE user_id = $1 ORDER BY id"
	rows, err := s.db.Query(ctx, selectMaps, userID)
	if err != nil {
		return queryError("select user maps", selectMaps, err, userID)
	}
	mapIDs, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return queryError("select user maps", selectMaps, err, userID)
	}

	for _, mapID := range mapIDs {
		if err := s.DeleteMap(ctx, mapID); err != nil {
			return err
		}
	}

	const deleteUser = "DELETE FROM users WHERE id = $1"
	if _, err := s.db.Exec(ctx, deleteUser, userID); err != nil {
		return queryError("delete user", deleteUser, err, userID)
	}
	s.log.Info("Deleted user", zap.Int64("user_id", userID), zap.Int("maps", len(mapIDs)))
	return nil
}

func (s *Session) lookupUser(ctx context.Context, email string) (int64, bool, error) {
	const sql = "SELECT id FROM users WHERE email = $1"
	var id int64
	err := s.db.QueryRow(ctx, sql, email).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, queryError("select user", sql, err, email)
	}
	return id, true, nil
}
