package apidb

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// preparer is the part of a connection that manages prepared statements
type preparer interface {
	Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error)
	Deallocate(ctx context.Context, name string) error
}

// statements tracks the prepared statements a session created. Their SQL
// embeds per-map table names, so the whole set is dropped whenever the
// map or transaction changes.
type statements struct {
	db     preparer
	log    *zap.Logger
	byKey  map[string]string // key -> prepared statement name
	serial int
}

func newStatements(db preparer, log *zap.Logger) *statements {
	return &statements{db: db, log: log, byKey: make(map[string]string)}
}

// get returns the name of the statement for key, preparing sql on first use
func (s *statements) get(ctx context.Context, key, sql string) (string, error) {
	if name, ok := s.byKey[key]; ok {
		return name, nil
	}
	s.serial++
	name := fmt.Sprintf("mapdb_%s_%d", key, s.serial)
	if _, err := s.db.Prepare(ctx, name, sql); err != nil {
		return "", queryError("prepare "+key, sql, err)
	}
	s.byKey[key] = name
	return name, nil
}

// len returns the number of live statements
func (s *statements) len() int {
	return len(s.byKey)
}

// reset deallocates every statement. Deallocation failures (for example
// inside an aborted transaction) are logged; the statements are forgotten
// either way.
func (s *statements) reset(ctx context.Context) {
	for key, name := range s.byKey {
		if err := s.db.Deallocate(ctx, name); err != nil {
			s.log.Debug("Failed to deallocate statement", zap.String("statement", name), zap.Error(err))
		}
		delete(s.byKey, key)
	}
}
