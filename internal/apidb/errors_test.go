package apidb

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestQueryErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind error
	}{
		{"unique violation", &pgconn.PgError{Code: "23505"}, ErrIntegrity},
		{"foreign key violation", &pgconn.PgError{Code: "23503"}, ErrIntegrity},
		{"syntax error", &pgconn.PgError{Code: "42601"}, ErrQuery},
		{"plain error", errors.New("boom"), ErrQuery},
		{"wrapped unique violation", fmt.Errorf("exec: %w", &pgconn.PgError{Code: "23505"}), ErrIntegrity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := queryError("op", "SELECT 1", tt.err)
			assert.ErrorIs(t, err, tt.kind)
			assert.ErrorIs(t, err, tt.err, "the cause stays reachable")
		})
	}
}

func TestErrorMessage(t *testing.T) {
	err := queryError("insert user", "INSERT INTO users\n\t(email)   VALUES ($1)", errors.New("boom"), "a@b.c")
	assert.Equal(t,
		"query error: insert user: boom (SQL: INSERT INTO users (email) VALUES ($1)) [$1=a@b.c]",
		err.Error())
}

func TestSummarizeArgsTruncates(t *testing.T) {
	got := summarizeArgs([]any{strings.Repeat("x", 100), 5})
	assert.True(t, strings.HasPrefix(got, "$1="+strings.Repeat("x", 61)+"..."))
	assert.True(t, strings.HasSuffix(got, " $2=5"))
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("23505")))
}

func TestNotFoundKind(t *testing.T) {
	err := notFound("node %d in map %d", 3, 1)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrQuery)
	assert.Equal(t, "not found: node 3 in map 1", err.Error())
}
