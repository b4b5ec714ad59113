package apidb

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Error kinds. Use errors.Is(err, ErrNotFound) and so on to classify an
// error returned by this package.
var (
	ErrConnection = errors.New("connection error")
	ErrSchema     = errors.New("schema error")
	ErrQuery      = errors.New("query error")
	ErrIntegrity  = errors.New("integrity error")
	ErrNotFound   = errors.New("not found")
	ErrData       = errors.New("data error")
)

// Specific conditions, each reported under one of the kinds above
var (
	ErrChangesetClosed  = errors.New("changeset is closed")
	ErrNoMap            = errors.New("no map selected")
	ErrInTransaction    = errors.New("transaction already in progress")
	ErrNotInTransaction = errors.New("no transaction in progress")
	ErrSessionClosed    = errors.New("session is closed")
)

// uniqueViolation is the SQLSTATE for a duplicate key
const uniqueViolation = "23505"

// Error is returned by every database-facing operation
type Error struct {
	Kind error  // one of the Err* kinds
	Op   string // operation that failed, e.g. "insert user"
	SQL  string // statement text, when there was one
	Args string // short summary of bound values
	Err  error  // underlying cause
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Op != "" {
		fmt.Fprintf(&b, ": %s", e.Op)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.SQL != "" {
		fmt.Fprintf(&b, " (SQL: %s)", compactSQL(e.SQL))
	}
	if e.Args != "" {
		fmt.Fprintf(&b, " [%s]", e.Args)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the error's kind as well as anything in its chain
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func newError(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// queryError wraps a failed statement. Constraint violations are reported
// as integrity errors, everything else as query errors.
func queryError(op, sql string, err error, args ...any) *Error {
	kind := ErrQuery
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
		kind = ErrIntegrity
	}
	return &Error{Kind: kind, Op: op, SQL: sql, Args: summarizeArgs(args), Err: err}
}

func schemaError(op, sql string, err error) *Error {
	return &Error{Kind: ErrSchema, Op: op, SQL: sql, Err: err}
}

func notFound(format string, args ...any) *Error {
	return &Error{Kind: ErrNotFound, Op: fmt.Sprintf(format, args...)}
}

// isUniqueViolation reports whether err is a duplicate-key failure
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func summarizeArgs(args []any) string {
	if len(args) == 0 {
		return ""
	}
	parts := make([]string, len(args))
	for i, a := range args {
		s := fmt.Sprintf("%v", a)
		if len(s) > 64 {
			s = s[:61] + "..."
		}
		parts[i] = fmt.Sprintf("$%d=%s", i+1, s)
	}
	return strings.Join(parts, " ")
}

func compactSQL(sql string) string {
	return strings.Join(strings.Fields(sql), " ")
}
