package apidb

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wegman-software/mapdb-go/internal/config"
)

// copyCall records one CopyFrom
type copyCall struct {
	table   string
	columns []string
	rows    [][]any
}

// fakeConn records every statement a session issues. Responses come from
// the hook functions; unset hooks answer with empty results.
type fakeConn struct {
	log      []string
	copies   []copyCall
	prepared map[string]string
	closed   bool
	nextval  int64

	rowHandlers []rowHandler

	execFn   func(sql string, args []any) (string, error)
	rowFn    func(sql string, args []any) ([]any, error)
	rowsFn   func(sql string, args []any) ([][]any, error)
	copyErr  error
	closeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{prepared: make(map[string]string)}
}

// resolve maps a prepared statement name back to its text
func (f *fakeConn) resolve(sql string) string {
	if text, ok := f.prepared[sql]; ok {
		return text
	}
	return sql
}

func (f *fakeConn) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	sql = f.resolve(sql)
	f.log = append(f.log, "exec "+compactSQL(sql))
	if f.execFn != nil {
		tag, err := f.execFn(sql, args)
		return pgconn.NewCommandTag(tag), err
	}
	return pgconn.NewCommandTag(defaultTag(sql)), nil
}

func defaultTag(sql string) string {
	word := strings.ToUpper(strings.Fields(sql)[0])
	switch word {
	case "UPDATE", "DELETE":
		return word + " 1"
	case "INSERT":
		return "INSERT 0 1"
	}
	return word
}

func (f *fakeConn) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	sql = f.resolve(sql)
	f.log = append(f.log, "queryrow "+compactSQL(sql))
	if f.rowFn != nil {
		vals, err := f.rowFn(sql, args)
		return &fakeRow{vals: vals, err: err}
	}
	for _, h := range f.rowHandlers {
		if strings.HasPrefix(compactSQL(sql), h.prefix) {
			vals, err := h.fn(args)
			return &fakeRow{vals: vals, err: err}
		}
	}
	return &fakeRow{err: pgx.ErrNoRows}
}

type rowHandler struct {
	prefix string
	fn     func(args []any) ([]any, error)
}

// onRow answers QueryRow calls whose statement starts with prefix
func (f *fakeConn) onRow(prefix string, fn func(args []any) ([]any, error)) {
	f.rowHandlers = append(f.rowHandlers, rowHandler{prefix: prefix, fn: fn})
}

func (f *fakeConn) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	sql = f.resolve(sql)
	f.log = append(f.log, "query "+compactSQL(sql))
	if sql == reserveSQL {
		n := args[1].(int)
		rows := make([][]any, n)
		for i := range rows {
			f.nextval++
			rows[i] = []any{f.nextval}
		}
		return &fakeRows{rows: rows}, nil
	}
	if f.rowsFn == nil {
		return &fakeRows{}, nil
	}
	rows, err := f.rowsFn(sql, args)
	if err != nil {
		return nil, err
	}
	return &fakeRows{rows: rows}, nil
}

func (f *fakeConn) CopyFrom(_ context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error) {
	if f.copyErr != nil {
		return 0, f.copyErr
	}
	c := copyCall{table: table[0], columns: columns}
	for src.Next() {
		vals, err := src.Values()
		if err != nil {
			return 0, err
		}
		c.rows = append(c.rows, vals)
	}
	f.copies = append(f.copies, c)
	f.log = append(f.log, fmt.Sprintf("copy %s %d", c.table, len(c.rows)))
	return int64(len(c.rows)), nil
}

func (f *fakeConn) Prepare(_ context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	f.prepared[name] = sql
	f.log = append(f.log, "prepare "+name)
	return &pgconn.StatementDescription{Name: name, SQL: sql}, nil
}

func (f *fakeConn) Deallocate(_ context.Context, name string) error {
	delete(f.prepared, name)
	f.log = append(f.log, "deallocate "+name)
	return nil
}

func (f *fakeConn) Close(context.Context) error {
	f.closed = true
	f.log = append(f.log, "close")
	return f.closeErr
}

// matching returns the log entries that start with prefix
func (f *fakeConn) matching(prefix string) []string {
	var out []string
	for _, l := range f.log {
		if strings.HasPrefix(l, prefix) {
			out = append(out, l)
		}
	}
	return out
}

func (f *fakeConn) reset() {
	f.log = nil
	f.copies = nil
}

type fakeRow struct {
	vals []any
	err  error
}

func (r *fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assignAll(dest, r.vals)
}

type fakeRows struct {
	rows   [][]any
	pos    int
	closed bool
	err    error
}

func (r *fakeRows) Close()                                       { r.closed = true }
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.closed || r.pos >= len(r.rows) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	return assignAll(dest, r.rows[r.pos-1])
}

func (r *fakeRows) Values() ([]any, error) {
	return r.rows[r.pos-1], nil
}

// assignAll copies vals into dest pointers. A nil value zeroes the target;
// pointer targets such as **float64 are allocated as needed.
func assignAll(dest []any, vals []any) error {
	if len(dest) != len(vals) {
		return fmt.Errorf("scan: %d destinations for %d values", len(dest), len(vals))
	}
	for i := range dest {
		target := reflect.ValueOf(dest[i]).Elem()
		if vals[i] == nil {
			target.Set(reflect.Zero(target.Type()))
			continue
		}
		v := reflect.ValueOf(vals[i])
		if target.Kind() == reflect.Pointer && v.Type() != target.Type() {
			p := reflect.New(target.Type().Elem())
			p.Elem().Set(v.Convert(target.Type().Elem()))
			target.Set(p)
			continue
		}
		target.Set(v.Convert(target.Type()))
	}
	return nil
}

// newTestSession returns a session on a fake connection together with an
// observer of everything it logs
func newTestSession(batchSize int) (*Session, *fakeConn, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	cfg := config.DefaultConfig()
	cfg.BatchSize = batchSize
	f := newFakeConn()
	return newSession(f, cfg, zap.New(core)), f, logs
}
