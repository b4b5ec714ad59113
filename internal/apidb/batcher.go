package apidb

import (
	"context"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
)

// DefaultBatchSize is the number of buffered rows a batcher holds before
// it flushes on its own
const DefaultBatchSize = 500

// copier is the part of a connection a batcher writes through
type copier interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Batcher buffers rows for one table and writes them with a single COPY.
// Rows become visible to other statements only after a flush.
type Batcher struct {
	db        copier
	table     string
	columns   []string
	threshold int
	rows      [][]any

	flushes     atomic.Int64
	rowsWritten atomic.Int64
}

// NewBatcher creates a batcher for table. A threshold below 1 uses
// DefaultBatchSize.
func NewBatcher(db copier, table string, columns []string, threshold int) *Batcher {
	if threshold < 1 {
		threshold = DefaultBatchSize
	}
	return &Batcher{
		db:        db,
		table:     table,
		columns:   columns,
		threshold: threshold,
		rows:      make([][]any, 0, threshold+1),
	}
}

// Add buffers a row and reports whether the buffer is now over threshold.
// It never writes; the caller decides when to flush.
func (b *Batcher) Add(row []any) bool {
	b.rows = append(b.rows, row)
	return len(b.rows) > b.threshold
}

// Insert buffers a row and flushes once the buffer exceeds the threshold
func (b *Batcher) Insert(ctx context.Context, row []any) error {
	if b.Add(row) {
		return b.Flush(ctx)
	}
	return nil
}

// Pending returns the number of buffered rows
func (b *Batcher) Pending() int {
	return len(b.rows)
}

// Full reports whether the buffer exceeds the threshold
func (b *Batcher) Full() bool {
	return len(b.rows) > b.threshold
}

// Flush writes every buffered row. An empty buffer issues no statement. On
// failure the buffer is kept so the caller can see what was not written;
// nothing is retried.
func (b *Batcher) Flush(ctx context.Context) error {
	if len(b.rows) == 0 {
		return nil
	}

	n, err := b.db.CopyFrom(ctx, pgx.Identifier{b.table}, b.columns, pgx.CopyFromRows(b.rows))
	if err != nil {
		return queryError("bulk insert into "+b.table, "COPY "+b.table, err)
	}

	b.flushes.Add(1)
	b.rowsWritten.Add(n)
	b.rows = b.rows[:0]
	return nil
}

// Discard drops buffered rows without writing them
func (b *Batcher) Discard() {
	b.rows = b.rows[:0]
}

// Flushes returns how many COPY statements were issued
func (b *Batcher) Flushes() int64 { return b.flushes.Load() }

// RowsWritten returns the number of rows written so far
func (b *Batcher) RowsWritten() int64 { return b.rowsWritten.Load() }
