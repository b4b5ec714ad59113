package apidb

import (
	"context"
	"sort"

	"github.com/jackc/pgx/v5"
)

// querier runs a statement that returns rows
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const reserveSQL = "SELECT nextval($1::regclass) FROM generate_series(1, $2)"

// Reservoir hands out ids from one map's sequence for one element kind.
// Values are never returned to the sequence: an aborted write leaves a gap.
type Reservoir struct {
	db       querier
	sequence string
	block    int
	cache    []int64
}

// NewReservoir creates a reservoir that fetches block ids per round trip
func NewReservoir(db querier, sequence string, block int) *Reservoir {
	if block < 1 {
		block = 1
	}
	return &Reservoir{db: db, sequence: sequence, block: block}
}

// Next returns the next id
func (r *Reservoir) Next(ctx context.Context) (int64, error) {
	if len(r.cache) == 0 {
		if err := r.fill(ctx); err != nil {
			return 0, err
		}
	}
	id := r.cache[0]
	r.cache = r.cache[1:]
	return id, nil
}

func (r *Reservoir) fill(ctx context.Context) error {
	rows, err := r.db.Query(ctx, reserveSQL, r.sequence, r.block)
	if err != nil {
		return queryError("reserve ids", reserveSQL, err, r.sequence, r.block)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return queryError("reserve ids", reserveSQL, err, r.sequence, r.block)
	}
	if len(ids) == 0 {
		return newError(ErrData, "reserve ids from "+r.sequence, nil)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	r.cache = ids
	return nil
}

// Sequence returns the name of the backing sequence
func (r *Reservoir) Sequence() string {
	return r.sequence
}
