// Package loaders implements C7: batched writers from normalized
// records to the OLAP fact tables and OLTP dimension tables. Grounded
// on control_plane/store/postgres.go's Exec/ON CONFLICT idiom,
// generalized from single-row upserts to pgx.CopyFrom batch inserts
// sized per spec.md §4.7 (500-1000 rows).
package loaders

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flux-commerce/mp-ingest/obs"
)

const (
	minBatch = 500
	maxBatch = 1000
)

// FactRow is one normalized record bound for an append-only or
// versioned-replace fact table. Version is set by the loader to
// wall-clock now at flush time (spec.md §4.7), never by the caller.
type FactRow struct {
	ShopID  int64
	Columns []interface{} // positional, matching the target table's column order (excluding version)
}

// Batcher accumulates FactRows for one table and flushes via
// pgx.CopyFrom once it reaches maxBatch, or on an explicit Flush.
// Loaders MUST NOT read before write (spec.md §4.7): Batcher never
// issues a SELECT.
type Batcher struct {
	pool       *pgxpool.Pool
	table      string
	columns    []string // column names in FactRow.Columns order, plus "version" appended at flush
	partitionBy string  // column used for the monthly partition key, informational only here
	isAppendOnly bool

	mu   sync.Mutex
	rows []FactRow
}

// NewBatcher constructs a batcher for one fact table. isAppendOnly
// controls only the metrics label; the physical write is always an
// INSERT (append tables never conflict, replace-on-read is handled by
// the OLAP store's deduplicating view, per spec.md §4.7's "OLAP read
// semantics").
func NewBatcher(pool *pgxpool.Pool, table string, columns []string, partitionBy string, isAppendOnly bool) *Batcher {
	return &Batcher{
		pool:         pool,
		table:        table,
		columns:      columns,
		partitionBy:  partitionBy,
		isAppendOnly: isAppendOnly,
	}
}

// Add appends one row to the pending batch, flushing automatically
// once maxBatch rows have accumulated.
func (b *Batcher) Add(ctx context.Context, row FactRow) error {
	b.mu.Lock()
	b.rows = append(b.rows, row)
	shouldFlush := len(b.rows) >= maxBatch
	b.mu.Unlock()

	if shouldFlush {
		return b.Flush(ctx)
	}
	return nil
}

// Flush writes whatever is pending, regardless of whether it has
// reached minBatch — callers invoke this at the end of a sync chain so
// a partial batch isn't lost.
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	pending := b.rows
	b.rows = nil
	b.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	now := time.Now()
	cols := append(append([]string{}, b.columns...), "version")
	source := pgx.CopyFromSlice(len(pending), func(i int) ([]interface{}, error) {
		return append(append([]interface{}{}, pending[i].Columns...), now.UnixNano()), nil
	})

	n, err := b.pool.CopyFrom(ctx, pgx.Identifier{b.table}, cols, source)
	obs.LoaderBatchRows.WithLabelValues(b.table).Observe(float64(len(pending)))
	if err != nil {
		obs.LoaderWriteFailures.WithLabelValues(b.table).Inc()
		return err
	}
	_ = n
	return nil
}

// UpsertDimension performs the idempotent (shop, external-id) upsert
// for OLTP dimension tables — the teacher's ON CONFLICT ... DO UPDATE
// shape, generalized to an arbitrary column set per table.
func UpsertDimension(ctx context.Context, pool *pgxpool.Pool, table string, conflictCols []string, setCols []string, allCols []string, values []interface{}) error {
	query := buildUpsertQuery(table, conflictCols, setCols, allCols)
	_, err := pool.Exec(ctx, query, values...)
	return err
}

func buildUpsertQuery(table string, conflictCols, setCols, allCols []string) string {
	placeholders := make([]string, len(allCols))
	for i := range allCols {
		placeholders[i] = "$" + strconv.Itoa(i+1)
	}

	setClauses := make([]string, len(setCols))
	for i, c := range setCols {
		setClauses[i] = c + " = EXCLUDED." + c
	}

	query := "INSERT INTO " + table + " (" + strings.Join(allCols, ", ") + ") VALUES (" + strings.Join(placeholders, ", ") + ")"
	query += " ON CONFLICT (" + strings.Join(conflictCols, ", ") + ") DO UPDATE SET " + strings.Join(setClauses, ", ")
	return query
}
