package graphdb

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/orneryd/nornicgraph/pkg/budget"
	"github.com/orneryd/nornicgraph/pkg/cache"
	"github.com/orneryd/nornicgraph/pkg/cypher"
	"github.com/orneryd/nornicgraph/pkg/search"
	"github.com/orneryd/nornicgraph/pkg/txn"
)

// Query kinds reported to the metrics collector.
const (
	kindCypher = "cypher"
	kindSearch = "search"
)

// Compile returns the plan of query, from the plan cache when the index
// catalog has not changed since it was compiled.
func (db *DB) Compile(query string) (*cypher.QueryPlan, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.check(); err != nil {
		return nil, err
	}
	plan, _, err := db.compile(query)
	return plan, err
}

func (db *DB) compile(query string) (*cypher.QueryPlan, bool, error) {
	indexes := db.txns.Indexes()
	key := cache.Key{Text: query, Generation: indexes.Generation()}
	return db.plans.GetOrCompile(key, func() (*cypher.QueryPlan, error) {
		return cypher.Compile(query, indexes)
	})
}

// Explain returns the rendered plan of query.
func (db *DB) Explain(query string) (string, error) {
	plan, err := db.Compile(query)
	if err != nil {
		return "", err
	}
	return plan.String(), nil
}

// ExecuteQuery compiles query and runs it inside tx under budget b.
//
// Read-only queries are evaluated lazily as the result is read. Mutating
// queries are run to completion before ExecuteQuery returns; their writes
// belong to tx and become visible to others only when tx commits.
//
// Closing the result records the query metrics and logs it when it ran
// longer than the slow query threshold.
func (db *DB) ExecuteQuery(ctx context.Context, tx *txn.Transaction, query string, params map[string]any, b budget.Budget) (*cypher.Result, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.check(); err != nil {
		return nil, err
	}

	start := time.Now()
	plan, hit, err := db.compile(query)
	if err != nil {
		db.metrics.RecordQuery(kindCypher, 0, false, time.Since(start), err)
		return nil, err
	}
	res, err := cypher.Execute(ctx, plan, tx, params, b)
	if err != nil {
		db.metrics.RecordQuery(kindCypher, 0, false, time.Since(start), err)
		db.logger.Debug("query failed", zap.String("query", query), zap.Error(err))
		return nil, err
	}
	res.OnClose(func(r *cypher.Result) {
		db.observe(query, hit, r, time.Since(start))
	})
	return res, nil
}

// observe records a finished query.
func (db *DB) observe(query string, cached bool, r *cypher.Result, elapsed time.Duration) {
	st := r.Stats()
	db.metrics.RecordQuery(kindCypher, st.Results, r.Truncated(), elapsed, r.Err())

	fields := []zap.Field{
		zap.String("query", query),
		zap.Duration("elapsed", elapsed),
		zap.Int("rows", st.Results),
		zap.Int("visited", st.Visited),
		zap.Bool("truncated", r.Truncated()),
		zap.Bool("cached_plan", cached),
	}
	if r.Truncated() {
		fields = append(fields, zap.Stringer("reason", st.Reason))
	}
	if threshold := db.cfg.Query.SlowQueryThreshold; threshold > 0 && elapsed >= threshold {
		db.logger.Warn("slow query", fields...)
		return
	}
	if db.cfg.Query.LogQueries {
		db.logger.Debug("query", fields...)
	}
}

// QueryResult holds the rows of a query run with Run.
type QueryResult struct {
	Columns   []string
	Rows      []map[string]any
	Truncated bool
	Stats     cypher.Stats
	// Version is the version published by the commit of a mutating query,
	// or the snapshot version of a read-only one.
	Version uint64
}

// Run executes query in its own transaction and reads every row. Mutating
// queries are committed; read-only ones are rolled back.
//
// A mutating query that stopped early on its visit, depth, time or deadline
// budget has only changed the rows it reached. Run rolls it back and returns
// ErrTruncatedUpdate. A MaxResults cap only limits the rows returned, so such
// a query is still committed with Truncated set.
func (db *DB) Run(ctx context.Context, query string, params map[string]any, b budget.Budget) (*QueryResult, error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := db.ExecuteQuery(ctx, tx, query, params, b)
	if err != nil {
		return nil, err
	}
	rows, err := res.All()
	if err != nil {
		return nil, err
	}
	out := &QueryResult{
		Columns:   res.Columns(),
		Rows:      rows,
		Truncated: res.Truncated(),
		Stats:     res.Stats(),
		Version:   tx.Snapshot(),
	}
	if out.Stats.ContainsUpdates() {
		if out.Truncated && out.Stats.Reason != budget.ReasonResults {
			return nil, fmt.Errorf("%w (%s)", ErrTruncatedUpdate, out.Stats.Reason)
		}
		if out.Version, err = tx.Commit(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// HybridSearch ranks entities for req under budget b. When tx is nil the
// search runs in a fresh read transaction.
func (db *DB) HybridSearch(ctx context.Context, tx *txn.Transaction, req search.Request, b budget.Budget) (*search.Response, error) {
	if tx == nil {
		var resp *search.Response
		err := db.View(ctx, func(tx *txn.Transaction) error {
			var err error
			resp, err = db.HybridSearch(ctx, tx, req, b)
			return err
		})
		return resp, err
	}

	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.check(); err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := db.searcher.Search(ctx, tx, req, b)
	if err != nil {
		db.metrics.RecordQuery(kindSearch, 0, false, time.Since(start), err)
		return nil, err
	}
	db.metrics.RecordQuery(kindSearch, len(resp.Hits), resp.Truncated, time.Since(start), nil)
	return resp, nil
}
