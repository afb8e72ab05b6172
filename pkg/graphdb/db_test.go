package graphdb

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/orneryd/nornicgraph/pkg/budget"
	"github.com/orneryd/nornicgraph/pkg/config"
	"github.com/orneryd/nornicgraph/pkg/index"
	"github.com/orneryd/nornicgraph/pkg/model"
	"github.com/orneryd/nornicgraph/pkg/search"
	"github.com/orneryd/nornicgraph/pkg/storage"
	"github.com/orneryd/nornicgraph/pkg/txn"
)

func testConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.DataDir = dir
	cfg.WAL.SyncMode = storage.SyncNone
	cfg.Storage.LowMemory = true
	return cfg
}

func openDB(t *testing.T, cfg *config.Config, opts ...Option) *DB {
	t.Helper()
	opts = append([]Option{WithLogger(zap.NewNop())}, opts...)
	db, err := Open(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func run(t *testing.T, db *DB, q string, params map[string]any) *QueryResult {
	t.Helper()
	res, err := db.Run(context.Background(), q, params, budget.Unlimited())
	require.NoError(t, err)
	return res
}

func column(rows []map[string]any, name string) []any {
	out := make([]any, 0, len(rows))
	for _, r := range rows {
		out = append(out, r[name])
	}
	return out
}

var personName = index.Key{Kind: model.KindEntity, Type: "Person", Property: "name"}

func TestOpen(t *testing.T) {
	t.Run("invalid_config", func(t *testing.T) {
		cfg := testConfig(t, t.TempDir())
		cfg.Storage.Engine = "rocks"
		_, err := Open(cfg, WithLogger(zap.NewNop()))
		assert.ErrorContains(t, err, "unknown storage engine")
	})

	t.Run("closed_db_rejects_work", func(t *testing.T) {
		db, err := Open(testConfig(t, t.TempDir()), WithLogger(zap.NewNop()))
		require.NoError(t, err)
		require.NoError(t, db.Close())
		require.NoError(t, db.Close(), "close is idempotent")

		_, err = db.Begin(context.Background())
		assert.ErrorIs(t, err, ErrClosed)
		_, err = db.Compile("RETURN 1")
		assert.ErrorIs(t, err, ErrClosed)
		_, err = db.CreateIndex(personName)
		assert.ErrorIs(t, err, ErrClosed)
		_, err = db.Checkpoint()
		assert.ErrorIs(t, err, ErrClosed)
	})

	t.Run("no_goroutines_leak", func(t *testing.T) {
		defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
		cfg := testConfig(t, t.TempDir())
		cfg.WAL.SyncMode = storage.SyncBatch
		db, err := Open(cfg, WithLogger(zap.NewNop()))
		require.NoError(t, err)
		_, err = db.Run(context.Background(), "CREATE (:Person {name: 'Alice'})", nil, budget.Unlimited())
		require.NoError(t, err)
		require.NoError(t, db.Close())
	})
}

func TestDB_Transactions(t *testing.T) {
	db := openDB(t, testConfig(t, t.TempDir()))
	ctx := context.Background()

	t.Run("explicit_commit", func(t *testing.T) {
		tx, err := db.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.AddEntity(&model.Entity{ID: "alice", Type: "Person", Properties: map[string]any{"name": "Alice"}}))
		v, err := db.Commit(tx)
		require.NoError(t, err)
		assert.Equal(t, v, db.Stats().Version)
	})

	t.Run("rollback_discards", func(t *testing.T) {
		tx, err := db.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.AddEntity(&model.Entity{ID: "ghost", Type: "Person"}))
		require.NoError(t, db.Rollback(tx))

		err = db.View(ctx, func(tx *txn.Transaction) error {
			_, err := tx.Entity("ghost")
			return err
		})
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("update_rolls_back_on_error", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := db.Update(ctx, func(tx *txn.Transaction) error {
			require.NoError(t, tx.AddEntity(&model.Entity{ID: "bob", Type: "Person"}))
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 0, db.Stats().ActiveTransactions)

		err = db.View(ctx, func(tx *txn.Transaction) error {
			_, err := tx.Entity("bob")
			return err
		})
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("add_entity_and_relationship", func(t *testing.T) {
		_, err := db.AddEntity(ctx, &model.Entity{ID: "carol", Type: "Person", Properties: map[string]any{"name": "Carol"}})
		require.NoError(t, err)
		_, err = db.AddRelationship(ctx, &model.Relationship{ID: "k1", Type: "KNOWS", Source: "alice", Target: "carol"})
		require.NoError(t, err)

		_, err = db.AddRelationship(ctx, &model.Relationship{ID: "k2", Type: "KNOWS", Source: "alice", Target: "nobody"})
		assert.ErrorIs(t, err, txn.ErrDanglingReference)

		res := run(t, db, "MATCH (a {id: 'alice'})-[:KNOWS]->(b) RETURN b.name", nil)
		assert.Equal(t, []any{"Carol"}, column(res.Rows, "b.name"))
	})
}

func TestDB_Scenarios(t *testing.T) {
	t.Run("create_then_match", func(t *testing.T) {
		db := openDB(t, testConfig(t, t.TempDir()))
		created := run(t, db, "CREATE (:Person {name: 'Alice', age: 30})", nil)
		assert.Equal(t, 1, created.Stats.EntitiesCreated)
		assert.NotZero(t, created.Version)

		res := run(t, db, "MATCH (p:Person) WHERE p.age > 25 RETURN p.name", nil)
		assert.Equal(t, []string{"p.name"}, res.Columns)
		assert.Equal(t, []any{"Alice"}, column(res.Rows, "p.name"))
		assert.False(t, res.Truncated)

		t.Run("whole_entity", func(t *testing.T) {
			res := run(t, db, `MATCH (p:Person {name: "Alice"}) RETURN p`, nil)
			assert.Equal(t, []string{"p"}, res.Columns)
			require.Len(t, res.Rows, 1)
			e, ok := res.Rows[0]["p"].(*model.Entity)
			require.True(t, ok, "got %T", res.Rows[0]["p"])
			assert.NotEmpty(t, e.ID)
			assert.Equal(t, "Person", e.Type)
			assert.Equal(t, map[string]any{"name": "Alice", "age": int64(30)}, e.Properties)
			assert.Equal(t, created.Version, e.Version)
			assert.Nil(t, e.Embedding)
		})
	})

	t.Run("unique_constraint_rejects_duplicate", func(t *testing.T) {
		db := openDB(t, testConfig(t, t.TempDir()))
		added, err := db.AddConstraint(index.Constraint{Key: personName, Kind: index.ConstraintUnique})
		require.NoError(t, err)
		assert.True(t, added)

		run(t, db, "CREATE (:Person {name: 'Alice', age: 30})", nil)
		_, err = db.Run(context.Background(), "CREATE (:Person {name: 'Alice', age: 31})", nil, budget.Unlimited())
		require.Error(t, err)
		var cve *txn.ConstraintViolationError
		require.True(t, errors.As(err, &cve), "got %v", err)
		assert.Equal(t, index.ConstraintUnique, cve.Constraint.Kind)

		res := run(t, db, "MATCH (p:Person {name: 'Alice'}) RETURN p.age", nil)
		assert.Equal(t, []any{int64(30)}, column(res.Rows, "p.age"))
		assert.Len(t, db.Constraints(), 1)
		assert.Contains(t, db.Indexes(), personName, "unique constraints are backed by an index")
	})

	t.Run("truncated_update_is_rolled_back", func(t *testing.T) {
		db := openDB(t, testConfig(t, t.TempDir()))
		run(t, db, "CREATE (:Person {name: 'Alice'}), (:Person {name: 'Bob'}), (:Person {name: 'Carol'})", nil)
		before := db.Stats().Version

		_, err := db.Run(context.Background(), "MATCH (p:Person) SET p.seen = true", nil, budget.Budget{MaxNodesVisited: 1})
		require.ErrorIs(t, err, ErrTruncatedUpdate)
		assert.Contains(t, err.Error(), budget.ReasonNodes.String())
		assert.Equal(t, before, db.Stats().Version)

		res := run(t, db, "MATCH (p:Person) WHERE p.seen = true RETURN p.name", nil)
		assert.Empty(t, res.Rows)
	})

	t.Run("result_cap_still_commits", func(t *testing.T) {
		db := openDB(t, testConfig(t, t.TempDir()))
		run(t, db, "CREATE (:Person {name: 'Alice'}), (:Person {name: 'Bob'}), (:Person {name: 'Carol'})", nil)

		res, err := db.Run(context.Background(), "MATCH (p:Person) SET p.seen = true RETURN p.name", nil, budget.Budget{MaxResults: 1})
		require.NoError(t, err)
		assert.Len(t, res.Rows, 1)
		assert.True(t, res.Truncated)
		assert.Equal(t, budget.ReasonResults, res.Stats.Reason)
		assert.Equal(t, 3, res.Stats.PropertiesSet)

		res = run(t, db, "MATCH (p:Person) WHERE p.seen = true RETURN p.name", nil)
		assert.Len(t, res.Rows, 3)
	})

	t.Run("shallow_budget_truncates", func(t *testing.T) {
		db := openDB(t, testConfig(t, t.TempDir()))
		run(t, db, "CREATE (:Step {i: 0})-[:NEXT]->(:Step {i: 1})-[:NEXT]->(:Step {i: 2})-[:NEXT]->(:Step {i: 3})", nil)

		shallow, err := db.Preset(budget.PresetShallow)
		require.NoError(t, err)
		res, err := db.Run(context.Background(), "MATCH (a:Step {i: 0})-[:NEXT*1..3]->(b) RETURN b.i", nil, shallow)
		require.NoError(t, err)
		assert.Equal(t, []any{int64(1)}, column(res.Rows, "b.i"))
		assert.True(t, res.Truncated)
		assert.Equal(t, budget.ReasonDepth, res.Stats.Reason)

		res = run(t, db, "MATCH (a:Step {i: 0})-[:NEXT*1..3]->(b) RETURN b.i ORDER BY b.i", nil)
		assert.Equal(t, []any{int64(1), int64(2), int64(3)}, column(res.Rows, "b.i"))
		assert.False(t, res.Truncated)
	})
}

func TestDB_ExecuteQuery(t *testing.T) {
	db := openDB(t, testConfig(t, t.TempDir()))
	ctx := context.Background()
	run(t, db, "CREATE (:Person {name: 'Alice', age: 30}), (:Person {name: 'Bob', age: 25})", nil)

	t.Run("read_your_writes", func(t *testing.T) {
		tx, err := db.Begin(ctx)
		require.NoError(t, err)
		defer tx.Rollback()

		res, err := db.ExecuteQuery(ctx, tx, "CREATE (:Person {name: 'Carol', age: 35})", nil, budget.Unlimited())
		require.NoError(t, err)
		require.NoError(t, res.Close())

		res, err = db.ExecuteQuery(ctx, tx, "MATCH (p:Person) RETURN count(p) AS n", nil, budget.Unlimited())
		require.NoError(t, err)
		rows, err := res.All()
		require.NoError(t, err)
		assert.Equal(t, []any{int64(3)}, column(rows, "n"))

		other := run(t, db, "MATCH (p:Person) RETURN count(p) AS n", nil)
		assert.Equal(t, []any{int64(2)}, column(other.Rows, "n"), "uncommitted writes stay private")
	})

	t.Run("parameters", func(t *testing.T) {
		res := run(t, db, "MATCH (p:Person) WHERE p.age >= $min RETURN p.name ORDER BY p.name", map[string]any{"min": 26})
		assert.Equal(t, []any{"Alice"}, column(res.Rows, "p.name"))
	})

	t.Run("compile_errors_pass_through", func(t *testing.T) {
		_, err := db.Run(ctx, "MATCH (p:Person RETURN p", nil, budget.Unlimited())
		require.Error(t, err)
		assert.True(t, strings.Contains(err.Error(), "expected"), err.Error())
	})

	t.Run("read_only_run_does_not_commit", func(t *testing.T) {
		before := db.Stats().Version
		res := run(t, db, "MATCH (p:Person) RETURN p.name", nil)
		assert.Equal(t, before, res.Version)
		assert.Equal(t, before, db.Stats().Version)
	})
}

func TestDB_PlanCache(t *testing.T) {
	db := openDB(t, testConfig(t, t.TempDir()))
	run(t, db, "CREATE (:Person {name: 'Alice', age: 30})", nil)
	q := "MATCH (p:Person) WHERE p.name = 'Alice' RETURN p.age"

	start := db.Stats().PlanCache
	run(t, db, q, nil)
	run(t, db, q, nil)
	st := db.Stats().PlanCache
	assert.Equal(t, start.Hits+1, st.Hits)
	assert.Equal(t, start.Misses+1, st.Misses)

	plan, err := db.Explain(q)
	require.NoError(t, err)
	assert.NotContains(t, plan, "NodeIndexSeek")

	created, err := db.CreateIndex(personName)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = db.CreateIndex(personName)
	require.NoError(t, err)
	assert.False(t, created)

	plan, err = db.Explain(q)
	require.NoError(t, err)
	assert.Contains(t, plan, "NodeIndexSeek", "a new index invalidates cached plans")

	res := run(t, db, q, nil)
	assert.Equal(t, []any{int64(30)}, column(res.Rows, "p.age"))

	dropped, err := db.DropIndex(personName)
	require.NoError(t, err)
	assert.True(t, dropped)
	plan, err = db.Explain(q)
	require.NoError(t, err)
	assert.NotContains(t, plan, "NodeIndexSeek")
}

func TestDB_HybridSearch(t *testing.T) {
	db := openDB(t, testConfig(t, t.TempDir()))
	ctx := context.Background()
	_, err := db.CreateIndex(personName)
	require.NoError(t, err)
	_, err = db.Update(ctx, func(tx *txn.Transaction) error {
		for _, e := range []*model.Entity{
			{ID: "alice", Type: "Person", Properties: map[string]any{"name": "Alice Graph"}, Embedding: []float32{1, 0}},
			{ID: "bob", Type: "Person", Properties: map[string]any{"name": "Bob"}, Embedding: []float32{0, 1}},
		} {
			if err := tx.AddEntity(e); err != nil {
				return err
			}
		}
		return tx.AddRelationship(&model.Relationship{ID: "k1", Type: "KNOWS", Source: "alice", Target: "bob"})
	})
	require.NoError(t, err)

	t.Run("own_transaction", func(t *testing.T) {
		resp, err := db.HybridSearch(ctx, nil, search.Request{Text: "graph", Vector: []float32{1, 0}}, budget.Unlimited())
		require.NoError(t, err)
		require.Len(t, resp.Hits, 2)
		assert.Equal(t, "alice", resp.Hits[0].ID())
		assert.Equal(t, 0, db.Stats().ActiveTransactions)
	})

	t.Run("inside_transaction", func(t *testing.T) {
		err := db.View(ctx, func(tx *txn.Transaction) error {
			resp, err := db.HybridSearch(ctx, tx, search.Request{Anchors: []string{"bob"}}, budget.Unlimited())
			if err != nil {
				return err
			}
			require.Len(t, resp.Hits, 2)
			assert.Equal(t, "bob", resp.Hits[0].ID())
			assert.Equal(t, 1, resp.Hits[1].Distance)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("empty_request", func(t *testing.T) {
		_, err := db.HybridSearch(ctx, nil, search.Request{}, budget.Unlimited())
		assert.ErrorIs(t, err, search.ErrEmptyRequest)
	})
}

func TestDB_Recovery(t *testing.T) {
	t.Run("memory_engine_replays_wal", func(t *testing.T) {
		cfg := testConfig(t, t.TempDir())
		db, err := Open(cfg, WithLogger(zap.NewNop()))
		require.NoError(t, err)
		_, err = db.CreateIndex(personName)
		require.NoError(t, err)
		_, err = db.Run(context.Background(), "CREATE (:Person {name: 'Alice'})-[:KNOWS]->(:Person {name: 'Bob'})", nil, budget.Unlimited())
		require.NoError(t, err)
		version := db.Stats().Version
		require.NoError(t, db.Close())

		db = openDB(t, cfg)
		assert.Equal(t, version, db.Stats().Version)
		assert.Contains(t, db.Indexes(), personName)
		res := run(t, db, "MATCH (a:Person {name: 'Alice'})-[:KNOWS]->(b) RETURN b.name", nil)
		assert.Equal(t, []any{"Bob"}, column(res.Rows, "b.name"))
	})

	t.Run("badger_checkpoint_and_reopen", func(t *testing.T) {
		cfg := testConfig(t, t.TempDir())
		cfg.Storage.Engine = config.EngineBadger
		db, err := Open(cfg, WithLogger(zap.NewNop()))
		require.NoError(t, err)
		run(t, db, "CREATE (:Person {name: 'Alice'})", nil)
		_, err = db.Checkpoint()
		require.NoError(t, err)
		run(t, db, "CREATE (:Person {name: 'Bob'})", nil)
		version := db.Stats().Version
		require.NoError(t, db.Close())

		db = openDB(t, cfg)
		assert.Equal(t, version, db.Stats().Version)
		res := run(t, db, "MATCH (p:Person) RETURN p.name ORDER BY p.name", nil)
		assert.Equal(t, []any{"Alice", "Bob"}, column(res.Rows, "p.name"))
	})
}

func TestDB_Encryption(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	cfg.Storage.Engine = config.EngineBadger
	cfg.Storage.EncryptionPassphrase = "correct horse battery staple"
	cfg.Storage.EncryptionIterations = 1000

	db, err := Open(cfg, WithLogger(zap.NewNop()))
	require.NoError(t, err)
	run(t, db, "CREATE (:Person {name: 'Alice'})", nil)
	_, err = db.Checkpoint()
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = os.Stat(filepath.Join(dir, saltFile))
	require.NoError(t, err)

	t.Run("same_passphrase", func(t *testing.T) {
		db := openDB(t, cfg)
		res := run(t, db, "MATCH (p:Person) RETURN p.name", nil)
		assert.Equal(t, []any{"Alice"}, column(res.Rows, "p.name"))
		require.NoError(t, db.Close())
	})

	t.Run("wrong_passphrase", func(t *testing.T) {
		wrong := *cfg
		wrong.Storage.EncryptionPassphrase = "incorrect"
		_, err := Open(&wrong, WithLogger(zap.NewNop()))
		assert.Error(t, err)
	})
}

func TestDB_Observability(t *testing.T) {
	t.Run("slow_query_log", func(t *testing.T) {
		core, logs := observer.New(zapcore.DebugLevel)
		cfg := testConfig(t, t.TempDir())
		cfg.Query.SlowQueryThreshold = 1 // every query is slow
		db := openDB(t, cfg, WithLogger(zap.New(core)))

		run(t, db, "RETURN 1 AS one", nil)
		slow := logs.FilterMessage("slow query").All()
		require.Len(t, slow, 1)
		assert.Equal(t, "RETURN 1 AS one", slow[0].ContextMap()["query"])
	})

	t.Run("prometheus_metrics", func(t *testing.T) {
		cfg := testConfig(t, t.TempDir())
		cfg.Metrics.Enabled = true
		db := openDB(t, cfg)
		require.NotNil(t, db.Registry())

		run(t, db, "CREATE (:Person {name: 'Alice'})", nil)
		run(t, db, "MATCH (p:Person) RETURN p", nil)

		families, err := db.Registry().Gather()
		require.NoError(t, err)
		counts := make(map[string]float64)
		for _, f := range families {
			for _, m := range f.GetMetric() {
				if c := m.GetCounter(); c != nil {
					counts[f.GetName()] += c.GetValue()
				}
			}
		}
		assert.Equal(t, 2.0, counts["nornicgraph_queries_total"])
		assert.Equal(t, 1.0, counts["nornicgraph_transactions_total"])
	})

	t.Run("stats", func(t *testing.T) {
		db := openDB(t, testConfig(t, t.TempDir()))
		run(t, db, "CREATE (:Person {name: 'Alice'})", nil)
		st := db.Stats()
		require.NotNil(t, st.StoreCache)
		assert.Positive(t, st.WAL.EntryCount)
		assert.Equal(t, 0, st.ActiveTransactions)
	})
}
