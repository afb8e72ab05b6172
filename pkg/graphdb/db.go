// Package graphdb is the embedded API of NornicGraph.
//
// A DB ties the engine together: the block store stack (badger or memory,
// optional encryption at rest, LRU read cache), the write-ahead log, the
// transaction manager with its index catalog, the compiled plan cache and
// the hybrid searcher. There are no package-level singletons; everything
// hangs off the DB value returned by Open.
//
// Example Usage:
//
//	cfg := config.Default()
//	cfg.Storage.Engine = config.EngineBadger
//	cfg.Storage.DataDir = "./data"
//
//	db, err := graphdb.Open(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	// Explicit transaction
//	tx, _ := db.Begin(ctx)
//	_ = tx.AddEntity(&model.Entity{ID: "alice", Type: "Person",
//		Properties: map[string]any{"name": "Alice"}})
//	if _, err := db.Commit(tx); err != nil {
//		log.Fatal(err)
//	}
//
//	// One-shot query in its own transaction
//	res, err := db.Run(ctx, "MATCH (p:Person) RETURN p.name AS name", nil, db.DefaultBudget())
//	for _, row := range res.Rows {
//		fmt.Println(row["name"])
//	}
//
// Thread Safety:
//
//	All DB methods are safe for concurrent use. A *txn.Transaction and a
//	*cypher.Result belong to one goroutine.
package graphdb

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/orneryd/nornicgraph/pkg/budget"
	"github.com/orneryd/nornicgraph/pkg/cache"
	"github.com/orneryd/nornicgraph/pkg/config"
	"github.com/orneryd/nornicgraph/pkg/index"
	"github.com/orneryd/nornicgraph/pkg/logging"
	"github.com/orneryd/nornicgraph/pkg/metrics"
	"github.com/orneryd/nornicgraph/pkg/model"
	"github.com/orneryd/nornicgraph/pkg/search"
	"github.com/orneryd/nornicgraph/pkg/storage"
	"github.com/orneryd/nornicgraph/pkg/txn"
)

// ErrClosed is returned by every method of a closed DB.
var ErrClosed = errors.New("graphdb: database closed")

// ErrTruncatedUpdate is returned by Run when a query that changed data ran
// out of budget before it matched every row. The changes are rolled back.
var ErrTruncatedUpdate = errors.New("graphdb: mutating query truncated by budget")

// Option customizes Open.
type Option func(*options)

type options struct {
	logger    *zap.Logger
	metrics   metrics.Collector
	embedding search.Embedding
	store     storage.BlockStore
}

// WithLogger replaces the logger built from the logging configuration.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics replaces the Prometheus collector built when metrics are
// enabled in the configuration.
func WithMetrics(c metrics.Collector) Option {
	return func(o *options) { o.metrics = c }
}

// WithEmbedding replaces the cosine similarity of the semantic search
// channel.
func WithEmbedding(e search.Embedding) Option {
	return func(o *options) { o.embedding = e }
}

// WithStore uses s as the block store instead of the configured engine.
// The DB takes ownership and closes it.
func WithStore(s storage.BlockStore) Option {
	return func(o *options) { o.store = s }
}

// DB is an open NornicGraph database.
type DB struct {
	cfg      *config.Config
	logger   *zap.Logger
	metrics  metrics.Collector
	registry *prometheus.Registry

	store    storage.BlockStore
	wal      *storage.WAL
	txns     *txn.Manager
	plans    *cache.QueryCache
	presets  budget.Presets
	searcher *search.Searcher

	mu     sync.RWMutex
	closed bool
}

// Open opens the database described by cfg and recovers committed state
// from the WAL. A nil cfg uses config.Default().
//
// The components are built in order:
//  1. logger (from cfg.Logging unless WithLogger is given)
//  2. metrics (Prometheus on a private registry when cfg.Metrics.Enabled)
//  3. block store stack
//  4. WAL
//  5. transaction manager, which replays the WAL and rebuilds indexes
//  6. plan cache and hybrid searcher
//
// A *storage.CorruptionError from recovery is returned unwrapped so callers
// can tell a damaged log from other failures.
func Open(cfg *config.Config, opts ...Option) (*DB, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	db := &DB{cfg: cfg}

	db.logger = o.logger
	if db.logger == nil {
		l, err := logging.New(cfg.Logging)
		if err != nil {
			return nil, err
		}
		db.logger = l
	}

	presets, err := cfg.Presets()
	if err != nil {
		return nil, fmt.Errorf("graphdb: %w", err)
	}
	db.presets = presets

	db.metrics = o.metrics
	if db.metrics == nil && cfg.Metrics.Enabled {
		db.registry = prometheus.NewRegistry()
		p, err := metrics.NewPrometheus(db.registry, cfg.Metrics.Namespace)
		if err != nil {
			return nil, err
		}
		db.metrics = p
	}
	db.metrics = metrics.OrNoop(db.metrics)

	db.store = o.store
	if db.store == nil {
		if db.store, err = openStore(cfg, db.logger); err != nil {
			return nil, err
		}
	}

	walOpts := cfg.WALOptions()
	walOpts.Logger = db.logger.Named("wal")
	if db.wal, err = storage.OpenWAL(walOpts); err != nil {
		_ = db.store.Close()
		return nil, err
	}

	db.txns, err = txn.NewManager(txn.Config{
		Store:         db.store,
		WAL:           db.wal,
		MaxConcurrent: cfg.Transactions.MaxConcurrent,
		BeginTimeout:  cfg.Transactions.BeginTimeout,
		Logger:        db.logger.Named("txn"),
		Metrics:       db.metrics,
	})
	if err != nil {
		_ = db.wal.Close()
		_ = db.store.Close()
		return nil, err
	}

	db.plans = cache.NewQueryCache(cfg.Query.PlanCacheSize, cfg.Query.PlanCacheTTL)
	db.plans.SetEnabled(cfg.Query.PlanCacheEnabled)

	searchOpts := []search.Option{search.WithLogger(db.logger.Named("search"))}
	if o.embedding != nil {
		searchOpts = append(searchOpts, search.WithEmbedding(o.embedding))
	}
	db.searcher = search.New(searchOpts...)

	rec := db.txns.Recovery()
	db.logger.Info("database opened",
		zap.String("engine", cfg.Storage.Engine),
		zap.String("wal", walOpts.Dir),
		zap.Uint64("version", db.txns.Version()),
		zap.Int("recovered", rec.Applied),
		zap.Int("discarded", rec.Discarded),
	)
	return db, nil
}

// Close closes the transaction manager, the WAL and the store. Open
// transactions are abandoned; their writes were never published.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true

	var errs []error
	if err := db.txns.Close(); err != nil {
		errs = append(errs, fmt.Errorf("txn close: %w", err))
	}
	// Close WAL first to ensure all writes are flushed
	if err := db.wal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("WAL close: %w", err))
	}
	if err := db.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	_ = db.logger.Sync()
	return errors.Join(errs...)
}

// check returns ErrClosed once Close was called. Callers hold db.mu.
func (db *DB) check() error {
	if db.closed {
		return ErrClosed
	}
	return nil
}

// Config returns the configuration the DB was opened with.
func (db *DB) Config() *config.Config { return db.cfg }

// Logger returns the DB logger.
func (db *DB) Logger() *zap.Logger { return db.logger }

// Registry returns the Prometheus registry created for cfg.Metrics, or nil
// when metrics are disabled or a collector was supplied with WithMetrics.
func (db *DB) Registry() *prometheus.Registry { return db.registry }

// Begin starts a transaction.
func (db *DB) Begin(ctx context.Context) (*txn.Transaction, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.check(); err != nil {
		return nil, err
	}
	return db.txns.Begin(ctx)
}

// Commit commits tx and returns the version it published.
func (db *DB) Commit(tx *txn.Transaction) (uint64, error) {
	return db.txns.Commit(tx)
}

// Rollback discards tx. Rolling back a finished transaction is a no-op.
func (db *DB) Rollback(tx *txn.Transaction) error {
	return db.txns.Rollback(tx)
}

// View runs fn in a transaction that is always rolled back.
func (db *DB) View(ctx context.Context, fn func(tx *txn.Transaction) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return fn(tx)
}

// Update runs fn in a transaction and commits it when fn succeeds. The
// transaction is rolled back when fn returns an error or panics.
func (db *DB) Update(ctx context.Context, fn func(tx *txn.Transaction) error) (uint64, error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return 0, err
	}
	return tx.Commit()
}

// AddEntity adds e in its own transaction.
func (db *DB) AddEntity(ctx context.Context, e *model.Entity) (uint64, error) {
	return db.Update(ctx, func(tx *txn.Transaction) error { return tx.AddEntity(e) })
}

// AddRelationship adds r in its own transaction.
func (db *DB) AddRelationship(ctx context.Context, r *model.Relationship) (uint64, error) {
	return db.Update(ctx, func(tx *txn.Transaction) error { return tx.AddRelationship(r) })
}

// CreateIndex builds an index over the committed data. It reports false
// when the index already existed.
func (db *DB) CreateIndex(key index.Key) (bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.check(); err != nil {
		return false, err
	}
	created, err := db.txns.CreateIndex(key)
	if created {
		db.logger.Info("index created", zap.Stringer("index", key))
	}
	return created, err
}

// DropIndex removes an index. Indexes backing a unique constraint cannot be
// dropped while the constraint exists.
func (db *DB) DropIndex(key index.Key) (bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.check(); err != nil {
		return false, err
	}
	return db.txns.DropIndex(key)
}

// AddConstraint activates c after validating the committed data against
// it. It reports false when c was already active.
func (db *DB) AddConstraint(c index.Constraint) (bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.check(); err != nil {
		return false, err
	}
	added, err := db.txns.AddConstraint(c)
	if added {
		db.logger.Info("constraint added", zap.String("constraint", c.Name()))
	}
	return added, err
}

// DropConstraint deactivates c.
func (db *DB) DropConstraint(c index.Constraint) (bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.check(); err != nil {
		return false, err
	}
	return db.txns.DropConstraint(c)
}

// Indexes returns the keys of every index.
func (db *DB) Indexes() []index.Key { return db.txns.Indexes().Indexes() }

// Constraints returns every active constraint.
func (db *DB) Constraints() []index.Constraint { return db.txns.Indexes().Constraints() }

// Checkpoint makes the store durable and trims the WAL.
func (db *DB) Checkpoint() (txn.CheckpointInfo, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.check(); err != nil {
		return txn.CheckpointInfo{}, err
	}
	return db.txns.Checkpoint()
}

// Preset returns the named budget preset, configuration overrides applied.
func (db *DB) Preset(name string) (budget.Budget, error) {
	return db.presets.Get(name)
}

// DefaultBudget returns the preset named by the query configuration.
func (db *DB) DefaultBudget() budget.Budget {
	b, err := db.presets.Get(db.cfg.Query.DefaultPreset)
	if err != nil {
		// Validate checked the name at Open.
		return budget.Unlimited()
	}
	return b
}

// Stats is a point-in-time view of the engine counters.
type Stats struct {
	Version            uint64
	ActiveTransactions int
	Indexes            []index.IndexStats
	PlanCache          cache.CacheStats
	StoreCache         *storage.CacheStats
	WAL                storage.WALStats
	Recovery           txn.RecoveryStats
}

// Stats returns the current engine counters.
func (db *DB) Stats() Stats {
	st := Stats{
		Version:            db.txns.Version(),
		ActiveTransactions: db.txns.Active(),
		Indexes:            db.txns.Indexes().Stats(),
		PlanCache:          db.plans.Stats(),
		WAL:                db.wal.Stats(),
		Recovery:           db.txns.Recovery(),
	}
	if c, ok := db.store.(*storage.CachedStore); ok {
		cs := c.Stats()
		st.StoreCache = &cs
	}
	return st
}
