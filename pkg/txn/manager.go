// Package txn implements NornicGraph's transaction manager: snapshot
// isolation over the block store, optimistic conflict detection, write-ahead
// logging and crash recovery.
//
// Transactions buffer their writes privately. Every mutation is logged to the
// WAL before it touches the buffer, and the buffer is merged into the store
// and the indexes inside a single commit critical section, after the commit
// marker is durable:
//
//	begin ──► mutations (WAL put/delete/index-update, buffer) ──► commit
//	                                                              │
//	      validate read-set ─► check constraints ─► WAL commit ─► apply ─► publish
//
// Any failure before the commit marker aborts the transaction and leaves
// committed state untouched. On startup, Recover replays the WAL and applies
// only transactions whose last terminal marker is a commit.
//
// Example:
//
//	mgr, err := txn.NewManager(txn.Config{Store: store, WAL: wal})
//	if err != nil {
//		return err
//	}
//	tx, err := mgr.Begin(ctx)
//	if err != nil {
//		return err
//	}
//	if err := tx.AddEntity(&model.Entity{ID: "alice", Type: "Person"}); err != nil {
//		tx.Rollback()
//		return err
//	}
//	version, err := tx.Commit()
package txn

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/orneryd/nornicgraph/pkg/index"
	"github.com/orneryd/nornicgraph/pkg/logging"
	"github.com/orneryd/nornicgraph/pkg/metrics"
	"github.com/orneryd/nornicgraph/pkg/model"
	"github.com/orneryd/nornicgraph/pkg/storage"
)

// Config wires a Manager to its collaborators.
type Config struct {
	// Store holds committed state. Required.
	Store storage.BlockStore

	// WAL is the write-ahead log. Required.
	WAL *storage.WAL

	// Indexes holds the index catalog. A new manager is created when nil.
	Indexes *index.Manager

	// MaxConcurrent bounds the number of open transactions (0 = 1024).
	MaxConcurrent int

	// BeginTimeout bounds the wait for a free transaction slot
	// (0 = wait until the context ends).
	BeginTimeout time.Duration

	Logger  *zap.Logger
	Metrics metrics.Collector
}

// RecoveryStats summarizes a WAL replay.
type RecoveryStats struct {
	Entries    int64
	Applied    int
	Discarded  int
	Version    uint64
	Checkpoint uint64
	Duration   time.Duration
}

// CheckpointInfo describes a completed checkpoint.
type CheckpointInfo struct {
	Version         uint64
	Sequence        uint64
	RemovedSegments int
}

// Manager coordinates transactions over one store and one WAL.
type Manager struct {
	store   storage.BlockStore
	wal     *storage.WAL
	indexes *index.Manager
	logger  *zap.Logger
	metrics metrics.Collector

	slots        *semaphore.Weighted
	beginTimeout time.Duration

	// commitMu serializes commits, schema changes and checkpoints.
	commitMu sync.Mutex

	// mu guards active and mvcc, and orders version publication against
	// Begin.
	mu      sync.Mutex
	version atomic.Uint64
	active  map[string]*Transaction
	mvcc    *mvcc

	recovery RecoveryStats
	closed   atomic.Bool
}

// NewManager creates a manager and recovers committed state from the WAL.
// A *storage.CorruptionError from the WAL is returned as is: recovery halts
// rather than guess.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("txn: store is required")
	}
	if cfg.WAL == nil {
		return nil, fmt.Errorf("txn: wal is required")
	}
	if cfg.Indexes == nil {
		cfg.Indexes = index.NewManager()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1024
	}

	m := &Manager{
		store:        cfg.Store,
		wal:          cfg.WAL,
		indexes:      cfg.Indexes,
		logger:       logging.OrNop(cfg.Logger),
		metrics:      metrics.OrNoop(cfg.Metrics),
		slots:        semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		beginTimeout: cfg.BeginTimeout,
		active:       make(map[string]*Transaction),
		mvcc:         newMVCC(),
	}
	if err := m.recover(); err != nil {
		return nil, err
	}
	return m, nil
}

// Indexes returns the index catalog.
func (m *Manager) Indexes() *index.Manager { return m.indexes }

// Version returns the latest published commit version.
func (m *Manager) Version() uint64 { return m.version.Load() }

// Recovery returns what the startup replay did.
func (m *Manager) Recovery() RecoveryStats { return m.recovery }

// Active returns the number of open transactions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Begin opens a transaction reading the latest published version. It waits
// for a free slot when MaxConcurrent transactions are open.
func (m *Manager) Begin(ctx context.Context) (*Transaction, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}
	if ctx == nil {
		ctx = context.Background()
	}
	wait := ctx
	if m.beginTimeout > 0 {
		var cancel context.CancelFunc
		wait, cancel = context.WithTimeout(ctx, m.beginTimeout)
		defer cancel()
	}
	if err := m.slots.Acquire(wait, 1); err != nil {
		return nil, fmt.Errorf("txn: begin: %w", err)
	}

	tx := &Transaction{
		mgr:      m,
		ctx:      ctx,
		id:       uuid.NewString(),
		state:    StateActive,
		entities: make(map[string]*model.Entity),
		rels:     make(map[string]*model.Relationship),
		reads:    make(map[ref]struct{}),
		adjReads: make(map[string]struct{}),
	}
	m.mu.Lock()
	tx.snapshot = m.version.Load()
	m.active[tx.id] = tx
	m.mu.Unlock()
	return tx, nil
}

// release ends the bookkeeping of a finished transaction.
func (m *Manager) release(tx *Transaction) {
	if tx.released {
		return
	}
	tx.released = true
	m.mu.Lock()
	delete(m.active, tx.id)
	m.pruneLocked()
	m.mu.Unlock()
	m.slots.Release(1)
}

// pruneLocked drops MVCC state older than every active snapshot.
func (m *Manager) pruneLocked() {
	horizon := m.version.Load()
	for _, tx := range m.active {
		if tx.snapshot < horizon {
			horizon = tx.snapshot
		}
	}
	m.mvcc.prune(horizon)
}

// Commit commits tx. See Transaction.Commit.
func (m *Manager) Commit(tx *Transaction) (uint64, error) {
	return tx.Commit()
}

// Rollback rolls tx back. See Transaction.Rollback.
func (m *Manager) Rollback(tx *Transaction) error {
	return tx.Rollback()
}

// commit runs the commit protocol. tx.mu is held by the caller.
func (m *Manager) commit(tx *Transaction) (uint64, error) {
	start := time.Now()
	defer m.release(tx)

	writes := tx.writeRefs()
	if len(writes) == 0 {
		tx.state = StateCommitted
		tx.version = tx.snapshot
		m.metrics.RecordCommit(metrics.OutcomeCommitted, 0, time.Since(start))
		return tx.snapshot, nil
	}
	if m.closed.Load() {
		m.abort(tx, "manager closed")
		return 0, ErrManagerClosed
	}

	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	// 1. Read-set validation
	if err := m.validate(tx); err != nil {
		m.abort(tx, "conflict")
		m.metrics.RecordCommit(metrics.OutcomeConflict, len(writes), time.Since(start))
		m.logger.Debug("transaction conflict", zap.String("tx", tx.id), zap.Error(err))
		return 0, err
	}

	// 2. Constraints and references on the merged state. The store holds the
	// latest committed state while commitMu is held.
	olds, err := m.currentImages(writes)
	if err != nil {
		m.abort(tx, "storage")
		m.metrics.RecordCommit(metrics.OutcomeError, len(writes), time.Since(start))
		return 0, err
	}
	if err := m.checkMerged(tx, writes, olds); err != nil {
		m.abort(tx, "constraint")
		m.metrics.RecordCommit(metrics.OutcomeConstraint, len(writes), time.Since(start))
		return 0, err
	}

	// 3. Commit marker, then apply and publish
	version := m.version.Load() + 1
	if _, err := m.logRecord(storage.OpCommit, walCommit{Tx: tx.id, Version: version}); err != nil {
		m.abort(tx, "wal")
		m.metrics.RecordCommit(metrics.OutcomeError, len(writes), time.Since(start))
		return 0, fmt.Errorf("txn: commit marker: %w", err)
	}

	muts, entry, replaced, err := m.prepareApply(tx, writes, olds, version)
	if err == nil {
		m.mu.Lock()
		m.mvcc.record(entry, replaced)
		m.mu.Unlock()
		if err = storage.ApplyBatch(m.store, muts); err != nil {
			m.mu.Lock()
			m.mvcc.unrecord(version)
			m.mu.Unlock()
		}
	}
	if err != nil {
		// The marker is on disk; an abort marker after it keeps recovery
		// from applying the transaction.
		m.abort(tx, "apply failed")
		m.metrics.RecordCommit(metrics.OutcomeError, len(writes), time.Since(start))
		m.logger.Error("commit apply failed", zap.String("tx", tx.id), zap.Error(err))
		return 0, wrapStorage("commit", err)
	}
	m.indexes.Apply(entry.deltas)

	m.mu.Lock()
	m.version.Store(version)
	m.mu.Unlock()

	tx.state = StateCommitted
	tx.version = version
	m.metrics.RecordCommit(metrics.OutcomeCommitted, len(writes), time.Since(start))
	m.logger.Debug("transaction committed",
		zap.String("tx", tx.id),
		zap.Uint64("version", version),
		zap.Int("writes", len(writes)),
		zap.Duration("elapsed", time.Since(start)))
	return version, nil
}

// validate checks tx's read-set against every commit newer than its
// snapshot.
func (m *Manager) validate(tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.mvcc.since(tx.snapshot) {
		for _, w := range c.writes {
			if _, ok := tx.reads[w.ref]; ok {
				return &ConflictError{TxID: tx.id, Kind: w.kind, ID: w.id, Version: c.version, Snapshot: tx.snapshot}
			}
			if w.kind != model.KindRelationship {
				continue
			}
			for _, end := range []string{w.source, w.target} {
				if _, ok := tx.adjReads[end]; ok {
					return &ConflictError{TxID: tx.id, Kind: model.KindEntity, ID: end, Version: c.version, Snapshot: tx.snapshot}
				}
			}
		}
		for _, d := range c.deltas {
			for _, sp := range tx.spans {
				if sp.Key != d.Key {
					continue
				}
				if (d.HasOld && sp.Contains(d.Old)) || (d.HasNew && sp.Contains(d.New)) {
					return &ConflictError{TxID: tx.id, Index: d.Key.String(), Version: c.version, Snapshot: tx.snapshot}
				}
			}
		}
	}
	return nil
}

// currentImages reads the committed image of every written record.
func (m *Manager) currentImages(writes []ref) (map[ref]image, error) {
	olds := make(map[ref]image, len(writes))
	for _, r := range writes {
		img, err := m.readCurrent(r)
		if err != nil {
			return nil, err
		}
		olds[r] = img
	}
	return olds, nil
}

func (m *Manager) readCurrent(r ref) (image, error) {
	var img image
	switch r.kind {
	case model.KindEntity:
		e, err := m.loadEntity(r.id)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return img, err
		}
		img.ent = e
	case model.KindRelationship:
		rel, err := m.loadRelationship(r.id)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return img, err
		}
		img.rel = rel
	}
	return img, nil
}

// checkMerged verifies constraints and referential integrity of the state
// committed data plus tx's buffer would form.
func (m *Manager) checkMerged(tx *Transaction, writes []ref, olds map[ref]image) error {
	idxWrites := make([]index.Write, 0, len(writes))
	for _, r := range writes {
		w := index.Write{Kind: r.kind, ID: r.id}
		if s := tx.bufferedSubject(r); s != nil {
			w.Image = s
		}
		idxWrites = append(idxWrites, w)
	}
	if err := m.indexes.Validate(idxWrites); err != nil {
		return err
	}

	exists := func(id string) (bool, error) {
		if e, ok := tx.entities[id]; ok {
			return e != nil, nil
		}
		_, err := m.loadEntity(id)
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return err == nil, err
	}

	for _, r := range writes {
		switch r.kind {
		case model.KindRelationship:
			rel := tx.rels[r.id]
			if rel == nil || olds[r].rel != nil {
				continue
			}
			for _, end := range []string{rel.Source, rel.Target} {
				ok, err := exists(end)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%w: relationship %s references missing entity %s", ErrDanglingReference, rel.ID, end)
				}
			}
		case model.KindEntity:
			if tx.entities[r.id] != nil || olds[r].ent == nil {
				continue
			}
			for _, prefix := range []string{storage.OutgoingPrefix(r.id), storage.IncomingPrefix(r.id)} {
				keys, err := storage.Keys(m.store, prefix)
				if err != nil {
					return wrapStorage("scan adjacency", err)
				}
				for _, k := range keys {
					relID := storage.LastPart(k)
					if rel, ok := tx.rels[relID]; ok && rel == nil {
						continue
					}
					return fmt.Errorf("%w: entity %s still has relationship %s", ErrEntityHasRelationships, r.id, relID)
				}
			}
		}
	}
	return nil
}

// prepareApply builds the store batch, the commit log entry and the history
// images for a commit at version.
func (m *Manager) prepareApply(tx *Transaction, writes []ref, olds map[ref]image, version uint64) ([]storage.Mutation, *commitEntry, map[ref]image, error) {
	entry := &commitEntry{version: version}
	replaced := make(map[ref]image, len(writes))
	var muts []storage.Mutation

	for _, r := range writes {
		old := olds[r]
		old.validTo = version
		replaced[r] = old

		w := written{ref: r}
		switch r.kind {
		case model.KindEntity:
			cur := tx.entities[r.id]
			if cur != nil {
				cur = cur.Clone()
				cur.Version = version
			}
			ms, err := storage.EntityMutations(old.ent, cur)
			if err != nil {
				return nil, nil, nil, err
			}
			muts = append(muts, ms...)
			entry.deltas = append(entry.deltas, m.indexes.Diff(subjectOf(old.ent), subjectOf(cur))...)
			if old.ent != nil {
				w.oldType = old.ent.Type
			}
			if cur != nil {
				w.newType = cur.Type
			}
		case model.KindRelationship:
			cur := tx.rels[r.id]
			if cur != nil {
				cur = cur.Clone()
				cur.Version = version
			}
			ms, err := storage.RelationshipMutations(old.rel, cur)
			if err != nil {
				return nil, nil, nil, err
			}
			muts = append(muts, ms...)
			entry.deltas = append(entry.deltas, m.indexes.Diff(relSubjectOf(old.rel), relSubjectOf(cur))...)
			for _, rel := range []*model.Relationship{old.rel, cur} {
				if rel != nil {
					w.source, w.target = rel.Source, rel.Target
				}
			}
			if old.rel != nil {
				w.oldType = old.rel.Type
			}
			if cur != nil {
				w.newType = cur.Type
			}
		}
		entry.writes = append(entry.writes, w)
	}

	v, err := model.Marshal(version)
	if err != nil {
		return nil, nil, nil, err
	}
	muts = append(muts, storage.Mutation{Key: metaVersion, Value: v})
	return muts, entry, replaced, nil
}

// abort marks tx aborted and logs an abort marker when the transaction
// logged anything.
func (m *Manager) abort(tx *Transaction, reason string) {
	tx.state = StateAborted
	if tx.beginSeq == 0 {
		return
	}
	if _, err := m.logRecord(storage.OpAbort, walAbort{Tx: tx.id, Reason: reason}); err != nil {
		m.logger.Warn("failed to log abort", zap.String("tx", tx.id), zap.Error(err))
	}
}

// CreateIndex builds an index over committed data and persists the catalog.
func (m *Manager) CreateIndex(key index.Key) (bool, error) {
	if m.closed.Load() {
		return false, ErrManagerClosed
	}
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	created, err := m.indexes.CreateIndex(key, m.source())
	if err != nil || !created {
		return created, err
	}
	if err := m.persistSchema(); err != nil {
		_, _ = m.indexes.DropIndex(key)
		return false, err
	}
	m.logger.Info("index created", zap.String("index", key.String()))
	return true, nil
}

// DropIndex removes an index and persists the catalog.
func (m *Manager) DropIndex(key index.Key) (bool, error) {
	if m.closed.Load() {
		return false, ErrManagerClosed
	}
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	dropped, err := m.indexes.DropIndex(key)
	if err != nil || !dropped {
		return dropped, err
	}
	return true, m.persistSchema()
}

// AddConstraint validates c against committed data, activates it and
// persists the catalog.
func (m *Manager) AddConstraint(c index.Constraint) (bool, error) {
	if m.closed.Load() {
		return false, ErrManagerClosed
	}
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	hadIndex := m.indexes.HasIndex(c.Key)
	added, err := m.indexes.AddConstraint(c, m.source())
	if err != nil || !added {
		return added, err
	}
	if err := m.persistSchema(); err != nil {
		m.indexes.DropConstraint(c)
		if !hadIndex && c.Kind == index.ConstraintUnique {
			_, _ = m.indexes.DropIndex(c.Key)
		}
		return false, err
	}
	m.logger.Info("constraint added", zap.String("constraint", c.Name()))
	return true, nil
}

// DropConstraint deactivates c and persists the catalog.
func (m *Manager) DropConstraint(c index.Constraint) (bool, error) {
	if m.closed.Load() {
		return false, ErrManagerClosed
	}
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	if !m.indexes.DropConstraint(c) {
		return false, nil
	}
	return true, m.persistSchema()
}

// persistSchema logs the catalog and writes it to the store.
func (m *Manager) persistSchema() error {
	rec := walSchema{Version: m.version.Load(), Schema: m.indexes.Schema()}
	if _, err := m.logRecord(storage.OpSchema, rec); err != nil {
		return fmt.Errorf("txn: log schema: %w", err)
	}
	data, err := model.Marshal(rec.Schema)
	if err != nil {
		return err
	}
	if err := m.store.Put(schemaCatalog, data); err != nil {
		return wrapStorage("persist schema", err)
	}
	return nil
}

// source walks committed records straight from the store. It is only used
// while commitMu is held, when the store is the latest committed state.
func (m *Manager) source() index.Source {
	return func(kind model.SubjectKind, typ string, fn func(model.Subject) error) error {
		keys, err := storage.Keys(m.store, storage.TypePrefix(kind, typ))
		if err != nil {
			return wrapStorage("scan type", err)
		}
		for _, k := range keys {
			id := storage.LastPart(k)
			var s model.Subject
			switch kind {
			case model.KindEntity:
				e, err := m.loadEntity(id)
				if err != nil {
					return err
				}
				s = e
			case model.KindRelationship:
				r, err := m.loadRelationship(id)
				if err != nil {
					return err
				}
				s = r
			}
			if err := fn(s); err != nil {
				return err
			}
		}
		return nil
	}
}

func (m *Manager) loadEntity(id string) (*model.Entity, error) {
	data, err := m.store.Get(storage.EntityKey(id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, wrapStorage("get entity "+id, err)
	}
	return model.DecodeEntity(data)
}

func (m *Manager) loadRelationship(id string) (*model.Relationship, error) {
	data, err := m.store.Get(storage.RelationshipKey(id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, wrapStorage("get relationship "+id, err)
	}
	return model.DecodeRelationship(data)
}

// Close rejects new transactions and waits for an in-flight commit. The
// store and WAL belong to the caller.
func (m *Manager) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.commitMu.Lock()
	defer m.commitMu.Unlock()
	if n := m.Active(); n > 0 {
		m.logger.Warn("closing with open transactions", zap.Int("active", n))
	}
	return nil
}

func wrapStorage(op string, err error) error {
	var se *storage.StorageError
	if errors.As(err, &se) {
		return err
	}
	return &storage.StorageError{Op: op, Err: err}
}

// subjectOf converts an entity pointer to a Subject, keeping nil untyped.
func subjectOf(e *model.Entity) model.Subject {
	if e == nil {
		return nil
	}
	return e
}

func relSubjectOf(r *model.Relationship) model.Subject {
	if r == nil {
		return nil
	}
	return r
}

func sortedRefs(refs map[ref]struct{}) []ref {
	out := make([]ref, 0, len(refs))
	for r := range refs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].kind != out[j].kind {
			return out[i].kind < out[j].kind
		}
		return out[i].id < out[j].id
	})
	return out
}
