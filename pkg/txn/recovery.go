package txn

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/orneryd/nornicgraph/pkg/index"
	"github.com/orneryd/nornicgraph/pkg/model"
	"github.com/orneryd/nornicgraph/pkg/storage"
)

// replayTx collects what the WAL holds for one transaction.
type replayTx struct {
	id        string
	images    map[ref]image // final buffered image per record
	terminal  storage.WALOp // last OpCommit or OpAbort seen, 0 if none
	commitSeq uint64
	version   uint64
}

func (r *replayTx) put(key ref, img image) {
	if r.images == nil {
		r.images = make(map[ref]image)
	}
	r.images[key] = img
}

// walState is the result of one pass over the log.
type walState struct {
	txs        map[string]*replayTx
	schema     *index.Schema
	entries    int64
	maxVersion uint64
}

func (s *walState) tx(id string) *replayTx {
	t, ok := s.txs[id]
	if !ok {
		t = &replayTx{id: id}
		s.txs[id] = t
	}
	return t
}

// scanWAL groups every record in the log by transaction. Index-update
// records are skipped: indexes are rebuilt from the recovered store.
func (m *Manager) scanWAL() (*walState, error) {
	st := &walState{txs: make(map[string]*replayTx)}
	err := m.wal.Replay(0, func(e *storage.WALEntry) error {
		st.entries++
		switch e.Op {
		case storage.OpBegin:
			var rec walBegin
			if err := model.Unmarshal(e.Payload, &rec); err != nil {
				return decodeErr(e, err)
			}
			st.tx(rec.Tx)
		case storage.OpPut:
			var rec walPut
			if err := model.Unmarshal(e.Payload, &rec); err != nil {
				return decodeErr(e, err)
			}
			switch {
			case rec.Entity != nil:
				st.tx(rec.Tx).put(ref{model.KindEntity, rec.Entity.ID}, image{ent: rec.Entity})
			case rec.Relationship != nil:
				st.tx(rec.Tx).put(ref{model.KindRelationship, rec.Relationship.ID}, image{rel: rec.Relationship})
			}
		case storage.OpDelete:
			var rec walDelete
			if err := model.Unmarshal(e.Payload, &rec); err != nil {
				return decodeErr(e, err)
			}
			st.tx(rec.Tx).put(ref{rec.Kind, rec.ID}, image{})
		case storage.OpCommit:
			var rec walCommit
			if err := model.Unmarshal(e.Payload, &rec); err != nil {
				return decodeErr(e, err)
			}
			t := st.tx(rec.Tx)
			t.terminal = storage.OpCommit
			t.commitSeq = e.Sequence
			t.version = rec.Version
		case storage.OpAbort:
			var rec walAbort
			if err := model.Unmarshal(e.Payload, &rec); err != nil {
				return decodeErr(e, err)
			}
			st.tx(rec.Tx).terminal = storage.OpAbort
		case storage.OpSchema:
			var rec walSchema
			if err := model.Unmarshal(e.Payload, &rec); err != nil {
				return decodeErr(e, err)
			}
			st.schema = &rec.Schema
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, t := range st.txs {
		if t.terminal == storage.OpCommit && t.version > st.maxVersion {
			st.maxVersion = t.version
		}
	}
	return st, nil
}

func decodeErr(e *storage.WALEntry, err error) error {
	return &storage.CorruptionError{
		Sequence: e.Sequence,
		Reason:   fmt.Sprintf("undecodable %s payload: %v", e.Op, err),
	}
}

// recover rebuilds committed state: it replays every transaction whose
// final marker is a commit and that the last checkpoint does not cover,
// restores the schema catalog and rebuilds the indexes.
func (m *Manager) recover() error {
	start := time.Now()

	version, err := m.loadMeta()
	if err != nil {
		return err
	}
	var cp checkpointMeta
	if err := m.loadValue(metaCheckpoint, &cp); err != nil {
		return err
	}

	st, err := m.scanWAL()
	if err != nil {
		var ce *storage.CorruptionError
		if errors.As(err, &ce) {
			m.logger.Error("wal corrupted, recovery halted", zap.Error(err))
			return err
		}
		return fmt.Errorf("txn: replay wal: %w", err)
	}

	var committed []*replayTx
	discarded := 0
	for _, t := range st.txs {
		switch {
		case t.terminal != storage.OpCommit:
			discarded++
		case t.commitSeq > cp.Sequence:
			committed = append(committed, t)
		}
	}
	sort.Slice(committed, func(i, j int) bool { return committed[i].commitSeq < committed[j].commitSeq })

	for _, t := range committed {
		if err := m.redo(t); err != nil {
			return fmt.Errorf("txn: redo %s: %w", t.id, err)
		}
	}

	if st.maxVersion > version {
		version = st.maxVersion
	}
	if cp.Version > version {
		version = cp.Version
	}

	schema, err := m.recoverSchema(st)
	if err != nil {
		return err
	}
	if err := m.indexes.Load(schema, m.source()); err != nil {
		return fmt.Errorf("txn: rebuild indexes: %w", err)
	}
	if err := storage.Sync(m.store); err != nil {
		return wrapStorage("sync", err)
	}

	m.version.Store(version)
	m.recovery = RecoveryStats{
		Entries:    st.entries,
		Applied:    len(committed),
		Discarded:  discarded,
		Version:    version,
		Checkpoint: cp.Sequence,
		Duration:   time.Since(start),
	}
	m.metrics.RecordRecovery(len(committed), discarded, m.recovery.Duration)
	m.logger.Info("recovery complete",
		zap.Int64("entries", st.entries),
		zap.Int("applied", len(committed)),
		zap.Int("discarded", discarded),
		zap.Uint64("version", version),
		zap.Uint64("checkpoint", cp.Sequence),
		zap.Duration("elapsed", m.recovery.Duration))
	return nil
}

// redo writes the final images of a committed transaction. Replacing whole
// images makes it safe to redo a transaction the store already holds.
func (m *Manager) redo(t *replayTx) error {
	refs := make(map[ref]struct{}, len(t.images))
	for r := range t.images {
		refs[r] = struct{}{}
	}
	var muts []storage.Mutation
	for _, r := range sortedRefs(refs) {
		old, err := m.readCurrent(r)
		if err != nil {
			return err
		}
		img := t.images[r]
		var ms []storage.Mutation
		switch r.kind {
		case model.KindEntity:
			cur := img.ent
			if cur != nil {
				cur = cur.Clone()
				cur.Version = t.version
			}
			ms, err = storage.EntityMutations(old.ent, cur)
		case model.KindRelationship:
			cur := img.rel
			if cur != nil {
				cur = cur.Clone()
				cur.Version = t.version
			}
			ms, err = storage.RelationshipMutations(old.rel, cur)
		}
		if err != nil {
			return err
		}
		muts = append(muts, ms...)
	}
	v, err := model.Marshal(t.version)
	if err != nil {
		return err
	}
	muts = append(muts, storage.Mutation{Key: metaVersion, Value: v})
	if err := storage.ApplyBatch(m.store, muts); err != nil {
		return wrapStorage("redo", err)
	}
	return nil
}

// recoverSchema prefers the last catalog in the log, which is never older
// than the stored one, and writes it back to the store.
func (m *Manager) recoverSchema(st *walState) (index.Schema, error) {
	if st.schema != nil {
		data, err := model.Marshal(*st.schema)
		if err != nil {
			return index.Schema{}, err
		}
		if err := m.store.Put(schemaCatalog, data); err != nil {
			return index.Schema{}, wrapStorage("persist schema", err)
		}
		return *st.schema, nil
	}
	var schema index.Schema
	if err := m.loadValue(schemaCatalog, &schema); err != nil {
		return index.Schema{}, err
	}
	return schema, nil
}

func (m *Manager) loadMeta() (uint64, error) {
	var v uint64
	if err := m.loadValue(metaVersion, &v); err != nil {
		return 0, err
	}
	return v, nil
}

// loadValue decodes the value under key into v. A missing key leaves v
// untouched.
func (m *Manager) loadValue(key string, v any) error {
	data, err := m.store.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return wrapStorage("get", err)
	}
	if err := model.Unmarshal(data, v); err != nil {
		return fmt.Errorf("txn: decode %s: %w", key, err)
	}
	return nil
}

// Checkpoint makes the store durable up to the current WAL position, records
// that position and removes log segments recovery no longer needs.
// Segments are only removed when the store is durable; a memory store keeps
// the whole log since the log is its only persistent copy.
func (m *Manager) Checkpoint() (CheckpointInfo, error) {
	if m.closed.Load() {
		return CheckpointInfo{}, ErrManagerClosed
	}
	start := time.Now()
	m.commitMu.Lock()
	info, err := m.checkpointLocked()
	m.commitMu.Unlock()

	m.metrics.RecordCheckpoint(info.RemovedSegments, time.Since(start), err)
	if err != nil {
		m.logger.Error("checkpoint failed", zap.Error(err))
		return info, err
	}
	m.logger.Info("checkpoint complete",
		zap.Uint64("version", info.Version),
		zap.Uint64("sequence", info.Sequence),
		zap.Int("removed_segments", info.RemovedSegments))
	return info, nil
}

func (m *Manager) checkpointLocked() (CheckpointInfo, error) {
	if err := storage.Sync(m.store); err != nil {
		return CheckpointInfo{}, wrapStorage("sync", err)
	}
	if err := m.wal.Sync(); err != nil {
		return CheckpointInfo{}, fmt.Errorf("txn: sync wal: %w", err)
	}

	meta := checkpointMeta{Version: m.version.Load(), Sequence: m.wal.Sequence()}
	info := CheckpointInfo{Version: meta.Version, Sequence: meta.Sequence}
	data, err := model.Marshal(meta)
	if err != nil {
		return info, err
	}
	if err := m.store.Put(metaCheckpoint, data); err != nil {
		return info, wrapStorage("put checkpoint", err)
	}
	if err := storage.Sync(m.store); err != nil {
		return info, wrapStorage("sync", err)
	}
	if _, err := m.logRecord(storage.OpCheckpoint, meta); err != nil {
		return info, fmt.Errorf("txn: log checkpoint: %w", err)
	}
	if err := m.wal.Rotate(); err != nil {
		return info, fmt.Errorf("txn: rotate wal: %w", err)
	}
	if !storage.IsDurable(m.store) {
		return info, nil
	}

	// Records of transactions still open are needed if they commit later.
	m.mu.Lock()
	cut := m.wal.Sequence() + 1
	for _, tx := range m.active {
		if tx.beginSeq != 0 && tx.beginSeq < cut {
			cut = tx.beginSeq
		}
	}
	m.mu.Unlock()

	removed, err := m.wal.TruncateBefore(cut)
	info.RemovedSegments = removed
	if err != nil {
		return info, fmt.Errorf("txn: truncate wal: %w", err)
	}
	return info, nil
}
