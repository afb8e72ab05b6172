package txn

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/orneryd/nornicgraph/pkg/index"
	"github.com/orneryd/nornicgraph/pkg/math/vector"
	"github.com/orneryd/nornicgraph/pkg/model"
	"github.com/orneryd/nornicgraph/pkg/storage"
)

// State is the lifecycle state of a transaction. Committed and Aborted are
// terminal.
type State uint8

const (
	StateActive State = iota
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Transaction is a snapshot of committed state plus a private write buffer.
//
// Reads see the state published at Begin overlaid with the transaction's own
// writes. Every record read, adjacency list walked and index range scanned
// is remembered so Commit can detect concurrent changes to them.
//
// A transaction is owned by one caller; its methods are serialized by an
// internal lock so a Rollback from another goroutine is safe.
type Transaction struct {
	mgr      *Manager
	ctx      context.Context
	id       string
	snapshot uint64

	mu       sync.Mutex
	state    State
	version  uint64
	beginSeq uint64 // WAL sequence of the begin record, 0 until first write
	released bool

	// Buffered final images; a nil value is a delete.
	entities map[string]*model.Entity
	rels     map[string]*model.Relationship
	deltas   int

	reads    map[ref]struct{}
	adjReads map[string]struct{}
	spans    []index.Span
}

// ID returns the transaction id.
func (tx *Transaction) ID() string { return tx.id }

// Snapshot returns the committed version the transaction reads.
func (tx *Transaction) Snapshot() uint64 { return tx.snapshot }

// Context returns the context passed to Begin.
func (tx *Transaction) Context() context.Context { return tx.ctx }

// State returns the current state.
func (tx *Transaction) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// Version returns the commit version once committed.
func (tx *Transaction) Version() uint64 {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.version
}

// ReadOnly reports whether nothing was written yet.
func (tx *Transaction) ReadOnly() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return len(tx.entities) == 0 && len(tx.rels) == 0
}

// PendingStats counts buffered work.
type PendingStats struct {
	Entities      int
	Relationships int
	IndexDeltas   int
	Reads         int
	Spans         int
}

// Pending returns the size of the write buffer and read-set.
func (tx *Transaction) Pending() PendingStats {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return PendingStats{
		Entities:      len(tx.entities),
		Relationships: len(tx.rels),
		IndexDeltas:   tx.deltas,
		Reads:         len(tx.reads),
		Spans:         len(tx.spans),
	}
}

// Commit validates and publishes the buffered writes and returns the commit
// version. A read-only transaction returns its snapshot version. On error
// the transaction is aborted.
func (tx *Transaction) Commit() (uint64, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state != StateActive {
		return 0, ErrTransactionClosed
	}
	return tx.mgr.commit(tx)
}

// Rollback discards the buffer. Rolling back a finished transaction is a
// no-op.
func (tx *Transaction) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state != StateActive {
		return nil
	}
	tx.mgr.abort(tx, "rollback")
	tx.entities = nil
	tx.rels = nil
	tx.mgr.release(tx)
	tx.mgr.metrics.RecordRollback()
	return nil
}

func (tx *Transaction) checkActive() error {
	if tx.state != StateActive {
		return ErrTransactionClosed
	}
	return nil
}

// fail aborts the transaction after a storage error during a mutation.
func (tx *Transaction) fail(err error) error {
	tx.mgr.abort(tx, "storage")
	tx.mgr.release(tx)
	return err
}

func (tx *Transaction) writeRefs() []ref {
	set := make(map[ref]struct{}, len(tx.entities)+len(tx.rels))
	for id := range tx.entities {
		set[ref{model.KindEntity, id}] = struct{}{}
	}
	for id := range tx.rels {
		set[ref{model.KindRelationship, id}] = struct{}{}
	}
	return sortedRefs(set)
}

// bufferedSubject returns the buffered image of r, or nil for a delete.
func (tx *Transaction) bufferedSubject(r ref) model.Subject {
	switch r.kind {
	case model.KindEntity:
		return subjectOf(tx.entities[r.id])
	case model.KindRelationship:
		return relSubjectOf(tx.rels[r.id])
	}
	return nil
}

// ---------------------------------------------------------------------------
// Snapshot reads
// ---------------------------------------------------------------------------

// entityAt resolves the committed image of id at the snapshot, ignoring the
// buffer. The store is read before the history.
func (tx *Transaction) entityAt(id string) (*model.Entity, error) {
	e, err := tx.mgr.loadEntity(id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	tx.mgr.mu.Lock()
	img, ok := tx.mgr.mvcc.lookup(ref{model.KindEntity, id}, tx.snapshot)
	tx.mgr.mu.Unlock()
	if ok {
		e = img.ent
	}
	return e, nil
}

func (tx *Transaction) relationshipAt(id string) (*model.Relationship, error) {
	r, err := tx.mgr.loadRelationship(id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	tx.mgr.mu.Lock()
	img, ok := tx.mgr.mvcc.lookup(ref{model.KindRelationship, id}, tx.snapshot)
	tx.mgr.mu.Unlock()
	if ok {
		r = img.rel
	}
	return r, nil
}

// entity resolves id through the buffer and the snapshot. The result is
// shared; callers clone before handing it out.
func (tx *Transaction) entity(id string) (*model.Entity, error) {
	tx.reads[ref{model.KindEntity, id}] = struct{}{}
	if e, ok := tx.entities[id]; ok {
		return e, nil
	}
	return tx.entityAt(id)
}

func (tx *Transaction) relationship(id string) (*model.Relationship, error) {
	tx.reads[ref{model.KindRelationship, id}] = struct{}{}
	if r, ok := tx.rels[id]; ok {
		return r, nil
	}
	return tx.relationshipAt(id)
}

// Entity returns a copy of the entity visible to the transaction, or
// ErrNotFound.
func (tx *Transaction) Entity(id string) (*model.Entity, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkActive(); err != nil {
		return nil, err
	}
	e, err := tx.entity(id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

// Relationship returns a copy of the relationship visible to the
// transaction, or ErrNotFound.
func (tx *Transaction) Relationship(id string) (*model.Relationship, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkActive(); err != nil {
		return nil, err
	}
	r, err := tx.relationship(id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

// visibleIDs merges a store key scan with the records changed after the
// snapshot and the buffer. keep decides, for records whose current store
// state may differ from the snapshot, whether the resolved image belongs in
// the result. Store keys are read before the commit log.
func (tx *Transaction) visibleIDs(kind model.SubjectKind, prefix string, changed func(written) bool, keep func(model.Subject) bool) ([]string, error) {
	keys, err := storage.Keys(tx.mgr.store, prefix)
	if err != nil {
		return nil, wrapStorage("scan", err)
	}

	recheck := make(map[string]struct{})
	tx.mgr.mu.Lock()
	for _, w := range tx.mgr.mvcc.writtenSince(kind, tx.snapshot) {
		if changed(w) {
			recheck[w.id] = struct{}{}
		}
	}
	tx.mgr.mu.Unlock()
	switch kind {
	case model.KindEntity:
		for id := range tx.entities {
			recheck[id] = struct{}{}
		}
	case model.KindRelationship:
		for id := range tx.rels {
			recheck[id] = struct{}{}
		}
	}

	seen := make(map[string]struct{}, len(keys)+len(recheck))
	ids := make([]string, 0, len(keys)+len(recheck))
	for _, k := range keys {
		id := storage.LastPart(k)
		if _, ok := recheck[id]; ok {
			continue
		}
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	for id := range recheck {
		s, err := tx.resolve(kind, id)
		if err != nil {
			return nil, err
		}
		if s != nil && keep(s) {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// resolve returns the image of (kind, id) visible to the transaction
// without recording a read.
func (tx *Transaction) resolve(kind model.SubjectKind, id string) (model.Subject, error) {
	switch kind {
	case model.KindEntity:
		if e, ok := tx.entities[id]; ok {
			return subjectOf(e), nil
		}
		e, err := tx.entityAt(id)
		return subjectOf(e), err
	case model.KindRelationship:
		if r, ok := tx.rels[id]; ok {
			return relSubjectOf(r), nil
		}
		r, err := tx.relationshipAt(id)
		return relSubjectOf(r), err
	}
	return nil, nil
}

// EntityIDs returns the ids of visible entities of typ in ascending order.
// An empty typ lists every entity.
func (tx *Transaction) EntityIDs(typ string) ([]string, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkActive(); err != nil {
		return nil, err
	}
	return tx.typeIDs(model.KindEntity, typ)
}

// RelationshipIDs returns the ids of visible relationships of typ in
// ascending order. An empty typ lists every relationship.
func (tx *Transaction) RelationshipIDs(typ string) ([]string, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkActive(); err != nil {
		return nil, err
	}
	return tx.typeIDs(model.KindRelationship, typ)
}

func (tx *Transaction) typeIDs(kind model.SubjectKind, typ string) ([]string, error) {
	var prefix string
	switch {
	case typ != "":
		prefix = storage.TypePrefix(kind, typ)
	case kind == model.KindEntity:
		prefix = storage.EntityPrefix()
	default:
		prefix = storage.RelationshipPrefix()
	}
	changed := func(w written) bool {
		return typ == "" || w.oldType == typ || w.newType == typ
	}
	keep := func(s model.Subject) bool {
		return typ == "" || s.SubjectType() == typ
	}
	return tx.visibleIDs(kind, prefix, changed, keep)
}

// RelationshipsOf returns the ids of visible relationships attached to
// entityID in direction dir, in ascending order.
func (tx *Transaction) RelationshipsOf(entityID string, dir model.Direction) ([]string, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkActive(); err != nil {
		return nil, err
	}
	return tx.relationshipsOf(entityID, dir)
}

func (tx *Transaction) relationshipsOf(entityID string, dir model.Direction) ([]string, error) {
	tx.adjReads[entityID] = struct{}{}

	var out []string
	collect := func(d model.Direction, prefix string) error {
		matches := func(source, target string) bool {
			if d == model.DirOutgoing {
				return source == entityID
			}
			return target == entityID
		}
		ids, err := tx.visibleIDs(model.KindRelationship, prefix,
			func(w written) bool { return matches(w.source, w.target) },
			func(s model.Subject) bool {
				r := s.(*model.Relationship)
				return matches(r.Source, r.Target)
			})
		if err != nil {
			return err
		}
		out = append(out, ids...)
		return nil
	}

	if dir == model.DirOutgoing || dir == model.DirBoth {
		if err := collect(model.DirOutgoing, storage.OutgoingPrefix(entityID)); err != nil {
			return nil, err
		}
	}
	if dir == model.DirIncoming || dir == model.DirBoth {
		if err := collect(model.DirIncoming, storage.IncomingPrefix(entityID)); err != nil {
			return nil, err
		}
	}
	if dir == model.DirBoth {
		sort.Strings(out)
		out = dedupSorted(out)
	}
	return out, nil
}

func dedupSorted(ids []string) []string {
	if len(ids) < 2 {
		return ids
	}
	out := ids[:1]
	for _, id := range ids[1:] {
		if id != out[len(out)-1] {
			out = append(out, id)
		}
	}
	return out
}

// LookupIDs returns the ids of visible records whose indexed property equals
// v, in ascending order. The boolean is false when key is not indexed.
func (tx *Transaction) LookupIDs(key index.Key, v any) ([]string, bool, error) {
	return tx.RangeIDs(key, index.Inclusive(v), index.Inclusive(v))
}

// RangeIDs returns the ids of visible records whose indexed property lies
// between lo and hi, ordered by value then id. The boolean is false when
// key is not indexed.
func (tx *Transaction) RangeIDs(key index.Key, lo, hi index.Bound) ([]string, bool, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkActive(); err != nil {
		return nil, false, err
	}

	span := index.Span{Key: key, Lo: lo, Hi: hi}
	committed, ok := tx.mgr.indexes.Range(key, lo, hi)
	if !ok {
		return nil, false, nil
	}
	tx.spans = append(tx.spans, span)

	recheck := make(map[string]struct{})
	tx.mgr.mu.Lock()
	for _, w := range tx.mgr.mvcc.writtenSince(key.Kind, tx.snapshot) {
		if w.oldType == key.Type || w.newType == key.Type {
			recheck[w.id] = struct{}{}
		}
	}
	tx.mgr.mu.Unlock()
	switch key.Kind {
	case model.KindEntity:
		for id := range tx.entities {
			recheck[id] = struct{}{}
		}
	case model.KindRelationship:
		for id := range tx.rels {
			recheck[id] = struct{}{}
		}
	}

	type hit struct {
		id    string
		value any
	}
	var hits []hit
	for _, id := range committed {
		if _, ok := recheck[id]; !ok {
			hits = append(hits, hit{id: id})
		}
	}
	// Committed hits are already in value order; rechecked records are
	// merged by value.
	var extra []hit
	for id := range recheck {
		s, err := tx.resolve(key.Kind, id)
		if err != nil {
			return nil, true, err
		}
		if s == nil || s.SubjectType() != key.Type {
			continue
		}
		if val, ok := s.Property(key.Property); ok && span.Contains(val) {
			extra = append(extra, hit{id: id, value: val})
		}
	}
	if len(extra) == 0 {
		ids := make([]string, len(hits))
		for i, h := range hits {
			ids[i] = h.id
		}
		return ids, true, nil
	}

	for i := range hits {
		s, err := tx.resolve(key.Kind, hits[i].id)
		if err != nil {
			return nil, true, err
		}
		if s != nil {
			hits[i].value, _ = s.Property(key.Property)
		}
	}
	hits = append(hits, extra...)
	sort.SliceStable(hits, func(i, j int) bool {
		if c := model.CompareValues(hits[i].value, hits[j].value); c != 0 {
			return c < 0
		}
		return hits[i].id < hits[j].id
	})
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.id
	}
	return ids, true, nil
}

// IndexedProperties returns the indexed properties of (kind, typ).
func (tx *Transaction) IndexedProperties(kind model.SubjectKind, typ string) []string {
	return tx.mgr.indexes.IndexedProperties(kind, typ)
}

// ---------------------------------------------------------------------------
// Mutations
// ---------------------------------------------------------------------------

// logBegin writes the begin record before the first write of the
// transaction.
func (tx *Transaction) logBegin() error {
	if tx.beginSeq != 0 {
		return nil
	}
	// Appending under mgr.mu keeps a checkpoint from truncating a begin
	// record it cannot see yet.
	tx.mgr.mu.Lock()
	defer tx.mgr.mu.Unlock()
	seq, err := tx.mgr.logRecord(storage.OpBegin, walBegin{Tx: tx.id, Snapshot: tx.snapshot})
	if err != nil {
		return err
	}
	tx.beginSeq = seq
	return nil
}

// bufferEntity logs and buffers a new image of an entity. prev is the image
// the transaction saw before the change.
func (tx *Transaction) bufferEntity(prev, cur *model.Entity, id string) error {
	if err := tx.logBegin(); err != nil {
		return tx.fail(err)
	}
	var err error
	if cur != nil {
		_, err = tx.mgr.logRecord(storage.OpPut, walPut{Tx: tx.id, Entity: cur})
	} else {
		_, err = tx.mgr.logRecord(storage.OpDelete, walDelete{Tx: tx.id, Kind: model.KindEntity, ID: id})
	}
	if err != nil {
		return tx.fail(err)
	}
	if err := tx.logDeltas(tx.mgr.indexes.Diff(subjectOf(prev), subjectOf(cur))); err != nil {
		return tx.fail(err)
	}
	tx.entities[id] = cur
	tx.reads[ref{model.KindEntity, id}] = struct{}{}
	return nil
}

func (tx *Transaction) bufferRelationship(prev, cur *model.Relationship, id string) error {
	if err := tx.logBegin(); err != nil {
		return tx.fail(err)
	}
	var err error
	if cur != nil {
		_, err = tx.mgr.logRecord(storage.OpPut, walPut{Tx: tx.id, Relationship: cur})
	} else {
		_, err = tx.mgr.logRecord(storage.OpDelete, walDelete{Tx: tx.id, Kind: model.KindRelationship, ID: id})
	}
	if err != nil {
		return tx.fail(err)
	}
	if err := tx.logDeltas(tx.mgr.indexes.Diff(relSubjectOf(prev), relSubjectOf(cur))); err != nil {
		return tx.fail(err)
	}
	tx.rels[id] = cur
	tx.reads[ref{model.KindRelationship, id}] = struct{}{}
	return nil
}

func (tx *Transaction) logDeltas(deltas []index.Delta) error {
	if len(deltas) == 0 {
		return nil
	}
	if _, err := tx.mgr.logRecord(storage.OpIndexUpdate, walIndex{Tx: tx.id, Deltas: deltas}); err != nil {
		return err
	}
	tx.deltas += len(deltas)
	return nil
}

// AddEntity buffers a new entity. The id must not be visible yet.
func (tx *Transaction) AddEntity(e *model.Entity) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkActive(); err != nil {
		return err
	}

	img := e.Clone()
	if err := img.Validate(); err != nil {
		return err
	}
	if err := validateKeyParts(img.ID, img.Type); err != nil {
		return err
	}
	existing, err := tx.entity(img.ID)
	if err != nil {
		return tx.fail(err)
	}
	if existing != nil {
		return fmt.Errorf("%w: entity %s", ErrAlreadyExists, img.ID)
	}
	img.Version = 0
	return tx.bufferEntity(nil, img, img.ID)
}

// AddRelationship buffers a new relationship. Both ends must be visible
// entities.
func (tx *Transaction) AddRelationship(r *model.Relationship) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkActive(); err != nil {
		return err
	}

	img := r.Clone()
	if err := img.Validate(); err != nil {
		return err
	}
	if err := validateKeyParts(img.ID, img.Type, img.Source, img.Target); err != nil {
		return err
	}
	existing, err := tx.relationship(img.ID)
	if err != nil {
		return tx.fail(err)
	}
	if existing != nil {
		return fmt.Errorf("%w: relationship %s", ErrAlreadyExists, img.ID)
	}
	for _, end := range []string{img.Source, img.Target} {
		e, err := tx.entity(end)
		if err != nil {
			return tx.fail(err)
		}
		if e == nil {
			return fmt.Errorf("%w: relationship %s references missing entity %s", ErrDanglingReference, img.ID, end)
		}
	}
	img.Version = 0
	return tx.bufferRelationship(nil, img, img.ID)
}

// UpdateProperty sets one property of an entity or relationship. A nil
// value removes the property.
func (tx *Transaction) UpdateProperty(kind model.SubjectKind, id, name string, value any) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkActive(); err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("%w: empty property name", model.ErrInvalidProperty)
	}
	v, err := model.NormalizeValue(value)
	if err != nil {
		return fmt.Errorf("property %q: %w", name, err)
	}

	switch kind {
	case model.KindEntity:
		prev, err := tx.entity(id)
		if err != nil {
			return tx.fail(err)
		}
		if prev == nil {
			return fmt.Errorf("%w: entity %s", ErrNotFound, id)
		}
		cur := prev.Clone()
		setProperty(&cur.Properties, name, v)
		return tx.bufferEntity(prev, cur, id)
	case model.KindRelationship:
		prev, err := tx.relationship(id)
		if err != nil {
			return tx.fail(err)
		}
		if prev == nil {
			return fmt.Errorf("%w: relationship %s", ErrNotFound, id)
		}
		cur := prev.Clone()
		setProperty(&cur.Properties, name, v)
		return tx.bufferRelationship(prev, cur, id)
	}
	return fmt.Errorf("txn: invalid subject kind %s", kind)
}

// RemoveProperty removes one property. Removing a missing property is a
// no-op write.
func (tx *Transaction) RemoveProperty(kind model.SubjectKind, id, name string) error {
	return tx.UpdateProperty(kind, id, name, nil)
}

func setProperty(props *map[string]any, name string, v any) {
	if v == nil {
		delete(*props, name)
		return
	}
	if *props == nil {
		*props = make(map[string]any)
	}
	(*props)[name] = v
}

// SetEmbedding replaces the embedding of an entity. A nil vector clears it.
func (tx *Transaction) SetEmbedding(id string, vec []float32) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkActive(); err != nil {
		return err
	}
	if len(vec) > 0 {
		if err := vector.Validate(vec); err != nil {
			return fmt.Errorf("txn: embedding of %s: %w", id, err)
		}
	}
	prev, err := tx.entity(id)
	if err != nil {
		return tx.fail(err)
	}
	if prev == nil {
		return fmt.Errorf("%w: entity %s", ErrNotFound, id)
	}
	cur := prev.Clone()
	cur.Embedding = append([]float32(nil), vec...)
	if len(vec) == 0 {
		cur.Embedding = nil
	}
	return tx.bufferEntity(prev, cur, id)
}

// DeleteEntity buffers the deletion of an entity. With detach, attached
// relationships are deleted too; otherwise their presence fails with
// ErrEntityHasRelationships.
func (tx *Transaction) DeleteEntity(id string, detach bool) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkActive(); err != nil {
		return err
	}
	prev, err := tx.entity(id)
	if err != nil {
		return tx.fail(err)
	}
	if prev == nil {
		return fmt.Errorf("%w: entity %s", ErrNotFound, id)
	}

	relIDs, err := tx.relationshipsOf(id, model.DirBoth)
	if err != nil {
		return tx.fail(err)
	}
	if len(relIDs) > 0 && !detach {
		return fmt.Errorf("%w: entity %s has %d", ErrEntityHasRelationships, id, len(relIDs))
	}
	for _, relID := range relIDs {
		rel, err := tx.relationship(relID)
		if err != nil {
			return tx.fail(err)
		}
		if rel == nil {
			continue
		}
		if err := tx.bufferRelationship(rel, nil, relID); err != nil {
			return err
		}
	}
	return tx.bufferEntity(prev, nil, id)
}

// DeleteRelationship buffers the deletion of a relationship.
func (tx *Transaction) DeleteRelationship(id string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkActive(); err != nil {
		return err
	}
	prev, err := tx.relationship(id)
	if err != nil {
		return tx.fail(err)
	}
	if prev == nil {
		return fmt.Errorf("%w: relationship %s", ErrNotFound, id)
	}
	return tx.bufferRelationship(prev, nil, id)
}

func validateKeyParts(parts ...string) error {
	for _, p := range parts {
		if err := storage.ValidateKeyPart(p); err != nil {
			return fmt.Errorf("%w: %q", err, p)
		}
	}
	return nil
}
