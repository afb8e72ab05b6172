package index

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/orneryd/nornicgraph/pkg/model"
)

// Common errors
var (
	ErrInvalidKey        = errors.New("index: invalid index key")
	ErrInvalidConstraint = errors.New("index: invalid constraint")
)

// Source walks the committed records of one (kind, type). Manager uses it to
// build indexes and validate constraints against existing data.
type Source func(kind model.SubjectKind, typ string, fn func(model.Subject) error) error

// Delta is a buffered change of one id in one index. HasOld means the id
// must leave the Old bucket, HasNew that it must join the New bucket.
type Delta struct {
	Key    Key    `msgpack:"key"`
	ID     string `msgpack:"id"`
	Old    any    `msgpack:"old,omitempty"`
	New    any    `msgpack:"new,omitempty"`
	HasOld bool   `msgpack:"has_old,omitempty"`
	HasNew bool   `msgpack:"has_new,omitempty"`
}

// Schema is the persisted definition of every index and constraint.
type Schema struct {
	Indexes     []Key        `msgpack:"indexes"`
	Constraints []Constraint `msgpack:"constraints"`
}

// IndexStats describes one index.
type IndexStats struct {
	Key     Key
	Entries int
	Buckets int
}

// Manager owns every index and constraint. All methods are safe for
// concurrent use. Mutating methods (CreateIndex, AddConstraint, Apply, Load,
// Rebuild) are expected to run inside the transaction manager's commit
// critical section so that the catalog is stable while a commit computes its
// deltas.
type Manager struct {
	mu          sync.RWMutex
	indexes     map[Key]*Index
	constraints map[Constraint]struct{}

	// generation changes whenever the catalog does; compiled plans are
	// keyed by it.
	generation atomic.Uint64
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{
		indexes:     make(map[Key]*Index),
		constraints: make(map[Constraint]struct{}),
	}
}

func validateKey(key Key) error {
	if !key.Kind.Valid() || key.Type == "" || key.Property == "" {
		return fmt.Errorf("%w: %s", ErrInvalidKey, key)
	}
	return nil
}

func keyLess(a, b Key) bool {
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	if a.Type != b.Type {
		return a.Type < b.Type
	}
	return a.Property < b.Property
}

func buildIndex(key Key, src Source) (*Index, error) {
	ix := newIndex(key)
	if src == nil {
		return ix, nil
	}
	err := src(key.Kind, key.Type, func(s model.Subject) error {
		if v, ok := s.Property(key.Property); ok {
			ix.insert(v, s.SubjectID())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("index: build %s: %w", key, err)
	}
	return ix, nil
}

// CreateIndex builds the index for key from src and registers it. It
// returns false when the index already exists.
func (m *Manager) CreateIndex(key Key, src Source) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	if m.HasIndex(key) {
		return false, nil
	}
	ix, err := buildIndex(key, src)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.indexes[key]; exists {
		return false, nil
	}
	m.indexes[key] = ix
	m.generation.Add(1)
	return true, nil
}

func (m *Manager) dropIndex(key Key) {
	m.mu.Lock()
	delete(m.indexes, key)
	m.mu.Unlock()
	m.generation.Add(1)
}

// DropIndex removes the index for key. An index backing a unique constraint
// cannot be dropped while the constraint exists.
func (m *Manager) DropIndex(key Key) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.indexes[key]; !ok {
		return false, nil
	}
	if _, ok := m.constraints[Constraint{Key: key, Kind: ConstraintUnique}]; ok {
		return false, fmt.Errorf("%w: %s backs a unique constraint", ErrInvalidKey, key)
	}
	delete(m.indexes, key)
	m.generation.Add(1)
	return true, nil
}

// DropConstraint deactivates c. The backing index of a unique constraint
// stays in place.
func (m *Manager) DropConstraint(c Constraint) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.constraints[c]; !ok {
		return false
	}
	delete(m.constraints, c)
	m.generation.Add(1)
	return true
}

// HasIndex reports whether key is indexed.
func (m *Manager) HasIndex(key Key) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.indexes[key]
	return ok
}

// Indexes returns every index key in (kind, type, property) order.
func (m *Manager) Indexes() []Key {
	m.mu.RLock()
	keys := make([]Key, 0, len(m.indexes))
	for k := range m.indexes {
		keys = append(keys, k)
	}
	m.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return keyLess(keys[i], keys[j]) })
	return keys
}

// IndexedProperties returns the indexed property names of (kind, typ) in
// lexicographic order.
func (m *Manager) IndexedProperties(kind model.SubjectKind, typ string) []string {
	m.mu.RLock()
	var props []string
	for k := range m.indexes {
		if k.Kind == kind && k.Type == typ {
			props = append(props, k.Property)
		}
	}
	m.mu.RUnlock()
	sort.Strings(props)
	return props
}

// Generation returns a counter that changes on every catalog change.
func (m *Manager) Generation() uint64 {
	return m.generation.Load()
}

func indexedValue(s model.Subject, key Key) (any, bool) {
	if s == nil || s.SubjectKind() != key.Kind || s.SubjectType() != key.Type {
		return nil, false
	}
	v, ok := s.Property(key.Property)
	if !ok || !Indexable(v) {
		return nil, false
	}
	return v, true
}

// Diff returns the index deltas that turn old into cur. Either image may be
// nil for a created or deleted record. Deltas are ordered by index key.
func (m *Manager) Diff(old, cur model.Subject) []Delta {
	var id string
	switch {
	case cur != nil:
		id = cur.SubjectID()
	case old != nil:
		id = old.SubjectID()
	default:
		return nil
	}

	m.mu.RLock()
	var keys []Key
	for k := range m.indexes {
		if (old != nil && k.Kind == old.SubjectKind() && k.Type == old.SubjectType()) ||
			(cur != nil && k.Kind == cur.SubjectKind() && k.Type == cur.SubjectType()) {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return keyLess(keys[i], keys[j]) })

	var deltas []Delta
	for _, k := range keys {
		ov, hasOld := indexedValue(old, k)
		nv, hasNew := indexedValue(cur, k)
		if !hasOld && !hasNew {
			continue
		}
		if hasOld && hasNew && model.ValuesEqual(ov, nv) {
			continue
		}
		deltas = append(deltas, Delta{Key: k, ID: id, Old: ov, New: nv, HasOld: hasOld, HasNew: hasNew})
	}
	return deltas
}

// Apply applies deltas in order. Deltas for unknown indexes are ignored.
func (m *Manager) Apply(deltas []Delta) {
	if len(deltas) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range deltas {
		ix, ok := m.indexes[d.Key]
		if !ok {
			continue
		}
		if d.HasOld {
			ix.remove(d.Old, d.ID)
		}
		if d.HasNew {
			ix.insert(d.New, d.ID)
		}
	}
}

// Lookup returns the ids whose indexed value equals v. The boolean is false
// when key is not indexed.
func (m *Manager) Lookup(key Key, v any) ([]string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ix, ok := m.indexes[key]
	if !ok {
		return nil, false
	}
	return ix.Lookup(v), true
}

// Range returns the ids whose indexed value lies between lo and hi.
func (m *Manager) Range(key Key, lo, hi Bound) ([]string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ix, ok := m.indexes[key]
	if !ok {
		return nil, false
	}
	return ix.Range(lo, hi), true
}

// AddConstraint validates c against the data in src and activates it. A
// unique constraint creates its backing index when missing. It returns false
// when the constraint already exists.
func (m *Manager) AddConstraint(c Constraint, src Source) (bool, error) {
	if err := validateKey(c.Key); err != nil {
		return false, err
	}
	if !c.Kind.Valid() {
		return false, fmt.Errorf("%w: kind %d", ErrInvalidConstraint, c.Kind)
	}
	m.mu.RLock()
	_, exists := m.constraints[c]
	m.mu.RUnlock()
	if exists {
		return false, nil
	}

	switch c.Kind {
	case ConstraintUnique:
		created, err := m.CreateIndex(c.Key, src)
		if err != nil {
			return false, err
		}
		var verr error
		m.mu.RLock()
		m.indexes[c.Key].Ascend(Unbounded(), Unbounded(), func(v any, ids []string) bool {
			if len(ids) > 1 {
				verr = uniqueViolation(c, ids[1], v, ids[0])
				return false
			}
			return true
		})
		m.mu.RUnlock()
		if verr != nil {
			if created {
				m.dropIndex(c.Key)
			}
			return false, verr
		}
	case ConstraintRequired:
		if src != nil {
			err := src(c.Key.Kind, c.Key.Type, func(s model.Subject) error {
				return checkRequired(c, Write{Kind: c.Key.Kind, ID: s.SubjectID(), Image: s})
			})
			if err != nil {
				return false, err
			}
		}
	}

	m.mu.Lock()
	m.constraints[c] = struct{}{}
	m.mu.Unlock()
	m.generation.Add(1)
	return true, nil
}

// Constraints returns every active constraint in a stable order.
func (m *Manager) Constraints() []Constraint {
	m.mu.RLock()
	out := make([]Constraint, 0, len(m.constraints))
	for c := range m.constraints {
		out = append(out, c)
	}
	m.mu.RUnlock()
	sortConstraints(out)
	return out
}

// ConstraintsFor returns the constraints on (kind, typ).
func (m *Manager) ConstraintsFor(kind model.SubjectKind, typ string) []Constraint {
	var out []Constraint
	for _, c := range m.Constraints() {
		if c.Key.Kind == kind && c.Key.Type == typ {
			out = append(out, c)
		}
	}
	return out
}

func sortConstraints(cs []Constraint) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].Key != cs[j].Key {
			return keyLess(cs[i].Key, cs[j].Key)
		}
		return cs[i].Kind < cs[j].Kind
	})
}

// Validate checks every constraint against the state the committed indexes
// would reach after writes. Images of records written by the same commit
// take precedence over what the indexes hold for those ids.
func (m *Manager) Validate(writes []Write) error {
	if len(writes) == 0 {
		return nil
	}
	constraints := m.Constraints()

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range constraints {
		written := make(map[string]bool)
		for _, w := range writes {
			if w.Kind == c.Key.Kind {
				written[w.ID] = true
			}
		}

		var pending []pendingValue
		for _, w := range writes {
			if w.Image == nil || w.Kind != c.Key.Kind || w.Image.SubjectType() != c.Key.Type {
				continue
			}
			switch c.Kind {
			case ConstraintRequired:
				if err := checkRequired(c, w); err != nil {
					return err
				}
			case ConstraintUnique:
				v, ok := w.Image.Property(c.Key.Property)
				if !ok || !Indexable(v) {
					continue
				}
				pending = append(pending, pendingValue{value: v, id: w.ID})
				if ix, ok := m.indexes[c.Key]; ok {
					for _, other := range ix.Lookup(v) {
						if other != w.ID && !written[other] {
							return uniqueViolation(c, w.ID, v, other)
						}
					}
				}
			}
		}
		if c.Kind == ConstraintUnique {
			if err := checkUniqueWithin(c, pending); err != nil {
				return err
			}
		}
	}
	return nil
}

// Schema returns the current definitions for persistence.
func (m *Manager) Schema() Schema {
	return Schema{Indexes: m.Indexes(), Constraints: m.Constraints()}
}

// Load replaces the catalog with schema and builds every index from src.
// Constraints are trusted: they were validated when first added.
func (m *Manager) Load(schema Schema, src Source) error {
	indexes := make(map[Key]*Index, len(schema.Indexes))
	for _, key := range schema.Indexes {
		if err := validateKey(key); err != nil {
			return err
		}
		ix, err := buildIndex(key, src)
		if err != nil {
			return err
		}
		indexes[key] = ix
	}
	constraints := make(map[Constraint]struct{}, len(schema.Constraints))
	for _, c := range schema.Constraints {
		if _, ok := indexes[c.Key]; !ok && c.Kind == ConstraintUnique {
			return fmt.Errorf("%w: %s has no backing index", ErrInvalidConstraint, c.Name())
		}
		constraints[c] = struct{}{}
	}

	m.mu.Lock()
	m.indexes = indexes
	m.constraints = constraints
	m.mu.Unlock()
	m.generation.Add(1)
	return nil
}

// Rebuild rebuilds every index from src, keeping the catalog.
func (m *Manager) Rebuild(src Source) error {
	return m.Load(m.Schema(), src)
}

// Stats returns the size of every index.
func (m *Manager) Stats() []IndexStats {
	m.mu.RLock()
	out := make([]IndexStats, 0, len(m.indexes))
	for k, ix := range m.indexes {
		out = append(out, IndexStats{Key: k, Entries: ix.Len(), Buckets: ix.Buckets()})
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return keyLess(out[i].Key, out[j].Key) })
	return out
}
