// Package index provides the ordered property indexes and schema constraints
// of NornicGraph.
//
// An index is identified by (subject kind, type tag, property name) and maps
// each property value to the set of ids holding it. Buckets live in a B-tree
// ordered by model.CompareValues, so point lookups and range scans are
// O(log n) plus the size of the result.
//
// Indexes are never mutated directly by callers. The transaction manager
// computes Deltas with Manager.Diff while a transaction buffers its writes and
// hands them to Manager.Apply inside the commit critical section, so index
// contents always move together with the data they index.
//
// Example:
//
//	mgr := index.NewManager()
//	key := index.Key{Kind: model.KindEntity, Type: "Person", Property: "name"}
//	if _, err := mgr.CreateIndex(key, source); err != nil {
//		return err
//	}
//	ids, _ := mgr.Lookup(key, "Alice")
package index

import (
	"fmt"
	"math"
	"sort"

	"github.com/google/btree"

	"github.com/orneryd/nornicgraph/pkg/model"
)

// Key identifies an index.
type Key struct {
	Kind     model.SubjectKind `msgpack:"kind"`
	Type     string            `msgpack:"type"`
	Property string            `msgpack:"prop"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s.%s", k.Kind, k.Type, k.Property)
}

// Bound is one end of a range scan.
type Bound struct {
	Value     any
	Inclusive bool
	Unbounded bool
}

// Unbounded returns an open bound.
func Unbounded() Bound { return Bound{Unbounded: true} }

// Inclusive returns a bound that includes v.
func Inclusive(v any) Bound { return Bound{Value: v, Inclusive: true} }

// Exclusive returns a bound that excludes v.
func Exclusive(v any) Bound { return Bound{Value: v} }

// Span is a value range of one index. Transactions record the spans they
// read so commit can detect concurrent writes into them.
type Span struct {
	Key Key
	Lo  Bound
	Hi  Bound
}

// PointSpan returns the span covering exactly v.
func PointSpan(key Key, v any) Span {
	return Span{Key: key, Lo: Inclusive(v), Hi: Inclusive(v)}
}

// FullSpan returns the span covering every indexed value of key.
func FullSpan(key Key) Span {
	return Span{Key: key, Lo: Unbounded(), Hi: Unbounded()}
}

// Contains reports whether v lies inside the span. Values that are never
// indexed are never contained.
func (s Span) Contains(v any) bool {
	if !Indexable(v) {
		return false
	}
	return aboveLo(s.Lo, v) && belowHi(s.Hi, v)
}

func aboveLo(lo Bound, v any) bool {
	if lo.Unbounded {
		return true
	}
	c := model.CompareValues(v, lo.Value)
	return c > 0 || (c == 0 && lo.Inclusive)
}

func belowHi(hi Bound, v any) bool {
	if hi.Unbounded {
		return true
	}
	c := model.CompareValues(v, hi.Value)
	return c < 0 || (c == 0 && hi.Inclusive)
}

// Indexable reports whether v is stored in indexes. Null values and NaN
// are not: a missing property and a null property are the same to Cypher,
// and NaN has no place in a total order.
func Indexable(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case float64:
		return !math.IsNaN(x)
	}
	return true
}

type bucket struct {
	value any
	ids   map[string]struct{}
}

func (b *bucket) sortedIDs() []string {
	ids := make([]string, 0, len(b.ids))
	for id := range b.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func bucketLess(a, b *bucket) bool {
	return model.CompareValues(a.value, b.value) < 0
}

// Index is a single ordered property index. It is not safe for concurrent
// use; Manager serializes access.
type Index struct {
	key  Key
	tree *btree.BTreeG[*bucket]
	size int
}

const btreeDegree = 32

func newIndex(key Key) *Index {
	return &Index{key: key, tree: btree.NewG(btreeDegree, bucketLess)}
}

// Key returns the identity of the index.
func (ix *Index) Key() Key { return ix.key }

// Len returns the number of indexed ids.
func (ix *Index) Len() int { return ix.size }

// Buckets returns the number of distinct indexed values.
func (ix *Index) Buckets() int { return ix.tree.Len() }

func (ix *Index) insert(v any, id string) {
	if !Indexable(v) {
		return
	}
	if b, ok := ix.tree.Get(&bucket{value: v}); ok {
		if _, dup := b.ids[id]; !dup {
			b.ids[id] = struct{}{}
			ix.size++
		}
		return
	}
	ix.tree.ReplaceOrInsert(&bucket{value: model.CloneValue(v), ids: map[string]struct{}{id: {}}})
	ix.size++
}

func (ix *Index) remove(v any, id string) {
	if !Indexable(v) {
		return
	}
	b, ok := ix.tree.Get(&bucket{value: v})
	if !ok {
		return
	}
	if _, present := b.ids[id]; !present {
		return
	}
	delete(b.ids, id)
	ix.size--
	if len(b.ids) == 0 {
		ix.tree.Delete(b)
	}
}

// Lookup returns the ids whose value equals v, in ascending id order.
func (ix *Index) Lookup(v any) []string {
	if !Indexable(v) {
		return nil
	}
	b, ok := ix.tree.Get(&bucket{value: v})
	if !ok {
		return nil
	}
	return b.sortedIDs()
}

// Range returns the ids whose value lies between lo and hi, ordered by value
// and then by id.
func (ix *Index) Range(lo, hi Bound) []string {
	var out []string
	ix.Ascend(lo, hi, func(_ any, ids []string) bool {
		out = append(out, ids...)
		return true
	})
	return out
}

// Ascend calls fn for every bucket between lo and hi in value order until fn
// returns false.
func (ix *Index) Ascend(lo, hi Bound, fn func(value any, ids []string) bool) {
	visit := func(b *bucket) bool {
		if !belowHi(hi, b.value) {
			return false
		}
		if !aboveLo(lo, b.value) {
			return true
		}
		return fn(b.value, b.sortedIDs())
	}
	if lo.Unbounded {
		ix.tree.Ascend(visit)
		return
	}
	ix.tree.AscendGreaterOrEqual(&bucket{value: lo.Value}, visit)
}
