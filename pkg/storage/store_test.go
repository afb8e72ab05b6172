package storage

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/nornicgraph/pkg/encryption"
	"github.com/orneryd/nornicgraph/pkg/model"
)

// storeFactories lists every BlockStore implementation so the contract tests
// run against each of them.
func storeFactories(t *testing.T) map[string]func() BlockStore {
	return map[string]func() BlockStore{
		"memory": func() BlockStore { return NewMemoryStore() },
		"badger": func() BlockStore {
			s, err := NewBadgerStore(BadgerOptions{DataDir: t.TempDir()})
			require.NoError(t, err)
			return s
		},
		"cached": func() BlockStore { return NewCachedStore(NewMemoryStore(), 4) },
		"encrypted": func() BlockStore {
			enc, err := encryption.NewEncryptorWithPassword("pw", []byte("salt"), 1000)
			require.NoError(t, err)
			return NewEncryptedStore(NewMemoryStore(), enc)
		},
	}
}

func TestBlockStoreContract(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory()
			defer store.Close()

			t.Run("get_missing_returns_not_found", func(t *testing.T) {
				_, err := store.Get("missing")
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("put_then_get", func(t *testing.T) {
				require.NoError(t, store.Put("k1", []byte("v1")))
				v, err := store.Get("k1")
				require.NoError(t, err)
				assert.Equal(t, []byte("v1"), v)
			})

			t.Run("overwrite_replaces_value", func(t *testing.T) {
				require.NoError(t, store.Put("k1", []byte("v2")))
				v, err := store.Get("k1")
				require.NoError(t, err)
				assert.Equal(t, []byte("v2"), v)
			})

			t.Run("delete_removes_value", func(t *testing.T) {
				require.NoError(t, store.Delete("k1"))
				_, err := store.Get("k1")
				assert.ErrorIs(t, err, ErrNotFound)
				assert.NoError(t, store.Delete("k1"))
			})

			t.Run("iterate_is_ordered_and_prefixed", func(t *testing.T) {
				for _, k := range []string{"p/c", "p/a", "q/x", "p/b"} {
					require.NoError(t, store.Put(k, []byte(k)))
				}
				var keys []string
				err := store.Iterate("p/", func(key string, value []byte) error {
					assert.Equal(t, key, string(value))
					keys = append(keys, key)
					return nil
				})
				require.NoError(t, err)
				assert.Equal(t, []string{"p/a", "p/b", "p/c"}, keys)
			})

			t.Run("iterate_stops_early", func(t *testing.T) {
				count := 0
				err := store.Iterate("p/", func(string, []byte) error {
					count++
					return ErrStopIteration
				})
				require.NoError(t, err)
				assert.Equal(t, 1, count)
			})

			t.Run("iterate_propagates_callback_errors", func(t *testing.T) {
				boom := errors.New("boom")
				err := store.Iterate("p/", func(string, []byte) error { return boom })
				assert.ErrorIs(t, err, boom)
			})

			t.Run("batch_applies_all_mutations", func(t *testing.T) {
				err := ApplyBatch(store, []Mutation{
					{Key: "b/1", Value: []byte("one")},
					{Key: "b/2", Value: []byte("two")},
					{Key: "p/a", Delete: true},
				})
				require.NoError(t, err)

				keys, err := Keys(store, "b/")
				require.NoError(t, err)
				assert.Equal(t, []string{"b/1", "b/2"}, keys)
				_, err = store.Get("p/a")
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("empty_values_are_preserved", func(t *testing.T) {
				require.NoError(t, store.Put("marker", []byte{}))
				v, err := store.Get("marker")
				require.NoError(t, err)
				assert.Len(t, v, 0)
			})
		})
	}
}

// failingStore hides the wrapped store's Batcher and fails writes to one key.
type failingStore struct {
	BlockStore
	failKey string
}

var errWriteFailed = errors.New("write failed")

func (s *failingStore) Put(key string, value []byte) error {
	if key == s.failKey {
		return errWriteFailed
	}
	return s.BlockStore.Put(key, value)
}

func (s *failingStore) Delete(key string) error {
	if key == s.failKey {
		return errWriteFailed
	}
	return s.BlockStore.Delete(key)
}

func TestApplyBatch_Sequential(t *testing.T) {
	seed := func(t *testing.T) (*MemoryStore, *failingStore) {
		inner := NewMemoryStore()
		require.NoError(t, inner.Put("a", []byte("old-a")))
		require.NoError(t, inner.Put("c", []byte("old-c")))
		store := &failingStore{BlockStore: inner}
		_, batches := BlockStore(store).(Batcher)
		require.False(t, batches)
		return inner, store
	}
	snapshot := func(t *testing.T, s BlockStore) map[string]string {
		out := make(map[string]string)
		require.NoError(t, s.Iterate("", func(k string, v []byte) error {
			out[k] = string(v)
			return nil
		}))
		return out
	}

	t.Run("applies_all_mutations", func(t *testing.T) {
		inner, store := seed(t)
		require.NoError(t, ApplyBatch(store, []Mutation{
			{Key: "a", Value: []byte("new-a")},
			{Key: "b", Value: []byte("new-b")},
			{Key: "c", Delete: true},
		}))
		assert.Equal(t, map[string]string{"a": "new-a", "b": "new-b"}, snapshot(t, inner))
	})

	t.Run("failure_restores_previous_values", func(t *testing.T) {
		inner, store := seed(t)
		before := snapshot(t, inner)
		store.failKey = "d"

		err := ApplyBatch(store, []Mutation{
			{Key: "a", Value: []byte("new-a")},
			{Key: "b", Value: []byte("new-b")},
			{Key: "c", Delete: true},
			{Key: "d", Value: []byte("new-d")},
		})
		assert.ErrorIs(t, err, errWriteFailed)
		assert.Equal(t, before, snapshot(t, inner))
	})

	t.Run("failed_revert_is_reported", func(t *testing.T) {
		inner, store := seed(t)
		store.failKey = "a"

		err := ApplyBatch(store, []Mutation{
			{Key: "b", Value: []byte("new-b")},
			{Key: "a", Value: []byte("new-a")},
		})
		require.ErrorIs(t, err, errWriteFailed)
		assert.Contains(t, err.Error(), "batch revert failed")
		_, err = inner.Get("b")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMemoryStore_Closed(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Close())

	_, err := store.Get("k")
	assert.ErrorIs(t, err, ErrStorageClosed)
	assert.ErrorIs(t, store.Put("k", nil), ErrStorageClosed)
	assert.False(t, store.Durable())
}

func TestBadgerStore_Persistence(t *testing.T) {
	dir := t.TempDir()

	store, err := NewBadgerStore(BadgerOptions{DataDir: dir, SyncWrites: true})
	require.NoError(t, err)
	require.NoError(t, store.Put("durable", []byte("yes")))
	require.NoError(t, store.Sync())
	assert.True(t, store.Durable())
	require.NoError(t, store.Close())

	reopened, err := NewBadgerStore(BadgerOptions{DataDir: dir})
	require.NoError(t, err)
	defer reopened.Close()

	v, err := reopened.Get("durable")
	require.NoError(t, err)
	assert.Equal(t, []byte("yes"), v)
}

func TestBadgerStore_InMemory(t *testing.T) {
	store, err := NewBadgerStore(BadgerOptions{InMemory: true})
	require.NoError(t, err)
	defer store.Close()

	assert.False(t, store.Durable())
	assert.False(t, IsDurable(NewCachedStore(store, 10)))
	require.NoError(t, store.Sync())
}

func TestCachedStore(t *testing.T) {
	t.Run("hits_after_first_read", func(t *testing.T) {
		inner := NewMemoryStore()
		cached := NewCachedStore(inner, 10)
		require.NoError(t, inner.Put("k", []byte("v")))

		_, err := cached.Get("k")
		require.NoError(t, err)
		_, err = cached.Get("k")
		require.NoError(t, err)

		stats := cached.Stats()
		assert.Equal(t, uint64(1), stats.Hits)
		assert.Equal(t, uint64(1), stats.Misses)
		assert.Equal(t, 1, stats.Size)
		assert.Equal(t, 10, stats.MaxSize)
	})

	t.Run("batch_invalidates_touched_keys", func(t *testing.T) {
		inner := NewMemoryStore()
		cached := NewCachedStore(inner, 10)
		require.NoError(t, cached.Put("k", []byte("old")))
		_, err := cached.Get("k")
		require.NoError(t, err)

		require.NoError(t, cached.ApplyBatch([]Mutation{{Key: "k", Value: []byte("new")}}))
		v, err := cached.Get("k")
		require.NoError(t, err)
		assert.Equal(t, []byte("new"), v)
	})

	t.Run("returned_values_are_copies", func(t *testing.T) {
		cached := NewCachedStore(NewMemoryStore(), 10)
		require.NoError(t, cached.Put("k", []byte("abc")))
		v, err := cached.Get("k")
		require.NoError(t, err)
		v[0] = 'x'

		again, err := cached.Get("k")
		require.NoError(t, err)
		assert.Equal(t, []byte("abc"), again)
	})

	t.Run("evicts_least_recently_used", func(t *testing.T) {
		cached := NewCachedStore(NewMemoryStore(), 2)
		for _, k := range []string{"a", "b", "c"} {
			require.NoError(t, cached.Put(k, []byte(k)))
			_, err := cached.Get(k)
			require.NoError(t, err)
		}
		assert.Equal(t, 2, cached.Stats().Size)
	})

	t.Run("concurrent_reads_and_writes", func(t *testing.T) {
		cached := NewCachedStore(NewMemoryStore(), 100)
		require.NoError(t, cached.Put("k", []byte("0")))

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					if i%2 == 0 {
						_, _ = cached.Get("k")
					} else {
						_ = cached.ApplyBatch([]Mutation{{Key: "k", Value: []byte{byte('0' + i)}}})
					}
				}
			}(i)
		}
		wg.Wait()

		want, err := cached.Inner().Get("k")
		require.NoError(t, err)
		got, err := cached.Get("k")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})
}

func TestEncryptedStore_SealsValues(t *testing.T) {
	inner := NewMemoryStore()
	enc, err := encryption.NewEncryptorWithPassword("pw", []byte("salt"), 1000)
	require.NoError(t, err)
	store := NewEncryptedStore(inner, enc)

	require.NoError(t, store.Put("k", []byte("plaintext")))
	raw, err := inner.Get("k")
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "plaintext")

	wrong, err := encryption.NewEncryptorWithPassword("other", []byte("salt"), 1000)
	require.NoError(t, err)
	_, err = NewEncryptedStore(inner, wrong).Get("k")
	var se *StorageError
	assert.ErrorAs(t, err, &se)
}

func TestKeyLayout(t *testing.T) {
	t.Run("last_part_is_the_id", func(t *testing.T) {
		assert.Equal(t, "e1", LastPart(EntityKey("e1")))
		assert.Equal(t, "r9", LastPart(OutgoingKey("e1", "r9")))
		assert.Equal(t, "e2", LastPart(TypeKey(model.KindEntity, "Person", "e2")))
	})

	t.Run("type_prefix_does_not_match_longer_types", func(t *testing.T) {
		key := TypeKey(model.KindEntity, "PersonX", "e1")
		assert.False(t, strings.HasPrefix(key, TypePrefix(model.KindEntity, "Person")))
		assert.True(t, strings.HasPrefix(TypeKey(model.KindEntity, "Person", "e1"), TypePrefix(model.KindEntity, "Person")))
	})

	t.Run("rejects_separator_in_parts", func(t *testing.T) {
		assert.NoError(t, ValidateKeyPart("ok"))
		assert.ErrorIs(t, ValidateKeyPart("bad\x00id"), ErrInvalidKey)
		assert.ErrorIs(t, ValidateKeyPart(""), ErrInvalidKey)
	})

	t.Run("entity_mutations_track_type_changes", func(t *testing.T) {
		old := &model.Entity{ID: "e1", Type: "A"}
		cur := &model.Entity{ID: "e1", Type: "B"}
		muts, err := EntityMutations(old, cur)
		require.NoError(t, err)

		var deleted, written []string
		for _, m := range muts {
			if m.Delete {
				deleted = append(deleted, m.Key)
			} else {
				written = append(written, m.Key)
			}
		}
		assert.Equal(t, []string{TypeKey(model.KindEntity, "A", "e1")}, deleted)
		assert.ElementsMatch(t, []string{EntityKey("e1"), TypeKey(model.KindEntity, "B", "e1")}, written)
	})

	t.Run("relationship_mutations_include_adjacency", func(t *testing.T) {
		r := &model.Relationship{ID: "r1", Type: "KNOWS", Source: "a", Target: "b"}
		muts, err := RelationshipMutations(nil, r)
		require.NoError(t, err)
		keys := make([]string, 0, len(muts))
		for _, m := range muts {
			keys = append(keys, m.Key)
		}
		assert.Contains(t, keys, OutgoingKey("a", "r1"))
		assert.Contains(t, keys, IncomingKey("b", "r1"))

		muts, err = RelationshipMutations(r, nil)
		require.NoError(t, err)
		for _, m := range muts {
			assert.True(t, m.Delete)
		}
	})
}
