// Package storage provides the block storage adapter, its implementations and
// the write-ahead log for NornicGraph.
//
// The engine treats storage as an opaque key/value block store. Every
// implementation satisfies BlockStore; optional capabilities (atomic batches,
// durable flushes) are discovered through the Batcher and Syncer interfaces.
//
// Implementations:
//   - MemoryStore: In-memory storage for tests and ephemeral graphs
//   - BadgerStore: Persistent disk-based storage using BadgerDB
//   - CachedStore: Bounded LRU read cache in front of any BlockStore
//   - EncryptedStore: AES-256-GCM encryption of values at rest
//
// Example Usage:
//
//	store, err := storage.NewBadgerStore(storage.BadgerOptions{DataDir: "./data"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	cached := storage.NewCachedStore(store, 10000)
//	defer cached.Close()
//
//	_ = cached.Put(storage.EntityKey("e1"), data)
//	val, err := cached.Get(storage.EntityKey("e1"))
package storage

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// Common errors
var (
	ErrNotFound         = errors.New("storage: not found")
	ErrStorageClosed    = errors.New("storage: closed")
	ErrInvalidKey       = errors.New("storage: invalid key")
	ErrStopIteration    = errors.New("storage: iteration stopped") // Returned by Iterate callbacks to stop early
	ErrBatchUnsupported = errors.New("storage: atomic batch not supported")
)

// BlockStore is the storage adapter consumed by the engine.
//
// Iterate visits every key that starts with prefix in ascending key order.
// The callback may return ErrStopIteration to end the walk without error.
// Values passed to the callback must not be retained after it returns.
type BlockStore interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
	Iterate(prefix string, fn func(key string, value []byte) error) error
	Close() error
}

// Mutation is one write of an atomic batch.
type Mutation struct {
	Key    string
	Value  []byte
	Delete bool
}

// Batcher is implemented by stores that can apply a set of mutations
// atomically.
type Batcher interface {
	ApplyBatch(muts []Mutation) error
}

// Syncer is implemented by stores that can flush writes to durable media.
type Syncer interface {
	Sync() error
}

// Durabler reports whether writes survive a process restart. Stores that do
// not implement it are treated as durable.
type Durabler interface {
	Durable() bool
}

// StorageError wraps an I/O failure reported by the block store.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// ApplyBatch applies muts atomically when the store supports it. Other
// stores receive the mutations one at a time; if one fails, every key
// already touched is restored to its previous value before the error is
// returned.
func ApplyBatch(store BlockStore, muts []Mutation) error {
	if b, ok := store.(Batcher); ok {
		return b.ApplyBatch(muts)
	}
	undo := make([]Mutation, 0, len(muts))
	for _, m := range muts {
		prev, err := store.Get(m.Key)
		switch {
		case errors.Is(err, ErrNotFound):
			undo = append(undo, Mutation{Key: m.Key, Delete: true})
		case err != nil:
			return revertBatch(store, undo, err)
		default:
			undo = append(undo, Mutation{Key: m.Key, Value: bytes.Clone(prev)})
		}
		if m.Delete {
			err = store.Delete(m.Key)
		} else {
			err = store.Put(m.Key, m.Value)
		}
		if err != nil {
			return revertBatch(store, undo, err)
		}
	}
	return nil
}

// revertBatch undoes the recorded mutations newest first and returns cause.
// A key that cannot be restored does not stop the remaining ones.
func revertBatch(store BlockStore, undo []Mutation, cause error) error {
	var failed []string
	for i := len(undo) - 1; i >= 0; i-- {
		u := undo[i]
		var err error
		if u.Delete {
			if err = store.Delete(u.Key); errors.Is(err, ErrNotFound) {
				err = nil
			}
		} else {
			err = store.Put(u.Key, u.Value)
		}
		if err != nil {
			failed = append(failed, fmt.Sprintf("%q: %v", u.Key, err))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%w (batch revert failed for %s)", cause, strings.Join(failed, ", "))
	}
	return cause
}

// Sync flushes the store when it implements Syncer.
func Sync(store BlockStore) error {
	if s, ok := store.(Syncer); ok {
		return s.Sync()
	}
	return nil
}

// IsDurable reports whether the store persists writes across restarts.
func IsDurable(store BlockStore) bool {
	if d, ok := store.(Durabler); ok {
		return d.Durable()
	}
	return true
}

// Keys returns all keys under prefix in ascending order.
func Keys(store BlockStore, prefix string) ([]string, error) {
	var keys []string
	err := store.Iterate(prefix, func(key string, _ []byte) error {
		keys = append(keys, key)
		return nil
	})
	return keys, err
}
