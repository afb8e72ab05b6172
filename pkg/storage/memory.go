package storage

import (
	"bytes"
	"errors"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory BlockStore for tests and ephemeral graphs.
//
// All operations are thread-safe. Values are copied on the way in and on the
// way out, so callers may reuse their buffers.
//
// Example:
//
//	store := storage.NewMemoryStore()
//	defer store.Close()
//
//	_ = store.Put("k", []byte("v"))
//	v, _ := store.Get("k")
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Get returns a copy of the value stored under key.
func (m *MemoryStore) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(v), nil
}

// Put stores a copy of value under key.
func (m *MemoryStore) Put(key string, value []byte) error {
	if key == "" {
		return ErrInvalidKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	m.data[key] = cloneValue(value)
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	delete(m.data, key)
	return nil
}

// Iterate visits keys under prefix in ascending order. It works on a
// point-in-time copy, so the callback may write to the store.
func (m *MemoryStore) Iterate(prefix string, fn func(key string, value []byte) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrStorageClosed
	}
	keys := make([]string, 0)
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	values := make([][]byte, len(keys))
	for i, k := range keys {
		values[i] = m.data[k]
	}
	m.mu.RUnlock()

	for i, k := range keys {
		if err := fn(k, values[i]); err != nil {
			if errors.Is(err, ErrStopIteration) {
				return nil
			}
			return err
		}
	}
	return nil
}

// ApplyBatch applies all mutations under one lock.
func (m *MemoryStore) ApplyBatch(muts []Mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	for _, mut := range muts {
		if mut.Key == "" {
			return ErrInvalidKey
		}
	}
	for _, mut := range muts {
		if mut.Delete {
			delete(m.data, mut.Key)
		} else {
			m.data[mut.Key] = cloneValue(mut.Value)
		}
	}
	return nil
}

// Durable reports false: nothing survives Close.
func (m *MemoryStore) Durable() bool {
	return false
}

// Len returns the number of stored keys.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Close releases the data. Further calls return ErrStorageClosed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.data = nil
	return nil
}

func cloneValue(v []byte) []byte {
	if v == nil {
		return []byte{}
	}
	return bytes.Clone(v)
}
