package storage

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// CachedStore is a bounded LRU read cache in front of a BlockStore.
//
// Fills and invalidations are serialized: reads hold a shared lock across
// "read underlying, insert into cache", while writes and batches hold the
// exclusive lock across "apply, invalidate". A reader therefore never
// re-inserts a value that a concurrent write already replaced. Concurrent
// misses on the same key are coalesced into one underlying read.
//
// Only values are cached; Iterate always goes to the underlying store.
type CachedStore struct {
	inner BlockStore
	cache *lru.Cache[string, []byte]
	size  int
	group singleflight.Group

	mu sync.RWMutex

	hits   atomic.Uint64
	misses atomic.Uint64
}

// CacheStats holds cache performance statistics.
type CacheStats struct {
	Size    int     // Current number of entries
	MaxSize int     // Maximum capacity
	Hits    uint64  // Number of cache hits
	Misses  uint64  // Number of cache misses
	HitRate float64 // Hit rate percentage (0-100)
}

// NewCachedStore wraps inner with an LRU of at most size values.
// A non-positive size defaults to 10000.
func NewCachedStore(inner BlockStore, size int) *CachedStore {
	if size <= 0 {
		size = 10000
	}
	c, err := lru.New[string, []byte](size)
	if err != nil {
		// Only returned for non-positive sizes, excluded above
		panic(err)
	}
	return &CachedStore{inner: inner, cache: c, size: size}
}

// Inner returns the wrapped store.
func (c *CachedStore) Inner() BlockStore {
	return c.inner
}

// Get serves key from the cache, filling it from the underlying store on a
// miss.
func (c *CachedStore) Get(key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if v, ok := c.cache.Get(key); ok {
		c.hits.Add(1)
		return bytes.Clone(v), nil
	}
	c.misses.Add(1)

	v, err, _ := c.group.Do(key, func() (any, error) {
		val, err := c.inner.Get(key)
		if err != nil {
			return nil, err
		}
		c.cache.Add(key, val)
		return val, nil
	})
	if err != nil {
		return nil, err
	}
	return bytes.Clone(v.([]byte)), nil
}

// Put writes through to the underlying store and drops the cached value.
func (c *CachedStore) Put(key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache.Remove(key)
	return c.inner.Put(key, value)
}

// Delete removes key from the underlying store and the cache.
func (c *CachedStore) Delete(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache.Remove(key)
	return c.inner.Delete(key)
}

// Iterate delegates to the underlying store.
func (c *CachedStore) Iterate(prefix string, fn func(key string, value []byte) error) error {
	return c.inner.Iterate(prefix, fn)
}

// ApplyBatch applies muts to the underlying store and invalidates every
// touched key, as one step with respect to concurrent readers.
func (c *CachedStore) ApplyBatch(muts []Mutation) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := ApplyBatch(c.inner, muts)
	for _, m := range muts {
		c.cache.Remove(m.Key)
	}
	return err
}

// Sync flushes the underlying store.
func (c *CachedStore) Sync() error {
	return Sync(c.inner)
}

// Durable reports the durability of the underlying store.
func (c *CachedStore) Durable() bool {
	return IsDurable(c.inner)
}

// Invalidate drops the cached values of keys.
func (c *CachedStore) Invalidate(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		c.cache.Remove(k)
	}
}

// Purge empties the cache.
func (c *CachedStore) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Purge()
}

// Stats returns cache statistics.
func (c *CachedStore) Stats() CacheStats {
	hits := c.hits.Load()
	misses := c.misses.Load()

	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	return CacheStats{
		Size:    c.cache.Len(),
		MaxSize: c.size,
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate,
	}
}

// Close closes the underlying store and empties the cache.
func (c *CachedStore) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache.Purge()
	err := c.inner.Close()
	if errors.Is(err, ErrStorageClosed) {
		return nil
	}
	return err
}
