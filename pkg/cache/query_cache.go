// Package cache provides compiled query plan caching for nornicgraph.
//
// Compiling a query means lexing, parsing and planning it against the
// index catalog. Plans depend on which properties are indexed, so entries
// are keyed by the query text together with the catalog generation: an
// index created or dropped moves the generation and old plans simply stop
// being hit and age out.
//
// Features:
//   - LRU eviction for bounded memory
//   - TTL expiration for stale plans
//   - Concurrent misses for the same key compile once
//   - Hit/miss statistics
//
// Usage:
//
//	cache := NewQueryCache(1000, 5*time.Minute)
//
//	key := Key{Text: query, Generation: indexes.Generation()}
//	plan, hit, err := cache.GetOrCompile(key, func() (*cypher.QueryPlan, error) {
//		return cypher.Compile(query, indexes)
//	})
package cache

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/orneryd/nornicgraph/pkg/cypher"
)

// DefaultMaxSize is used when NewQueryCache is given a non-positive size.
const DefaultMaxSize = 1000

// Key identifies a compiled plan.
type Key struct {
	Text       string
	Generation uint64
}

// QueryCache is a thread-safe LRU cache of compiled query plans.
type QueryCache struct {
	mu      sync.RWMutex
	maxSize int
	ttl     time.Duration
	enabled bool
	plans   *lru.Cache[Key, *cacheEntry]
	group   singleflight.Group

	hits   atomic.Uint64
	misses atomic.Uint64
}

// cacheEntry holds a cached plan with its expiry.
type cacheEntry struct {
	plan      *cypher.QueryPlan
	expiresAt time.Time
}

// NewQueryCache creates a new query cache.
//
// Parameters:
//   - maxSize: Maximum number of cached plans (LRU eviction when exceeded)
//   - ttl: Time-to-live for cached entries (0 = no expiration)
func NewQueryCache(maxSize int, ttl time.Duration) *QueryCache {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	plans, _ := lru.New[Key, *cacheEntry](maxSize)
	return &QueryCache{
		maxSize: maxSize,
		ttl:     ttl,
		enabled: true,
		plans:   plans,
	}
}

// Get retrieves a cached plan if present and not expired. A hit marks the
// entry as most recently used.
func (c *QueryCache) Get(key Key) (*cypher.QueryPlan, bool) {
	c.mu.RLock()
	enabled := c.enabled
	c.mu.RUnlock()
	if !enabled {
		c.misses.Add(1)
		return nil, false
	}

	entry, ok := c.plans.Get(key)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	if c.ttl > 0 && time.Now().After(entry.expiresAt) {
		c.plans.Remove(key)
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return entry.plan, true
}

// Put adds a plan to the cache, evicting the least recently used entry when
// full. Putting an existing key replaces the plan and refreshes its TTL.
func (c *QueryCache) Put(key Key, plan *cypher.QueryPlan) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.enabled {
		return
	}
	entry := &cacheEntry{plan: plan}
	if c.ttl > 0 {
		entry.expiresAt = time.Now().Add(c.ttl)
	}
	c.plans.Add(key, entry)
}

// GetOrCompile returns the cached plan for key or runs compile and caches
// its result. Concurrent callers missing on the same key share a single
// compile call. Errors are not cached. hit reports whether the plan came
// from the cache.
func (c *QueryCache) GetOrCompile(key Key, compile func() (*cypher.QueryPlan, error)) (plan *cypher.QueryPlan, hit bool, err error) {
	if plan, ok := c.Get(key); ok {
		return plan, true, nil
	}
	v, err, _ := c.group.Do(flightKey(key), func() (any, error) {
		p, err := compile()
		if err != nil {
			return nil, err
		}
		c.Put(key, p)
		return p, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*cypher.QueryPlan), false, nil
}

func flightKey(k Key) string {
	return strconv.FormatUint(k.Generation, 10) + "\x00" + k.Text
}

// Remove removes an entry from the cache.
func (c *QueryCache) Remove(key Key) {
	c.plans.Remove(key)
}

// Clear removes all entries from the cache.
func (c *QueryCache) Clear() {
	c.plans.Purge()
}

// Len returns the number of cached entries, expired ones included until
// they are next looked up or evicted.
func (c *QueryCache) Len() int {
	return c.plans.Len()
}

// Stats returns cache statistics.
func (c *QueryCache) Stats() CacheStats {
	hits := c.hits.Load()
	misses := c.misses.Load()

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}
	return CacheStats{
		Size:    c.plans.Len(),
		MaxSize: c.maxSize,
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate,
	}
}

// CacheStats holds cache performance statistics.
type CacheStats struct {
	Size    int     // Current number of entries
	MaxSize int     // Maximum capacity
	Hits    uint64  // Number of cache hits
	Misses  uint64  // Number of cache misses
	HitRate float64 // Hit rate percentage (0-100)
}

// SetEnabled enables or disables the cache. Disabling drops every entry.
func (c *QueryCache) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
	if !enabled {
		c.plans.Purge()
	}
}
