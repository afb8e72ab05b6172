// Package pool provides object pooling for NornicGraph to reduce allocations.
//
// Object pooling reuses allocated objects instead of creating new ones,
// reducing GC pressure on the hot paths:
// - Byte buffers for record encoding (block store values, WAL payloads)
// - ID slices for traversal frontiers
//
// Usage:
//
//	buf := pool.GetBuffer()
//	defer pool.PutBuffer(buf)
//
//	enc := msgpack.NewEncoder(buf)
//	...
package pool

import (
	"bytes"
	"sync"
)

// PoolConfig configures object pooling behavior.
type PoolConfig struct {
	// Enabled controls whether pooling is active
	Enabled bool

	// MaxBufferSize is the largest buffer capacity returned to the pool.
	// Larger buffers are dropped so one huge record does not pin memory.
	MaxBufferSize int

	// MaxSliceSize is the largest ID slice capacity returned to the pool.
	MaxSliceSize int
}

// DefaultPoolConfig returns the defaults used when Configure is never called.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Enabled:       true,
		MaxBufferSize: 1 << 20,
		MaxSliceSize:  4096,
	}
}

var (
	configMu     sync.RWMutex
	globalConfig = DefaultPoolConfig()
)

// Configure sets pool configuration. Pools are process-wide, like sync.Pool
// itself; callers normally configure them once at startup.
func Configure(config PoolConfig) {
	configMu.Lock()
	defer configMu.Unlock()
	globalConfig = config
}

func current() PoolConfig {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}

// IsEnabled returns whether pooling is enabled.
func IsEnabled() bool {
	return current().Enabled
}

// =============================================================================
// Byte Buffer Pool
// =============================================================================

var bufferPool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 1024))
	},
}

// GetBuffer returns an empty buffer. Call PutBuffer when done.
func GetBuffer() *bytes.Buffer {
	if !IsEnabled() {
		return bytes.NewBuffer(make([]byte, 0, 1024))
	}
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBuffer returns a buffer to the pool. The caller must not retain
// references to buf.Bytes() afterwards.
func PutBuffer(buf *bytes.Buffer) {
	cfg := current()
	if !cfg.Enabled || buf == nil {
		return
	}
	if buf.Cap() > cfg.MaxBufferSize {
		return
	}
	buf.Reset()
	bufferPool.Put(buf)
}

// =============================================================================
// ID Slice Pool (traversal frontiers)
// =============================================================================

var idSlicePool = sync.Pool{
	New: func() any {
		s := make([]string, 0, 64)
		return &s
	},
}

// GetIDSlice returns a zero-length slice of ids.
func GetIDSlice() []string {
	if !IsEnabled() {
		return make([]string, 0, 64)
	}
	return (*idSlicePool.Get().(*[]string))[:0]
}

// PutIDSlice returns an id slice to the pool.
func PutIDSlice(s []string) {
	cfg := current()
	if !cfg.Enabled || cap(s) > cfg.MaxSliceSize {
		return
	}
	clear(s)
	s = s[:0]
	idSlicePool.Put(&s)
}
