// Package config handles NornicGraph configuration from defaults, a YAML
// file and environment variables.
//
// Values are layered: Default() provides the built-in values, LoadFile
// overlays a YAML file and ApplyEnv overlays NORNICGRAPH_* environment
// variables. Load does all three in that order, so the environment always
// wins.
//
// Example Usage:
//
//	cfg, err := config.Load("nornicgraph.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//	db, err := graphdb.Open(cfg)
//
// Environment Variables:
//
//   - NORNICGRAPH_STORAGE_ENGINE="memory" or "badger"
//   - NORNICGRAPH_DATA_DIR="./data"
//   - NORNICGRAPH_CACHE_SIZE=10000
//   - NORNICGRAPH_ENCRYPTION_PASSPHRASE="..."
//   - NORNICGRAPH_WAL_SYNC_MODE="immediate", "batch" or "none"
//   - NORNICGRAPH_WAL_SEGMENT_SIZE="64MB"
//   - NORNICGRAPH_MAX_TRANSACTIONS=1024
//   - NORNICGRAPH_PLAN_CACHE_SIZE=1000
//   - NORNICGRAPH_DEFAULT_PRESET="moderate"
//   - NORNICGRAPH_SLOW_QUERY_THRESHOLD=1s
//   - NORNICGRAPH_LOG_LEVEL="info"
//   - NORNICGRAPH_METRICS_ENABLED=true
//
// For a complete list, see ApplyEnv.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/orneryd/nornicgraph/pkg/budget"
	"github.com/orneryd/nornicgraph/pkg/logging"
	"github.com/orneryd/nornicgraph/pkg/storage"
)

// EnvPrefix prefixes every environment variable read by ApplyEnv.
const EnvPrefix = "NORNICGRAPH_"

// Storage engines.
const (
	EngineMemory = "memory"
	EngineBadger = "badger"
)

// Config holds all NornicGraph configuration.
//
// Configuration is organized into logical sections:
//   - Storage: block store engine, cache and encryption at rest
//   - WAL: write-ahead log location and durability
//   - Transactions: concurrency limits
//   - Query: plan cache, default budget preset and slow query logging
//   - Budgets: overrides of the built-in budget presets
//   - Memory: Go runtime tuning
//   - Logging, Metrics
type Config struct {
	Storage      StorageConfig            `yaml:"storage"`
	WAL          WALConfig                `yaml:"wal"`
	Transactions TransactionConfig        `yaml:"transactions"`
	Query        QueryConfig              `yaml:"query"`
	Budgets      map[string]budget.Budget `yaml:"budgets"`
	Memory       MemoryConfig             `yaml:"memory"`
	Logging      logging.Config           `yaml:"logging"`
	Metrics      MetricsConfig            `yaml:"metrics"`
}

// StorageConfig holds block store settings.
type StorageConfig struct {
	// Engine is "memory" or "badger"
	Engine string `yaml:"engine"`
	// DataDir is the directory for badger files, the WAL and the
	// encryption salt
	DataDir string `yaml:"data_dir"`
	// SyncWrites makes badger fsync every write
	SyncWrites bool `yaml:"sync_writes"`
	// LowMemory selects badger's memory-constrained settings
	LowMemory bool `yaml:"low_memory"`
	// CacheSize is the number of values kept in the LRU read cache
	// (0 disables the cache)
	CacheSize int `yaml:"cache_size"`
	// EncryptionPassphrase enables AES-256-GCM encryption of stored values
	EncryptionPassphrase string `yaml:"encryption_passphrase"`
	// EncryptionIterations is the PBKDF2 iteration count (0 = library default)
	EncryptionIterations int `yaml:"encryption_iterations"`
}

// WALConfig holds write-ahead log settings.
type WALConfig struct {
	// Dir defaults to <data_dir>/wal
	Dir               string        `yaml:"dir"`
	SyncMode          string        `yaml:"sync_mode"`
	BatchSyncInterval time.Duration `yaml:"batch_sync_interval"`
	// SegmentSize is human readable ("64MB")
	SegmentSize        string `yaml:"segment_size"`
	Compression        bool   `yaml:"compression"`
	CompressionMinSize int    `yaml:"compression_min_size"`
}

// TransactionConfig holds transaction manager settings.
type TransactionConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent"`
	BeginTimeout  time.Duration `yaml:"begin_timeout"`
}

// QueryConfig holds query execution settings.
type QueryConfig struct {
	PlanCacheEnabled bool          `yaml:"plan_cache_enabled"`
	PlanCacheSize    int           `yaml:"plan_cache_size"`
	PlanCacheTTL     time.Duration `yaml:"plan_cache_ttl"`
	// DefaultPreset is the budget used when a query names none
	DefaultPreset string `yaml:"default_preset"`
	// SlowQueryThreshold logs queries slower than this at warn level
	// (0 disables)
	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold"`
	// LogQueries logs every query at debug level
	LogQueries bool `yaml:"log_queries"`
}

// MemoryConfig holds Go runtime memory management settings.
type MemoryConfig struct {
	// RuntimeLimit is the soft memory limit (GOMEMLIMIT), human readable
	// ("2GB"). "0" or empty means unlimited.
	RuntimeLimit string `yaml:"runtime_limit"`
	// GCPercent controls GC aggressiveness (GOGC)
	// 100 = default, lower = more aggressive (less memory, more CPU)
	GCPercent int `yaml:"gc_percent"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// Default returns the built-in configuration: an in-memory store with an
// immediate-sync WAL under ./data.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Engine:    EngineMemory,
			DataDir:   "./data",
			CacheSize: 10000,
		},
		WAL: WALConfig{
			SyncMode:           storage.SyncImmediate,
			BatchSyncInterval:  100 * time.Millisecond,
			SegmentSize:        "64MB",
			CompressionMinSize: 512,
		},
		Transactions: TransactionConfig{
			MaxConcurrent: 1024,
			BeginTimeout:  30 * time.Second,
		},
		Query: QueryConfig{
			PlanCacheEnabled:   true,
			PlanCacheSize:      1000,
			PlanCacheTTL:       5 * time.Minute,
			DefaultPreset:      budget.PresetModerate,
			SlowQueryThreshold: time.Second,
		},
		Memory:  MemoryConfig{RuntimeLimit: "0", GCPercent: 100},
		Logging: logging.DefaultConfig(),
		Metrics: MetricsConfig{Namespace: "nornicgraph"},
	}
}

// LoadFromEnv returns the defaults overlaid with the environment.
func LoadFromEnv() *Config {
	cfg := Default()
	cfg.ApplyEnv()
	return cfg
}

// LoadFile returns the defaults overlaid with the YAML file at path.
// Unknown keys are rejected so typos do not pass silently.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

// Load reads the YAML file at path, when path is not empty, and then
// applies the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv overlays every set NORNICGRAPH_* variable onto c. Unparsable
// values are ignored.
func (c *Config) ApplyEnv() {
	c.Storage.Engine = getEnv("STORAGE_ENGINE", c.Storage.Engine)
	c.Storage.DataDir = getEnv("DATA_DIR", c.Storage.DataDir)
	c.Storage.SyncWrites = getEnvBool("SYNC_WRITES", c.Storage.SyncWrites)
	c.Storage.LowMemory = getEnvBool("LOW_MEMORY", c.Storage.LowMemory)
	c.Storage.CacheSize = getEnvInt("CACHE_SIZE", c.Storage.CacheSize)
	c.Storage.EncryptionPassphrase = getEnv("ENCRYPTION_PASSPHRASE", c.Storage.EncryptionPassphrase)
	c.Storage.EncryptionIterations = getEnvInt("ENCRYPTION_ITERATIONS", c.Storage.EncryptionIterations)

	c.WAL.Dir = getEnv("WAL_DIR", c.WAL.Dir)
	c.WAL.SyncMode = getEnv("WAL_SYNC_MODE", c.WAL.SyncMode)
	c.WAL.BatchSyncInterval = getEnvDuration("WAL_BATCH_SYNC_INTERVAL", c.WAL.BatchSyncInterval)
	c.WAL.SegmentSize = getEnv("WAL_SEGMENT_SIZE", c.WAL.SegmentSize)
	c.WAL.Compression = getEnvBool("WAL_COMPRESSION", c.WAL.Compression)
	c.WAL.CompressionMinSize = getEnvInt("WAL_COMPRESSION_MIN_SIZE", c.WAL.CompressionMinSize)

	c.Transactions.MaxConcurrent = getEnvInt("MAX_TRANSACTIONS", c.Transactions.MaxConcurrent)
	c.Transactions.BeginTimeout = getEnvDuration("BEGIN_TIMEOUT", c.Transactions.BeginTimeout)

	c.Query.PlanCacheEnabled = getEnvBool("PLAN_CACHE_ENABLED", c.Query.PlanCacheEnabled)
	c.Query.PlanCacheSize = getEnvInt("PLAN_CACHE_SIZE", c.Query.PlanCacheSize)
	c.Query.PlanCacheTTL = getEnvDuration("PLAN_CACHE_TTL", c.Query.PlanCacheTTL)
	c.Query.DefaultPreset = getEnv("DEFAULT_PRESET", c.Query.DefaultPreset)
	c.Query.SlowQueryThreshold = getEnvDuration("SLOW_QUERY_THRESHOLD", c.Query.SlowQueryThreshold)
	c.Query.LogQueries = getEnvBool("LOG_QUERIES", c.Query.LogQueries)

	c.Memory.RuntimeLimit = getEnv("MEMORY_LIMIT", c.Memory.RuntimeLimit)
	c.Memory.GCPercent = getEnvInt("GC_PERCENT", c.Memory.GCPercent)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)
	c.Logging.Output = getEnv("LOG_OUTPUT", c.Logging.Output)

	c.Metrics.Enabled = getEnvBool("METRICS_ENABLED", c.Metrics.Enabled)
	c.Metrics.Namespace = getEnv("METRICS_NAMESPACE", c.Metrics.Namespace)
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.Engine {
	case EngineMemory:
	case EngineBadger:
		if c.Storage.DataDir == "" {
			return fmt.Errorf("config: badger engine requires a data directory")
		}
	default:
		return fmt.Errorf("config: unknown storage engine %q", c.Storage.Engine)
	}
	if c.Storage.CacheSize < 0 {
		return fmt.Errorf("config: invalid cache size: %d", c.Storage.CacheSize)
	}
	if c.Storage.EncryptionIterations < 0 {
		return fmt.Errorf("config: invalid encryption iterations: %d", c.Storage.EncryptionIterations)
	}
	if c.WALDir() == "" {
		return fmt.Errorf("config: wal directory is required")
	}
	if err := c.WALOptions().Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if parseMemorySize(c.WAL.SegmentSize) < 0 {
		return fmt.Errorf("config: invalid wal segment size %q", c.WAL.SegmentSize)
	}
	if c.Transactions.MaxConcurrent < 0 {
		return fmt.Errorf("config: invalid max concurrent transactions: %d", c.Transactions.MaxConcurrent)
	}
	if c.Query.PlanCacheSize < 0 {
		return fmt.Errorf("config: invalid plan cache size: %d", c.Query.PlanCacheSize)
	}
	presets, err := c.Presets()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := presets.Get(c.Query.DefaultPreset); err != nil {
		return fmt.Errorf("config: default preset: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// WALDir returns the WAL directory, defaulting to <data_dir>/wal.
func (c *Config) WALDir() string {
	if c.WAL.Dir != "" {
		return c.WAL.Dir
	}
	if c.Storage.DataDir == "" {
		return ""
	}
	return filepath.Join(c.Storage.DataDir, "wal")
}

// WALOptions converts the WAL section into storage options. The logger is
// left for the caller to set.
func (c *Config) WALOptions() *storage.WALConfig {
	opts := storage.DefaultWALConfig()
	opts.Dir = c.WALDir()
	opts.SyncMode = c.WAL.SyncMode
	opts.BatchSyncInterval = c.WAL.BatchSyncInterval
	if size := parseMemorySize(c.WAL.SegmentSize); size > 0 {
		opts.MaxSegmentSize = size
	}
	opts.Compression = c.WAL.Compression
	if c.WAL.CompressionMinSize > 0 {
		opts.CompressionMinSize = c.WAL.CompressionMinSize
	}
	return opts
}

// Presets returns the built-in budget presets with the configured
// overrides applied.
func (c *Config) Presets() (budget.Presets, error) {
	return budget.DefaultPresets().WithOverrides(c.Budgets)
}

func (c *Config) String() string {
	passphrase := ""
	if c.Storage.EncryptionPassphrase != "" {
		passphrase = "[REDACTED]"
	}
	return fmt.Sprintf(
		"Config{Engine: %s, DataDir: %s, Encryption: %q, WAL: %s/%s, PlanCache: %v(%d), Preset: %s, Log: %s}",
		c.Storage.Engine, c.Storage.DataDir, passphrase,
		c.WALDir(), c.WAL.SyncMode,
		c.Query.PlanCacheEnabled, c.Query.PlanCacheSize,
		c.Query.DefaultPreset, c.Logging.Level,
	)
}

// Helper functions for environment variable parsing. Keys are given
// without EnvPrefix.

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Try parsing as seconds
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}

// parseMemorySize parses human-readable sizes like "2GB", "512MB", "1024".
// Returns 0 for "0", "unlimited" and unparsable input.
func parseMemorySize(s string) int64 {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" || s == "0" || s == "UNLIMITED" {
		return 0
	}

	s = strings.TrimSuffix(s, "B")

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "G")
	case strings.HasSuffix(s, "T"):
		multiplier = 1024 * 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "T")
	}

	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return val * multiplier
}

// FormatMemorySize formats bytes as a human-readable string.
func FormatMemorySize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
		TB = GB * 1024
	)

	switch {
	case bytes >= TB:
		return fmt.Sprintf("%.2f TB", float64(bytes)/float64(TB))
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// RuntimeLimitBytes returns the parsed runtime memory limit (0 = unlimited).
func (c *MemoryConfig) RuntimeLimitBytes() int64 {
	return parseMemorySize(c.RuntimeLimit)
}

// ApplyRuntimeMemory applies the memory settings to the Go runtime.
// Call early in main() before significant allocations.
func (c *MemoryConfig) ApplyRuntimeMemory() {
	if limit := c.RuntimeLimitBytes(); limit > 0 {
		debug.SetMemoryLimit(limit)
	}
	if c.GCPercent > 0 && c.GCPercent != 100 {
		debug.SetGCPercent(c.GCPercent)
	}
}
