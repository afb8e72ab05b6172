package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore provides persistent block storage using BadgerDB.
//
// Features:
//   - Persistent storage to disk
//   - Atomic batches through a single Badger transaction
//   - Ordered prefix iteration
//   - Thread-safe concurrent access
//
// Example:
//
//	store, err := storage.NewBadgerStore(storage.BadgerOptions{DataDir: "./data/graph"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
type BadgerStore struct {
	db       *badger.DB
	inMemory bool
	mu       sync.RWMutex // Protects closed
	closed   bool
}

// BadgerOptions configures the BadgerDB store.
type BadgerOptions struct {
	// DataDir is the directory for storing data files.
	// Required unless InMemory is set.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode.
	// Useful for testing. Data is not persisted.
	InMemory bool

	// SyncWrites forces fsync after each write.
	// Slower but more durable.
	SyncWrites bool

	// Logger for BadgerDB internal logging.
	// If nil, Badger logging is silenced.
	Logger badger.Logger

	// LowMemory enables memory-constrained settings.
	LowMemory bool
}

// NewBadgerStore opens (or creates) a BadgerDB-backed store.
//
// Configuration Trade-offs:
//   - SyncWrites=true: Slower writes (2-5x) but maximum safety
//   - LowMemory=true: Less RAM but slightly slower
//   - InMemory=true: Fastest but data lost on shutdown
func NewBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir)

	if opts.InMemory {
		badgerOpts = badgerOpts.WithDir("").WithValueDir("").WithInMemory(true)
	}

	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}

	// A nil logger silences Badger's default stderr output
	badgerOpts = badgerOpts.WithLogger(opts.Logger)

	if opts.LowMemory {
		badgerOpts = badgerOpts.
			WithMemTableSize(16 << 20).
			WithValueLogFileSize(64 << 20).
			WithNumMemtables(2).
			WithNumLevelZeroTables(2).
			WithNumLevelZeroTablesStall(4).
			WithBlockCacheSize(32 << 20).
			WithIndexCacheSize(16 << 20)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: fmt.Errorf("failed to open BadgerDB: %w", err)}
	}

	return &BadgerStore{db: db, inMemory: opts.InMemory}, nil
}

func (b *BadgerStore) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// Get returns the value stored under key.
func (b *BadgerStore) Get(key string) ([]byte, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StorageError{Op: "get", Key: key, Err: err}
	}
	return out, nil
}

// Put stores value under key.
func (b *BadgerStore) Put(key string, value []byte) error {
	if key == "" {
		return ErrInvalidKey
	}
	if err := b.checkOpen(); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return &StorageError{Op: "put", Key: key, Err: err}
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (b *BadgerStore) Delete(key string) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return &StorageError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// Iterate visits keys under prefix in ascending order inside one read
// transaction.
func (b *BadgerStore) Iterate(prefix string, fn func(key string, value []byte) error) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	p := []byte(prefix)
	var cbErr error
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = p
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			key := string(item.KeyCopy(nil))
			if err := item.Value(func(val []byte) error {
				cbErr = fn(key, val)
				return nil
			}); err != nil {
				return err
			}
			if cbErr != nil {
				break
			}
		}
		return nil
	})
	if err != nil {
		return &StorageError{Op: "iterate", Key: prefix, Err: err}
	}
	if cbErr != nil && !errors.Is(cbErr, ErrStopIteration) {
		return cbErr
	}
	return nil
}

// ApplyBatch applies all mutations in a single Badger transaction.
func (b *BadgerStore) ApplyBatch(muts []Mutation) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		for _, m := range muts {
			if m.Key == "" {
				return ErrInvalidKey
			}
			var err error
			if m.Delete {
				err = txn.Delete([]byte(m.Key))
			} else {
				err = txn.Set([]byte(m.Key), m.Value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return &StorageError{Op: "batch", Err: err}
	}
	return nil
}

// Sync forces a sync of all data to disk.
func (b *BadgerStore) Sync() error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if b.inMemory {
		return nil
	}
	if err := b.db.Sync(); err != nil {
		return &StorageError{Op: "sync", Err: err}
	}
	return nil
}

// Durable reports whether the store is disk-backed.
func (b *BadgerStore) Durable() bool {
	return !b.inMemory
}

// Close closes the underlying database.
func (b *BadgerStore) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}
