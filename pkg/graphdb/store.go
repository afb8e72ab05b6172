package graphdb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/orneryd/nornicgraph/pkg/config"
	"github.com/orneryd/nornicgraph/pkg/encryption"
	"github.com/orneryd/nornicgraph/pkg/storage"
)

// saltFile holds the PBKDF2 salt of an encrypted data directory.
const saltFile = "encryption.salt"

// openStore builds the block store stack described by cfg:
// engine, then encryption, then the LRU read cache on top so cached values
// are plaintext.
func openStore(cfg *config.Config, logger *zap.Logger) (storage.BlockStore, error) {
	var store storage.BlockStore
	switch cfg.Storage.Engine {
	case config.EngineBadger:
		b, err := storage.NewBadgerStore(storage.BadgerOptions{
			DataDir:    filepath.Join(cfg.Storage.DataDir, "store"),
			SyncWrites: cfg.Storage.SyncWrites,
			LowMemory:  cfg.Storage.LowMemory,
			Logger:     badgerLogger{logger.Named("badger").Sugar()},
		})
		if err != nil {
			return nil, err
		}
		store = b
	default:
		store = storage.NewMemoryStore()
	}

	if cfg.Storage.EncryptionPassphrase != "" {
		salt, err := loadSalt(cfg.Storage.DataDir)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		enc, err := encryption.NewEncryptorWithPassword(cfg.Storage.EncryptionPassphrase, salt, cfg.Storage.EncryptionIterations)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("graphdb: encryption: %w", err)
		}
		store = storage.NewEncryptedStore(store, enc)
	}

	if cfg.Storage.CacheSize > 0 {
		store = storage.NewCachedStore(store, cfg.Storage.CacheSize)
	}
	return store, nil
}

// loadSalt reads the salt of dir, creating one on first use.
func loadSalt(dir string) ([]byte, error) {
	path := filepath.Join(dir, saltFile)
	salt, err := os.ReadFile(path)
	if err == nil {
		return salt, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("graphdb: failed to read salt: %w", err)
	}
	if salt, err = encryption.GenerateSalt(); err != nil {
		return nil, fmt.Errorf("graphdb: failed to generate salt: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("graphdb: failed to create data directory: %w", err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("graphdb: failed to write salt: %w", err)
	}
	return salt, nil
}

// badgerLogger routes badger's printf-style logging into zap.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.Warnf(format, args...)
}
