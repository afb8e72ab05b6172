package storage

import (
	"fmt"

	"github.com/orneryd/nornicgraph/pkg/encryption"
)

// EncryptedStore seals values with AES-256-GCM before they reach the
// underlying store. Keys stay in plaintext so prefix iteration keeps working;
// empty values (secondary index markers) are stored as is.
type EncryptedStore struct {
	inner BlockStore
	enc   *encryption.Encryptor
}

// NewEncryptedStore wraps inner.
func NewEncryptedStore(inner BlockStore, enc *encryption.Encryptor) *EncryptedStore {
	return &EncryptedStore{inner: inner, enc: enc}
}

func (s *EncryptedStore) seal(v []byte) ([]byte, error) {
	if len(v) == 0 {
		return v, nil
	}
	return s.enc.Encrypt(v)
}

func (s *EncryptedStore) open(key string, v []byte) ([]byte, error) {
	if len(v) == 0 {
		return v, nil
	}
	out, err := s.enc.Decrypt(v)
	if err != nil {
		return nil, &StorageError{Op: "decrypt", Key: key, Err: err}
	}
	return out, nil
}

// Get returns the decrypted value of key.
func (s *EncryptedStore) Get(key string) ([]byte, error) {
	v, err := s.inner.Get(key)
	if err != nil {
		return nil, err
	}
	return s.open(key, v)
}

// Put encrypts value and stores it under key.
func (s *EncryptedStore) Put(key string, value []byte) error {
	sealed, err := s.seal(value)
	if err != nil {
		return &StorageError{Op: "encrypt", Key: key, Err: err}
	}
	return s.inner.Put(key, sealed)
}

// Delete removes key.
func (s *EncryptedStore) Delete(key string) error {
	return s.inner.Delete(key)
}

// Iterate decrypts each value before handing it to fn.
func (s *EncryptedStore) Iterate(prefix string, fn func(key string, value []byte) error) error {
	return s.inner.Iterate(prefix, func(key string, value []byte) error {
		plain, err := s.open(key, value)
		if err != nil {
			return err
		}
		return fn(key, plain)
	})
}

// ApplyBatch encrypts every value and applies the batch to the underlying
// store.
func (s *EncryptedStore) ApplyBatch(muts []Mutation) error {
	sealed := make([]Mutation, len(muts))
	for i, m := range muts {
		sealed[i] = m
		if m.Delete {
			continue
		}
		v, err := s.seal(m.Value)
		if err != nil {
			return &StorageError{Op: "encrypt", Key: m.Key, Err: fmt.Errorf("batch: %w", err)}
		}
		sealed[i].Value = v
	}
	return ApplyBatch(s.inner, sealed)
}

// Sync flushes the underlying store.
func (s *EncryptedStore) Sync() error {
	return Sync(s.inner)
}

// Durable reports the durability of the underlying store.
func (s *EncryptedStore) Durable() bool {
	return IsDurable(s.inner)
}

// Close closes the underlying store.
func (s *EncryptedStore) Close() error {
	return s.inner.Close()
}
