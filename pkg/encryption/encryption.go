// Package encryption provides data-at-rest encryption for NornicGraph.
//
// Values written to the block store can be sealed with AES-256-GCM before
// they reach disk. Keys are derived from an operator passphrase with
// PBKDF2-HMAC-SHA256 and a per-installation salt.
//
// Features:
//   - AES-256-GCM authenticated encryption
//   - Versioned ciphertext header for future key rotation
//   - Secure key derivation (PBKDF2)
//
// Example:
//
//	salt, _ := encryption.GenerateSalt()
//	enc, err := encryption.NewEncryptorWithPassword("correct horse", salt, 0)
//	if err != nil {
//		log.Fatal(err)
//	}
//	sealed, _ := enc.Encrypt([]byte("secret"))
//	plain, _ := enc.Decrypt(sealed)
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// Key version header size in encrypted data
const versionHeaderSize = 4

// DefaultIterations is the PBKDF2 iteration count used when none is given.
const DefaultIterations = 600000

// Errors
var (
	ErrInvalidKey       = errors.New("encryption: invalid key length (must be 32 bytes)")
	ErrInvalidData      = errors.New("encryption: invalid encrypted data")
	ErrDecryptionFailed = errors.New("encryption: decryption failed (authentication error)")
	ErrKeyNotFound      = errors.New("encryption: key version not found")
	ErrEmptyPassword    = errors.New("encryption: empty password")
)

// Key represents an encryption key with its version.
type Key struct {
	ID       uint32 // Key version ID
	Material []byte // 32-byte AES-256 key
}

// Validate checks if the key is valid for use.
func (k *Key) Validate() error {
	if len(k.Material) != 32 {
		return ErrInvalidKey
	}
	return nil
}

// Encryptor seals and opens values with a single AES-256-GCM key.
// It is safe for concurrent use.
type Encryptor struct {
	key *Key
	gcm cipher.AEAD
}

// NewEncryptor creates an encryptor for key.
func NewEncryptor(key *Key) (*Encryptor, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key.Material)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Encryptor{key: key, gcm: gcm}, nil
}

// NewEncryptorWithPassword derives a key from password and salt and returns
// an encryptor using it as key version 1.
func NewEncryptorWithPassword(password string, salt []byte, iterations int) (*Encryptor, error) {
	if password == "" {
		return nil, ErrEmptyPassword
	}
	return NewEncryptor(&Key{ID: 1, Material: DeriveKey([]byte(password), salt, iterations)})
}

// Encrypt seals plaintext.
// Format: [4 bytes key version][nonce][ciphertext]
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	out := make([]byte, versionHeaderSize+len(nonce), versionHeaderSize+len(nonce)+len(plaintext)+e.gcm.Overhead())
	binary.BigEndian.PutUint32(out[:versionHeaderSize], e.key.ID)
	copy(out[versionHeaderSize:], nonce)
	return e.gcm.Seal(out, nonce, plaintext, nil), nil
}

// Decrypt opens data produced by Encrypt.
func (e *Encryptor) Decrypt(data []byte) ([]byte, error) {
	nonceSize := e.gcm.NonceSize()
	if len(data) < versionHeaderSize+nonceSize {
		return nil, ErrInvalidData
	}
	if binary.BigEndian.Uint32(data[:versionHeaderSize]) != e.key.ID {
		return nil, ErrKeyNotFound
	}
	nonce := data[versionHeaderSize : versionHeaderSize+nonceSize]
	plaintext, err := e.gcm.Open(nil, nonce, data[versionHeaderSize+nonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// KeyID returns the version of the key in use.
func (e *Encryptor) KeyID() uint32 {
	return e.key.ID
}

// DeriveKey derives a 32-byte AES-256 key from password and salt using
// PBKDF2-HMAC-SHA256. A non-positive iteration count uses DefaultIterations.
func DeriveKey(password, salt []byte, iterations int) []byte {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return pbkdf2.Key(password, salt, iterations, 32, sha256.New)
}

// GenerateKey generates a random 32-byte AES-256 key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// GenerateSalt generates a random 32-byte salt for DeriveKey.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}
