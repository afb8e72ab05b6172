package encryption

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptor(t *testing.T) {
	salt, err := GenerateSalt()
	require.NoError(t, err)

	enc, err := NewEncryptorWithPassword("passphrase", salt, 1000)
	require.NoError(t, err)

	t.Run("round_trips_plaintext", func(t *testing.T) {
		sealed, err := enc.Encrypt([]byte("secret value"))
		require.NoError(t, err)
		assert.NotContains(t, string(sealed), "secret value")

		plain, err := enc.Decrypt(sealed)
		require.NoError(t, err)
		assert.Equal(t, "secret value", string(plain))
	})

	t.Run("nonces_differ", func(t *testing.T) {
		a, err := enc.Encrypt([]byte("x"))
		require.NoError(t, err)
		b, err := enc.Encrypt([]byte("x"))
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})

	t.Run("tampering_is_detected", func(t *testing.T) {
		sealed, err := enc.Encrypt([]byte("value"))
		require.NoError(t, err)
		sealed[len(sealed)-1] ^= 0xff
		_, err = enc.Decrypt(sealed)
		assert.ErrorIs(t, err, ErrDecryptionFailed)
	})

	t.Run("wrong_password_fails", func(t *testing.T) {
		other, err := NewEncryptorWithPassword("other", salt, 1000)
		require.NoError(t, err)
		sealed, err := enc.Encrypt([]byte("value"))
		require.NoError(t, err)
		_, err = other.Decrypt(sealed)
		assert.ErrorIs(t, err, ErrDecryptionFailed)
	})

	t.Run("short_data_is_invalid", func(t *testing.T) {
		_, err := enc.Decrypt([]byte{0, 0, 0, 1})
		assert.ErrorIs(t, err, ErrInvalidData)
	})
}

func TestKeyValidation(t *testing.T) {
	_, err := NewEncryptor(&Key{ID: 1, Material: []byte("short")})
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = NewEncryptorWithPassword("", nil, 0)
	assert.ErrorIs(t, err, ErrEmptyPassword)

	key, err := GenerateKey()
	require.NoError(t, err)
	enc, err := NewEncryptor(&Key{ID: 7, Material: key})
	require.NoError(t, err)
	assert.Equal(t, uint32(7), enc.KeyID())
}

func TestDeriveKey(t *testing.T) {
	a := DeriveKey([]byte("pw"), []byte("salt"), 100)
	b := DeriveKey([]byte("pw"), []byte("salt"), 100)
	c := DeriveKey([]byte("pw"), []byte("pepper"), 100)
	assert.Len(t, a, 32)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
