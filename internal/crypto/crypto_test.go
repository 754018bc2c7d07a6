package crypto

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestDeriveTenantKey(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")

	t.Run("produces 32 byte key", func(t *testing.T) {
		key := DeriveTenantKey(secret, "bot-1")
		assert.Len(t, key, 32)
	})

	t.Run("same bot always yields same key", func(t *testing.T) {
		key1 := DeriveTenantKey(secret, "bot-1")
		key2 := DeriveTenantKey(secret, "bot-1")
		assert.Equal(t, key1, key2)
	})

	t.Run("different bots yield different keys", func(t *testing.T) {
		key1 := DeriveTenantKey(secret, "bot-1")
		key2 := DeriveTenantKey(secret, "bot-2")
		assert.NotEqual(t, key1, key2)
	})

	t.Run("different secret yields different key", func(t *testing.T) {
		key1 := DeriveTenantKey(secret, "bot-1")
		key2 := DeriveTenantKey([]byte("another-process-secret-value-here"), "bot-1")
		assert.NotEqual(t, key1, key2)
	})
}

func TestEncryptDecrypt(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	key := DeriveTenantKey(secret, "bot-1")

	t.Run("round trip preserves plaintext", func(t *testing.T) {
		plaintext := []byte(`{"creds":"opaque-session-material"}`)
		encoded, err := Encrypt(key, plaintext)
		require.NoError(t, err)

		decrypted, err := Decrypt(key, encoded)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)
	})

	t.Run("output is self-contained base64", func(t *testing.T) {
		encoded, err := Encrypt(key, []byte("payload"))
		require.NoError(t, err)

		raw, err := base64.StdEncoding.DecodeString(encoded)
		require.NoError(t, err)
		// 12 byte GCM nonce prefix plus ciphertext and tag
		assert.Greater(t, len(raw), 12)
	})

	t.Run("same plaintext encrypts differently each time", func(t *testing.T) {
		enc1, err := Encrypt(key, []byte("payload"))
		require.NoError(t, err)
		enc2, err := Encrypt(key, []byte("payload"))
		require.NoError(t, err)
		assert.NotEqual(t, enc1, enc2)
	})

	t.Run("wrong key fails with ErrDecryption", func(t *testing.T) {
		encoded, err := Encrypt(key, []byte("payload"))
		require.NoError(t, err)

		otherKey := DeriveTenantKey(secret, "bot-2")
		_, err = Decrypt(otherKey, encoded)
		assert.True(t, errors.Is(err, ErrDecryption))
	})

	t.Run("tampered ciphertext fails with ErrDecryption", func(t *testing.T) {
		encoded, err := Encrypt(key, []byte("payload"))
		require.NoError(t, err)

		raw, _ := base64.StdEncoding.DecodeString(encoded)
		raw[len(raw)-1] ^= 0x01
		tampered := base64.StdEncoding.EncodeToString(raw)

		_, err = Decrypt(key, tampered)
		assert.True(t, errors.Is(err, ErrDecryption))
	})

	t.Run("garbage input fails with ErrDecryption", func(t *testing.T) {
		_, err := Decrypt(key, "not base64 at all!!!")
		assert.True(t, errors.Is(err, ErrDecryption))

		_, err = Decrypt(key, base64.StdEncoding.EncodeToString([]byte("tiny")))
		assert.True(t, errors.Is(err, ErrDecryption))
	})

	t.Run("rejects keys of wrong length", func(t *testing.T) {
		_, err := Encrypt([]byte("short"), []byte("payload"))
		assert.Error(t, err)

		_, err = Decrypt([]byte("short"), "whatever")
		assert.Error(t, err)
	})
}

func TestConstantTimeEqual(t *testing.T) {
	assert.True(t, ConstantTimeEqual("abc", "abc"))
	assert.False(t, ConstantTimeEqual("abc", "abd"))
	assert.False(t, ConstantTimeEqual("abc", "abcd"))
}

func TestCheckWorkerKey(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("worker-key"), bcrypt.MinCost)
	require.NoError(t, err)

	t.Run("accepts matching key", func(t *testing.T) {
		assert.True(t, CheckWorkerKey("worker-key", string(hash)))
	})

	t.Run("rejects wrong key", func(t *testing.T) {
		assert.False(t, CheckWorkerKey("other-key", string(hash)))
	})

	t.Run("rejects malformed hash", func(t *testing.T) {
		assert.False(t, CheckWorkerKey("worker-key", "not-a-hash"))
	})
}
