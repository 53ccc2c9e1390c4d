package crypto

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() string {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestNewEncryptor(t *testing.T) {
	t.Run("valid 32-byte key", func(t *testing.T) {
		encryptor, err := NewEncryptor(testKey())
		require.NoError(t, err)
		assert.NotNil(t, encryptor)
	})

	t.Run("invalid base64", func(t *testing.T) {
		_, err := NewEncryptor("not-valid-base64!!!")
		assert.Error(t, err)
	})

	t.Run("wrong key length", func(t *testing.T) {
		_, err := NewEncryptor(base64.StdEncoding.EncodeToString(make([]byte, 16)))
		assert.Error(t, err)
	})
}

func TestEncryptDecrypt(t *testing.T) {
	encryptor, err := NewEncryptor(testKey())
	require.NoError(t, err)

	testCases := []struct {
		name      string
		plaintext string
	}{
		{"app password", "abcd efgh ijkl mnop"},
		{"symbols", "P@ssw0rd!#$%^&*()"},
		{"empty string", ""},
		{"unicode", "пароль密码🔐"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ciphertext, err := encryptor.Encrypt(tc.plaintext)
			require.NoError(t, err)

			plaintext, err := encryptor.Decrypt(ciphertext)
			require.NoError(t, err)
			assert.Equal(t, tc.plaintext, plaintext)
		})
	}
}

func TestEncryptProducesDifferentCiphertext(t *testing.T) {
	encryptor, err := NewEncryptor(testKey())
	require.NoError(t, err)

	first, err := encryptor.Encrypt("same-credential")
	require.NoError(t, err)
	second, err := encryptor.Encrypt("same-credential")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestDecryptInvalidCiphertext(t *testing.T) {
	encryptor, err := NewEncryptor(testKey())
	require.NoError(t, err)

	t.Run("too short", func(t *testing.T) {
		_, err := encryptor.Decrypt([]byte{1, 2, 3})
		assert.ErrorIs(t, err, ErrCiphertextTooShort)
	})

	t.Run("tampered", func(t *testing.T) {
		ciphertext, err := encryptor.Encrypt("secret")
		require.NoError(t, err)
		ciphertext[len(ciphertext)-1] ^= 0xff

		_, err = encryptor.Decrypt(ciphertext)
		assert.Error(t, err)
	})

	t.Run("other key", func(t *testing.T) {
		other, err := NewEncryptor(base64.StdEncoding.EncodeToString(make([]byte, 32)))
		require.NoError(t, err)
		ciphertext, err := other.Encrypt("secret")
		require.NoError(t, err)

		_, err = encryptor.Decrypt(ciphertext)
		assert.Error(t, err)
	})
}
