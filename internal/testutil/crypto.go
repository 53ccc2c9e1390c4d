package testutil

import (
	"encoding/base64"
	"testing"

	"github.com/vdavid/aliasmail/internal/crypto"
)

// TestEncryptionKey is a deterministic base64 key for tests and local development.
var TestEncryptionKey = func() string {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return base64.StdEncoding.EncodeToString(key)
}()

// GetTestEncryptor creates a credential encryptor with a deterministic key.
func GetTestEncryptor(t *testing.T) *crypto.Encryptor {
	t.Helper()

	encryptor, err := crypto.NewEncryptor(TestEncryptionKey)
	if err != nil {
		t.Fatalf("Failed to create encryptor: %v", err)
	}
	return encryptor
}

// EncryptCredential encrypts a credential with the test key.
func EncryptCredential(t *testing.T, credential string) []byte {
	t.Helper()

	ciphertext, err := GetTestEncryptor(t).Encrypt(credential)
	if err != nil {
		t.Fatalf("Failed to encrypt credential: %v", err)
	}
	return ciphertext
}
