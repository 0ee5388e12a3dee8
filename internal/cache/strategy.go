package cache

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/tink-crypto/tink-go/v2/tink"
)

// valuePrefix marks encrypted values, distinguishing them from plaintext
// entries during rollout.
const valuePrefix = "cbv1:"

// storageKeyPrefix namespaces encrypted entries away from plaintext ones.
const storageKeyPrefix = "enc:"

// EncryptionStrategy defines how distributed cache values are encrypted and
// decrypted, and how storage keys are decorated. Cached token entries are
// denormalized credential records, so a shared cache deployment can opt in to
// the same at-rest protection the store has.
type EncryptionStrategy interface {
	// EncryptValue encrypts value bytes for storage. The key parameter is
	// used as associated data, binding ciphertext to a specific cache entry.
	EncryptValue(ctx context.Context, value []byte, key string) (string, error)

	// DecryptValue decrypts a stored value. The key parameter must match the
	// key used during encryption.
	DecryptValue(ctx context.Context, value string, key string) ([]byte, error)

	// StorageKey returns the cache key, potentially decorated with a prefix.
	StorageKey(key string) string
}

// NoEncryptionStrategy is a pass-through that stores values as-is.
type NoEncryptionStrategy struct{}

func (s *NoEncryptionStrategy) EncryptValue(_ context.Context, value []byte, _ string) (string, error) {
	return string(value), nil
}

func (s *NoEncryptionStrategy) DecryptValue(_ context.Context, value string, _ string) ([]byte, error) {
	return []byte(value), nil
}

func (s *NoEncryptionStrategy) StorageKey(key string) string {
	return key
}

// AEADStrategy encrypts cache values with the process-wide AEAD.
type AEADStrategy struct {
	aead tink.AEAD
}

func NewAEADStrategy(a tink.AEAD) *AEADStrategy {
	return &AEADStrategy{aead: a}
}

func (s *AEADStrategy) EncryptValue(_ context.Context, value []byte, key string) (string, error) {
	ciphertext, err := s.aead.Encrypt(value, []byte(key))
	if err != nil {
		return "", fmt.Errorf("encrypting cache value: %w", err)
	}

	return valuePrefix + base64.RawStdEncoding.EncodeToString(ciphertext), nil
}

func (s *AEADStrategy) DecryptValue(_ context.Context, value string, key string) ([]byte, error) {
	encoded, ok := strings.CutPrefix(value, valuePrefix)
	if !ok {
		return nil, fmt.Errorf("cache value missing %q prefix", valuePrefix)
	}

	ciphertext, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding cache value: %w", err)
	}

	plaintext, err := s.aead.Decrypt(ciphertext, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("decrypting cache value: %w", err)
	}

	return plaintext, nil
}

func (s *AEADStrategy) StorageKey(key string) string {
	return storageKeyPrefix + key
}
