package encryption

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/tink-crypto/tink-go/v2/tink"
)

// ciphertextPrefix versions stored ciphertext so a future key-version tag can
// be introduced without re-encrypting every record.
const ciphertextPrefix = "cb1:"

// ErrDecryptFailed indicates a ciphertext that could not be decrypted:
// tampered, truncated, or produced under a different key or identity.
// Callers fall back to "no refresh token" rather than failing the read.
var ErrDecryptFailed = errors.New("ciphertext could not be decrypted")

// SecretBox encrypts and decrypts opaque secret strings (refresh tokens)
// with the process-wide AEAD. The associated data binds each ciphertext to
// its identity, so a ciphertext copied between records will not decrypt.
type SecretBox struct {
	aead tink.AEAD
}

func NewSecretBox(a tink.AEAD) *SecretBox {
	return &SecretBox{aead: a}
}

// EncryptString encrypts a secret for storage. Empty plaintext is an error:
// encryption fails closed rather than silently passing through.
func (b *SecretBox) EncryptString(plaintext, associatedData string) (string, error) {
	if plaintext == "" {
		return "", fmt.Errorf("refusing to encrypt empty plaintext")
	}

	ciphertext, err := b.aead.Encrypt([]byte(plaintext), []byte(associatedData))
	if err != nil {
		return "", fmt.Errorf("encrypting secret: %w", err)
	}

	return ciphertextPrefix + base64.RawStdEncoding.EncodeToString(ciphertext), nil
}

// DecryptString reverses EncryptString. Any malformed or tampered input
// returns an error wrapping ErrDecryptFailed so the caller can distinguish
// corruption from other failures.
func (b *SecretBox) DecryptString(value, associatedData string) (string, error) {
	encoded, ok := strings.CutPrefix(value, ciphertextPrefix)
	if !ok {
		return "", fmt.Errorf("%w: missing %q prefix", ErrDecryptFailed, ciphertextPrefix)
	}

	ciphertext, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: invalid encoding: %v", ErrDecryptFailed, err)
	}

	plaintext, err := b.aead.Decrypt(ciphertext, []byte(associatedData))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}

	return string(plaintext), nil
}
