package encryption_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmchat/credbridge/internal/encryption"
)

func newBox(t *testing.T) *encryption.SecretBox {
	t.Helper()

	a, err := encryption.NewTestAEAD()
	require.NoError(t, err)

	return encryption.NewSecretBox(a)
}

func TestSecretBox_RoundTrip(t *testing.T) {
	box := newBox(t)

	ciphertext, err := box.EncryptString("refresh-token-value", "tenant:user")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(ciphertext, "cb1:"), "ciphertext carries version prefix")
	assert.NotContains(t, ciphertext, "refresh-token-value")

	plaintext, err := box.DecryptString(ciphertext, "tenant:user")
	require.NoError(t, err)
	assert.Equal(t, "refresh-token-value", plaintext)
}

func TestSecretBox_EmptyPlaintextFailsClosed(t *testing.T) {
	box := newBox(t)

	_, err := box.EncryptString("", "tenant:user")
	assert.Error(t, err)
}

func TestSecretBox_TamperedCiphertext(t *testing.T) {
	box := newBox(t)

	ciphertext, err := box.EncryptString("secret", "tenant:user")
	require.NoError(t, err)

	tampered := ciphertext[:len(ciphertext)-2] + "zz"

	_, err = box.DecryptString(tampered, "tenant:user")
	assert.ErrorIs(t, err, encryption.ErrDecryptFailed)
}

func TestSecretBox_MissingPrefix(t *testing.T) {
	box := newBox(t)

	_, err := box.DecryptString("not-a-ciphertext", "tenant:user")
	assert.ErrorIs(t, err, encryption.ErrDecryptFailed)
}

func TestSecretBox_WrongAssociatedData(t *testing.T) {
	box := newBox(t)

	ciphertext, err := box.EncryptString("secret", "tenant:alice")
	require.NoError(t, err)

	_, err = box.DecryptString(ciphertext, "tenant:bob")
	assert.ErrorIs(t, err, encryption.ErrDecryptFailed)
}

func TestSecretBox_DifferentKeyCannotDecrypt(t *testing.T) {
	boxA := newBox(t)
	boxB := newBox(t)

	ciphertext, err := boxA.EncryptString("secret", "tenant:user")
	require.NoError(t, err)

	_, err = boxB.DecryptString(ciphertext, "tenant:user")
	assert.ErrorIs(t, err, encryption.ErrDecryptFailed)
}

func TestValidate(t *testing.T) {
	a, err := encryption.NewTestAEAD()
	require.NoError(t, err)

	assert.NoError(t, encryption.Validate(a))
}
