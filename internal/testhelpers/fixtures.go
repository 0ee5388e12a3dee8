package testhelpers

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/helmchat/credbridge/internal/encryption"
	"github.com/helmchat/credbridge/internal/store"
)

// NewStore creates a credential store backed by a throwaway SQLite database
// and a test AEAD. The database is removed with the test's temp directory.
func NewStore(t *testing.T) *store.Store {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "credentials.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(db) })

	aead, err := encryption.NewTestAEAD()
	require.NoError(t, err)

	return store.New(db, encryption.NewSecretBox(aead))
}
