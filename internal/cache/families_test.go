package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmchat/credbridge/internal/credential"
)

func memoryFamilies(t *testing.T) Families {
	t.Helper()

	token, err := NewMemory[credential.Record](time.Minute, 100)
	require.NoError(t, err)
	status, err := NewMemory[credential.Status](time.Minute, 100)
	require.NoError(t, err)
	session, err := NewMemory[json.RawMessage](time.Minute, 100)
	require.NoError(t, err)

	return Families{Token: token, Status: status, Session: session}
}

func TestFamilies_InvalidateIdentityClearsAllFamilies(t *testing.T) {
	ctx := context.Background()
	families := memoryFamilies(t)

	identity := "acme:alice"
	require.NoError(t, families.Token.Set(ctx, TokenKey(identity), credential.Record{Identity: identity, AccessToken: "t1"}, 0))
	require.NoError(t, families.Status.Set(ctx, StatusKey(identity), credential.Status{HasCredential: true, IsValid: true}, 0))
	require.NoError(t, families.Session.Set(ctx, SessionKey(identity), json.RawMessage(`{"chat":"state"}`), 0))

	families.InvalidateIdentity(ctx, identity)

	_, found, err := families.Token.Get(ctx, TokenKey(identity))
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = families.Status.Get(ctx, StatusKey(identity))
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = families.Session.Get(ctx, SessionKey(identity))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFamilies_InvalidateIdentityScopedToIdentity(t *testing.T) {
	ctx := context.Background()
	families := memoryFamilies(t)

	require.NoError(t, families.Token.Set(ctx, TokenKey("acme:alice"), credential.Record{AccessToken: "a"}, 0))
	require.NoError(t, families.Token.Set(ctx, TokenKey("acme:bob"), credential.Record{AccessToken: "b"}, 0))

	families.InvalidateIdentity(ctx, "acme:alice")

	_, found, err := families.Token.Get(ctx, TokenKey("acme:bob"))
	require.NoError(t, err)
	assert.True(t, found, "other identities are untouched")
}

func TestKeyFamilies(t *testing.T) {
	assert.Equal(t, "token:acme:alice", TokenKey("acme:alice"))
	assert.Equal(t, "status:acme:alice", StatusKey("acme:alice"))
	assert.Equal(t, "session:acme:alice", SessionKey("acme:alice"))
}

func TestNoop(t *testing.T) {
	ctx := context.Background()
	noop := NewNoop[credential.Record]()

	require.NoError(t, noop.Set(ctx, "k", credential.Record{AccessToken: "t"}, time.Minute))

	_, found, err := noop.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found, "noop cache never stores anything")

	assert.NoError(t, noop.Invalidate(ctx, "k"))
}
