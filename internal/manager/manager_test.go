package manager_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmchat/credbridge/internal/cache"
	"github.com/helmchat/credbridge/internal/credential"
	"github.com/helmchat/credbridge/internal/manager"
	"github.com/helmchat/credbridge/internal/testhelpers"
)

// fakeRefresher returns a scripted record and counts calls.
type fakeRefresher struct {
	calls  int
	record *credential.Record
	err    error
}

func (f *fakeRefresher) Refresh(ctx context.Context, identity string) (*credential.Record, error) {
	f.calls++
	return f.record, f.err
}

// fakeRevoker records revoked tokens.
type fakeRevoker struct {
	revoked []string
	err     error
}

func (f *fakeRevoker) Revoke(ctx context.Context, token string) error {
	f.revoked = append(f.revoked, token)
	return f.err
}

func testConfig() manager.Config {
	return manager.Config{
		RefreshBuffer:     5 * time.Minute,
		TokenTTL:          time.Minute,
		StatusTTL:         time.Minute,
		StatusNegativeTTL: 10 * time.Second,
		SessionTTL:        30 * time.Minute,
		SweepGrace:        24 * time.Hour,
	}
}

func memoryFamilies(t *testing.T) cache.Families {
	t.Helper()

	token, err := cache.NewMemory[credential.Record](time.Minute, 100)
	require.NoError(t, err)
	status, err := cache.NewMemory[credential.Status](time.Minute, 100)
	require.NoError(t, err)
	session, err := cache.NewMemory[json.RawMessage](time.Minute, 100)
	require.NoError(t, err)

	return cache.Families{Token: token, Status: status, Session: session}
}

func newManager(t *testing.T, refresher *fakeRefresher, families cache.Families, policy credential.Policy) (*manager.Manager, manager.CredentialStore) {
	t.Helper()
	testhelpers.SetupLogger(t)

	s := testhelpers.NewStore(t)
	m := manager.New(s, refresher, &fakeRevoker{}, families, policy, testConfig())
	return m, s
}

func futureExpiry(d time.Duration) *time.Time {
	expiry := time.Now().Add(d)
	return &expiry
}

func TestGetValidToken(t *testing.T) {
	ctx := context.Background()

	t.Run("no credential returns empty token", func(t *testing.T) {
		refresher := &fakeRefresher{}
		m, _ := newManager(t, refresher, cache.NoopFamilies(), nil)

		token, err := m.GetValidToken(ctx, "acme:nobody")
		require.NoError(t, err)
		assert.Empty(t, token)
		assert.Zero(t, refresher.calls, "nothing to refresh without a record")
	})

	t.Run("valid stored credential is returned and cached", func(t *testing.T) {
		refresher := &fakeRefresher{}
		families := memoryFamilies(t)
		m, s := newManager(t, refresher, families, nil)

		require.NoError(t, s.Put(ctx, credential.Record{
			Identity:    "acme:alice",
			AccessToken: "access-1",
			ExpiresAt:   futureExpiry(time.Hour),
		}))

		token, err := m.GetValidToken(ctx, "acme:alice")
		require.NoError(t, err)
		assert.Equal(t, "access-1", token)

		cached, ok, err := families.Token.Get(ctx, cache.TokenKey("acme:alice"))
		require.NoError(t, err)
		require.True(t, ok, "valid read should populate the token cache")
		assert.Equal(t, "access-1", cached.AccessToken)
		assert.Zero(t, refresher.calls)
	})

	t.Run("cached token is re-validated on read", func(t *testing.T) {
		refresher := &fakeRefresher{}
		families := memoryFamilies(t)
		m, _ := newManager(t, refresher, families, nil)

		// Plant a cache entry that is already inside the refresh buffer. No
		// stored record backs it, so the read must come back empty rather
		// than serve the stale entry.
		require.NoError(t, families.Token.Set(ctx, cache.TokenKey("acme:alice"), credential.Record{
			Identity:    "acme:alice",
			AccessToken: "stale",
			ExpiresAt:   futureExpiry(time.Minute),
		}, 0))

		token, err := m.GetValidToken(ctx, "acme:alice")
		require.NoError(t, err)
		assert.Empty(t, token)

		_, ok, err := families.Token.Get(ctx, cache.TokenKey("acme:alice"))
		require.NoError(t, err)
		assert.False(t, ok, "stale cache entry should have been invalidated")
	})

	t.Run("expiring credential triggers refresh", func(t *testing.T) {
		refresher := &fakeRefresher{
			record: &credential.Record{
				Identity:    "acme:alice",
				AccessToken: "refreshed",
				ExpiresAt:   futureExpiry(time.Hour),
			},
		}
		m, s := newManager(t, refresher, cache.NoopFamilies(), nil)

		require.NoError(t, s.Put(ctx, credential.Record{
			Identity:     "acme:alice",
			AccessToken:  "stale",
			RefreshToken: "refresh-1",
			ExpiresAt:    futureExpiry(time.Minute),
		}))

		token, err := m.GetValidToken(ctx, "acme:alice")
		require.NoError(t, err)
		assert.Equal(t, "refreshed", token)
		assert.Equal(t, 1, refresher.calls)
	})

	t.Run("missing expiry metadata triggers refresh", func(t *testing.T) {
		refresher := &fakeRefresher{
			record: &credential.Record{
				Identity:    "acme:alice",
				AccessToken: "refreshed",
				ExpiresAt:   futureExpiry(time.Hour),
			},
		}
		m, s := newManager(t, refresher, cache.NoopFamilies(), nil)

		require.NoError(t, s.Put(ctx, credential.Record{
			Identity:     "acme:alice",
			AccessToken:  "unknown-lifetime",
			RefreshToken: "refresh-1",
		}))

		token, err := m.GetValidToken(ctx, "acme:alice")
		require.NoError(t, err)
		assert.Equal(t, "refreshed", token)
		assert.Equal(t, 1, refresher.calls)
	})

	t.Run("invalid without refresh token skips refresher", func(t *testing.T) {
		refresher := &fakeRefresher{}
		m, s := newManager(t, refresher, cache.NoopFamilies(), nil)

		require.NoError(t, s.Put(ctx, credential.Record{
			Identity:    "acme:alice",
			AccessToken: "stale",
			ExpiresAt:   futureExpiry(time.Minute),
		}))

		token, err := m.GetValidToken(ctx, "acme:alice")
		require.NoError(t, err)
		assert.Empty(t, token)
		assert.Zero(t, refresher.calls)
	})

	t.Run("failed refresh returns empty token without error", func(t *testing.T) {
		refresher := &fakeRefresher{record: nil}
		m, s := newManager(t, refresher, cache.NoopFamilies(), nil)

		require.NoError(t, s.Put(ctx, credential.Record{
			Identity:     "acme:alice",
			AccessToken:  "stale",
			RefreshToken: "refresh-1",
			ExpiresAt:    futureExpiry(time.Minute),
		}))

		token, err := m.GetValidToken(ctx, "acme:alice")
		require.NoError(t, err)
		assert.Empty(t, token)
		assert.Equal(t, 1, refresher.calls)
	})
}

func TestGetValidTokenForScope(t *testing.T) {
	ctx := context.Background()

	policy := credential.Policy{
		"chat":  {Scopes: []string{"chat", "chat.full"}, Mandatory: true},
		"files": {Scopes: []string{"files"}, Mandatory: false},
	}

	seed := func(t *testing.T, s manager.CredentialStore, scope string) {
		t.Helper()
		require.NoError(t, s.Put(ctx, credential.Record{
			Identity:    "acme:alice",
			AccessToken: "access-1",
			Scope:       scope,
			ExpiresAt:   futureExpiry(time.Hour),
		}))
	}

	t.Run("satisfied capability returns token", func(t *testing.T) {
		m, s := newManager(t, &fakeRefresher{}, cache.NoopFamilies(), policy)
		seed(t, s, "chat.full email")

		token, err := m.GetValidTokenForScope(ctx, "acme:alice", "chat")
		require.NoError(t, err)
		assert.Equal(t, "access-1", token)
	})

	t.Run("unsatisfied mandatory capability withholds token", func(t *testing.T) {
		m, s := newManager(t, &fakeRefresher{}, cache.NoopFamilies(), policy)
		seed(t, s, "email")

		token, err := m.GetValidTokenForScope(ctx, "acme:alice", "chat")
		require.NoError(t, err)
		assert.Empty(t, token)
	})

	t.Run("unsatisfied advisory capability proceeds", func(t *testing.T) {
		m, s := newManager(t, &fakeRefresher{}, cache.NoopFamilies(), policy)
		seed(t, s, "email")

		token, err := m.GetValidTokenForScope(ctx, "acme:alice", "files")
		require.NoError(t, err)
		assert.Equal(t, "access-1", token)
	})

	t.Run("unknown capability is mandatory", func(t *testing.T) {
		m, s := newManager(t, &fakeRefresher{}, cache.NoopFamilies(), policy)
		seed(t, s, "chat.full")

		token, err := m.GetValidTokenForScope(ctx, "acme:alice", "admin")
		require.NoError(t, err)
		assert.Empty(t, token)
	})
}

func TestGetStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("no record", func(t *testing.T) {
		m, _ := newManager(t, &fakeRefresher{}, cache.NoopFamilies(), nil)

		status, err := m.GetStatus(ctx, "acme:nobody")
		require.NoError(t, err)
		assert.False(t, status.HasCredential)
		assert.False(t, status.IsValid)
		assert.True(t, status.NeedsReauthorization)
	})

	t.Run("valid credential", func(t *testing.T) {
		m, s := newManager(t, &fakeRefresher{}, cache.NoopFamilies(), nil)

		require.NoError(t, s.Put(ctx, credential.Record{
			Identity:     "acme:alice",
			AccessToken:  "access-1",
			RefreshToken: "refresh-1",
			ExpiresAt:    futureExpiry(time.Hour),
		}))

		status, err := m.GetStatus(ctx, "acme:alice")
		require.NoError(t, err)
		assert.True(t, status.HasCredential)
		assert.True(t, status.IsValid)
		assert.False(t, status.NeedsReauthorization)
		assert.Greater(t, status.ExpiresInSeconds, int64(0))
	})

	t.Run("expiring with refresh token is retryable", func(t *testing.T) {
		m, s := newManager(t, &fakeRefresher{}, cache.NoopFamilies(), nil)

		require.NoError(t, s.Put(ctx, credential.Record{
			Identity:     "acme:alice",
			AccessToken:  "access-1",
			RefreshToken: "refresh-1",
			ExpiresAt:    futureExpiry(time.Minute),
		}))

		status, err := m.GetStatus(ctx, "acme:alice")
		require.NoError(t, err)
		assert.False(t, status.IsValid)
		assert.Equal(t, credential.ReasonExpiringSoon, status.Reason)
		assert.False(t, status.NeedsReauthorization)
	})

	t.Run("status is served from cache", func(t *testing.T) {
		families := memoryFamilies(t)
		m, s := newManager(t, &fakeRefresher{}, families, nil)

		require.NoError(t, s.Put(ctx, credential.Record{
			Identity:    "acme:alice",
			AccessToken: "access-1",
			ExpiresAt:   futureExpiry(time.Hour),
		}))

		first, err := m.GetStatus(ctx, "acme:alice")
		require.NoError(t, err)
		require.True(t, first.IsValid)

		// Mutating the store directly (no invalidation) must not show
		// through while the cached status lives.
		_, err = s.Delete(ctx, "acme:alice")
		require.NoError(t, err)

		second, err := m.GetStatus(ctx, "acme:alice")
		require.NoError(t, err)
		assert.True(t, second.IsValid, "cached status should still be served")

		m.InvalidateCache(ctx, "acme:alice")

		third, err := m.GetStatus(ctx, "acme:alice")
		require.NoError(t, err)
		assert.False(t, third.HasCredential)
	})
}

func TestHasValidCredential(t *testing.T) {
	ctx := context.Background()
	m, s := newManager(t, &fakeRefresher{}, cache.NoopFamilies(), nil)

	ok, err := m.HasValidCredential(ctx, "acme:alice")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, credential.Record{
		Identity:    "acme:alice",
		AccessToken: "access-1",
		ExpiresAt:   futureExpiry(time.Hour),
	}))

	ok, err = m.HasValidCredential(ctx, "acme:alice")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStoreCredential(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects missing identity", func(t *testing.T) {
		m, _ := newManager(t, &fakeRefresher{}, cache.NoopFamilies(), nil)

		err := m.StoreCredential(ctx, credential.Record{AccessToken: "access-1"})
		assert.Error(t, err)
	})

	t.Run("rejects missing access token", func(t *testing.T) {
		m, _ := newManager(t, &fakeRefresher{}, cache.NoopFamilies(), nil)

		err := m.StoreCredential(ctx, credential.Record{Identity: "acme:alice"})
		assert.Error(t, err)
	})

	t.Run("persists and invalidates caches", func(t *testing.T) {
		families := memoryFamilies(t)
		m, s := newManager(t, &fakeRefresher{}, families, nil)

		require.NoError(t, families.Status.Set(ctx, cache.StatusKey("acme:alice"),
			credential.Status{IsValid: false}, 0))

		require.NoError(t, m.StoreCredential(ctx, credential.Record{
			Identity:     "acme:alice",
			AccessToken:  "access-1",
			RefreshToken: "refresh-1",
			ExpiresAt:    futureExpiry(time.Hour),
		}))

		_, ok, err := families.Status.Get(ctx, cache.StatusKey("acme:alice"))
		require.NoError(t, err)
		assert.False(t, ok, "stale status entry must be invalidated by the write")

		stored, ok, err := s.Get(ctx, "acme:alice")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "access-1", stored.AccessToken)
		assert.Equal(t, "refresh-1", stored.RefreshToken)
	})
}

func TestDeleteCredential(t *testing.T) {
	ctx := context.Background()

	t.Run("revokes tokens and deletes record", func(t *testing.T) {
		testhelpers.SetupLogger(t)

		revoker := &fakeRevoker{}
		s := testhelpers.NewStore(t)
		m := manager.New(s, &fakeRefresher{}, revoker, cache.NoopFamilies(), nil, testConfig())

		require.NoError(t, s.Put(ctx, credential.Record{
			Identity:     "acme:alice",
			AccessToken:  "access-1",
			RefreshToken: "refresh-1",
		}))

		existed, err := m.DeleteCredential(ctx, "acme:alice")
		require.NoError(t, err)
		assert.True(t, existed)
		assert.Equal(t, []string{"refresh-1", "access-1"}, revoker.revoked)

		_, ok, err := s.Get(ctx, "acme:alice")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("revocation failure does not block deletion", func(t *testing.T) {
		testhelpers.SetupLogger(t)

		revoker := &fakeRevoker{err: errors.New("provider down")}
		s := testhelpers.NewStore(t)
		m := manager.New(s, &fakeRefresher{}, revoker, cache.NoopFamilies(), nil, testConfig())

		require.NoError(t, s.Put(ctx, credential.Record{
			Identity:    "acme:alice",
			AccessToken: "access-1",
		}))

		existed, err := m.DeleteCredential(ctx, "acme:alice")
		require.NoError(t, err)
		assert.True(t, existed)
	})

	t.Run("absent record reports not existed", func(t *testing.T) {
		m, _ := newManager(t, &fakeRefresher{}, cache.NoopFamilies(), nil)

		existed, err := m.DeleteCredential(ctx, "acme:nobody")
		require.NoError(t, err)
		assert.False(t, existed)
	})
}

func TestSessions(t *testing.T) {
	ctx := context.Background()
	families := memoryFamilies(t)
	m, _ := newManager(t, &fakeRefresher{}, families, nil)

	payload := json.RawMessage(`{"conversation":"c-123"}`)
	require.NoError(t, m.StoreSession(ctx, "acme:alice", payload))

	got, ok, err := m.Session(ctx, "acme:alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, string(payload), string(got))

	m.InvalidateCache(ctx, "acme:alice")

	_, ok, err = m.Session(ctx, "acme:alice")
	require.NoError(t, err)
	assert.False(t, ok, "session entries are invalidated with the credential")
}

func TestSweepExpired(t *testing.T) {
	ctx := context.Background()
	m, s := newManager(t, &fakeRefresher{}, cache.NoopFamilies(), nil)

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, s.Put(ctx, credential.Record{
		Identity:    "acme:stale",
		AccessToken: "access-1",
		ExpiresAt:   &old,
	}))
	require.NoError(t, s.Put(ctx, credential.Record{
		Identity:    "acme:fresh",
		AccessToken: "access-2",
		ExpiresAt:   futureExpiry(time.Hour),
	}))

	removed, err := m.SweepExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	_, ok, err := s.Get(ctx, "acme:fresh")
	require.NoError(t, err)
	assert.True(t, ok)
}
