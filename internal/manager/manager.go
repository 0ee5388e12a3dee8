// Package manager is the façade over credential storage, caching, validation
// and refresh. Handlers talk to the manager only; the manager owns the
// read-through/validate/refresh flow and the cache consistency rules around
// every mutation.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/helmchat/credbridge/internal/audit"
	"github.com/helmchat/credbridge/internal/cache"
	"github.com/helmchat/credbridge/internal/credential"
)

// CredentialStore is the persistence surface the manager requires.
type CredentialStore interface {
	Get(ctx context.Context, identity string) (credential.Record, bool, error)
	Put(ctx context.Context, rec credential.Record) error
	Delete(ctx context.Context, identity string) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time, grace time.Duration) (int64, error)
}

// Refresher exchanges a stored refresh token for a new credential. A nil
// record without error means no token could be obtained.
type Refresher interface {
	Refresh(ctx context.Context, identity string) (*credential.Record, error)
}

// Revoker revokes a token at the provider. Best effort.
type Revoker interface {
	Revoke(ctx context.Context, token string) error
}

// Config carries the manager's timing knobs.
type Config struct {
	// RefreshBuffer is the lead time before expiry at which a token is
	// treated as invalid. Non-positive falls back to the validation default.
	RefreshBuffer time.Duration

	TokenTTL   time.Duration
	StatusTTL  time.Duration
	SessionTTL time.Duration

	// StatusNegativeTTL bounds how long a "not valid" status is served from
	// cache; shorter than StatusTTL so recovery is observed promptly.
	StatusNegativeTTL time.Duration

	// SweepGrace is how long past expiry a record is kept before the sweeper
	// removes it.
	SweepGrace time.Duration
}

// Manager coordinates the credential lifecycle for all identities.
type Manager struct {
	store     CredentialStore
	refresher Refresher
	revoker   Revoker
	caches    cache.Families
	policy    credential.Policy
	cfg       Config

	now func() time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock substitutes the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func New(store CredentialStore, refresher Refresher, revoker Revoker,
	caches cache.Families, policy credential.Policy, cfg Config, opts ...Option,
) *Manager {
	m := &Manager{
		store:     store,
		refresher: refresher,
		revoker:   revoker,
		caches:    caches,
		policy:    policy,
		cfg:       cfg,
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// GetValidToken returns a currently-valid access token for the identity, or
// the empty string when none can be produced (no credential, or refresh not
// possible right now). An error is returned only for storage failures.
func (m *Manager) GetValidToken(ctx context.Context, identity string) (string, error) {
	rec, err := m.validRecord(ctx, identity)
	if err != nil || rec == nil {
		return "", err
	}

	return rec.AccessToken, nil
}

// GetValidTokenForScope returns a valid access token whose granted scope
// satisfies the named capability. A mandatory capability that is not
// satisfied withholds the token; an advisory one logs and proceeds.
func (m *Manager) GetValidTokenForScope(ctx context.Context, identity, capability string) (string, error) {
	rec, err := m.validRecord(ctx, identity)
	if err != nil || rec == nil {
		return "", err
	}

	if m.policy.Satisfied(*rec, capability) {
		return rec.AccessToken, nil
	}

	if m.policy.Mandatory(capability) {
		log.Warn().
			Str("identity", identity).
			Str("capability", capability).
			Msg("token withheld: granted scope does not satisfy mandatory capability")
		return "", nil
	}

	log.Warn().
		Str("identity", identity).
		Str("capability", capability).
		Msg("granted scope does not satisfy advisory capability; proceeding")

	return rec.AccessToken, nil
}

// HasValidCredential reports whether the identity currently holds a valid
// credential, without triggering a refresh.
func (m *Manager) HasValidCredential(ctx context.Context, identity string) (bool, error) {
	status, err := m.GetStatus(ctx, identity)
	if err != nil {
		return false, err
	}
	return status.IsValid, nil
}

// GetStatus returns the summarized credential health for an identity, served
// read-through from the status cache. Invalid statuses are cached for a
// shorter period so recovery shows up promptly.
func (m *Manager) GetStatus(ctx context.Context, identity string) (credential.Status, error) {
	key := cache.StatusKey(identity)

	if cached, ok, err := m.caches.Status.Get(ctx, key); err != nil {
		log.Warn().Err(err).Str("identity", identity).Msg("status cache read failed; falling back to storage")
	} else if ok {
		return cached, nil
	}

	rec, ok, err := m.store.Get(ctx, identity)
	if err != nil {
		return credential.Status{}, err
	}

	status := credential.StatusOf(rec, ok, m.now(), m.cfg.RefreshBuffer)

	ttl := m.cfg.StatusTTL
	if !status.IsValid {
		ttl = m.cfg.StatusNegativeTTL
	}

	if err := m.caches.Status.Set(ctx, key, status, ttl); err != nil {
		log.Warn().Err(err).Str("identity", identity).Msg("status cache write failed; proceeding")
	}

	return status, nil
}

// InvalidateCache drops every cached entry for the identity across all key
// families. The stored record is untouched.
func (m *Manager) InvalidateCache(ctx context.Context, identity string) {
	m.caches.InvalidateIdentity(ctx, identity)
}

// StoreCredential persists a credential delivered by an external
// authorization flow, replacing any existing record for the identity.
func (m *Manager) StoreCredential(ctx context.Context, rec credential.Record) error {
	if rec.Identity == "" {
		return fmt.Errorf("credential requires an identity")
	}
	if !rec.HasAccessToken() {
		return fmt.Errorf("credential for %s requires an access token", rec.Identity)
	}

	// Invalidate on both sides of the write so no reader can pin a stale
	// entry across the mutation.
	m.caches.InvalidateIdentity(ctx, rec.Identity)

	if err := m.store.Put(ctx, rec); err != nil {
		audit.RecordEvent(ctx, audit.KindStore, rec.Identity, false, err.Error())
		return err
	}

	m.caches.InvalidateIdentity(ctx, rec.Identity)

	audit.RecordEvent(ctx, audit.KindStore, rec.Identity, true, "")
	log.Info().Str("identity", rec.Identity).Msg("credential stored")

	return nil
}

// DeleteCredential removes the identity's credential, reporting whether one
// existed. Tokens are revoked at the provider on a best-effort basis first:
// revocation failure never blocks deletion.
func (m *Manager) DeleteCredential(ctx context.Context, identity string) (bool, error) {
	rec, ok, err := m.store.Get(ctx, identity)
	if err != nil {
		return false, err
	}

	if ok {
		m.revokeTokens(ctx, identity, rec)
	}

	m.caches.InvalidateIdentity(ctx, identity)

	existed, err := m.store.Delete(ctx, identity)
	if err != nil {
		audit.RecordEvent(ctx, audit.KindDelete, identity, false, err.Error())
		return false, err
	}

	m.caches.InvalidateIdentity(ctx, identity)

	audit.RecordEvent(ctx, audit.KindDelete, identity, true, "")
	log.Info().Str("identity", identity).Bool("existed", existed).Msg("credential deleted")

	return existed, nil
}

func (m *Manager) revokeTokens(ctx context.Context, identity string, rec credential.Record) {
	for _, token := range []string{rec.RefreshToken, rec.AccessToken} {
		if token == "" {
			continue
		}
		if err := m.revoker.Revoke(ctx, token); err != nil {
			log.Warn().Err(err).Str("identity", identity).
				Msg("provider revocation failed; proceeding with deletion")
			audit.RecordEvent(ctx, audit.KindRevoke, identity, false, err.Error())
			return
		}
	}

	audit.RecordEvent(ctx, audit.KindRevoke, identity, true, "")
}

// StoreSession caches an opaque session payload for the identity. The session
// family is invalidated together with the credential it derives from.
func (m *Manager) StoreSession(ctx context.Context, identity string, payload json.RawMessage) error {
	return m.caches.Session.Set(ctx, cache.SessionKey(identity), payload, m.cfg.SessionTTL)
}

// Session retrieves the cached session payload for the identity.
func (m *Manager) Session(ctx context.Context, identity string) (json.RawMessage, bool, error) {
	return m.caches.Session.Get(ctx, cache.SessionKey(identity))
}

// SweepExpired removes records whose expiry is past the configured grace
// period, returning the number removed.
func (m *Manager) SweepExpired(ctx context.Context) (int64, error) {
	return m.store.DeleteExpired(ctx, m.now(), m.cfg.SweepGrace)
}

// validRecord implements the read path: cached record if still valid,
// otherwise storage, otherwise a refresh. A nil record without error means no
// valid token is available.
func (m *Manager) validRecord(ctx context.Context, identity string) (*credential.Record, error) {
	key := cache.TokenKey(identity)
	now := m.now()

	// Cached entries are re-validated on every read: a hit is only a hit
	// while the underlying token is still outside the refresh buffer.
	if cached, ok, err := m.caches.Token.Get(ctx, key); err != nil {
		log.Warn().Err(err).Str("identity", identity).Msg("token cache read failed; falling back to storage")
	} else if ok {
		if credential.Validate(cached, now, m.cfg.RefreshBuffer).Valid {
			return &cached, nil
		}
		m.caches.InvalidateIdentity(ctx, identity)
	}

	rec, ok, err := m.store.Get(ctx, identity)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	res := credential.Validate(rec, now, m.cfg.RefreshBuffer)
	if res.Valid {
		if err := m.caches.Token.Set(ctx, key, rec, m.cfg.TokenTTL); err != nil {
			log.Warn().Err(err).Str("identity", identity).Msg("token cache write failed; proceeding")
		}
		return &rec, nil
	}

	if !rec.HasRefreshToken() {
		log.Debug().Str("identity", identity).Str("reason", string(res.Reason)).
			Msg("credential invalid and not refreshable")
		return nil, nil
	}

	refreshed, err := m.refresher.Refresh(ctx, identity)
	if err != nil {
		return nil, err
	}

	return refreshed, nil
}
