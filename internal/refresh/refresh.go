// Package refresh coordinates exchanging refresh tokens for new access
// tokens. It owns the invalidate-then-mutate-then-repopulate ordering around
// the credential store, the terminal/transient failure split, and the
// per-identity single-flight guarantee: at most one provider call is in
// flight for an identity at a time.
package refresh

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/helmchat/credbridge/internal/audit"
	"github.com/helmchat/credbridge/internal/cache"
	"github.com/helmchat/credbridge/internal/credential"
	"github.com/helmchat/credbridge/internal/provider"
)

// CredentialStore is the subset of the store the orchestrator mutates.
type CredentialStore interface {
	Get(ctx context.Context, identity string) (credential.Record, bool, error)
	Put(ctx context.Context, rec credential.Record) error
	ClearRefreshToken(ctx context.Context, identity string) error
}

// TokenExchanger performs the provider-side refresh exchange.
type TokenExchanger interface {
	ExchangeRefreshToken(ctx context.Context, refreshToken string) (provider.Token, error)
}

// Orchestrator refreshes credentials and keeps store and caches consistent.
type Orchestrator struct {
	store     CredentialStore
	exchanger TokenExchanger
	caches    cache.Families
	tokenTTL  time.Duration
	group     singleflight.Group
}

func New(store CredentialStore, exchanger TokenExchanger, caches cache.Families, tokenTTL time.Duration) *Orchestrator {
	return &Orchestrator{
		store:     store,
		exchanger: exchanger,
		caches:    caches,
		tokenTTL:  tokenTTL,
	}
}

// Refresh exchanges the stored refresh token for a new access token and
// persists the result. It returns nil without error when no refresh is
// possible: no record, no refresh token, or a provider failure (terminal
// failures additionally clear the stored refresh token so future calls
// short-circuit to "needs re-authorization"). An error is returned only for
// storage trouble, which callers must distinguish from "no valid token".
//
// Concurrent callers for the same identity share one in-flight exchange
// instead of each calling the provider; this also closes the
// refresh-token-rotation race where a provider invalidates the old refresh
// token the moment it issues a new one.
func (o *Orchestrator) Refresh(ctx context.Context, identity string) (*credential.Record, error) {
	v, err, shared := o.group.Do(identity, func() (any, error) {
		return o.refresh(ctx, identity)
	})
	if err != nil {
		return nil, err
	}

	if shared {
		log.Debug().Str("identity", identity).Msg("refresh result shared with concurrent caller")
	}

	rec, _ := v.(*credential.Record)
	return rec, nil
}

func (o *Orchestrator) refresh(ctx context.Context, identity string) (*credential.Record, error) {
	// Invalidate before mutating: a concurrent reader must miss the cache
	// and fall through to storage rather than trust an entry that is about
	// to be replaced.
	o.caches.InvalidateIdentity(ctx, identity)

	rec, ok, err := o.store.Get(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("loading credential before refresh: %w", err)
	}

	if !ok || !rec.HasRefreshToken() {
		audit.RecordRefresh(ctx, identity, audit.RefreshNoRefreshToken, "")
		return nil, nil
	}

	tok, err := o.exchanger.ExchangeRefreshToken(ctx, rec.RefreshToken)
	if err != nil {
		return nil, o.handleExchangeFailure(ctx, identity, err)
	}

	updated := rec
	updated.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		updated.RefreshToken = tok.RefreshToken
	}
	if tok.ExpiresAt.IsZero() {
		updated.ExpiresAt = nil
	} else {
		expiry := tok.ExpiresAt
		updated.ExpiresAt = &expiry
	}
	if tok.Scope != "" {
		updated.Scope = tok.Scope
	}

	if err := o.store.Put(ctx, updated); err != nil {
		return nil, fmt.Errorf("persisting refreshed credential: %w", err)
	}

	// Repair: drop every derived entry, then prime the token family so the
	// very next read is a cache hit.
	o.caches.InvalidateIdentity(ctx, identity)
	if err := o.caches.Token.Set(ctx, cache.TokenKey(identity), updated, o.tokenTTL); err != nil {
		log.Warn().Err(err).Str("identity", identity).
			Msg("failed to prime token cache after refresh; next read will hit storage")
	}

	audit.RecordRefresh(ctx, identity, audit.RefreshSuccess, "")
	log.Info().Str("identity", identity).Msg("credential refreshed")

	return &updated, nil
}

// handleExchangeFailure applies the terminal/transient split. A terminal
// rejection clears the stored refresh token; a transient failure leaves the
// record untouched. Neither is surfaced as an error: the caller sees "no
// token right now", and the status reason carries the distinction.
func (o *Orchestrator) handleExchangeFailure(ctx context.Context, identity string, err error) error {
	if provider.IsTerminal(err) {
		log.Warn().Err(err).Str("identity", identity).
			Msg("refresh token permanently rejected; clearing stored refresh token")

		if clearErr := o.store.ClearRefreshToken(ctx, identity); clearErr != nil {
			log.Error().Err(clearErr).Str("identity", identity).
				Msg("failed to clear rejected refresh token")
		}
		o.caches.InvalidateIdentity(ctx, identity)

		audit.RecordRefresh(ctx, identity, audit.RefreshTerminalFailure, err.Error())
		return nil
	}

	log.Warn().Err(err).Str("identity", identity).
		Msg("transient refresh failure; stored credential untouched")

	audit.RecordRefresh(ctx, identity, audit.RefreshTransientFailure, err.Error())
	return nil
}
