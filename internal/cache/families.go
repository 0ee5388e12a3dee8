package cache

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/helmchat/credbridge/internal/credential"
)

// Families groups the three cache key families derived from a credential
// record: the denormalized token entry, the summarized status entry, and the
// coarser session entry that may also embed token data. They are grouped so
// a mutation can invalidate all of them in lock-step — no entry derived from
// a record may outlive that record's validity.
type Families struct {
	Token   Cache[credential.Record]
	Status  Cache[credential.Status]
	Session Cache[json.RawMessage]
}

// NoopFamilies returns a Families with no-op members, for wiring a service
// with caching disabled and for tests.
func NoopFamilies() Families {
	return Families{
		Token:   NewNoop[credential.Record](),
		Status:  NewNoop[credential.Status](),
		Session: NewNoop[json.RawMessage](),
	}
}

// InvalidateIdentity removes every cache entry for an identity across all
// three families. Errors are logged and absorbed: invalidation is best
// effort, and correctness is preserved by callers re-validating anything
// they read from the cache.
func (f Families) InvalidateIdentity(ctx context.Context, identity string) {
	report := func(name string, err error) {
		if err != nil {
			log.Warn().Err(err).
				Str("identity", identity).
				Str("family", name).
				Msg("cache invalidation failed; proceeding")
		}
	}

	report("token", f.Token.Invalidate(ctx, TokenKey(identity)))
	report("status", f.Status.Invalidate(ctx, StatusKey(identity)))
	report("session", f.Session.Invalidate(ctx, SessionKey(identity)))
}
