// Package cache provides the best-effort key/value layer in front of the
// credential store. The cache is an optimization, not a dependency: every
// caller must behave correctly (just slower) when it is absent or failing,
// and no cached value is trusted without re-validation.
package cache

import (
	"context"
	"time"
)

// Cache is the contract shared by all cache implementations.
type Cache[T any] interface {
	// Get retrieves a value from the cache.
	// Returns the value, whether it was found, and any error.
	Get(ctx context.Context, key string) (T, bool, error)

	// Set stores a value with the given TTL. A non-positive TTL falls back
	// to the implementation's default.
	Set(ctx context.Context, key string, value T, ttl time.Duration) error

	// Invalidate removes a value from the cache.
	Invalidate(ctx context.Context, key string) error
}

// Key family prefixes. Every cache entry derived from a credential record
// lives under one of these, so invalidation for an identity can be complete.
const (
	tokenKeyPrefix   = "token:"
	statusKeyPrefix  = "status:"
	sessionKeyPrefix = "session:"
)

// TokenKey returns the token-family cache key for an identity.
func TokenKey(identity string) string {
	return tokenKeyPrefix + identity
}

// StatusKey returns the status-family cache key for an identity.
func StatusKey(identity string) string {
	return statusKeyPrefix + identity
}

// SessionKey returns the session-family cache key for an identity.
func SessionKey(identity string) string {
	return sessionKeyPrefix + identity
}
