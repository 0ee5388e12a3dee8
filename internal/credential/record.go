// Package credential defines the credential record and the pure validation
// policy applied to it. Nothing here performs I/O: storage, caching and
// refresh live elsewhere and consume these types.
package credential

import (
	"strings"
	"time"
)

// Record is the durable credential state for one identity. The identity is an
// opaque compound key (conventionally "{tenant}:{user}") and is immutable for
// the life of the record. The access token is replaced wholesale on refresh;
// the refresh token is replaced only when the provider rotates it.
type Record struct {
	Identity     string
	AccessToken  string
	RefreshToken string

	// ExpiresAt is absent for tokens with no expiry metadata. Absence is
	// treated as "needs refresh", not "valid forever": missing expiry usually
	// indicates a prior storage bug rather than a non-expiring token.
	ExpiresAt *time.Time

	// Scope is the space-delimited capability string reported by the provider.
	Scope string

	// ProviderData carries provider-specific fields that this service stores
	// but does not interpret.
	ProviderData map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasAccessToken reports whether the record holds a bearer credential. A
// record without one is treated identically to "no record".
func (r Record) HasAccessToken() bool {
	return r.AccessToken != ""
}

// HasRefreshToken reports whether the record can be refreshed.
func (r Record) HasRefreshToken() bool {
	return r.RefreshToken != ""
}

// Scopes splits the scope string into individual scope values.
func (r Record) Scopes() []string {
	return strings.Fields(r.Scope)
}

// HasScope reports whether the record's scope contains the given value.
func (r Record) HasScope(scope string) bool {
	for _, s := range r.Scopes() {
		if s == scope {
			return true
		}
	}
	return false
}
