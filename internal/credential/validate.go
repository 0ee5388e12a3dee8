package credential

import "time"

// DefaultRefreshBuffer is the lead time before expiry at which a token is
// proactively treated as invalid, forcing an early refresh.
const DefaultRefreshBuffer = 5 * time.Minute

// Reason explains why a record failed validation, and doubles as the
// machine-readable reason in status summaries.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonNoAccessToken  Reason = "no_access_token"
	ReasonUnknownExpiry  Reason = "unknown_expiry_needs_refresh"
	ReasonExpiringSoon   Reason = "expiring_soon"
	ReasonNoRefreshToken Reason = "no_refresh_token"
)

// NeedsReauthorization reports whether the reason indicates the user must
// reconnect their account, as opposed to a condition a refresh (or a retry)
// can repair. Conflating the two is the classic bug in this subsystem: a
// transient provider hiccup must never surface as "please reconnect".
func (r Reason) NeedsReauthorization() bool {
	return r == ReasonNoAccessToken || r == ReasonNoRefreshToken
}

// Result is the outcome of validating a record at a point in time.
type Result struct {
	Valid  bool
	Reason Reason
}

// Validate decides whether a record is currently usable. It is deterministic
// for a fixed now and never mutates the record.
//
// Rules, in order: no access token is invalid; an access token without expiry
// metadata is invalid (never assume indefinite validity when the metadata is
// simply missing); a token inside the refresh buffer is invalid; anything
// else is valid. A non-positive buffer falls back to DefaultRefreshBuffer.
func Validate(r Record, now time.Time, buffer time.Duration) Result {
	if buffer <= 0 {
		buffer = DefaultRefreshBuffer
	}

	if !r.HasAccessToken() {
		return Result{Valid: false, Reason: ReasonNoAccessToken}
	}

	if r.ExpiresAt == nil {
		return Result{Valid: false, Reason: ReasonUnknownExpiry}
	}

	if r.ExpiresAt.Sub(now) < buffer {
		return Result{Valid: false, Reason: ReasonExpiringSoon}
	}

	return Result{Valid: true}
}

// Status is the summarized health view of an identity's credential, served
// from the status cache family.
type Status struct {
	HasCredential bool   `json:"hasCredential"`
	IsValid       bool   `json:"isValid"`
	Reason        Reason `json:"reason,omitempty"`

	// NeedsReauthorization distinguishes "reconnect your account" from
	// "temporarily unavailable, retry".
	NeedsReauthorization bool `json:"needsReauthorization"`

	// ExpiresInSeconds is the remaining access token lifetime, clamped at
	// zero; zero also when no expiry metadata exists.
	ExpiresInSeconds int64 `json:"expiresInSeconds"`
}

// StatusOf summarizes a record. The ok parameter is false when no record
// exists for the identity.
func StatusOf(r Record, ok bool, now time.Time, buffer time.Duration) Status {
	if !ok || !r.HasAccessToken() {
		reason := ReasonNoAccessToken
		return Status{
			HasCredential:        false,
			Reason:               reason,
			NeedsReauthorization: true,
		}
	}

	res := Validate(r, now, buffer)

	status := Status{
		HasCredential: true,
		IsValid:       res.Valid,
		Reason:        res.Reason,
	}

	if r.ExpiresAt != nil {
		if remaining := int64(r.ExpiresAt.Sub(now).Seconds()); remaining > 0 {
			status.ExpiresInSeconds = remaining
		}
	}

	// An invalid record without a refresh token cannot self-repair: the user
	// must reauthorize. With a refresh token present the condition is
	// transient from the caller's point of view.
	if !res.Valid && !r.HasRefreshToken() {
		status.Reason = ReasonNoRefreshToken
		status.NeedsReauthorization = true
	}

	return status
}
