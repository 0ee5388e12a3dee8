package credential_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/helmchat/credbridge/internal/credential"
)

var now = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func expiring(d time.Duration) *time.Time {
	t := now.Add(d)
	return &t
}

func TestValidate(t *testing.T) {
	buffer := 5 * time.Minute

	tests := []struct {
		name       string
		record     credential.Record
		wantValid  bool
		wantReason credential.Reason
	}{
		{
			name:       "no access token",
			record:     credential.Record{Identity: "t:u"},
			wantValid:  false,
			wantReason: credential.ReasonNoAccessToken,
		},
		{
			name:       "access token without expiry metadata",
			record:     credential.Record{Identity: "t:u", AccessToken: "t1"},
			wantValid:  false,
			wantReason: credential.ReasonUnknownExpiry,
		},
		{
			name: "inside refresh buffer",
			record: credential.Record{
				Identity: "t:u", AccessToken: "t1", ExpiresAt: expiring(time.Minute),
			},
			wantValid:  false,
			wantReason: credential.ReasonExpiringSoon,
		},
		{
			name: "one second inside buffer boundary",
			record: credential.Record{
				Identity: "t:u", AccessToken: "t1", ExpiresAt: expiring(buffer - time.Second),
			},
			wantValid:  false,
			wantReason: credential.ReasonExpiringSoon,
		},
		{
			name: "exactly at buffer boundary",
			record: credential.Record{
				Identity: "t:u", AccessToken: "t1", ExpiresAt: expiring(buffer),
			},
			wantValid: true,
		},
		{
			name: "one second outside buffer boundary",
			record: credential.Record{
				Identity: "t:u", AccessToken: "t1", ExpiresAt: expiring(buffer + time.Second),
			},
			wantValid: true,
		},
		{
			name: "already expired",
			record: credential.Record{
				Identity: "t:u", AccessToken: "t1", ExpiresAt: expiring(-time.Hour),
			},
			wantValid:  false,
			wantReason: credential.ReasonExpiringSoon,
		},
		{
			name: "comfortably valid",
			record: credential.Record{
				Identity: "t:u", AccessToken: "t1", ExpiresAt: expiring(time.Hour),
			},
			wantValid: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result := credential.Validate(tc.record, now, buffer)

			assert.Equal(t, tc.wantValid, result.Valid)
			assert.Equal(t, tc.wantReason, result.Reason)
		})
	}
}

func TestValidate_DeterministicAndNonMutating(t *testing.T) {
	record := credential.Record{
		Identity:     "t:u",
		AccessToken:  "t1",
		RefreshToken: "r1",
		ExpiresAt:    expiring(time.Hour),
		Scope:        "mail.read",
	}
	before := record

	first := credential.Validate(record, now, 0)
	second := credential.Validate(record, now, 0)

	assert.Equal(t, first, second)
	assert.Equal(t, before, record)
}

func TestValidate_ZeroBufferUsesDefault(t *testing.T) {
	record := credential.Record{
		Identity: "t:u", AccessToken: "t1",
		ExpiresAt: expiring(credential.DefaultRefreshBuffer - time.Second),
	}

	result := credential.Validate(record, now, 0)

	assert.False(t, result.Valid)
	assert.Equal(t, credential.ReasonExpiringSoon, result.Reason)
}

func TestStatusOf(t *testing.T) {
	buffer := 5 * time.Minute

	t.Run("no record", func(t *testing.T) {
		status := credential.StatusOf(credential.Record{}, false, now, buffer)

		assert.False(t, status.HasCredential)
		assert.False(t, status.IsValid)
		assert.True(t, status.NeedsReauthorization)
		assert.Equal(t, credential.ReasonNoAccessToken, status.Reason)
	})

	t.Run("valid record", func(t *testing.T) {
		record := credential.Record{
			Identity: "t:u", AccessToken: "t1", RefreshToken: "r1",
			ExpiresAt: expiring(time.Hour),
		}

		status := credential.StatusOf(record, true, now, buffer)

		assert.True(t, status.HasCredential)
		assert.True(t, status.IsValid)
		assert.False(t, status.NeedsReauthorization)
		assert.Equal(t, int64(3600), status.ExpiresInSeconds)
	})

	t.Run("expiring with refresh token is transient", func(t *testing.T) {
		record := credential.Record{
			Identity: "t:u", AccessToken: "t1", RefreshToken: "r1",
			ExpiresAt: expiring(time.Minute),
		}

		status := credential.StatusOf(record, true, now, buffer)

		assert.True(t, status.HasCredential)
		assert.False(t, status.IsValid)
		assert.False(t, status.NeedsReauthorization)
		assert.Equal(t, credential.ReasonExpiringSoon, status.Reason)
	})

	t.Run("expiring without refresh token needs reauthorization", func(t *testing.T) {
		record := credential.Record{
			Identity: "t:u", AccessToken: "t1",
			ExpiresAt: expiring(time.Minute),
		}

		status := credential.StatusOf(record, true, now, buffer)

		assert.False(t, status.IsValid)
		assert.True(t, status.NeedsReauthorization)
		assert.Equal(t, credential.ReasonNoRefreshToken, status.Reason)
	})

	t.Run("expired token clamps remaining lifetime at zero", func(t *testing.T) {
		record := credential.Record{
			Identity: "t:u", AccessToken: "t1", RefreshToken: "r1",
			ExpiresAt: expiring(-time.Hour),
		}

		status := credential.StatusOf(record, true, now, buffer)

		assert.Equal(t, int64(0), status.ExpiresInSeconds)
	})
}
