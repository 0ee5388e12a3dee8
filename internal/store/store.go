// Package store persists credential records, one per identity. It is the
// single source of truth: every cache entry is a disposable view of what this
// package holds. Refresh tokens are ciphertext at rest, never plaintext.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/helmchat/credbridge/internal/credential"
	"github.com/helmchat/credbridge/internal/encryption"
)

// credentialRow is the persistence shape of a credential record.
type credentialRow struct {
	Identity               string `gorm:"primaryKey"`
	AccessToken            string
	RefreshTokenCiphertext string
	ExpiresAt              *time.Time
	Scope                  string
	ProviderData           string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

func (credentialRow) TableName() string {
	return "credentials"
}

// Store provides durable credential persistence backed by GORM.
type Store struct {
	db  *gorm.DB
	box *encryption.SecretBox
}

// Open opens (creating if necessary) the SQLite database at path and runs
// schema migration.
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("opening credential database: %w", err)
	}

	if err := db.AutoMigrate(&credentialRow{}); err != nil {
		return nil, fmt.Errorf("migrating credential schema: %w", err)
	}

	if zerolog.GlobalLevel() > zerolog.DebugLevel {
		db.Logger = db.Logger.LogMode(0) // silent
	}

	return db, nil
}

// Close closes the underlying database connection.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func New(db *gorm.DB, box *encryption.SecretBox) *Store {
	return &Store{db: db, box: box}
}

// Put upserts the record for rec.Identity. The refresh token is encrypted
// before persisting; if encryption fails, nothing is written (no plaintext
// fallback). Callers are responsible for invalidating caches around this
// mutation.
func (s *Store) Put(ctx context.Context, rec credential.Record) error {
	if rec.Identity == "" {
		return fmt.Errorf("credential record requires an identity")
	}

	row := credentialRow{
		Identity:    rec.Identity,
		AccessToken: rec.AccessToken,
		ExpiresAt:   rec.ExpiresAt,
		Scope:       rec.Scope,
	}

	if rec.RefreshToken != "" {
		ciphertext, err := s.box.EncryptString(rec.RefreshToken, rec.Identity)
		if err != nil {
			return fmt.Errorf("encrypting refresh token for %s: %w", rec.Identity, err)
		}
		row.RefreshTokenCiphertext = ciphertext
	}

	if len(rec.ProviderData) > 0 {
		data, err := json.Marshal(rec.ProviderData)
		if err != nil {
			return fmt.Errorf("marshalling provider data for %s: %w", rec.Identity, err)
		}
		row.ProviderData = string(data)
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "identity"}},
			UpdateAll: true,
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("persisting credential for %s: %w", rec.Identity, err)
	}

	return nil
}

// Get loads the record for an identity. The second return value is false when
// no record exists. A refresh token that fails to decrypt is dropped from the
// returned record with a warning: a damaged secret degrades to "needs
// re-authorization", it does not fail the read.
func (s *Store) Get(ctx context.Context, identity string) (credential.Record, bool, error) {
	var row credentialRow
	err := s.db.WithContext(ctx).First(&row, "identity = ?", identity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credential.Record{}, false, nil
		}
		return credential.Record{}, false, fmt.Errorf("loading credential for %s: %w", identity, err)
	}

	rec := credential.Record{
		Identity:    row.Identity,
		AccessToken: row.AccessToken,
		ExpiresAt:   row.ExpiresAt,
		Scope:       row.Scope,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}

	if row.RefreshTokenCiphertext != "" {
		plaintext, err := s.box.DecryptString(row.RefreshTokenCiphertext, identity)
		if err != nil {
			log.Warn().Err(err).Str("identity", identity).
				Msg("stored refresh token could not be decrypted; treating as absent")
		} else {
			rec.RefreshToken = plaintext
		}
	}

	if row.ProviderData != "" {
		if err := json.Unmarshal([]byte(row.ProviderData), &rec.ProviderData); err != nil {
			log.Warn().Err(err).Str("identity", identity).
				Msg("stored provider data could not be parsed; dropping")
		}
	}

	return rec, true, nil
}

// Delete removes the record for an identity, reporting whether one existed.
func (s *Store) Delete(ctx context.Context, identity string) (bool, error) {
	result := s.db.WithContext(ctx).Delete(&credentialRow{}, "identity = ?", identity)
	if result.Error != nil {
		return false, fmt.Errorf("deleting credential for %s: %w", identity, result.Error)
	}

	return result.RowsAffected > 0, nil
}

// ClearRefreshToken removes the stored refresh token for an identity, leaving
// the rest of the record intact. Used after a terminal refresh failure so
// future calls short-circuit to "needs re-authorization" instead of retrying
// a token the provider has permanently rejected.
func (s *Store) ClearRefreshToken(ctx context.Context, identity string) error {
	err := s.db.WithContext(ctx).
		Model(&credentialRow{}).
		Where("identity = ?", identity).
		Update("refresh_token_ciphertext", "").Error
	if err != nil {
		return fmt.Errorf("clearing refresh token for %s: %w", identity, err)
	}

	return nil
}

// DeleteExpired removes records whose expiry is older than the grace period.
// Housekeeping only: correctness never depends on this running.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time, grace time.Duration) (int64, error) {
	cutoff := now.Add(-grace)

	result := s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at < ?", cutoff).
		Delete(&credentialRow{})
	if result.Error != nil {
		return 0, fmt.Errorf("sweeping expired credentials: %w", result.Error)
	}

	return result.RowsAffected, nil
}
