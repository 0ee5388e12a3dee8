package cache

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tink-crypto/tink-go/v2/tink"
	"github.com/valkey-io/valkey-go"

	"github.com/helmchat/credbridge/internal/config"
)

// NewFromConfig creates a cache implementation based on the provided
// configuration. The cache type must be "memory", "valkey" or "none"; the
// aead parameter is only consulted when cache value encryption is enabled.
func NewFromConfig[T any](
	ctx context.Context,
	cacheConfig config.CacheConfig,
	defaultTTL time.Duration,
	aead tink.AEAD,
) (Cache[T], error) {
	switch cacheConfig.Type {
	case "valkey":
		log.Info().
			Str("cache_type", "valkey").
			Str("address", cacheConfig.Valkey.Address).
			Bool("tls", cacheConfig.Valkey.TLS).
			Bool("encryption", cacheConfig.Encryption.Enabled).
			Msg("initializing distributed cache")

		if cacheConfig.Valkey.Address == "" {
			return nil, fmt.Errorf("valkey address is required when cache type is valkey")
		}

		valkeyOpts := valkey.ClientOption{
			InitAddress: []string{cacheConfig.Valkey.Address},
			AuthCredentialsFn: StaticCredentialsFn(
				cacheConfig.Valkey.Username,
				cacheConfig.Valkey.Password,
			),
		}

		if cacheConfig.Valkey.TLS {
			valkeyOpts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}

		client, err := valkey.NewClient(valkeyOpts)
		if err != nil {
			return nil, fmt.Errorf("creating valkey client: %w", err)
		}

		var strategy EncryptionStrategy = &NoEncryptionStrategy{}
		if cacheConfig.Encryption.Enabled {
			if aead == nil {
				return nil, fmt.Errorf("cache encryption enabled but no AEAD available")
			}
			strategy = NewAEADStrategy(aead)
		}

		distributed, err := NewDistributed[T](client, defaultTTL, strategy)
		if err != nil {
			return nil, fmt.Errorf("creating distributed cache: %w", err)
		}

		return NewInstrumented[T](distributed, "valkey"), nil

	case "memory":
		log.Info().
			Str("cache_type", "memory").
			Int("max_entries", cacheConfig.MaxEntries).
			Msg("initializing in-memory cache")

		memory, err := NewMemory[T](defaultTTL, cacheConfig.MaxEntries)
		if err != nil {
			return nil, fmt.Errorf("creating memory cache: %w", err)
		}

		return NewInstrumented[T](memory, "memory"), nil

	case "none":
		log.Info().Msg("caching disabled; using no-op cache")

		return NewNoop[T](), nil

	default:
		return nil, fmt.Errorf("unknown cache type %q: must be memory, valkey or none", cacheConfig.Type)
	}
}
