package config

import (
	"context"
	"fmt"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Authorization AuthorizationConfig
	Cache         CacheConfig
	Capability    CapabilityConfig
	Encryption    EncryptionConfig
	Observe       ObserveConfig
	Provider      ProviderConfig
	Server        ServerConfig
	Store         StoreConfig
}

type ServerConfig struct {
	Port                   int `env:"SERVER_PORT, default=8080"`
	ShutdownTimeoutSeconds int `env:"SERVER_SHUTDOWN_TIMEOUT_SECS, default=25"`

	OutgoingHTTPMaxIdleConns    int `env:"SERVER_OUTGOING_MAX_IDLE_CONNS, default=100"`
	OutgoingHTTPMaxConnsPerHost int `env:"SERVER_OUTGOING_MAX_CONNS_PER_HOST, default=20"`
}

// StoreConfig specifies credential store configuration.
type StoreConfig struct {
	// Path is the SQLite database file location.
	Path string `env:"STORE_DB_PATH, default=credbridge.db"`

	// SweepEnabled turns on the background sweep of records well past their
	// expiry. The sweep is housekeeping only: correctness never depends on it.
	SweepEnabled         bool `env:"STORE_SWEEP_ENABLED, default=false"`
	SweepIntervalSeconds int  `env:"STORE_SWEEP_INTERVAL_SECS, default=3600"`
	SweepGraceSeconds    int  `env:"STORE_SWEEP_GRACE_SECS, default=2592000"`
}

// CacheConfig specifies cache configuration.
type CacheConfig struct {
	// Type selects the cache implementation: "memory" (default), "valkey" or
	// "none". The service is correct (just slower) with caching disabled.
	Type string `env:"CACHE_TYPE, default=memory"`

	// MaxEntries bounds the in-memory cache size.
	MaxEntries int `env:"CACHE_MAX_ENTRIES, default=10000"`

	// TTLs for the cache key families. A known-bad status is trusted for a
	// shorter period than a good one.
	TokenTTLSeconds          int `env:"CACHE_TOKEN_TTL_SECS, default=300"`
	StatusTTLSeconds         int `env:"CACHE_STATUS_TTL_SECS, default=300"`
	StatusNegativeTTLSeconds int `env:"CACHE_STATUS_NEGATIVE_TTL_SECS, default=60"`
	SessionTTLSeconds        int `env:"CACHE_SESSION_TTL_SECS, default=1800"`

	// Valkey holds distributed cache settings.
	Valkey ValkeyConfig

	// Encryption holds cache value encryption settings.
	// Only supported with the valkey cache type.
	Encryption CacheEncryptionConfig
}

// ValkeyConfig specifies distributed cache configuration.
type ValkeyConfig struct {
	// Address is the Valkey server address (host:port).
	Address string `env:"VALKEY_ADDRESS"`

	// TLS enables TLS connection to Valkey. Defaults to true so the secure
	// option is the default.
	TLS bool `env:"VALKEY_TLS, default=true"`

	// Username for Valkey authentication.
	Username string `env:"VALKEY_USERNAME"`

	// Password for Valkey authentication.
	Password string `env:"VALKEY_PASSWORD"`
}

// CacheEncryptionConfig holds settings for encrypting cached values. Cached
// token entries are a denormalized copy of the credential record, so a shared
// cache deployment can opt in to the same at-rest protection the store has.
type CacheEncryptionConfig struct {
	// Enabled turns on encryption for cached values.
	// Requires CACHE_TYPE=valkey.
	Enabled bool `env:"CACHE_ENCRYPTION_ENABLED, default=false"`
}

// EncryptionConfig specifies where the AEAD keyset protecting refresh tokens
// at rest comes from. Exactly one source must be configured.
type EncryptionConfig struct {
	// KeysetURI is the URI to the encrypted Tink keyset.
	// Format: aws-secretsmanager://secret-name
	KeysetURI string `env:"ENCRYPTION_KEYSET_URI"`

	// KMSEnvelopeKeyURI is the AWS KMS key URI for envelope encryption.
	// Format: aws-kms://arn:aws:kms:region:account:key/key-id
	KMSEnvelopeKeyURI string `env:"ENCRYPTION_KMS_ENVELOPE_KEY_URI"`

	// LocalKeyset is a base64-encoded cleartext Tink keyset in JSON format.
	// Development use only: the keyset is not protected at rest.
	LocalKeyset string `env:"ENCRYPTION_LOCAL_KEYSET"`
}

// ProviderConfig specifies the identity provider's OAuth2 endpoints.
type ProviderConfig struct {
	TokenURL      string `env:"PROVIDER_TOKEN_URL, required"`
	RevocationURL string `env:"PROVIDER_REVOCATION_URL"`
	ClientID      string `env:"PROVIDER_CLIENT_ID, required"`
	ClientSecret  string `env:"PROVIDER_CLIENT_SECRET"`

	// TimeoutSeconds bounds every provider network call. A hung refresh must
	// not block the calling request indefinitely; timeouts are treated as
	// transient failures.
	TimeoutSeconds int `env:"PROVIDER_TIMEOUT_SECS, default=10"`

	// RefreshBufferSeconds is the lead time before expiry at which a token is
	// treated as invalid to force an early refresh.
	RefreshBufferSeconds int `env:"PROVIDER_REFRESH_BUFFER_SECS, default=300"`
}

// CapabilityConfig locates the capability policy file, mapping capability
// names to acceptable scope strings.
type CapabilityConfig struct {
	PolicyPath string `env:"CAPABILITY_POLICY_PATH"`
}

type AuthorizationConfig struct {
	Audience  string `env:"JWT_AUDIENCE, default=credbridge"`
	IssuerURL string `env:"JWT_ISSUER_URL"`

	// ConfigurationStatic supplies a static JWKS document instead of
	// fetching from the issuer. Test use only.
	ConfigurationStatic string `env:"JWT_JWKS_STATIC"`

	// Disabled switches off JWT verification on the credential routes.
	// Development and test use only.
	Disabled bool `env:"JWT_DISABLED, default=false"`
}

type ObserveConfig struct {
	SDKLogLevel                string `env:"OBSERVE_OTEL_LOG_LEVEL, default=info"`
	Enabled                    bool   `env:"OBSERVE_ENABLED, default=false"`
	MetricsEnabled             bool   `env:"OBSERVE_METRICS_ENABLED, default=true"`
	Type                       string `env:"OBSERVE_TYPE, default=grpc"`
	ServiceName                string `env:"OBSERVE_SERVICE_NAME, default=credbridge"`
	TraceBatchTimeoutSeconds   int    `env:"OBSERVE_TRACE_BATCH_TIMEOUT_SECS, default=20"`
	MetricReadIntervalSeconds  int    `env:"OBSERVE_METRIC_READ_INTERVAL_SECS, default=60"`
	HTTPTransportEnabled       bool   `env:"OBSERVE_HTTP_TRANSPORT_ENABLED, default=true"`
	HTTPConnectionTraceEnabled bool   `env:"OBSERVE_CONNECTION_TRACE_ENABLED, default=true"`
}

func Load(ctx context.Context) (Config, error) {
	return load(ctx, nil) // load from OS environment
}

func load(ctx context.Context, lookup envconfig.Lookuper) (Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookup, // nil defaults to OS environment
	})
	if err != nil {
		return cfg, err
	}

	if err := cfg.Cache.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid cache configuration: %w", err)
	}

	if err := cfg.Encryption.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid encryption configuration: %w", err)
	}

	if err := cfg.Authorization.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid authorization configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the cache configuration is valid.
func (c *CacheConfig) Validate() error {
	switch c.Type {
	case "memory", "valkey", "none":
	default:
		return fmt.Errorf("unknown cache type %q: must be memory, valkey or none", c.Type)
	}

	// Encryption requires distributed cache
	if c.Encryption.Enabled && c.Type != "valkey" {
		return fmt.Errorf("cache encryption requires CACHE_TYPE=valkey")
	}

	// Valkey requires address
	if c.Type == "valkey" && c.Valkey.Address == "" {
		return fmt.Errorf("VALKEY_ADDRESS required when CACHE_TYPE=valkey")
	}

	return nil
}

// Validate checks that exactly one keyset source is configured.
func (c *EncryptionConfig) Validate() error {
	kms := c.KeysetURI != "" || c.KMSEnvelopeKeyURI != ""

	if kms && c.LocalKeyset != "" {
		return fmt.Errorf("ENCRYPTION_LOCAL_KEYSET cannot be combined with a KMS keyset")
	}

	if kms {
		if c.KeysetURI == "" {
			return fmt.Errorf("ENCRYPTION_KEYSET_URI required when KMS encryption is configured")
		}
		if c.KMSEnvelopeKeyURI == "" {
			return fmt.Errorf("ENCRYPTION_KMS_ENVELOPE_KEY_URI required when KMS encryption is configured")
		}
		return nil
	}

	if c.LocalKeyset == "" {
		return fmt.Errorf("an encryption keyset is required: set ENCRYPTION_KEYSET_URI or ENCRYPTION_LOCAL_KEYSET")
	}

	return nil
}

// Validate checks that the authorization configuration is usable.
func (c *AuthorizationConfig) Validate() error {
	if !c.Disabled && c.IssuerURL == "" {
		return fmt.Errorf("JWT_ISSUER_URL required unless JWT_DISABLED=true")
	}
	return nil
}
