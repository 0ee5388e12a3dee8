package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"
)

// Distributed implements Cache using Valkey with server-assisted client-side
// caching, so multiple service processes share one view of the cache.
type Distributed[T any] struct {
	client     valkey.Client
	defaultTTL time.Duration
	strategy   EncryptionStrategy
}

// NewDistributed creates a Valkey-backed cache. The defaultTTL applies to Set
// calls without an explicit TTL and bounds the client-side cache. A nil
// strategy defaults to NoEncryptionStrategy.
func NewDistributed[T any](client valkey.Client, defaultTTL time.Duration, strategy EncryptionStrategy) (*Distributed[T], error) {
	if strategy == nil {
		strategy = &NoEncryptionStrategy{}
	}
	return &Distributed[T]{
		client:     client,
		defaultTTL: defaultTTL,
		strategy:   strategy,
	}, nil
}

// Get retrieves a value using server-assisted client-side caching. A
// corrupted entry is invalidated on a best-effort basis and reported as an
// error; callers absorb cache errors and fall through to storage.
func (d *Distributed[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T

	storageKey := d.strategy.StorageKey(key)

	// DoCache enables client-side caching with server tracking.
	cmd := d.client.B().Get().Key(storageKey).Cache()
	result := d.client.DoCache(ctx, cmd, d.defaultTTL)

	if err := result.Error(); err != nil {
		// Key not found is not an error in our semantics.
		if valkey.IsValkeyNil(err) {
			return zero, false, nil
		}
		return zero, false, fmt.Errorf("getting cached value: %w", err)
	}

	val, err := result.ToString()
	if err != nil {
		return zero, false, fmt.Errorf("reading cached value: %w", err)
	}

	data, err := d.strategy.DecryptValue(ctx, val, key)
	if err != nil {
		// Best-effort invalidation of the corrupted entry.
		_ = d.client.Do(ctx, d.client.B().Del().Key(storageKey).Build()).Error()

		return zero, false, fmt.Errorf("cache decryption failure for key %q: %w", key, err)
	}

	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return zero, false, fmt.Errorf("unmarshalling cached value: %w", err)
	}

	return value, true, nil
}

// Set stores a JSON-serialized value with the given TTL.
func (d *Distributed[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = d.defaultTTL
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshalling cache value: %w", err)
	}

	encrypted, err := d.strategy.EncryptValue(ctx, data, key)
	if err != nil {
		return fmt.Errorf("encrypting cache value: %w", err)
	}

	cmd := d.client.B().Set().
		Key(d.strategy.StorageKey(key)).
		Value(encrypted).
		ExSeconds(int64(ttl.Seconds())).
		Build()
	if err := d.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("setting cached value: %w", err)
	}
	return nil
}

// Invalidate removes a value from the cache.
func (d *Distributed[T]) Invalidate(ctx context.Context, key string) error {
	cmd := d.client.B().Del().Key(d.strategy.StorageKey(key)).Build()
	if err := d.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("invalidating cached value: %w", err)
	}
	return nil
}

// Close releases the cache client.
func (d *Distributed[T]) Close() error {
	d.client.Close()
	return nil
}

// StaticCredentialsFn returns an AuthCredentialsFn that always returns the
// configured username and password.
func StaticCredentialsFn(username, password string) func(valkey.AuthCredentialsContext) (valkey.AuthCredentials, error) {
	return func(valkey.AuthCredentialsContext) (valkey.AuthCredentials, error) {
		return valkey.AuthCredentials{
			Username: username,
			Password: password,
		}, nil
	}
}
