package cache

import (
	"context"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/maypok86/otter/v2/stats"
)

// expiring wraps a cached value with its own TTL so entries in the same cache
// can expire at different rates (a known-bad status is trusted for less time
// than a good one).
type expiring[T any] struct {
	value T
	ttl   time.Duration
}

// Memory is an in-memory cache implementation using otter.
type Memory[T any] struct {
	cache      *otter.Cache[string, expiring[T]]
	defaultTTL time.Duration
	counter    *stats.Counter
}

// NewMemory creates a new in-memory cache with the specified default TTL and
// maximum size. Individual entries may override the TTL on Set.
func NewMemory[T any](defaultTTL time.Duration, maxSize int) (*Memory[T], error) {
	counter := stats.NewCounter()
	cache := otter.Must(&otter.Options[string, expiring[T]]{
		MaximumSize:   maxSize,
		StatsRecorder: counter,
		ExpiryCalculator: otter.ExpiryCreatingFunc[string, expiring[T]](
			func(entry otter.Entry[string, expiring[T]]) time.Duration {
				return entry.Value.ttl
			},
		),
	})

	return &Memory[T]{
		cache:      cache,
		defaultTTL: defaultTTL,
		counter:    counter,
	}, nil
}

// Get retrieves a value from the cache.
func (m *Memory[T]) Get(ctx context.Context, key string) (T, bool, error) {
	entry, ok := m.cache.GetEntry(key)
	if !ok {
		var zero T
		return zero, false, nil
	}

	return entry.Value.value, true, nil
}

// Set stores a value with the given TTL.
func (m *Memory[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	m.cache.Set(key, expiring[T]{value: value, ttl: ttl})
	return nil
}

// Invalidate removes a value from the cache.
func (m *Memory[T]) Invalidate(ctx context.Context, key string) error {
	m.cache.Invalidate(key)
	return nil
}
