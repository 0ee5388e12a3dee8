package cache

import (
	"context"
	"time"
)

// Noop is the null cache: every read misses and every write succeeds without
// storing anything. Wiring it in place of a real cache keeps the calling code
// path identical whether caching is enabled or not — callers never branch on
// cache presence.
type Noop[T any] struct{}

func NewNoop[T any]() *Noop[T] {
	return &Noop[T]{}
}

func (n *Noop[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	return zero, false, nil
}

func (n *Noop[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	return nil
}

func (n *Noop[T]) Invalidate(ctx context.Context, key string) error {
	return nil
}
