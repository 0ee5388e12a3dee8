package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cacheTestValue struct {
	Data string
}

func TestMemoryGet_NotFound(t *testing.T) {
	ctx := context.Background()
	cache, err := NewMemory[cacheTestValue](time.Minute, 100)
	require.NoError(t, err)

	value, found, err := cache.Get(ctx, "nonexistent")

	assert.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, cacheTestValue{}, value)
}

func TestMemorySetAndGet_Success(t *testing.T) {
	ctx := context.Background()
	cache, err := NewMemory[cacheTestValue](time.Minute, 100)
	require.NoError(t, err)

	expected := cacheTestValue{Data: "testdata"}

	err = cache.Set(ctx, "test-key", expected, 0)
	require.NoError(t, err)

	value, found, err := cache.Get(ctx, "test-key")

	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, expected, value)
}

func TestMemoryInvalidate_RemovesValue(t *testing.T) {
	ctx := context.Background()
	cache, err := NewMemory[cacheTestValue](time.Minute, 100)
	require.NoError(t, err)

	err = cache.Set(ctx, "test-key", cacheTestValue{Data: "testdata"}, 0)
	require.NoError(t, err)

	err = cache.Invalidate(ctx, "test-key")
	require.NoError(t, err)

	_, found, err := cache.Get(ctx, "test-key")
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryTTLExpiry(t *testing.T) {
	ctx := context.Background()
	// Use very short TTL for testing
	cache, err := NewMemory[cacheTestValue](100*time.Millisecond, 100)
	require.NoError(t, err)

	err = cache.Set(ctx, "test-key", cacheTestValue{Data: "testdata"}, 0)
	require.NoError(t, err)

	_, found, err := cache.Get(ctx, "test-key")
	require.NoError(t, err)
	require.True(t, found)

	time.Sleep(150 * time.Millisecond)

	_, found, err = cache.Get(ctx, "test-key")
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryPerEntryTTLOverride(t *testing.T) {
	ctx := context.Background()
	cache, err := NewMemory[cacheTestValue](time.Hour, 100)
	require.NoError(t, err)

	err = cache.Set(ctx, "short-lived", cacheTestValue{Data: "negative-status"}, 100*time.Millisecond)
	require.NoError(t, err)
	err = cache.Set(ctx, "long-lived", cacheTestValue{Data: "positive-status"}, 0)
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)

	_, found, err := cache.Get(ctx, "short-lived")
	require.NoError(t, err)
	assert.False(t, found, "entry with overridden TTL expires on its own schedule")

	_, found, err = cache.Get(ctx, "long-lived")
	require.NoError(t, err)
	assert.True(t, found, "entry with default TTL is unaffected")
}
