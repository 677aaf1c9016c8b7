package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestStoreLimiterFixedWindow(t *testing.T) {
	l := StoreLimiter{Store: NewMemoryStore("test")}
	ctx := context.Background()
	max := 2

	for i := 0; i < max; i++ {
		allowed, remaining, _, err := l.Allow(ctx, "key", time.Minute, max)
		require.NoError(t, err)
		require.True(t, allowed, "request %d", i)
		require.Equal(t, max-(i+1), remaining)
	}

	allowed, remaining, reset, err := l.Allow(ctx, "key", time.Minute, max)
	require.NoError(t, err)
	require.False(t, allowed)
	require.Zero(t, remaining)
	require.True(t, reset.After(time.Now()))

	allowed, _, _, err = l.Allow(ctx, "other", time.Minute, max)
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestStoreLimiterRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := NewRedisStore(client, "test")
	require.NoError(t, err)
	l := StoreLimiter{Store: store}

	allowed, _, _, err := l.Allow(context.Background(), "203.0.113.9", time.Minute, 1)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, _, _, err = l.Allow(context.Background(), "203.0.113.9", time.Minute, 1)
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestStoreLimiterDisabled(t *testing.T) {
	allowed, remaining, _, err := StoreLimiter{}.Allow(context.Background(), "key", time.Minute, 5)
	require.NoError(t, err)
	require.True(t, allowed)
	require.Equal(t, 5, remaining)
}
