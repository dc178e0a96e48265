//go:build integration

package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())
	return client
}

func TestRedisLimiterWindow(t *testing.T) {
	client := newRedisClient(t)
	prefix := "/keypaird-test-" + uuid.NewString()[:8] + "/"
	limiter, err := NewRedisLimiter(client, prefix, nil)
	require.NoError(t, err)
	ctx := context.Background()
	window := 300 * time.Millisecond

	d, err := limiter.Allow(ctx, "alice", 2, window)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)

	d, err = limiter.Allow(ctx, "alice", 2, window)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)

	d, err = limiter.Allow(ctx, "alice", 2, window)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, 2, d.Limit)
	assert.True(t, d.ResetAt.After(time.Now()))

	n, err := client.Exists(ctx, prefix+"ratelimit/alice").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	time.Sleep(window + 200*time.Millisecond)
	d, err = limiter.Allow(ctx, "alice", 2, window)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)
}

func TestRedisLimiterPrefixIsolation(t *testing.T) {
	client := newRedisClient(t)
	base := "/keypaird-test-" + uuid.NewString()[:8]
	first, err := NewRedisLimiter(client, base+"/a/", nil)
	require.NoError(t, err)
	second, err := NewRedisLimiter(client, base+"/b/", nil)
	require.NoError(t, err)
	ctx := context.Background()

	d, err := first.Allow(ctx, "bob", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	d, err = first.Allow(ctx, "bob", 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = second.Allow(ctx, "bob", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	t.Cleanup(func() { client.Del(context.Background(), base+"/a/ratelimit/bob", base+"/b/ratelimit/bob") })
}

func TestRedisLimiterDisabledLimit(t *testing.T) {
	client := newRedisClient(t)
	limiter, err := NewRedisLimiter(client, "/keypaird-test-"+uuid.NewString()[:8]+"/", nil)
	require.NoError(t, err)

	d, err := limiter.Allow(context.Background(), "carol", 0, time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
