package storage

import (
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ci-exporter/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestLease(t *testing.T, ttl time.Duration) (*TickLease, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { _ = client.Close() })

	return NewTickLease(client, "ci-exporter:tick:github", ttl), mr
}

func TestTickLease_AcquireRelease(t *testing.T) {
	lease, _ := setupTestLease(t, time.Minute)
	ctx := testContext(t)

	token, ok, err := lease.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, token)

	_, ok, err = lease.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be refused")

	holder, err := lease.Holder(ctx)
	require.NoError(t, err)
	assert.Equal(t, token, holder)

	require.NoError(t, lease.Release(ctx, token))

	holder, err = lease.Holder(ctx)
	require.NoError(t, err)
	assert.Empty(t, holder)

	_, ok, err = lease.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTickLease_ReleaseWithStaleToken(t *testing.T) {
	lease, _ := setupTestLease(t, time.Minute)
	ctx := testContext(t)

	token, ok, err := lease.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, lease.Release(ctx, "someone-else"))

	holder, err := lease.Holder(ctx)
	require.NoError(t, err)
	assert.Equal(t, token, holder)
}

func TestTickLease_Expires(t *testing.T) {
	lease, mr := setupTestLease(t, 30*time.Second)
	ctx := testContext(t)

	_, ok, err := lease.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(31 * time.Second)

	_, ok, err = lease.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNewRedisClient(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	host, port, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)
	client, err := NewRedisClient(&config.RedisConfig{Host: host, Port: port})
	require.NoError(t, err)
	defer client.Close()

	assert.NoError(t, client.Ping(testContext(t)).Err())
}

func TestNewRedisClient_Unreachable(t *testing.T) {
	_, err := NewRedisClient(&config.RedisConfig{Host: "127.0.0.1", Port: "1"})
	assert.Error(t, err)
}

func TestTickLease_Extend(t *testing.T) {
	lease, mr := setupTestLease(t, 30*time.Second)
	ctx := testContext(t)

	token, ok, err := lease.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(20 * time.Second)
	ok, err = lease.Extend(ctx, token)
	require.NoError(t, err)
	assert.True(t, ok)

	// past the original expiry, still held thanks to the renewal
	mr.FastForward(20 * time.Second)
	holder, err := lease.Holder(ctx)
	require.NoError(t, err)
	assert.Equal(t, token, holder)

	ok, err = lease.Extend(ctx, "someone-else")
	require.NoError(t, err)
	assert.False(t, ok, "a stale token cannot renew")

	mr.FastForward(31 * time.Second)
	ok, err = lease.Extend(ctx, token)
	require.NoError(t, err)
	assert.False(t, ok, "an expired lease cannot be renewed")
	assert.Equal(t, 30*time.Second, lease.TTL())
}
