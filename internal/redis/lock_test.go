package redisclient

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockKey(t *testing.T) {
	assert.Equal(t, "lock:provider:D1", lockKey("D1"))
}

func TestLocalLockerExcludesSecondHolder(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	err := locker.WithProviderLock(ctx, "D1", func(ctx context.Context) error {
		assert.ErrorIs(t, locker.WithProviderLock(ctx, "D1", func(context.Context) error { return nil }), ErrLockNotAcquired)
		// other providers are independent
		assert.NoError(t, locker.WithProviderLock(ctx, "D2", func(context.Context) error { return nil }))
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, locker.WithProviderLock(ctx, "D1", func(context.Context) error { return nil }))
}

func TestLocalLockerReleasesOnError(t *testing.T) {
	locker := NewLocalLocker()
	boom := assert.AnError
	assert.ErrorIs(t, locker.WithProviderLock(context.Background(), "D1", func(context.Context) error { return boom }), boom)
	assert.NoError(t, locker.WithProviderLock(context.Background(), "D1", func(context.Context) error { return nil }))
}

func TestProviderLockExcludesSecondHolder(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	locker := NewRedisProviderLocker(client, 5*time.Second)
	ctx := context.Background()

	err := locker.WithProviderLock(ctx, "D-lock-test", func(ctx context.Context) error {
		inner := locker.WithProviderLock(ctx, "D-lock-test", func(context.Context) error { return nil })
		assert.ErrorIs(t, inner, ErrLockNotAcquired)
		return nil
	})
	require.NoError(t, err)

	// released after the first holder returns
	require.NoError(t, locker.WithProviderLock(ctx, "D-lock-test", func(context.Context) error { return nil }))
}
