package lease

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestLocalLeaseExclusive(t *testing.T) {
	l := NewLocalLease()
	ctx := context.Background()

	release, ok, err := l.Acquire(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.Acquire(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = l.Acquire(ctx, "redistribution", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, release(ctx))
	_, ok, err = l.Acquire(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLocalLeaseLapses(t *testing.T) {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	l := NewLocalLease()
	l.now = func() time.Time { return now }
	ctx := context.Background()

	stale, ok, err := l.Acquire(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, err = l.Acquire(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// The lapsed holder must not release the new holder's lease.
	require.NoError(t, stale(ctx))
	_, ok, err = l.Acquire(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLocalLeaseRejectsZeroTTL(t *testing.T) {
	_, _, err := NewLocalLease().Acquire(context.Background(), "sweep", 0)
	require.Error(t, err)
}

func TestRedisLease(t *testing.T) {
	addr := os.Getenv("REWARDSD_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("REWARDSD_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	l, err := NewRedisLease(ctx, RedisConfig{Addr: addr, Prefix: "rewardsd-test:" + uuid.NewString() + ":"})
	require.NoError(t, err)
	defer l.Close()

	release, ok, err := l.Acquire(ctx, "sweep", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.Acquire(ctx, "sweep", 5*time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, release(ctx))
	release, ok, err = l.Acquire(ctx, "sweep", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, release(ctx))
}
