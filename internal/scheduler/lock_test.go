package scheduler

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryLockerExcludesUntilReleased(t *testing.T) {
	locker := NewMemoryLocker()
	lease, err := locker.TryAcquire(t.Context(), "k", time.Minute)
	require.NoError(t, err)

	_, err = locker.TryAcquire(t.Context(), "k", time.Minute)
	require.ErrorIs(t, err, ErrLocked)

	other, err := locker.TryAcquire(t.Context(), "other", time.Minute)
	require.NoError(t, err)
	require.NoError(t, other.Release(t.Context()))

	require.NoError(t, lease.Release(t.Context()))
	again, err := locker.TryAcquire(t.Context(), "k", time.Minute)
	require.NoError(t, err)
	require.NoError(t, again.Release(t.Context()))
}

func TestMemoryLockerExpiresLeases(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	locker := NewMemoryLocker()
	locker.clock = func() time.Time { return now }

	stale, err := locker.TryAcquire(t.Context(), "k", time.Minute)
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)

	fresh, err := locker.TryAcquire(t.Context(), "k", time.Minute)
	require.NoError(t, err)

	require.NoError(t, stale.Release(t.Context()))
	_, err = locker.TryAcquire(t.Context(), "k", time.Minute)
	require.ErrorIs(t, err, ErrLocked, "a stale lease must not release the new holder")
	require.NoError(t, fresh.Release(t.Context()))
}

func TestMemoryLeaseExtendKeepsOwnership(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	locker := NewMemoryLocker()
	locker.clock = func() time.Time { return now }

	lease, err := locker.TryAcquire(t.Context(), "k", time.Minute)
	require.NoError(t, err)
	now = now.Add(50 * time.Second)
	require.NoError(t, lease.Extend(t.Context(), time.Minute))

	now = now.Add(50 * time.Second)
	_, err = locker.TryAcquire(t.Context(), "k", time.Minute)
	require.ErrorIs(t, err, ErrLocked)

	now = now.Add(time.Minute)
	require.ErrorIs(t, lease.Extend(t.Context(), time.Minute), ErrLeaseLost)
	other, err := locker.TryAcquire(t.Context(), "k", time.Minute)
	require.NoError(t, err)
	require.ErrorIs(t, lease.Extend(t.Context(), time.Minute), ErrLeaseLost)
	require.NoError(t, other.Release(t.Context()))
}

func TestRedisLocker(t *testing.T) {
	redisURL := os.Getenv("PIMSYNC_TEST_REDIS_URL")
	if redisURL == "" {
		t.Skip("PIMSYNC_TEST_REDIS_URL not set")
	}
	client, err := NewRedisClient(t.Context(), redisURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	key := serverLockKey(987654)
	require.NoError(t, client.Del(t.Context(), key).Err())
	locker := NewRedisLocker(client)

	lease, err := locker.TryAcquire(t.Context(), key, time.Minute)
	require.NoError(t, err)
	_, err = locker.TryAcquire(t.Context(), key, time.Minute)
	require.ErrorIs(t, err, ErrLocked)

	ttl, err := client.PTTL(t.Context(), key).Result()
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0))

	require.NoError(t, lease.Extend(t.Context(), 2*time.Minute))
	ttl, err = client.PTTL(t.Context(), key).Result()
	require.NoError(t, err)
	require.Greater(t, ttl, time.Minute)

	require.NoError(t, lease.Release(t.Context()))
	again, err := locker.TryAcquire(t.Context(), key, time.Minute)
	require.NoError(t, err)
	require.NoError(t, again.Release(t.Context()))
}
