package lock_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"practiceflow/internal/config"
	"practiceflow/internal/lock"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *lock.Redis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, lock.NewRedis(client, "pf:scan:")
}

func TestRedisLeaseIsExclusive(t *testing.T) {
	ctx := context.Background()
	mr, l := newRedis(t)

	lease, err := l.Acquire(ctx, "overdue", time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists("pf:scan:overdue"))

	_, err = l.Acquire(ctx, "overdue", time.Minute)
	assert.ErrorIs(t, err, lock.ErrHeld)

	other, err := l.Acquire(ctx, "schedule", time.Minute)
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, lease.Release(ctx))
	require.NoError(t, lease.Release(ctx))
	assert.False(t, mr.Exists("pf:scan:overdue"))

	_, err = l.Acquire(ctx, "overdue", time.Minute)
	assert.NoError(t, err)
}

func TestRedisLeaseExpires(t *testing.T) {
	ctx := context.Background()
	mr, l := newRedis(t)

	stale, err := l.Acquire(ctx, "eligibility", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	fresh, err := l.Acquire(ctx, "eligibility", time.Minute)
	require.NoError(t, err)

	// The expired holder must not delete the new holder's key.
	require.NoError(t, stale.Release(ctx))
	assert.True(t, mr.Exists("pf:scan:eligibility"))
	require.NoError(t, fresh.Release(ctx))
	assert.False(t, mr.Exists("pf:scan:eligibility"))
}

func TestLocalLease(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	l := lock.NewLocal(func() time.Time { return now })

	lease, err := l.Acquire(ctx, "due_date_approaching", time.Minute)
	require.NoError(t, err)
	_, err = l.Acquire(ctx, "due_date_approaching", time.Minute)
	assert.ErrorIs(t, err, lock.ErrHeld)

	now = now.Add(2 * time.Minute)
	again, err := l.Acquire(ctx, "due_date_approaching", time.Minute)
	require.NoError(t, err)

	require.NoError(t, lease.Release(ctx))
	_, err = l.Acquire(ctx, "due_date_approaching", time.Minute)
	assert.ErrorIs(t, err, lock.ErrHeld, "a stale lease must not release its successor")
	require.NoError(t, again.Release(ctx))
}

func TestNewSelectsBackend(t *testing.T) {
	l, err := lock.New(config.LockConfig{Backend: "local"})
	require.NoError(t, err)
	assert.IsType(t, &lock.Local{}, l)

	mr := miniredis.RunT(t)
	l, err = lock.New(config.LockConfig{Backend: "redis", RedisAddr: mr.Addr(), KeyPrefix: "x:"})
	require.NoError(t, err)
	assert.IsType(t, &lock.Redis{}, l)
	t.Cleanup(func() { l.(*lock.Redis).Close() })

	_, err = lock.New(config.LockConfig{Backend: "etcd"})
	assert.Error(t, err)
}
