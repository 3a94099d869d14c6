package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), ContextTimeoutEnabled: true})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestSignalNotifyWakesWaiter(t *testing.T) {
	ctx := context.Background()
	_, client := newRedis(t)
	sig := NewSignal(client, "")

	require.NoError(t, sig.Notify(ctx, 2))
	n, err := sig.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	woken, err := sig.Wait(ctx, time.Second)
	require.NoError(t, err)
	assert.True(t, woken)

	n, err = sig.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSignalNotifyIgnoresNonPositive(t *testing.T) {
	ctx := context.Background()
	_, client := newRedis(t)
	sig := NewSignal(client, "wake:test")

	require.NoError(t, sig.Notify(ctx, 0))
	n, err := sig.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSignalNotifyIsBounded(t *testing.T) {
	ctx := context.Background()
	_, client := newRedis(t)
	sig := NewSignal(client, "wake:test")

	require.NoError(t, sig.Notify(ctx, maxWakeTokens))
	require.NoError(t, sig.Notify(ctx, 10))
	n, err := sig.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(maxWakeTokens), n)
}

func TestSignalWaitReturnsOnCancel(t *testing.T) {
	_, client := newRedis(t)
	sig := NewSignal(client, "wake:test")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	woken, err := sig.Wait(ctx, 10*time.Second)
	assert.NoError(t, err)
	assert.False(t, woken)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestLockIsExclusive(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)
	first := NewLock(client, "lock:refresh", time.Minute)
	second := NewLock(client, "lock:refresh", time.Minute)

	token, ok, err := first.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = second.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// A stale token cannot release someone else's lock.
	require.NoError(t, second.Release(ctx, "not-the-owner"))
	assert.True(t, mr.Exists("lock:refresh"))

	require.NoError(t, first.Release(ctx, token))
	assert.False(t, mr.Exists("lock:refresh"))

	_, ok, err = second.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockExpires(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)
	lock := NewLock(client, "lock:refresh", time.Minute)

	_, ok, err := lock.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Minute)
	_, ok, err = lock.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}
