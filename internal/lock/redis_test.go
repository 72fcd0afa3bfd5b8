package lock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/regtruth/internal/graph"
)

// newTestLocker needs a reachable Redis in REGTRUTH_TEST_REDIS_URL
func newTestLocker(t *testing.T, key string) *RedisLocker {
	t.Helper()
	url := os.Getenv("REGTRUTH_TEST_REDIS_URL")
	if url == "" {
		t.Skip("REGTRUTH_TEST_REDIS_URL not set")
	}
	l, client, err := NewRedisLockerFromURL(url, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	l.key = key
	client.Del(context.Background(), key)
	return l
}

func TestRedisLocker_MutualExclusion(t *testing.T) {
	l := newTestLocker(t, "regtruth:test:"+t.Name())

	held, unlock, err := l.Lock(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, _, err = l.Lock(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // idempotent
	assert.Error(t, held.Err())

	_, again, err := l.Lock(context.Background())
	require.NoError(t, err)
	again()
}

func TestRedisLocker_HolderOutlivesTTL(t *testing.T) {
	l := newTestLocker(t, "regtruth:test:"+t.Name())
	l.ttl = 150 * time.Millisecond

	held, unlock, err := l.Lock(context.Background())
	require.NoError(t, err)
	defer unlock()
	time.Sleep(500 * time.Millisecond)

	assert.NoError(t, held.Err(), "the TTL is extended while held")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, _, err = l.Lock(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisLocker_TakenOverCancelsHolder(t *testing.T) {
	l := newTestLocker(t, "regtruth:test:"+t.Name())
	l.ttl = 150 * time.Millisecond

	stale, staleUnlock, err := l.Lock(context.Background())
	require.NoError(t, err)

	// the key vanishes, as after a Redis failover, and another writer takes it
	require.NoError(t, l.client.Del(context.Background(), l.key).Err())
	_, fresh, err := l.Lock(context.Background())
	require.NoError(t, err)

	select {
	case <-stale.Done():
	case <-time.After(time.Second):
		t.Fatal("the stale holder must be cancelled")
	}
	assert.ErrorIs(t, context.Cause(stale), graph.ErrLockLost)
	staleUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	_, _, err = l.Lock(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "stale unlock must not free the successor's lock")
	fresh()
}

func TestNewRedisLockerFromURL_Invalid(t *testing.T) {
	_, _, err := NewRedisLockerFromURL("not-a-url://", time.Second)
	assert.Error(t, err)
}

func TestNewRedisLocker_Defaults(t *testing.T) {
	l := NewRedisLocker(nil, "", 0)
	assert.Equal(t, DefaultKey, l.key)
	assert.Equal(t, 30*time.Second, l.ttl)
}
