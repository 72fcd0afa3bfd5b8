// Package lock provides a Redis-backed graph writer lock so several regtruth
// processes sharing one graph store serialize their precedence inserts.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ppiankov/regtruth/internal/graph"
)

// DefaultKey is the Redis key guarding precedence-graph writes
const DefaultKey = "regtruth:v1:graph-write-lock"

const defaultRetryInterval = 50 * time.Millisecond

// releaseScript deletes the key only while it still holds our token, so an
// expired lock re-acquired by another writer is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript pushes the expiry out only while the key still holds our token
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker is a graph.Locker over SET NX PX with token-checked release
type RedisLocker struct {
	client        redis.UniversalClient
	key           string
	ttl           time.Duration
	retryInterval time.Duration
}

var _ graph.Locker = (*RedisLocker)(nil)

// NewRedisLocker creates a locker; ttl bounds how long a crashed holder blocks others
func NewRedisLocker(client redis.UniversalClient, key string, ttl time.Duration) *RedisLocker {
	if key == "" {
		key = DefaultKey
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{client: client, key: key, ttl: ttl, retryInterval: defaultRetryInterval}
}

// NewRedisLockerFromURL parses a redis:// URL and creates a locker on a new client
func NewRedisLockerFromURL(url string, ttl time.Duration) (*RedisLocker, *redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	return NewRedisLocker(client, DefaultKey, ttl), client, nil
}

// Lock polls until the key is acquired or ctx is done. While held, the TTL
// is extended every ttl/3; if an extension fails the held context is
// cancelled with graph.ErrLockLost.
func (l *RedisLocker) Lock(ctx context.Context) (context.Context, func(), error) {
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, nil, fmt.Errorf("acquire redis lock: %w", err)
		}
		if ok {
			held, cancel := context.WithCancelCause(ctx)
			done := make(chan struct{})
			go l.keepAlive(held, cancel, token, done)

			var once sync.Once
			return held, func() {
				once.Do(func() {
					close(done)
					cancel(context.Canceled)
					// release even when the caller's ctx has been cancelled
					_ = releaseScript.Run(context.WithoutCancel(ctx), l.client, []string{l.key}, token).Err()
				})
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(l.retryInterval):
		}
	}
}

func (l *RedisLocker) keepAlive(held context.Context, cancel context.CancelCauseFunc, token string, done <-chan struct{}) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-held.Done():
			return
		case <-ticker.C:
			n, err := extendScript.Run(held, l.client, []string{l.key}, token, l.ttl.Milliseconds()).Int()
			if err != nil || n == 0 {
				if err == nil {
					err = errors.New("key taken over")
				}
				cancel(fmt.Errorf("%w: %v", graph.ErrLockLost, err))
				return
			}
		}
	}
}
