package locks

import (
	"context"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/redis/go-redis/v9"
)

// RedisLocker holds leases as Redis keys set with NX and a millisecond expiry.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	opts   Options
}

// NewRedisLocker creates a lease locker storing keys under prefix.
func NewRedisLocker(client redis.UniversalClient, prefix string, opts Options) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix, opts: opts.withDefaults()}
}

var _ Locker = (*RedisLocker)(nil)

// Only the holder's token may extend or delete the key.
var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

func (l *RedisLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	tok, err := gonanoid.New()
	if err != nil {
		return err
	}
	return withLease(ctx, l, l.prefix+key, l.opts.TokenPrefix+tok, l.opts, fn)
}

func (l *RedisLocker) tryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, key, token, ttl).Result()
}

func (l *RedisLocker) renew(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, l.client, []string{key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *RedisLocker) release(ctx context.Context, key, token string) error {
	return releaseScript.Run(ctx, l.client, []string{key}, token).Err()
}
