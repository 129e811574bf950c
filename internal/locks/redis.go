package locks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultRedisLockTTL = 30 * time.Second

var redisReleaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

var redisRenewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

// RedisLocker backs locks with SET NX plus an owner token, released and
// renewed through check-and-act scripts so only the holder can touch the key.
// Long holds survive by renewing before the TTL runs out.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = defaultRedisLockTTL
	}
	return &RedisLocker{client: client, ttl: ttl}
}

func (r *RedisLocker) TryAcquire(ctx context.Context, key int64) (*Lease, error) {
	name := lockName(key)
	token := uuid.NewString()
	acquired, err := r.client.SetNX(ctx, name, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx: %w", err)
	}
	if !acquired {
		return nil, nil
	}
	return &Lease{
		Key: key,
		release: func(ctx context.Context) error {
			if err := redisReleaseScript.Run(ctx, r.client, []string{name}, token).Err(); err != nil {
				return fmt.Errorf("redis release: %w", err)
			}
			return nil
		},
		renew: func(ctx context.Context) (bool, error) {
			extended, err := redisRenewScript.Run(ctx, r.client, []string{name}, token, r.ttl.Milliseconds()).Int()
			if err != nil {
				return false, fmt.Errorf("redis renew: %w", err)
			}
			return extended == 1, nil
		},
	}, nil
}

func (r *RedisLocker) Close() error {
	return r.client.Close()
}
