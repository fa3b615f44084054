// Package coordination provides Redis-backed leader election scoped to the
// Scheduler's background loop, binding leadership to exactly the one
// component that must not run twice. HTTP handlers remain safe under any
// number of instances because the Store serializes every mutation itself.
package coordination

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease is a distributed mutual-exclusion lock with a fixed TTL.
type Lease interface {
	// Acquire attempts to take the lease, returning true only if the lease was
	// free and value was written; a lease already held, even by this same
	// value, yields false.
	Acquire(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Renew extends ttl on the lease if value still matches the holder.
	Renew(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Release clears the lease if value still matches the holder.
	Release(ctx context.Context, key, value string) error
}

// RedisLease implements Lease with SET NX PX / compare-and-set Lua scripts,
// the standard go-redis distributed-lock recipe.
type RedisLease struct {
	client *redis.Client
}

func NewRedisLease(client *redis.Client) *RedisLease {
	return &RedisLease{client: client}
}

func (l *RedisLease) Acquire(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, key, value, ttl).Result()
}

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

func (l *RedisLease) Renew(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	res, err := renewScript.Run(ctx, l.client, []string{key}, value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

func (l *RedisLease) Release(ctx context.Context, key, value string) error {
	return releaseScript.Run(ctx, l.client, []string{key}, value).Err()
}
