package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Compile-time interface check.
var _ Locker = (*RedisLocker)(nil)

// refreshScript extends the TTL only when the caller still owns the lock.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// releaseScript deletes the lock only when the caller owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker implements Locker with SET NX and a TTL, which lets several
// hosts sharing one database exclude each other per job id.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLocker creates a locker whose locks expire after ttl without a
// refresh.
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{client: client, ttl: ttl}
}

func lockKey(jobID string) string { return "barvault:lock:" + jobID }

// Acquire takes the lock, or refreshes it when owner already holds it.
func (l *RedisLocker) Acquire(ctx context.Context, jobID, owner string) error {
	key := lockKey(jobID)
	ok, err := l.client.SetNX(ctx, key, owner, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", jobID, err)
	}
	if ok {
		return nil
	}
	n, err := refreshScript.Run(ctx, l.client, []string{key}, owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("refresh lock %s: %w", jobID, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", jobID, ErrJobLocked)
	}
	return nil
}

// Release drops the lock if owner holds it.
func (l *RedisLocker) Release(ctx context.Context, jobID, owner string) error {
	if err := releaseScript.Run(ctx, l.client, []string{lockKey(jobID)}, owner).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", jobID, err)
	}
	return nil
}
