package scheduler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReleaseFunc gives a lease back.
type ReleaseFunc func(ctx context.Context) error

// Locker hands out time-bounded leases on job names. Acquire reports false
// without error when someone else holds the lease.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (ReleaseFunc, bool, error)
}

type nopLocker struct{}

func (nopLocker) Acquire(context.Context, string, time.Duration) (ReleaseFunc, bool, error) {
	return func(context.Context) error { return nil }, true, nil
}

// releaseScript deletes the lease only while it still holds our token, so
// a run that outlived its TTL cannot drop a successor's lease.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX on a shared Redis.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLocker creates a locker storing leases under prefix.
func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "credit:lease:"
	}
	return &RedisLocker{client: client, prefix: prefix}
}

// Acquire implements Locker.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (ReleaseFunc, bool, error) {
	token, err := leaseToken()
	if err != nil {
		return nil, false, err
	}

	k := l.prefix + key
	ok, err := l.client.SetNX(ctx, k, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("scheduler: redis setnx %s: %w", k, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{k}, token).Err(); err != nil {
			return fmt.Errorf("scheduler: redis release %s: %w", k, err)
		}
		return nil
	}
	return release, true, nil
}

func leaseToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("scheduler: lease token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
