// Package distlock serializes engine runs: at most one run per owner at a
// time, across however many runner replicas are deployed. Backed by Redis
// SET NX with a TTL so a crashed runner frees its lock on its own.
package distlock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RunLock is a single-use lock for one owner's run. A lock instance is not
// safe for concurrent use; each run takes its own.
type RunLock struct {
	client *redis.Client
	key    string
	value  string
	ttl    time.Duration
}

// NewRunLock builds a lock for the owner. The random value proves
// ownership so one runner can never release another's lock.
func NewRunLock(client *redis.Client, ownerID string, ttl time.Duration) *RunLock {
	b := make([]byte, 16)
	rand.Read(b)
	return &RunLock{
		client: client,
		key:    fmt.Sprintf("outreach:run:%s", ownerID),
		value:  hex.EncodeToString(b),
		ttl:    ttl,
	}
}

// Acquire tries to take the lock. False means another run holds it.
func (l *RunLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire run lock %s: %w", l.key, err)
	}
	return ok, nil
}

// Release frees the lock if this instance still owns it. The Lua script
// keeps the ownership check and delete atomic.
func (l *RunLock) Release(ctx context.Context) error {
	script := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
	_, err := script.Run(ctx, l.client, []string{l.key}, l.value).Result()
	return err
}

// Extend pushes the TTL out for runs that exceed the initial lease.
func (l *RunLock) Extend(ctx context.Context, ttl time.Duration) error {
	script := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
	res, err := script.Run(ctx, l.client, []string{l.key}, l.value, ttl.Milliseconds()).Result()
	if err != nil {
		return err
	}
	if n, ok := res.(int64); ok && n == 0 {
		return fmt.Errorf("run lock %s no longer owned", l.key)
	}
	return nil
}

// NewClient connects to Redis from a URL (redis://host:port/db).
func NewClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	return redis.NewClient(opts), nil
}
