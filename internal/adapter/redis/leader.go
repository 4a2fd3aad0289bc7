package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

var ErrNotLeader = errors.New("lease is held by another instance")

var renewScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// LeaderLease is a single-holder lease on a Redis key. The holder must renew
// it within ttl or another instance may take over.
type LeaderLease struct {
	rdb        *goredis.Client
	instanceID string
	key        string
	ttl        time.Duration
}

func NewLeaderLease(rdb *goredis.Client, instanceID, key string, ttl time.Duration) *LeaderLease {
	return &LeaderLease{rdb: rdb, instanceID: instanceID, key: key, ttl: ttl}
}

// Acquire takes the lease if it is free, or renews it if this instance
// already holds it. It returns false while another instance is the holder.
func (l *LeaderLease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.instanceID, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", l.key, err)
	}
	if ok {
		return true, nil
	}

	err = l.Renew(ctx)
	if errors.Is(err, ErrNotLeader) {
		return false, nil
	}
	return err == nil, err
}

func (l *LeaderLease) Renew(ctx context.Context) error {
	res, err := renewScript.Run(ctx, l.rdb, []string{l.key}, l.instanceID, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to renew lease %s: %w", l.key, err)
	}
	if res == 0 {
		return ErrNotLeader
	}
	return nil
}

func (l *LeaderLease) Holder(ctx context.Context) (string, error) {
	holder, err := l.rdb.Get(ctx, l.key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read lease %s: %w", l.key, err)
	}
	return holder, nil
}

// Release drops the lease if this instance holds it.
func (l *LeaderLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.instanceID).Err(); err != nil {
		return fmt.Errorf("failed to release lease %s: %w", l.key, err)
	}
	return nil
}
