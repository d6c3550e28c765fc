// Package redis backs the cross-instance auth stores (token blacklist and
// rate-limit counters) with Redis, so revocations and budgets hold across
// every API replica.
package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"qapms.org/internal/auth"
)

const (
	dialTimeout  = 5 * time.Second
	readTimeout  = 3 * time.Second
	writeTimeout = 3 * time.Second

	blacklistPrefix = "qapms:auth:blacklist:"
	ratePrefix      = "qapms:auth:rate:"
)

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Connect dials Redis and verifies the connection.
func Connect(ctx context.Context, opts Options) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// Blacklist is a shared jti blacklist. Entries expire with the underlying
// access token, so the working set stays bounded without a sweeper.
type Blacklist struct {
	client *redis.Client
	now    func() time.Time
}

var _ auth.BlacklistStore = (*Blacklist)(nil)

func NewBlacklist(client *redis.Client) *Blacklist {
	return &Blacklist{client: client, now: func() time.Time { return time.Now().UTC() }}
}

func (b *Blacklist) Add(ctx context.Context, entry auth.BlacklistEntry) error {
	ttl := entry.ExpiresAt.Sub(b.now())
	if ttl <= 0 {
		return nil
	}
	return b.client.Set(ctx, blacklistPrefix+entry.JTI, 1, ttl).Err()
}

func (b *Blacklist) Contains(ctx context.Context, jti string) (bool, error) {
	n, err := b.client.Exists(ctx, blacklistPrefix+jti).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Purge is a no-op: Redis expires entries by TTL.
func (b *Blacklist) Purge(context.Context, time.Time) error { return nil }

// CounterStore implements fixed-window counters shared across instances.
type CounterStore struct {
	client *redis.Client
}

var _ auth.CounterStore = (*CounterStore)(nil)

func NewCounterStore(client *redis.Client) *CounterStore {
	return &CounterStore{client: client}
}

// Incr bumps the window counter, setting the expiry only when the key is
// created, so the window does not slide on every request.
func (c *CounterStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	redisKey := ratePrefix + key

	var incr *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.ExpireNX(ctx, redisKey, window)
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	count := incr.Val()

	resetIn, err := c.client.TTL(ctx, redisKey).Result()
	if err != nil {
		return count, window, nil
	}
	if resetIn < 0 {
		// Key without TTL (e.g. EXPIRE lost to a failover); reset it so the
		// counter cannot live forever.
		if err := c.client.Expire(ctx, redisKey, window).Err(); err != nil {
			return count, window, err
		}
		resetIn = window
	}
	return count, resetIn, nil
}

// IsNotFound reports whether the error is the redis nil-reply sentinel.
func IsNotFound(err error) bool { return errors.Is(err, redis.Nil) }
