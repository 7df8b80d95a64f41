// Package infra provides concrete infrastructure adapters. GoRedisAdapter
// wraps go-redis v9 to back cross-process rate counters (ratelimit.Counter)
// and cross-process presence fan-out (router.Bus) when REDIS_ADDR is
// configured; without it the relay runs single-process with the in-memory
// equivalents.
package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// GoRedisAdapter wraps go-redis v9 for both counter and pub/sub use.
type GoRedisAdapter struct {
	rdb *redis.Client
}

// NewGoRedisAdapter connects to Redis, returning the adapter and any
// connection error so the caller can decide whether to fall back to the
// in-memory equivalents.
func NewGoRedisAdapter(addr, password string, db int) (*GoRedisAdapter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("redis connected", "addr", addr, "db", db)
	return &GoRedisAdapter{rdb: rdb}, nil
}

func (a *GoRedisAdapter) Close() error { return a.rdb.Close() }

// Allow implements ratelimit.Counter using INCR + EXPIRE: the first hit in
// a window sets a TTL: on the fast path Redis itself evicts stale keys, so
// there is no sweep goroutine to run (unlike the in-memory Local limiter).
func (a *GoRedisAdapter) Allow(ctx context.Context, key string, max int, win time.Duration) (bool, error) {
	count, err := a.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := a.rdb.Expire(ctx, key, win).Err(); err != nil {
			return false, err
		}
	}
	return count <= int64(max), nil
}

// Publish implements router.PubSub for cross-process presence fan-out.
func (a *GoRedisAdapter) Publish(ctx context.Context, channel string, message []byte) error {
	return a.rdb.Publish(ctx, channel, message).Err()
}

// Subscribe implements router.PubSub, delivering messages published on
// channel (from this or any other relay process) to handler.
func (a *GoRedisAdapter) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	sub := a.rdb.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()

	return func() { sub.Close() }, nil
}
