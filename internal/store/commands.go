package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Commands is the narrow command surface the engines use. Keeping it
// minimal lets tests substitute an in-memory fake without a live store
// (the concrete implementation wraps go-redis v9).
type Commands interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// SetNX is set-if-absent with TTL; ok reports whether the key was set.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// SetEX sets key to value with TTL.
	SetEX(ctx context.Context, key, value string, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
	Del(ctx context.Context, keys ...string) error
	// ZAdd adds member to the score-ordered set at key.
	ZAdd(ctx context.Context, key string, score float64, member string) error
	Ping(ctx context.Context) error
}

// goRedisCommands adapts a go-redis client to Commands.
type goRedisCommands struct {
	rdb *redis.Client
}

func (c goRedisCommands) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c goRedisCommands) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (c goRedisCommands) SetEX(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.SetEx(ctx, key, value, ttl).Err()
}

func (c goRedisCommands) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

func (c goRedisCommands) Del(ctx context.Context, keys ...string) error {
	return c.rdb.Del(ctx, keys...).Err()
}

func (c goRedisCommands) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (c goRedisCommands) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
