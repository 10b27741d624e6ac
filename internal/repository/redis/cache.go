// Package redisrepo holds the Redis-backed stores: the read-through cache,
// the idempotency store, the rate limiter and the event-changed channel.
package redisrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

type Cache struct {
	rdb *redis.Client
	sf  singleflight.Group
}

func NewCache(client *redis.Client) *Cache {
	return &Cache{rdb: client}
}

// GetString returns the value under key; ok is false on a miss.
func (c *Cache) GetString(ctx context.Context, key string) (string, bool, error) {
	s, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	return s, true, nil
}

func (c *Cache) SetString(ctx context.Context, key, val string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, val, ttl).Err()
}

func (c *Cache) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	return c.rdb.Del(ctx, keys...).Err()
}

func GetJSON[T any](ctx context.Context, c *Cache, key string) (T, bool, error) {
	var out T

	s, ok, err := c.GetString(ctx, key)
	if err != nil || !ok {
		return out, ok, err
	}

	if err := json.Unmarshal([]byte(s), &out); err != nil {
		// A value we cannot decode is treated as a miss and overwritten.
		return out, false, nil
	}

	return out, true, nil
}

func SetJSON(ctx context.Context, c *Cache, key string, val any, ttl time.Duration) error {
	b, err := json.Marshal(val)
	if err != nil {
		return err
	}

	return c.SetString(ctx, key, string(b), ttl)
}

// GetOrSetJSON reads key and on a miss calls loader once per key across
// concurrent callers, caching its result for ttl. Cache errors fall through
// to the loader so Redis being down does not take reads down with it.
func GetOrSetJSON[T any](
	ctx context.Context,
	c *Cache,
	key string,
	ttl time.Duration,
	loader func(ctx context.Context) (T, error),
) (T, error) {
	if v, ok, err := GetJSON[T](ctx, c, key); err == nil && ok {
		return v, nil
	}

	vAny, err, _ := c.sf.Do(key, func() (any, error) {
		if v, ok, err := GetJSON[T](ctx, c, key); err == nil && ok {
			return v, nil
		}
		v, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		_ = SetJSON(ctx, c, key, v, ttl)
		return v, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}

	v, ok := vAny.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("cache: unexpected type %T for %s", vAny, key)
	}

	return v, nil
}

// InvalidateEvent drops every cached read model of the event, and the
// listing it may appear in.
func (c *Cache) InvalidateEvent(ctx context.Context, eventID int64) error {
	return c.Del(ctx, KeyEventSummary(eventID), KeyEventTiers(eventID), KeyApprovedEvents())
}
