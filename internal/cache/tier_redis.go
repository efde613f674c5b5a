package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisTier stores entries in Redis under a key prefix.
type RedisTier struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisTier connects using a redis:// URL.
func NewRedisTier(url, prefix string) (*RedisTier, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("cache: parse redis url: %w", err)
	}
	return NewRedisTierFromClient(redis.NewClient(opt), prefix), nil
}

func NewRedisTierFromClient(rdb *redis.Client, prefix string) *RedisTier {
	return &RedisTier{rdb: rdb, prefix: prefix}
}

func (t *RedisTier) Get(ctx context.Context, key string) (Item, bool, error) {
	var get *redis.StringCmd
	var pttl *redis.DurationCmd
	_, err := t.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		get = p.Get(ctx, t.prefix+key)
		pttl = p.PTTL(ctx, t.prefix+key)
		return nil
	})
	if errors.Is(get.Err(), redis.Nil) {
		return Item{}, false, nil
	}
	if err != nil {
		return Item{}, false, fmt.Errorf("%w: redis get: %w", ErrTierUnavailable, err)
	}
	b, _ := get.Bytes()
	// PTTL reports -1 for no expiry, which Item treats the same as zero.
	return Item{Value: b, TTL: pttl.Val()}, true, nil
}

func (t *RedisTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := t.rdb.Set(ctx, t.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: redis set: %w", ErrTierUnavailable, err)
	}
	return nil
}

func (t *RedisTier) Delete(ctx context.Context, key string) (bool, error) {
	n, err := t.rdb.Del(ctx, t.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("%w: redis del: %w", ErrTierUnavailable, err)
	}
	return n > 0, nil
}

// Keys scans the prefix and returns the keys without it.
func (t *RedisTier) Keys(ctx context.Context) ([]string, error) {
	var out []string
	iter := t.rdb.Scan(ctx, 0, t.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		out = append(out, strings.TrimPrefix(iter.Val(), t.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: redis scan: %w", ErrTierUnavailable, err)
	}
	return out, nil
}

// Clear removes every key under the prefix.
func (t *RedisTier) Clear(ctx context.Context) error {
	iter := t.rdb.Scan(ctx, 0, t.prefix+"*", 100).Iterator()
	batch := make([]string, 0, 100)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := t.rdb.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("%w: redis del: %w", ErrTierUnavailable, err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("%w: redis scan: %w", ErrTierUnavailable, err)
	}
	if len(batch) > 0 {
		if err := t.rdb.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("%w: redis del: %w", ErrTierUnavailable, err)
		}
	}
	return nil
}

func (t *RedisTier) Close() error { return t.rdb.Close() }
