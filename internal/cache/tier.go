package cache

import (
	"context"
	"errors"
	"time"
)

// ErrTierUnavailable marks a second-tier failure that callers may treat as a miss.
var ErrTierUnavailable = errors.New("cache: tier unavailable")

// Item is a tier value with its remaining lifetime. TTL <= 0 means the
// value does not expire.
type Item struct {
	Value []byte
	TTL   time.Duration
}

// Tier is a byte-oriented second cache level shared across restarts or
// processes. A ttl <= 0 on Set stores the value without expiry. Keys and
// Delete work on unprefixed keys; Delete reports whether the key existed.
type Tier interface {
	Get(ctx context.Context, key string) (Item, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
	Clear(ctx context.Context) error
	Close() error
}
