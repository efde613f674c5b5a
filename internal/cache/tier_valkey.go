package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/valkey-io/valkey-go"
)

// ValkeyTier stores entries in Valkey under a key prefix.
type ValkeyTier struct {
	client valkey.Client
	prefix string
}

// NewValkeyTier connects to a single Valkey address.
func NewValkeyTier(addr, prefix string) (*ValkeyTier, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{addr},
	})
	if err != nil {
		return nil, fmt.Errorf("valkey connect: %w", err)
	}
	return &ValkeyTier{client: client, prefix: prefix}, nil
}

func (t *ValkeyTier) Get(ctx context.Context, key string) (Item, bool, error) {
	resps := t.client.DoMulti(ctx,
		t.client.B().Get().Key(t.prefix+key).Build(),
		t.client.B().Pttl().Key(t.prefix+key).Build(),
	)
	b, err := resps[0].AsBytes()
	if valkey.IsValkeyNil(err) {
		return Item{}, false, nil
	}
	if err != nil {
		return Item{}, false, fmt.Errorf("%w: valkey get: %w", ErrTierUnavailable, err)
	}
	it := Item{Value: b}
	if ms, err := resps[1].AsInt64(); err == nil && ms > 0 {
		it.TTL = time.Duration(ms) * time.Millisecond
	}
	return it, true, nil
}

func (t *ValkeyTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	set := t.client.B().Set().Key(t.prefix + key).Value(string(value))
	var err error
	if ttl > 0 {
		err = t.client.Do(ctx, set.Ex(ttl).Build()).Error()
	} else {
		err = t.client.Do(ctx, set.Build()).Error()
	}
	if err != nil {
		return fmt.Errorf("%w: valkey set: %w", ErrTierUnavailable, err)
	}
	return nil
}

func (t *ValkeyTier) Delete(ctx context.Context, key string) (bool, error) {
	n, err := t.client.Do(ctx, t.client.B().Del().Key(t.prefix+key).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("%w: valkey del: %w", ErrTierUnavailable, err)
	}
	return n > 0, nil
}

// Keys scans the prefix and returns the keys without it.
func (t *ValkeyTier) Keys(ctx context.Context) ([]string, error) {
	var out []string
	var cursor uint64
	for {
		entry, err := t.client.Do(ctx, t.client.B().Scan().Cursor(cursor).Match(t.prefix+"*").Count(100).Build()).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("%w: valkey scan: %w", ErrTierUnavailable, err)
		}
		for _, k := range entry.Elements {
			out = append(out, strings.TrimPrefix(k, t.prefix))
		}
		if entry.Cursor == 0 {
			return out, nil
		}
		cursor = entry.Cursor
	}
}

// Clear scans the prefix and deletes each page of matches.
func (t *ValkeyTier) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		entry, err := t.client.Do(ctx, t.client.B().Scan().Cursor(cursor).Match(t.prefix+"*").Count(100).Build()).AsScanEntry()
		if err != nil {
			return fmt.Errorf("%w: valkey scan: %w", ErrTierUnavailable, err)
		}
		if len(entry.Elements) > 0 {
			if err := t.client.Do(ctx, t.client.B().Del().Key(entry.Elements...).Build()).Error(); err != nil {
				return fmt.Errorf("%w: valkey del: %w", ErrTierUnavailable, err)
			}
		}
		if entry.Cursor == 0 {
			return nil
		}
		cursor = entry.Cursor
	}
}

func (t *ValkeyTier) Close() error {
	t.client.Close()
	return nil
}
