package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// MultiLevelOptions sets per-level TTLs. L2TTL <= 0 stores without expiry.
type MultiLevelOptions struct {
	L1TTL  time.Duration
	L2TTL  time.Duration
	Logger zerolog.Logger
}

// MultiLevel reads through an in-memory L1 to an optional byte-oriented L2.
// L2 hits are promoted into L1. L2 read failures degrade to a miss.
type MultiLevel[V any] struct {
	l1   *Memory[V]
	l2   Tier
	opts MultiLevelOptions
}

// NewMultiLevel wraps l1 and, when l2 is non-nil, a second tier.
func NewMultiLevel[V any](l1 *Memory[V], l2 Tier, opts MultiLevelOptions) *MultiLevel[V] {
	return &MultiLevel[V]{l1: l1, l2: l2, opts: opts}
}

// L1 returns the in-memory level.
func (m *MultiLevel[V]) L1() *Memory[V] { return m.l1 }

func (m *MultiLevel[V]) Get(ctx context.Context, key string) (V, bool) {
	if v, ok := m.l1.Get(key); ok {
		return v, true
	}
	var zero V
	if m.l2 == nil {
		return zero, false
	}
	it, ok, err := m.l2.Get(ctx, key)
	if err != nil {
		m.opts.Logger.Warn().Err(err).Str("key", key).Msg("l2 get failed")
		return zero, false
	}
	if !ok {
		return zero, false
	}
	var v V
	if err := json.Unmarshal(it.Value, &v); err != nil {
		m.opts.Logger.Warn().Err(err).Str("key", key).Msg("l2 value undecodable, dropping")
		_, _ = m.l2.Delete(ctx, key)
		return zero, false
	}
	m.l1.Set(key, v, m.promoteTTL(it.TTL))
	return v, true
}

// promoteTTL is the L1 lifetime for a value with remaining L2 lifetime
// left: the L1 TTL, never outliving the L2 copy.
func (m *MultiLevel[V]) promoteTTL(left time.Duration) time.Duration {
	ttl := m.opts.L1TTL
	if ttl <= 0 {
		ttl = m.l1.opts.DefaultTTL
	}
	if left > 0 && (ttl <= 0 || left < ttl) {
		return left
	}
	return ttl
}

// Set writes both levels. L1 is always updated; an L2 error is returned.
func (m *MultiLevel[V]) Set(ctx context.Context, key string, v V) error {
	return m.set(ctx, key, v, m.opts.L1TTL, m.opts.L2TTL)
}

// SetTTL is Set with one ttl for both levels. A zero ttl uses the configured ones.
func (m *MultiLevel[V]) SetTTL(ctx context.Context, key string, v V, ttl time.Duration) error {
	if ttl == 0 {
		return m.Set(ctx, key, v)
	}
	return m.set(ctx, key, v, ttl, ttl)
}

func (m *MultiLevel[V]) set(ctx context.Context, key string, v V, l1TTL, l2TTL time.Duration) error {
	m.l1.Set(key, v, l1TTL)
	if m.l2 == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache: encode %q: %w", key, err)
	}
	return m.l2.Set(ctx, key, raw, l2TTL)
}

func (m *MultiLevel[V]) Delete(ctx context.Context, key string) error {
	m.l1.Delete(key)
	if m.l2 == nil {
		return nil
	}
	_, err := m.l2.Delete(ctx, key)
	return err
}

func (m *MultiLevel[V]) Clear(ctx context.Context) error {
	m.l1.Clear()
	if m.l2 == nil {
		return nil
	}
	return m.l2.Clear(ctx)
}

// Target adapts m for an Invalidator. Keys cover both levels so pattern
// invalidation reaches values that live only in L2. L2 calls use a short
// background deadline.
func (m *MultiLevel[V]) Target() Target { return multiTarget[V]{m} }

type multiTarget[V any] struct{ m *MultiLevel[V] }

const targetTimeout = 2 * time.Second

func (t multiTarget[V]) Delete(key string) bool {
	had := t.m.l1.Delete(key)
	if t.m.l2 != nil {
		ctx, cancel := context.WithTimeout(context.Background(), targetTimeout)
		defer cancel()
		inL2, err := t.m.l2.Delete(ctx, key)
		if err != nil {
			t.m.opts.Logger.Warn().Err(err).Str("key", key).Msg("l2 delete failed")
		}
		had = had || inL2
	}
	return had
}

func (t multiTarget[V]) Keys() []string {
	keys := t.m.l1.Keys()
	if t.m.l2 == nil {
		return keys
	}
	ctx, cancel := context.WithTimeout(context.Background(), targetTimeout)
	defer cancel()
	remote, err := t.m.l2.Keys(ctx)
	if err != nil {
		t.m.opts.Logger.Warn().Err(err).Msg("l2 keys failed")
		return keys
	}
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		seen[k] = struct{}{}
	}
	for _, k := range remote {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	return keys
}
