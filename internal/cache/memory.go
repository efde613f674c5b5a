// Package cache provides the in-process TTL/LRU cache, its tag index, an
// optional persistent second tier and request de-duplication.
package cache

import (
	"container/list"
	"encoding/json"
	"sync"
	"time"

	"github.com/joe14all/lab-portal-sub002/internal/metrics"
)

const (
	DefaultMaxSize       = 1000
	DefaultTTL           = 5 * time.Minute
	DefaultSweepInterval = time.Minute
)

// Options configures a Memory cache. Zero values take the package defaults.
type Options struct {
	// Name labels the cache in metrics.
	Name    string
	MaxSize int
	// DefaultTTL applies when Set is called with ttl <= 0. A negative value
	// means entries set that way never expire.
	DefaultTTL time.Duration
	// SweepInterval is the period of the background expiry sweep. Negative
	// disables the sweep; expiry is still enforced on read.
	SweepInterval time.Duration
	Now           func() time.Time
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Size        int     `json:"size"`
	MaxSize     int     `json:"maxSize"`
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Expirations uint64  `json:"expirations"`
	HitRate     float64 `json:"hitRate"`
	// MemoryUsage is an estimate in bytes: key length plus JSON size of the value.
	MemoryUsage int64 `json:"memoryUsage"`
}

// EntryInfo describes a live entry without exposing its value.
type EntryInfo struct {
	Key          string     `json:"key"`
	CreatedAt    time.Time  `json:"createdAt"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	AccessCount  int64      `json:"accessCount"`
	LastAccessed time.Time  `json:"lastAccessed"`
}

type entry[V any] struct {
	key          string
	value        V
	createdAt    time.Time
	expiresAt    time.Time // zero => no TTL
	accessCount  int64
	lastAccessed time.Time
	elem         *list.Element
}

func (e *entry[V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Memory is a thread-safe cache with per-entry TTL and LRU eviction.
// The front of lru is the most recently accessed entry.
type Memory[V any] struct {
	mu    sync.Mutex
	opts  Options
	items map[string]*entry[V]
	lru   *list.List

	hits, misses, evictions, expirations uint64

	stop      chan struct{}
	closeOnce sync.Once
}

// NewMemory creates a cache and starts its expiry sweep.
func NewMemory[V any](opts Options) *Memory[V] {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.DefaultTTL == 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.SweepInterval == 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Name == "" {
		opts.Name = "default"
	}
	c := &Memory[V]{
		opts:  opts,
		items: make(map[string]*entry[V]),
		lru:   list.New(),
		stop:  make(chan struct{}),
	}
	if opts.SweepInterval > 0 {
		go c.sweep(opts.SweepInterval)
	}
	return c
}

// Get returns the value for key. An expired entry is removed and counted as
// both a miss and an expiration.
func (c *Memory[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	now := c.opts.Now()
	e, ok := c.items[key]
	if !ok {
		c.miss()
		return zero, false
	}
	if e.expired(now) {
		c.removeLocked(e)
		c.expirations++
		metrics.CacheRemovals.WithLabelValues(c.opts.Name, "expired").Inc()
		c.miss()
		return zero, false
	}
	e.accessCount++
	e.lastAccessed = now
	c.lru.MoveToFront(e.elem)
	c.hits++
	metrics.CacheRequests.WithLabelValues(c.opts.Name, "hit").Inc()
	return e.value, true
}

func (c *Memory[V]) miss() {
	c.misses++
	metrics.CacheRequests.WithLabelValues(c.opts.Name, "miss").Inc()
}

// Set stores value under key. When key is new and the cache is full, the
// least recently accessed entry is evicted first.
func (c *Memory[V]) Set(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.opts.Now()
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}

	if e, ok := c.items[key]; ok {
		e.value = value
		e.expiresAt = expiresAt
		e.lastAccessed = now
		c.lru.MoveToFront(e.elem)
		return
	}

	if len(c.items) >= c.opts.MaxSize {
		if back := c.lru.Back(); back != nil {
			c.removeLocked(back.Value.(*entry[V]))
			c.evictions++
			metrics.CacheRemovals.WithLabelValues(c.opts.Name, "evicted").Inc()
		}
	}

	e := &entry[V]{key: key, value: value, createdAt: now, expiresAt: expiresAt, lastAccessed: now}
	e.elem = c.lru.PushFront(e)
	c.items[key] = e
}

// Has reports whether key holds a live entry. It does not touch hit/miss
// counters or recency.
func (c *Memory[V]) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[key]
	if !ok {
		return false
	}
	if e.expired(c.opts.Now()) {
		c.removeLocked(e)
		c.expirations++
		metrics.CacheRemovals.WithLabelValues(c.opts.Name, "expired").Inc()
		return false
	}
	return true
}

// Delete removes key and reports whether it was present.
func (c *Memory[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeLocked(e)
	return true
}

// Clear removes every entry. Counters are kept.
func (c *Memory[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*entry[V])
	c.lru.Init()
}

// Keys returns the keys of live entries, most recently accessed first.
func (c *Memory[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.opts.Now()
	out := make([]string, 0, len(c.items))
	for el := c.lru.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry[V])
		if !e.expired(now) {
			out = append(out, e.key)
		}
	}
	return out
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (c *Memory[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Entry returns metadata for a live entry.
func (c *Memory[V]) Entry(key string) (EntryInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[key]
	if !ok || e.expired(c.opts.Now()) {
		return EntryInfo{}, false
	}
	info := EntryInfo{Key: e.key, CreatedAt: e.createdAt, AccessCount: e.accessCount, LastAccessed: e.lastAccessed}
	if !e.expiresAt.IsZero() {
		t := e.expiresAt
		info.ExpiresAt = &t
	}
	return info, true
}

// GetOrSet returns the cached value or calls fetch and caches its result.
// Concurrent misses on the same key each call fetch; wrap fetch with a
// Deduplicator to collapse them.
func (c *Memory[V]) GetOrSet(key string, fetch func() (V, error), ttl time.Duration) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := fetch()
	if err != nil {
		var zero V
		return zero, err
	}
	c.Set(key, v, ttl)
	return v, nil
}

// Stats returns a snapshot of the cache counters.
func (c *Memory[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Stats{
		Size:        len(c.items),
		MaxSize:     c.opts.MaxSize,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
	if total := c.hits + c.misses; total > 0 {
		st.HitRate = float64(c.hits) / float64(total)
	}
	for k, e := range c.items {
		st.MemoryUsage += int64(len(k))
		if b, err := json.Marshal(e.value); err == nil {
			st.MemoryUsage += int64(len(b))
		}
	}
	return st
}

// Close stops the background sweep. The cache stays usable.
func (c *Memory[V]) Close() {
	c.closeOnce.Do(func() { close(c.stop) })
}

func (c *Memory[V]) removeLocked(e *entry[V]) {
	c.lru.Remove(e.elem)
	delete(c.items, e.key)
}

func (c *Memory[V]) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.stop:
			return
		}
	}
}

func (c *Memory[V]) removeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.opts.Now()
	n := 0
	for _, e := range c.items {
		if e.expired(now) {
			c.removeLocked(e)
			n++
		}
	}
	c.expirations += uint64(n)
	if n > 0 {
		metrics.CacheRemovals.WithLabelValues(c.opts.Name, "expired").Add(float64(n))
	}
	return n
}
