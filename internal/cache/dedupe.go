package cache

import (
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Deduplicator collapses concurrent calls for the same key into one
// invocation whose result every caller shares. The key is released as soon
// as the call settles, success or failure.
type Deduplicator[V any] struct {
	group    singleflight.Group
	inflight atomic.Int64
	callers  atomic.Int64
}

// Dedupe runs fn for key unless a call for key is already running, in which
// case it waits for and returns that call's result.
func (d *Deduplicator[V]) Dedupe(key string, fn func() (V, error)) (V, error) {
	d.callers.Add(1)
	defer d.callers.Add(-1)

	v, err, _ := d.group.Do(key, func() (any, error) {
		d.inflight.Add(1)
		defer d.inflight.Add(-1)
		return fn()
	})
	if err != nil {
		var zero V
		return zero, err
	}
	out, _ := v.(V)
	return out, nil
}

// InFlight is the number of distinct keys currently being fetched.
func (d *Deduplicator[V]) InFlight() int {
	return int(d.inflight.Load())
}

// Waiting is the number of callers blocked in Dedupe, leaders included.
func (d *Deduplicator[V]) Waiting() int {
	return int(d.callers.Load())
}

// Forget drops key so the next call starts a fresh fetch even if one is running.
func (d *Deduplicator[V]) Forget(key string) {
	d.group.Forget(key)
}
