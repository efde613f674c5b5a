package cache

import (
	"regexp"
	"sort"
	"sync"
)

// Target is the cache surface an Invalidator removes keys from.
type Target interface {
	Delete(key string) bool
	Keys() []string
}

// Invalidator maintains a tag -> keys index over a Target so groups of
// related entries can be dropped together.
type Invalidator struct {
	mu     sync.Mutex
	target Target
	tags   map[string]map[string]struct{}
}

func NewInvalidator(target Target) *Invalidator {
	return &Invalidator{target: target, tags: make(map[string]map[string]struct{})}
}

// Register associates key with each tag.
func (inv *Invalidator) Register(key string, tags ...string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	for _, tag := range tags {
		bucket, ok := inv.tags[tag]
		if !ok {
			bucket = make(map[string]struct{})
			inv.tags[tag] = bucket
		}
		bucket[key] = struct{}{}
	}
}

// Invalidate deletes every key registered under tag, clears the tag and
// returns how many keys were still present in the cache.
func (inv *Invalidator) Invalidate(tag string) int {
	inv.mu.Lock()
	bucket := inv.tags[tag]
	delete(inv.tags, tag)
	inv.mu.Unlock()

	n := 0
	for key := range bucket {
		if inv.target.Delete(key) {
			n++
		}
	}
	return n
}

// InvalidatePattern deletes every live key matching re.
func (inv *Invalidator) InvalidatePattern(re *regexp.Regexp) int {
	n := 0
	for _, key := range inv.target.Keys() {
		if re.MatchString(key) && inv.target.Delete(key) {
			n++
		}
	}
	return n
}

// Tags lists the tags that currently have registered keys.
func (inv *Invalidator) Tags() []string {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	out := make([]string, 0, len(inv.tags))
	for t := range inv.tags {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Keys lists the keys registered under tag.
func (inv *Invalidator) Keys(tag string) []string {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	out := make([]string, 0, len(inv.tags[tag]))
	for k := range inv.tags[tag] {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
