package cache

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// mapTier is an in-memory Tier with an optional forced failure.
type mapTier struct {
	mu   sync.Mutex
	data map[string][]byte
	fail error
	sets int
}

func newMapTier() *mapTier { return &mapTier{data: map[string][]byte{}} }

func (m *mapTier) Get(_ context.Context, key string) (Item, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return Item{}, false, m.fail
	}
	b, ok := m.data[key]
	return Item{Value: b}, ok, nil
}

func (m *mapTier) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.sets++
	m.data[key] = value
	return nil
}

func (m *mapTier) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	delete(m.data, key)
	return ok, nil
}

func (m *mapTier) Keys(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.data))
	for k := range m.data {
		out = append(out, k)
	}
	return out, nil
}

func (m *mapTier) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = map[string][]byte{}
	return nil
}

func (m *mapTier) Close() error { return nil }

type stop struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func TestMultiLevelPromotesFromL2(t *testing.T) {
	ctx := context.Background()
	tier := newMapTier()
	tier.data["stop:1"] = []byte(`{"id":"1","status":"arrived"}`)

	l1 := NewMemory[stop](Options{SweepInterval: -1})
	defer l1.Close()
	ml := NewMultiLevel[stop](l1, tier, MultiLevelOptions{L1TTL: time.Minute, L2TTL: time.Hour})

	v, ok := ml.Get(ctx, "stop:1")
	if !ok || v.Status != "arrived" {
		t.Fatalf("get = %+v, %v", v, ok)
	}
	if !l1.Has("stop:1") {
		t.Fatal("l2 hit not promoted into l1")
	}
	if _, ok := ml.Get(ctx, "stop:2"); ok {
		t.Fatal("unexpected hit")
	}
}

func TestMultiLevelSetWritesThrough(t *testing.T) {
	ctx := context.Background()
	tier := newMapTier()
	l1 := NewMemory[stop](Options{SweepInterval: -1})
	defer l1.Close()
	ml := NewMultiLevel[stop](l1, tier, MultiLevelOptions{})

	if err := ml.Set(ctx, "stop:9", stop{ID: "9", Status: "pending"}); err != nil {
		t.Fatal(err)
	}
	if string(tier.data["stop:9"]) != `{"id":"9","status":"pending"}` {
		t.Fatalf("l2 = %s", tier.data["stop:9"])
	}
	if err := ml.Delete(ctx, "stop:9"); err != nil {
		t.Fatal(err)
	}
	if l1.Has("stop:9") || len(tier.data) != 0 {
		t.Fatal("delete did not reach both levels")
	}
}

func TestMultiLevelL2FailureDegradesToMiss(t *testing.T) {
	ctx := context.Background()
	tier := newMapTier()
	tier.fail = errors.New("connection refused")
	l1 := NewMemory[stop](Options{SweepInterval: -1})
	defer l1.Close()
	ml := NewMultiLevel[stop](l1, tier, MultiLevelOptions{})

	if _, ok := ml.Get(ctx, "stop:1"); ok {
		t.Fatal("hit from failing tier")
	}
	if err := ml.Set(ctx, "stop:1", stop{ID: "1"}); err == nil {
		t.Fatal("expected l2 set error")
	}
	if v, ok := ml.Get(ctx, "stop:1"); !ok || v.ID != "1" {
		t.Fatal("l1 should still hold the value")
	}
}

func TestMultiLevelDropsUndecodableL2Value(t *testing.T) {
	ctx := context.Background()
	tier := newMapTier()
	tier.data["stop:1"] = []byte(`not json`)
	l1 := NewMemory[stop](Options{SweepInterval: -1})
	defer l1.Close()
	ml := NewMultiLevel[stop](l1, tier, MultiLevelOptions{})
	if _, ok := ml.Get(ctx, "stop:1"); ok {
		t.Fatal("undecodable value returned")
	}
	if _, ok := tier.data["stop:1"]; ok {
		t.Fatal("undecodable value kept in l2")
	}
}

func TestInvalidatorOverMultiLevel(t *testing.T) {
	ctx := context.Background()
	tier := newMapTier()
	l1 := NewMemory[stop](Options{SweepInterval: -1})
	defer l1.Close()
	ml := NewMultiLevel[stop](l1, tier, MultiLevelOptions{})
	inv := NewInvalidator(ml.Target())

	_ = ml.Set(ctx, "stop:1", stop{ID: "1"})
	inv.Register("stop:1", "route:7")
	if n := inv.Invalidate("route:7"); n != 1 {
		t.Fatalf("invalidated %d", n)
	}
	if _, ok := ml.Get(ctx, "stop:1"); ok {
		t.Fatal("invalidated key still readable")
	}

	// Keys that only survive in L2 are still matched by pattern.
	_ = ml.Set(ctx, "labA/nearby/x", stop{ID: "x"})
	_ = ml.Set(ctx, "labB/nearby/y", stop{ID: "y"})
	l1.Delete("labA/nearby/x")
	if n := inv.InvalidatePattern(regexp.MustCompile(`^labA/`)); n != 1 {
		t.Fatalf("pattern invalidated %d, want 1", n)
	}
	if _, ok := ml.Get(ctx, "labA/nearby/x"); ok {
		t.Fatal("l2-only key survived pattern invalidation")
	}
	if _, ok := ml.Get(ctx, "labB/nearby/y"); !ok {
		t.Fatal("pattern removed another lab's key")
	}
}

func TestMultiLevelPromotionKeepsL2Expiry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	tier, err := OpenBoltTier(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer tier.Close()
	tier.now = clock.Now
	l1 := NewMemory[stop](Options{SweepInterval: -1, Now: clock.Now})
	defer l1.Close()
	ml := NewMultiLevel[stop](l1, tier, MultiLevelOptions{L1TTL: time.Minute, L2TTL: time.Hour})

	if err := ml.SetTTL(ctx, "stop:1", stop{ID: "1"}, 10*time.Second); err != nil {
		t.Fatal(err)
	}
	l1.Delete("stop:1")
	clock.Advance(5 * time.Second)
	if _, ok := ml.Get(ctx, "stop:1"); !ok {
		t.Fatal("expected l2 hit before expiry")
	}
	e, ok := l1.Entry("stop:1")
	if !ok || e.ExpiresAt == nil || !e.ExpiresAt.Equal(clock.Now().Add(5*time.Second)) {
		t.Fatalf("promoted entry = %+v, want expiry at the l2 deadline", e)
	}
	clock.Advance(6 * time.Second)
	if _, ok := ml.Get(ctx, "stop:1"); ok {
		t.Fatal("value served after its ttl")
	}
}

func TestDeduplicatorCollapsesConcurrentCalls(t *testing.T) {
	var d Deduplicator[string]
	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func() (string, error) {
		calls.Add(1)
		<-release
		return "value", nil
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := d.Dedupe("k", fetch)
			if err != nil {
				t.Errorf("dedupe: %v", err)
			}
			results[i] = v
		}(i)
	}

	deadline := time.Now().Add(2 * time.Second)
	for d.Waiting() < n {
		if time.Now().After(deadline) {
			t.Fatalf("only %d callers arrived", d.Waiting())
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if d.InFlight() != 1 {
		t.Fatalf("in flight = %d", d.InFlight())
	}
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("fetch called %d times", got)
	}
	for i, v := range results {
		if v != "value" {
			t.Fatalf("caller %d got %q", i, v)
		}
	}
	if d.InFlight() != 0 {
		t.Fatal("marker not released")
	}
}

func TestDeduplicatorReleasesAfterError(t *testing.T) {
	var d Deduplicator[int]
	boom := errors.New("boom")
	if _, err := d.Dedupe("k", func() (int, error) { return 0, boom }); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	v, err := d.Dedupe("k", func() (int, error) { return 42, nil })
	if err != nil || v != 42 {
		t.Fatalf("second call = %d, %v", v, err)
	}
}
