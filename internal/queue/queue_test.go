package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var startRoute = json.RawMessage(`{"routeId":"r1"}`)

func newTestQueue(t *testing.T, store Store, opts Options) *Queue {
	t.Helper()
	q, err := Open(context.Background(), store, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func mustEnqueue(t *testing.T, q *Queue, typ ActionType, payload string, opts EnqueueOptions) string {
	t.Helper()
	id, err := q.Enqueue(context.Background(), typ, json.RawMessage(payload), opts)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return id
}

func alwaysFail(context.Context, ActionType, json.RawMessage) (any, error) {
	return nil, errors.New("network unreachable")
}

func alwaysOK(_ context.Context, t ActionType, _ json.RawMessage) (any, error) {
	return string(t), nil
}

func TestEnqueueRejectsInvalidActions(t *testing.T) {
	store := NewMemoryStore()
	q := newTestQueue(t, store, Options{})
	ctx := context.Background()

	cases := []struct {
		typ     ActionType
		payload string
	}{
		{"TELEPORT", `{}`},
		{ActionUpdateStopStatus, `{"status":"arrived"}`},
		{ActionUpdateLocation, `{}`},
		{ActionUpdateLocation, `{"location":{"lat":100,"lon":0}}`},
		{ActionStartRoute, `[]`},
		{ActionStartRoute, `not json`},
		{ActionUploadPhoto, `{"stopId":"s1","geohash":"ab!"}`},
	}
	for _, tc := range cases {
		if _, err := q.Enqueue(ctx, tc.typ, json.RawMessage(tc.payload), EnqueueOptions{}); !errors.Is(err, ErrValidation) {
			t.Errorf("Enqueue(%s, %s) = %v, want ErrValidation", tc.typ, tc.payload, err)
		}
	}
	if _, err := q.Enqueue(ctx, ActionStartRoute, startRoute, EnqueueOptions{Priority: "urgent"}); !errors.Is(err, ErrValidation) {
		t.Errorf("bad priority: %v", err)
	}
	if loaded, _ := store.Load(ctx); len(loaded) != 0 {
		t.Fatalf("invalid actions persisted: %+v", loaded)
	}
}

func TestEnqueueDefaultsAndPersists(t *testing.T) {
	store := NewMemoryStore()
	q := newTestQueue(t, store, Options{})
	id := mustEnqueue(t, q, ActionUpdateLocation, `{"location":{"lat":40.71,"lon":-74.0}}`, EnqueueOptions{Metadata: map[string]string{"device": "van-3"}})

	a, err := q.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != StatusPending || a.RetryLimit != 3 || a.Priority != PriorityNormal || a.Retries != 0 {
		t.Fatalf("action = %+v", a)
	}
	if a.Metadata["device"] != "van-3" {
		t.Fatalf("metadata = %v", a.Metadata)
	}
	loaded, _ := store.Load(context.Background())
	if len(loaded) != 1 || loaded[0].ID != id {
		t.Fatalf("store = %+v", loaded)
	}
}

func TestPendingActionsOrdering(t *testing.T) {
	q := newTestQueue(t, NewMemoryStore(), Options{})
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	late := mustEnqueue(t, q, ActionStartRoute, `{"routeId":"late"}`, EnqueueOptions{Timestamp: base.Add(2 * time.Minute)})
	high := mustEnqueue(t, q, ActionStartRoute, `{"routeId":"high"}`, EnqueueOptions{Priority: PriorityHigh, Timestamp: base.Add(5 * time.Minute)})
	early := mustEnqueue(t, q, ActionStartRoute, `{"routeId":"early"}`, EnqueueOptions{Timestamp: base})

	got, err := q.PendingActions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []string{high, early, late}
	if len(got) != len(want) {
		t.Fatalf("got %d actions", len(got))
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Fatalf("position %d = %s, want %s", i, got[i].ID, want[i])
		}
	}
}

func TestSyncAlwaysFailingReachesFailedAfterRetryLimit(t *testing.T) {
	q := newTestQueue(t, NewMemoryStore(), Options{})
	ctx := context.Background()
	id := mustEnqueue(t, q, ActionStartRoute, string(startRoute), EnqueueOptions{RetryLimit: 3})

	for i := 1; i <= 3; i++ {
		rep, err := q.Sync(ctx, alwaysFail, SyncOptions{})
		if err != nil {
			t.Fatalf("sync %d: %v", i, err)
		}
		if rep.Failed != 1 || rep.Synced != 0 {
			t.Fatalf("sync %d report = %+v", i, rep)
		}
		a, _ := q.Get(ctx, id)
		if a.Retries != i {
			t.Fatalf("after sync %d retries = %d", i, a.Retries)
		}
		if i < 3 && a.Status != StatusPending {
			t.Fatalf("after sync %d status = %s", i, a.Status)
		}
		if i == 3 {
			if rep.Exhausted != 1 || !errors.Is(rep.Results[0].Err, ErrRetryExhausted) {
				t.Fatalf("final report = %+v", rep)
			}
		}
	}
	a, _ := q.Get(ctx, id)
	if a.Status != StatusFailed || a.Retries != 3 || a.LastError != "network unreachable" {
		t.Fatalf("final action = %+v", a)
	}

	// failed actions are not retried automatically
	rep, _ := q.Sync(ctx, alwaysFail, SyncOptions{})
	if len(rep.Results) != 0 {
		t.Fatalf("failed action was synced again: %+v", rep)
	}

	if _, err := q.Retry(ctx, id); err != nil {
		t.Fatal(err)
	}
	a, _ = q.Get(ctx, id)
	if a.Status != StatusPending || a.Retries != 0 || a.LastError != "" {
		t.Fatalf("after retry = %+v", a)
	}
}

func TestSyncSuccessRemovedAfterGrace(t *testing.T) {
	q := newTestQueue(t, NewMemoryStore(), Options{SyncedGrace: 30 * time.Millisecond})
	ctx := context.Background()
	id := mustEnqueue(t, q, ActionStartRoute, string(startRoute), EnqueueOptions{})

	rep, err := q.Sync(ctx, alwaysOK, SyncOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Synced != 1 || rep.Results[0].Value != "START_ROUTE" {
		t.Fatalf("report = %+v", rep)
	}
	a, err := q.Get(ctx, id)
	if err != nil || a.Status != StatusSynced || a.SyncedAt == nil {
		t.Fatalf("after sync = %+v, %v", a, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		all, _ := q.PendingActions(ctx)
		if len(all) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("synced action still present: %+v", all)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := q.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after grace = %v", err)
	}
}

func TestSyncContainsFailuresWithinBatch(t *testing.T) {
	q := newTestQueue(t, NewMemoryStore(), Options{SyncedGrace: time.Hour})
	ctx := context.Background()
	var bad string
	for i := 0; i < 5; i++ {
		id := mustEnqueue(t, q, ActionStartRoute, fmt.Sprintf(`{"routeId":"r%d"}`, i), EnqueueOptions{})
		if i == 1 {
			bad = id
		}
	}
	exec := func(_ context.Context, _ ActionType, p json.RawMessage) (any, error) {
		if string(p) == `{"routeId":"r1"}` {
			return nil, errors.New("500 from server")
		}
		return nil, nil
	}
	rep, err := q.Sync(ctx, exec, SyncOptions{MaxConcurrent: 3})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Synced != 4 || rep.Failed != 1 {
		t.Fatalf("report = %+v", rep)
	}
	a, _ := q.Get(ctx, bad)
	if a.Status != StatusPending || a.Retries != 1 {
		t.Fatalf("bad action = %+v", a)
	}
}

func TestSyncBoundsConcurrency(t *testing.T) {
	q := newTestQueue(t, NewMemoryStore(), Options{SyncedGrace: time.Hour})
	for i := 0; i < 7; i++ {
		mustEnqueue(t, q, ActionStartRoute, fmt.Sprintf(`{"routeId":"r%d"}`, i), EnqueueOptions{})
	}
	var inFlight, peak atomic.Int32
	exec := func(context.Context, ActionType, json.RawMessage) (any, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return nil, nil
	}
	var progress []int
	rep, err := q.Sync(context.Background(), exec, SyncOptions{MaxConcurrent: 2, OnProgress: func(p Progress) {
		progress = append(progress, p.Done)
		if p.Total != 7 {
			t.Errorf("progress total = %d", p.Total)
		}
	}})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Synced != 7 {
		t.Fatalf("report = %+v", rep)
	}
	if peak.Load() > 2 {
		t.Fatalf("peak concurrency = %d", peak.Load())
	}
	if len(progress) != 7 || progress[6] != 7 {
		t.Fatalf("progress = %v", progress)
	}
}

func TestSyncWorksOnSnapshot(t *testing.T) {
	q := newTestQueue(t, NewMemoryStore(), Options{SyncedGrace: time.Hour})
	ctx := context.Background()
	mustEnqueue(t, q, ActionStartRoute, string(startRoute), EnqueueOptions{})

	var lateID string
	exec := func(ctx context.Context, _ ActionType, _ json.RawMessage) (any, error) {
		id, err := q.Enqueue(ctx, ActionEndRoute, json.RawMessage(`{"routeId":"r1"}`), EnqueueOptions{})
		lateID = id
		return nil, err
	}
	rep, err := q.Sync(ctx, exec, SyncOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Results) != 1 {
		t.Fatalf("results = %+v", rep.Results)
	}
	a, _ := q.Get(ctx, lateID)
	if a.Status != StatusPending {
		t.Fatalf("action enqueued mid-sync = %+v", a)
	}
}

func TestSyncRejectsConcurrentPass(t *testing.T) {
	q := newTestQueue(t, NewMemoryStore(), Options{})
	ctx := context.Background()
	mustEnqueue(t, q, ActionStartRoute, string(startRoute), EnqueueOptions{})

	started := make(chan struct{})
	release := make(chan struct{})
	exec := func(context.Context, ActionType, json.RawMessage) (any, error) {
		close(started)
		<-release
		return nil, nil
	}
	done := make(chan error, 1)
	go func() {
		_, err := q.Sync(ctx, exec, SyncOptions{})
		done <- err
	}()
	<-started
	if _, err := q.Sync(ctx, alwaysOK, SyncOptions{}); !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("second sync = %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestRemoveAndClearSynced(t *testing.T) {
	q := newTestQueue(t, NewMemoryStore(), Options{SyncedGrace: time.Hour})
	ctx := context.Background()
	a := mustEnqueue(t, q, ActionStartRoute, string(startRoute), EnqueueOptions{})
	if _, err := q.Sync(ctx, alwaysOK, SyncOptions{}); err != nil {
		t.Fatal(err)
	}
	b := mustEnqueue(t, q, ActionEndRoute, string(startRoute), EnqueueOptions{})

	if n, err := q.ClearSynced(ctx); err != nil || n != 1 {
		t.Fatalf("ClearSynced = %d, %v", n, err)
	}
	if _, err := q.Get(ctx, a); !errors.Is(err, ErrNotFound) {
		t.Fatalf("synced action kept: %v", err)
	}
	if err := q.Remove(ctx, b); err != nil {
		t.Fatal(err)
	}
	if err := q.Remove(ctx, b); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second remove = %v", err)
	}
	st, _ := q.Stats(ctx)
	if st.Total != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestOpenRecoversInterruptedSync(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	old := time.Now().Add(-time.Hour)
	_ = store.Put(ctx, Action{ID: "a", Type: ActionStartRoute, Payload: startRoute, Status: StatusSyncing, RetryLimit: 3, Priority: PriorityNormal})
	_ = store.Put(ctx, Action{ID: "b", Type: ActionStartRoute, Payload: startRoute, Status: StatusSynced, SyncedAt: &old, RetryLimit: 3})
	_ = store.Put(ctx, Action{ID: "c", Type: ActionStartRoute, Payload: startRoute, Status: StatusFailed, Retries: 3, RetryLimit: 3})

	q := newTestQueue(t, store, Options{})
	st, _ := q.Stats(ctx)
	if st.Pending != 1 || st.Synced != 0 || st.Failed != 1 || st.Syncing != 0 {
		t.Fatalf("stats = %+v", st)
	}
	loaded, _ := store.Load(ctx)
	for _, a := range loaded {
		if a.ID == "b" {
			t.Fatal("expired synced action not purged from store")
		}
		if a.ID == "a" && a.Status != StatusPending {
			t.Fatalf("recovered status persisted as %s", a.Status)
		}
	}
}

type failingStore struct {
	*MemoryStore
	failPut bool
}

func (f *failingStore) Put(ctx context.Context, a Action) error {
	if f.failPut {
		return errors.New("disk full")
	}
	return f.MemoryStore.Put(ctx, a)
}

func TestPersistenceFailureSurfaced(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore()}
	q := newTestQueue(t, store, Options{})
	ctx := context.Background()
	id := mustEnqueue(t, q, ActionStartRoute, string(startRoute), EnqueueOptions{})

	store.failPut = true
	if _, err := q.Enqueue(ctx, ActionStartRoute, startRoute, EnqueueOptions{}); !errors.Is(err, ErrPersistence) {
		t.Fatalf("Enqueue = %v", err)
	}
	rep, err := q.Sync(ctx, alwaysOK, SyncOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Synced != 0 || !errors.Is(rep.Results[0].Err, ErrPersistence) {
		t.Fatalf("report = %+v", rep)
	}
	a, _ := q.Get(ctx, id)
	if a.Status != StatusPending {
		t.Fatalf("status after failed claim = %s", a.Status)
	}
	all, _ := q.PendingActions(ctx)
	if len(all) != 1 {
		t.Fatalf("unpersisted action visible: %d", len(all))
	}
}

func TestBoltStoreSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	store, err := OpenBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	q, err := Open(ctx, store, Options{})
	if err != nil {
		t.Fatal(err)
	}
	id := mustEnqueue(t, q, ActionReportException, `{"stopId":"s1","reason":"closed"}`, EnqueueOptions{Priority: PriorityHigh})
	_ = q.Close()
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	store, err = OpenBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	q = newTestQueue(t, store, Options{})
	a, err := q.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if a.Type != ActionReportException || a.Priority != PriorityHigh || string(a.Payload) != `{"stopId":"s1","reason":"closed"}` {
		t.Fatalf("reloaded = %+v", a)
	}
}

func TestFileStoreSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	q := newTestQueue(t, NewFileStore(dir), Options{})
	keep := mustEnqueue(t, q, ActionCompletePickup, `{"pickupId":"p1"}`, EnqueueOptions{})
	drop := mustEnqueue(t, q, ActionCompletePickup, `{"pickupId":"p2"}`, EnqueueOptions{})
	if err := q.Remove(ctx, drop); err != nil {
		t.Fatal(err)
	}

	fs := NewFileStore(dir)
	loaded, err := fs.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1 || loaded[0].ID != keep {
		t.Fatalf("loaded = %+v", loaded)
	}
	if _, err := os.Stat(fs.Path() + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}
}

func TestSharedStoreAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		name string
		open func(t *testing.T, dir string) Store
	}{
		{"file", func(t *testing.T, dir string) Store { return NewFileStore(dir) }},
		{"bolt", func(t *testing.T, dir string) Store {
			s, err := OpenBoltStore(filepath.Join(dir, "queue.db"))
			if err != nil {
				t.Fatal(err)
			}
			return s
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			daemon := newTestQueue(t, tc.open(t, dir), Options{SyncedGrace: time.Hour})
			cli := newTestQueue(t, tc.open(t, dir), Options{SyncedGrace: time.Hour})

			fromCLI := mustEnqueue(t, cli, ActionStartRoute, string(startRoute), EnqueueOptions{})
			fromDaemon := mustEnqueue(t, daemon, ActionEndRoute, `{"routeId":"r1"}`, EnqueueOptions{})

			reopened := newTestQueue(t, tc.open(t, dir), Options{SyncedGrace: time.Hour})
			for _, id := range []string{fromCLI, fromDaemon} {
				if _, err := reopened.Get(ctx, id); err != nil {
					t.Fatalf("action %s lost on disk: %v", id, err)
				}
			}

			rep, err := daemon.Sync(ctx, alwaysOK, SyncOptions{})
			if err != nil {
				t.Fatal(err)
			}
			if rep.Synced != 2 {
				t.Fatalf("daemon synced %d, want 2 (report %+v)", rep.Synced, rep)
			}
			a, err := daemon.Get(ctx, fromCLI)
			if err != nil || a.Status != StatusSynced {
				t.Fatalf("cli action after daemon sync = %+v, %v", a, err)
			}

			if err := cli.Refresh(ctx); err != nil {
				t.Fatal(err)
			}
			if err := cli.Remove(ctx, fromDaemon); err != nil {
				t.Fatal(err)
			}
			if err := daemon.Refresh(ctx); err != nil {
				t.Fatal(err)
			}
			if _, err := daemon.Get(ctx, fromDaemon); !errors.Is(err, ErrNotFound) {
				t.Fatalf("removed action still visible to daemon: %v", err)
			}
		})
	}
}

func TestAutoSyncDebouncesFlapping(t *testing.T) {
	q := newTestQueue(t, NewMemoryStore(), Options{SyncedGrace: time.Hour})
	mustEnqueue(t, q, ActionStartRoute, string(startRoute), EnqueueOptions{})
	mon := NewMonitor(false, MonitorOptions{})

	var calls atomic.Int32
	results := make(chan Report, 4)
	cleanup := q.SetupAutoSync(context.Background(), mon, func(context.Context, ActionType, json.RawMessage) (any, error) {
		calls.Add(1)
		return nil, nil
	}, AutoSyncOptions{Debounce: 40 * time.Millisecond, OnResult: func(r Report, _ error) { results <- r }})
	defer cleanup()

	mon.SetOnline(true)
	mon.SetOnline(false)
	mon.SetOnline(true)
	mon.SetOnline(true)

	select {
	case r := <-results:
		if r.Synced != 1 {
			t.Fatalf("report = %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("auto sync never ran")
	}
	time.Sleep(100 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Fatalf("executor called %d times", n)
	}
	if len(results) != 0 {
		t.Fatal("auto sync ran more than once")
	}
}

func TestAutoSyncCleanupCancelsPendingTrigger(t *testing.T) {
	q := newTestQueue(t, NewMemoryStore(), Options{})
	mustEnqueue(t, q, ActionStartRoute, string(startRoute), EnqueueOptions{})
	mon := NewMonitor(false, MonitorOptions{})
	var calls atomic.Int32
	cleanup := q.SetupAutoSync(context.Background(), mon, func(context.Context, ActionType, json.RawMessage) (any, error) {
		calls.Add(1)
		return nil, nil
	}, AutoSyncOptions{Debounce: 20 * time.Millisecond})

	mon.SetOnline(true)
	cleanup()
	cleanup()
	time.Sleep(80 * time.Millisecond)
	mon.SetOnline(false)
	mon.SetOnline(true)
	time.Sleep(80 * time.Millisecond)
	if n := calls.Load(); n != 0 {
		t.Fatalf("executor called %d times after cleanup", n)
	}
}

func TestAttempt(t *testing.T) {
	q := newTestQueue(t, NewMemoryStore(), Options{})
	ctx := context.Background()

	res, err := q.Attempt(ctx, true, alwaysOK, ActionStartRoute, startRoute, EnqueueOptions{})
	if err != nil || !res.Executed || res.QueuedID != "" {
		t.Fatalf("online success = %+v, %v", res, err)
	}
	res, err = q.Attempt(ctx, true, alwaysFail, ActionStartRoute, startRoute, EnqueueOptions{})
	if err != nil || res.Executed || res.QueuedID == "" {
		t.Fatalf("online failure = %+v, %v", res, err)
	}
	var called bool
	var mu sync.Mutex
	res, err = q.Attempt(ctx, false, func(context.Context, ActionType, json.RawMessage) (any, error) {
		mu.Lock()
		called = true
		mu.Unlock()
		return nil, nil
	}, ActionStartRoute, startRoute, EnqueueOptions{})
	if err != nil || res.QueuedID == "" || called {
		t.Fatalf("offline = %+v, %v, called=%v", res, err, called)
	}
	if _, err := q.Attempt(ctx, true, alwaysOK, ActionStartRoute, json.RawMessage(`{}`), EnqueueOptions{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("invalid attempt = %v", err)
	}
	st, _ := q.Stats(ctx)
	if st.Pending != 2 {
		t.Fatalf("stats = %+v", st)
	}
}
