package queue

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMonitorProbeAndTransitions(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	mon := NewMonitor(false, MonitorOptions{ProbeURL: srv.URL, HTTP: srv.Client()})
	var seen []bool
	off := mon.Subscribe(func(online bool) { seen = append(seen, online) })
	defer off()

	ctx := context.Background()
	if mon.Probe(ctx) {
		t.Fatal("503 should probe offline")
	}
	healthy.Store(true)
	if !mon.Probe(ctx) {
		t.Fatal("200 should probe online")
	}

	mon.SetOnline(mon.Probe(ctx))
	mon.SetOnline(true)
	mon.SetOnline(false)
	if len(seen) != 2 || !seen[0] || seen[1] {
		t.Fatalf("transitions = %v", seen)
	}
	if mon.Online() {
		t.Fatal("monitor should report offline")
	}

	srv.Close()
	if mon.Probe(ctx) {
		t.Fatal("closed server should probe offline")
	}
}

func TestMonitorDeliversTransitionsInOrder(t *testing.T) {
	mon := NewMonitor(false, MonitorOptions{})
	var mu sync.Mutex
	var seen []bool
	mon.Subscribe(func(online bool) {
		// A slow subscriber widens the window for a later transition to
		// overtake an earlier one.
		time.Sleep(100 * time.Microsecond)
		mu.Lock()
		seen = append(seen, online)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				mon.SetOnline((i+j)%2 == 0)
			}
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 {
		t.Fatal("no transitions delivered")
	}
	if !seen[0] {
		t.Fatal("first transition from offline must be online")
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] == seen[i-1] {
			t.Fatalf("transition %d repeats %v: delivered out of order", i, seen[i])
		}
	}
	if last := seen[len(seen)-1]; last != mon.Online() {
		t.Fatalf("last delivered %v, monitor reports %v", last, mon.Online())
	}
}
