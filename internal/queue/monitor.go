package queue

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type MonitorOptions struct {
	// ProbeURL is fetched on every tick. Without it the monitor only changes
	// through SetOnline.
	ProbeURL string
	Interval time.Duration
	HTTP     *http.Client
	Logger   zerolog.Logger
}

// Monitor tracks whether the remote system is reachable and notifies
// subscribers on each transition. Repeated reports of the same state are
// not delivered.
type Monitor struct {
	opts MonitorOptions

	// notify serialises transitions with their fan-out so subscribers see
	// them in the order they happened. Subscribers must not call SetOnline.
	notify sync.Mutex

	mu     sync.Mutex
	online bool
	subs   map[int]func(bool)
	nextID int
}

func NewMonitor(initial bool, opts MonitorOptions) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}
	if opts.HTTP == nil {
		opts.HTTP = &http.Client{Timeout: 5 * time.Second}
	}
	return &Monitor{opts: opts, online: initial, subs: map[int]func(bool){}}
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records the connectivity state and notifies subscribers when it changed.
func (m *Monitor) SetOnline(online bool) {
	m.notify.Lock()
	defer m.notify.Unlock()
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	m.opts.Logger.Info().Bool("online", online).Msg("connectivity changed")
	for _, fn := range subs {
		fn(online)
	}
}

func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Probe checks ProbeURL once. Any response below 500 counts as online.
func (m *Monitor) Probe(ctx context.Context) bool {
	if m.opts.ProbeURL == "" {
		return m.Online()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.opts.ProbeURL, nil)
	if err != nil {
		return false
	}
	resp, err := m.opts.HTTP.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// Run probes on every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	if m.opts.ProbeURL == "" {
		return
	}
	m.SetOnline(m.Probe(ctx))
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetOnline(m.Probe(ctx))
		}
	}
}
