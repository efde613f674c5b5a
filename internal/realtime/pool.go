package realtime

import (
	"sort"
	"sync"
	"time"

	"github.com/joe14all/lab-portal-sub002/internal/metrics"
)

// ConnInfo is what the pool knows about a connection.
type ConnInfo struct {
	LabID       string    `json:"labId"`
	UserID      string    `json:"userId,omitempty"`
	Role        string    `json:"role,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// Sender delivers one message to one connection.
type Sender interface {
	Send(msg Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(Message) error

func (f SenderFunc) Send(msg Message) error { return f(msg) }

type PoolStats struct {
	Connections int            `json:"connections"`
	Labs        int            `json:"labs"`
	ByLab       map[string]int `json:"byLab"`
	ByRole      map[string]int `json:"byRole"`
}

type poolEntry struct {
	info   ConnInfo
	sender Sender
}

// Pool indexes live connections by lab. A connection belongs to at most one
// lab bucket and empty buckets are removed.
type Pool struct {
	mu    sync.RWMutex
	conns map[string]poolEntry
	labs  map[string]map[string]struct{}
}

func NewPool() *Pool {
	return &Pool{conns: map[string]poolEntry{}, labs: map[string]map[string]struct{}{}}
}

// Register adds or replaces connection id. Re-registering under another lab
// moves it between buckets.
func (p *Pool) Register(id string, info ConnInfo, sender Sender) {
	if info.ConnectedAt.IsZero() {
		info.ConnectedAt = time.Now().UTC()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.conns[id]; ok {
		p.leaveLocked(id, old.info.LabID)
	}
	p.conns[id] = poolEntry{info: info, sender: sender}
	bucket, ok := p.labs[info.LabID]
	if !ok {
		bucket = map[string]struct{}{}
		p.labs[info.LabID] = bucket
	}
	bucket[id] = struct{}{}
	metrics.RealtimeConnections.Set(float64(len(p.conns)))
}

// Unregister removes id and reports whether it was registered.
func (p *Pool) Unregister(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.conns[id]
	if !ok {
		return false
	}
	p.leaveLocked(id, e.info.LabID)
	delete(p.conns, id)
	metrics.RealtimeConnections.Set(float64(len(p.conns)))
	return true
}

func (p *Pool) leaveLocked(id, lab string) {
	bucket := p.labs[lab]
	delete(bucket, id)
	if len(bucket) == 0 {
		delete(p.labs, lab)
	}
}

// LabConnections returns the ids in lab, sorted.
func (p *Pool) LabConnections(lab string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.labs[lab]))
	for id := range p.labs[lab] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ConnectionsByRole returns the ids in lab whose role matches.
func (p *Pool) ConnectionsByRole(lab, role string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []string
	for id := range p.labs[lab] {
		if p.conns[id].info.Role == role {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// UserConnections returns every connection of user across labs.
func (p *Pool) UserConnections(user string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []string
	for id, e := range p.conns {
		if e.info.UserID == user {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// LabUserConnections returns the connections of user within lab.
func (p *Pool) LabUserConnections(lab, user string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []string
	for id := range p.labs[lab] {
		if p.conns[id].info.UserID == user {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (p *Pool) Info(id string) (ConnInfo, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.conns[id]
	return e.info, ok
}

func (p *Pool) sender(id string) (Sender, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.conns[id]
	return e.sender, ok
}

func (p *Pool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st := PoolStats{
		Connections: len(p.conns),
		Labs:        len(p.labs),
		ByLab:       make(map[string]int, len(p.labs)),
		ByRole:      map[string]int{},
	}
	for lab, bucket := range p.labs {
		st.ByLab[lab] = len(bucket)
	}
	for _, e := range p.conns {
		st.ByRole[e.info.Role]++
	}
	return st
}
