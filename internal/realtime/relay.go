package realtime

import (
	"context"
	"sync"
)

// Delivery is a message addressed to a scope of connections. UserID wins over
// Role, and Role is scoped to LabID.
type Delivery struct {
	LabID   string  `json:"labId"`
	Role    string  `json:"role,omitempty"`
	UserID  string  `json:"userId,omitempty"`
	Message Message `json:"message"`
}

// Relay fans deliveries out across hub instances. Subscribe blocks until ctx
// is done and invokes fn for every delivery published by any instance,
// including the caller's own.
type Relay interface {
	Publish(ctx context.Context, d Delivery) error
	Subscribe(ctx context.Context, fn func(Delivery)) error
	Close() error
}

// LocalRelay connects hubs living in one process.
type LocalRelay struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(Delivery)
}

func NewLocalRelay() *LocalRelay {
	return &LocalRelay{subs: map[int]func(Delivery){}}
}

func (r *LocalRelay) Publish(_ context.Context, d Delivery) error {
	r.mu.RLock()
	fns := make([]func(Delivery), 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	r.mu.RUnlock()
	for _, fn := range fns {
		fn(d)
	}
	return nil
}

func (r *LocalRelay) Subscribe(ctx context.Context, fn func(Delivery)) error {
	r.mu.Lock()
	id := r.next
	r.next++
	r.subs[id] = fn
	r.mu.Unlock()

	<-ctx.Done()

	r.mu.Lock()
	delete(r.subs, id)
	r.mu.Unlock()
	return nil
}

func (r *LocalRelay) Close() error { return nil }
