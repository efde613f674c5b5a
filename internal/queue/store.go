package queue

import (
	"context"
	"sync"
)

// Store persists queue records. Queue serialises all calls, so
// implementations only need each Put and Delete to be atomic and durable.
type Store interface {
	Load(ctx context.Context) ([]Action, error)
	Put(ctx context.Context, a Action) error
	Delete(ctx context.Context, id string) error
	Close() error
}

// MemoryStore keeps records in process memory. Nothing survives a restart.
type MemoryStore struct {
	mu      sync.Mutex
	actions map[string]Action
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{actions: map[string]Action{}}
}

func (m *MemoryStore) Load(context.Context) ([]Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Action, 0, len(m.actions))
	for _, a := range m.actions {
		out = append(out, a.clone())
	}
	return out, nil
}

func (m *MemoryStore) Put(_ context.Context, a Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions[a.ID] = a.clone()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.actions, id)
	return nil
}

func (m *MemoryStore) Close() error { return nil }
