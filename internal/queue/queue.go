package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/joe14all/lab-portal-sub002/internal/metrics"
)

const (
	DefaultRetryLimit  = 3
	DefaultSyncedGrace = 5 * time.Second
)

// Options configures a Queue.
type Options struct {
	// SyncedGrace is how long a synced action stays visible before it is
	// deleted. Negative deletes it as soon as it is marked synced.
	SyncedGrace time.Duration
	Logger      zerolog.Logger
	Now         func() time.Time
	NewID       func() string
}

type EnqueueOptions struct {
	Priority   Priority
	RetryLimit int
	Metadata   map[string]string
	// Timestamp is when the action happened on the device. Defaults to now.
	Timestamp time.Time
}

type Stats struct {
	Pending int `json:"pending"`
	Syncing int `json:"syncing"`
	Synced  int `json:"synced"`
	Failed  int `json:"failed"`
	Total   int `json:"total"`
}

// Queue is a durable action queue. All mutations go through q.mu and are
// written to the store before the in-memory view changes.
type Queue struct {
	store Store
	opts  Options
	log   zerolog.Logger

	mu      sync.Mutex
	actions map[string]Action
	timers  map[string]*time.Timer
	closed  bool

	syncing atomic.Bool
}

// Open loads the queue from store. Actions left syncing by a crash return to
// pending, and synced actions whose grace window has passed are purged.
func Open(ctx context.Context, store Store, opts Options) (*Queue, error) {
	if opts.SyncedGrace == 0 {
		opts.SyncedGrace = DefaultSyncedGrace
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	q := &Queue{
		store:   store,
		opts:    opts,
		log:     opts.Logger,
		actions: map[string]Action{},
		timers:  map[string]*time.Timer{},
	}
	loaded, err := store.Load(ctx)
	if err != nil {
		return nil, persistErr("load", err)
	}
	now := opts.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, a := range loaded {
		switch a.Status {
		case StatusSyncing:
			a.Status = StatusPending
			if err := store.Put(ctx, a); err != nil {
				return nil, persistErr("recover "+a.ID, err)
			}
			q.log.Warn().Str("action_id", a.ID).Str("action_type", string(a.Type)).Msg("recovered interrupted sync")
		case StatusSynced:
			remaining := q.opts.SyncedGrace
			if a.SyncedAt != nil {
				remaining = a.SyncedAt.Add(q.opts.SyncedGrace).Sub(now)
			}
			if remaining <= 0 {
				if err := store.Delete(ctx, a.ID); err != nil {
					return nil, persistErr("purge "+a.ID, err)
				}
				continue
			}
			q.scheduleDeleteLocked(a.ID, remaining)
		}
		q.actions[a.ID] = a
	}
	q.publishDepthLocked()
	q.log.Info().Int("actions", len(q.actions)).Msg("queue opened")
	return q, nil
}

// Refresh reloads the store and adopts changes written by other processes
// sharing it: new actions, status changes and removals. Actions this queue
// is syncing right now are left alone.
func (q *Queue) Refresh(ctx context.Context) error {
	loaded, err := q.store.Load(ctx)
	if err != nil {
		return persistErr("refresh", err)
	}
	now := q.opts.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	onDisk := make(map[string]bool, len(loaded))
	added := 0
	for _, a := range loaded {
		onDisk[a.ID] = true
		cur, had := q.actions[a.ID]
		if had && (cur.Status == StatusSyncing || a.Status == StatusSyncing) {
			// Either this queue is syncing it, or a claim whose result could
			// not be persisted was released here.
			continue
		}
		if !had {
			added++
		}
		q.actions[a.ID] = a
		if a.Status == StatusSynced {
			if _, scheduled := q.timers[a.ID]; !scheduled {
				remaining := q.opts.SyncedGrace
				if a.SyncedAt != nil {
					remaining = a.SyncedAt.Add(q.opts.SyncedGrace).Sub(now)
				}
				if remaining < time.Millisecond {
					remaining = time.Millisecond
				}
				q.scheduleDeleteLocked(a.ID, remaining)
			}
		}
	}
	for id, a := range q.actions {
		if !onDisk[id] && a.Status != StatusSyncing {
			q.dropLocked(id)
		}
	}
	q.publishDepthLocked()
	if added > 0 {
		q.log.Debug().Int("added", added).Msg("queue refreshed from store")
	}
	return nil
}

func persistErr(op string, err error) error {
	if errors.Is(err, ErrPersistence) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

// Enqueue validates and persists a new pending action and returns its id.
func (q *Queue) Enqueue(ctx context.Context, t ActionType, payload json.RawMessage, opts EnqueueOptions) (string, error) {
	a, err := q.newAction(t, payload, opts)
	if err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrClosed
	}
	if err := q.store.Put(ctx, a); err != nil {
		return "", persistErr("enqueue", err)
	}
	q.actions[a.ID] = a
	q.publishDepthLocked()
	metrics.QueueEnqueued.WithLabelValues(string(t)).Inc()
	q.log.Debug().Str("action_id", a.ID).Str("action_type", string(t)).Str("priority", string(a.Priority)).Msg("action enqueued")
	return a.ID, nil
}

func (q *Queue) newAction(t ActionType, payload json.RawMessage, opts EnqueueOptions) (Action, error) {
	if _, err := DecodePayload(t, payload); err != nil {
		return Action{}, err
	}
	switch opts.Priority {
	case "":
		opts.Priority = PriorityNormal
	case PriorityNormal, PriorityHigh:
	default:
		return Action{}, fmt.Errorf("%w: unknown priority %q", ErrValidation, opts.Priority)
	}
	if opts.RetryLimit <= 0 {
		opts.RetryLimit = DefaultRetryLimit
	}
	now := q.opts.Now().UTC()
	ts := opts.Timestamp
	if ts.IsZero() {
		ts = now
	}
	a := Action{
		ID:         q.opts.NewID(),
		Type:       t,
		Payload:    append(json.RawMessage(nil), payload...),
		Status:     StatusPending,
		Timestamp:  ts.UTC(),
		CreatedAt:  now,
		RetryLimit: opts.RetryLimit,
		Priority:   opts.Priority,
	}
	if len(opts.Metadata) > 0 {
		a.Metadata = make(map[string]string, len(opts.Metadata))
		for k, v := range opts.Metadata {
			a.Metadata[k] = v
		}
	}
	return a, nil
}

// PendingActions returns the actions in any of statuses, or every action
// when no status is given, ordered high priority first then by Timestamp.
func (q *Queue) PendingActions(ctx context.Context, statuses ...Status) ([]Action, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	want := map[Status]bool{}
	for _, s := range statuses {
		want[s] = true
	}
	out := make([]Action, 0, len(q.actions))
	for _, a := range q.actions {
		if len(want) == 0 || want[a.Status] {
			out = append(out, a.clone())
		}
	}
	sortActions(out)
	return out, nil
}

func sortActions(list []Action) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Priority.rank() != b.Priority.rank() {
			return a.Priority.rank() < b.Priority.rank()
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func (q *Queue) Get(ctx context.Context, id string) (Action, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Action{}, ErrClosed
	}
	a, ok := q.actions[id]
	if !ok {
		return Action{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a.clone(), nil
}

// Retry returns a failed action to pending with its retry count reset.
// Retrying a pending action is a no-op.
func (q *Queue) Retry(ctx context.Context, id string) (Action, error) {
	return q.apply(ctx, id, func(a *Action) error {
		switch a.Status {
		case StatusFailed:
			a.Status = StatusPending
			a.Retries = 0
			a.LastError = ""
		case StatusPending:
		default:
			return fmt.Errorf("%w: action %s is %s", ErrValidation, id, a.Status)
		}
		return nil
	})
}

// Remove deletes an action in any state.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if _, ok := q.actions[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := q.store.Delete(ctx, id); err != nil {
		return persistErr("remove "+id, err)
	}
	q.dropLocked(id)
	return nil
}

// ClearSynced deletes every synced action now instead of waiting for its
// grace window, and returns how many were removed.
func (q *Queue) ClearSynced(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrClosed
	}
	n := 0
	for id, a := range q.actions {
		if a.Status != StatusSynced {
			continue
		}
		if err := q.store.Delete(ctx, id); err != nil {
			q.publishDepthLocked()
			return n, persistErr("clear "+id, err)
		}
		q.dropLocked(id)
		n++
	}
	return n, nil
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Stats{}, ErrClosed
	}
	return q.statsLocked(), nil
}

// Close cancels pending grace deletions. The store stays open and owned by
// the caller.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
	return nil
}

// apply runs fn on a copy of the action and persists the result. The
// in-memory view only changes when the store write succeeds.
func (q *Queue) apply(ctx context.Context, id string, fn func(*Action) error) (Action, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Action{}, ErrClosed
	}
	cur, ok := q.actions[id]
	if !ok {
		return Action{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := cur.clone()
	if err := fn(&next); err != nil {
		return cur.clone(), err
	}
	if err := q.store.Put(ctx, next); err != nil {
		return cur.clone(), persistErr("update "+id, err)
	}
	q.actions[id] = next
	q.publishDepthLocked()
	return next.clone(), nil
}

func (q *Queue) dropLocked(id string) {
	if t, ok := q.timers[id]; ok {
		t.Stop()
		delete(q.timers, id)
	}
	delete(q.actions, id)
	q.publishDepthLocked()
}

func (q *Queue) scheduleDeleteLocked(id string, after time.Duration) {
	if t, ok := q.timers[id]; ok {
		t.Stop()
	}
	q.timers[id] = time.AfterFunc(after, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.timers, id)
		if q.closed {
			return
		}
		a, ok := q.actions[id]
		if !ok || a.Status != StatusSynced {
			return
		}
		if err := q.store.Delete(ctx, id); err != nil {
			q.log.Error().Err(err).Str("action_id", id).Msg("synced action cleanup failed")
			return
		}
		delete(q.actions, id)
		q.publishDepthLocked()
	})
}

func (q *Queue) statsLocked() Stats {
	var st Stats
	for _, a := range q.actions {
		switch a.Status {
		case StatusPending:
			st.Pending++
		case StatusSyncing:
			st.Syncing++
		case StatusSynced:
			st.Synced++
		case StatusFailed:
			st.Failed++
		}
	}
	st.Total = len(q.actions)
	return st
}

func (q *Queue) publishDepthLocked() {
	st := q.statsLocked()
	metrics.QueueDepth.WithLabelValues(string(StatusPending)).Set(float64(st.Pending))
	metrics.QueueDepth.WithLabelValues(string(StatusSyncing)).Set(float64(st.Syncing))
	metrics.QueueDepth.WithLabelValues(string(StatusSynced)).Set(float64(st.Synced))
	metrics.QueueDepth.WithLabelValues(string(StatusFailed)).Set(float64(st.Failed))
}
