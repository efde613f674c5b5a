package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/joe14all/lab-portal-sub002/internal/metrics"
)

const DefaultMaxConcurrent = 3

// Executor performs one action against the remote system. A returned error
// counts as a transient failure and consumes one retry.
type Executor func(ctx context.Context, t ActionType, payload json.RawMessage) (any, error)

type SyncOptions struct {
	// MaxConcurrent bounds executor calls in flight; it is also the batch size.
	MaxConcurrent int
	// OnProgress is called after each batch for every action it settled.
	OnProgress func(Progress)
	// Limiter, when set, is waited on before each executor call.
	Limiter *rate.Limiter
}

type Progress struct {
	Done   int
	Total  int
	Result Result
}

// Result is the outcome of one action in a sync pass.
type Result struct {
	ID     string     `json:"id"`
	Type   ActionType `json:"actionType"`
	Status Status     `json:"status"`
	Value  any        `json:"value,omitempty"`
	Err    error      `json:"-"`
	Error  string     `json:"error,omitempty"`
}

// Report aggregates a sync pass. Failed counts every failed execution,
// including actions returned to pending; Exhausted counts those that
// became terminal in this pass.
type Report struct {
	Synced    int      `json:"synced"`
	Failed    int      `json:"failed"`
	Exhausted int      `json:"exhausted"`
	Skipped   int      `json:"skipped"`
	Results   []Result `json:"results"`
}

// Sync drains the actions that are pending when it is called, in sequential
// batches of MaxConcurrent run concurrently. Per-action failures are
// recorded in the report and never abort the pass. The snapshot is taken
// after a Refresh, so actions other processes wrote to the store are
// included. Actions enqueued while a pass runs wait for the next one. The returned error is ErrSyncInProgress,
// a persistence error while taking the snapshot, or ctx's error if the pass
// was cut short.
func (q *Queue) Sync(ctx context.Context, exec Executor, opts SyncOptions) (Report, error) {
	if !q.syncing.CompareAndSwap(false, true) {
		return Report{}, ErrSyncInProgress
	}
	defer q.syncing.Store(false)

	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	start := time.Now()
	defer func() { metrics.QueueSyncDuration.Observe(time.Since(start).Seconds()) }()

	if err := q.Refresh(ctx); err != nil {
		return Report{}, err
	}
	snapshot, err := q.PendingActions(ctx, StatusPending)
	if err != nil {
		return Report{}, err
	}
	report := Report{Results: make([]Result, 0, len(snapshot))}
	if len(snapshot) == 0 {
		return report, nil
	}
	q.log.Info().Int("actions", len(snapshot)).Int("max_concurrent", opts.MaxConcurrent).Msg("sync started")

	done := 0
	for i := 0; i < len(snapshot); i += opts.MaxConcurrent {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		end := i + opts.MaxConcurrent
		if end > len(snapshot) {
			end = len(snapshot)
		}
		batch := snapshot[i:end]
		results := make([]Result, len(batch))

		var g errgroup.Group
		for j, a := range batch {
			g.Go(func() error {
				results[j] = q.syncOne(ctx, exec, a, opts.Limiter)
				return nil
			})
		}
		_ = g.Wait()

		for _, r := range results {
			switch {
			case r.Status == StatusSynced:
				report.Synced++
			case errors.Is(r.Err, errSkipped):
				report.Skipped++
			default:
				report.Failed++
				if r.Status == StatusFailed {
					report.Exhausted++
				}
			}
			if r.Err != nil {
				r.Error = r.Err.Error()
			}
			report.Results = append(report.Results, r)
			done++
			if opts.OnProgress != nil {
				opts.OnProgress(Progress{Done: done, Total: len(snapshot), Result: r})
			}
		}
	}
	q.log.Info().Int("synced", report.Synced).Int("failed", report.Failed).Int("exhausted", report.Exhausted).
		Dur("took", time.Since(start)).Msg("sync finished")
	return report, nil
}

var errSkipped = errors.New("queue: action no longer pending")

func (q *Queue) syncOne(ctx context.Context, exec Executor, a Action, limiter *rate.Limiter) Result {
	res := Result{ID: a.ID, Type: a.Type}

	claimed, err := q.apply(ctx, a.ID, func(x *Action) error {
		if x.Status != StatusPending {
			return errSkipped
		}
		x.Status = StatusSyncing
		return nil
	})
	if err != nil {
		res.Status = claimed.Status
		if errors.Is(err, ErrNotFound) {
			err = fmt.Errorf("%w: %w", errSkipped, err)
		}
		res.Err = err
		return res
	}

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			q.release(a.ID)
			res.Status = StatusPending
			res.Err = fmt.Errorf("%w: %w", errSkipped, err)
			return res
		}
	}

	value, execErr := exec(ctx, claimed.Type, claimed.Payload)
	now := q.opts.Now().UTC()

	if execErr == nil {
		_, err := q.apply(ctx, a.ID, func(x *Action) error {
			x.Status = StatusSynced
			x.SyncedAt = &now
			x.LastError = ""
			return nil
		})
		if err != nil {
			q.release(a.ID)
			res.Status = StatusPending
			res.Err = err
			return res
		}
		q.afterSynced(ctx, a.ID)
		metrics.QueueSyncOutcomes.WithLabelValues(string(a.Type), "synced").Inc()
		q.log.Debug().Str("action_id", a.ID).Str("action_type", string(a.Type)).Msg("action synced")
		res.Status = StatusSynced
		res.Value = value
		return res
	}

	updated, err := q.apply(ctx, a.ID, func(x *Action) error {
		x.Retries++
		x.LastError = execErr.Error()
		if x.Retries >= x.RetryLimit {
			x.Status = StatusFailed
		} else {
			x.Status = StatusPending
		}
		return nil
	})
	if err != nil {
		q.release(a.ID)
		res.Status = StatusPending
		res.Err = errors.Join(execErr, err)
		return res
	}
	res.Status = updated.Status
	if updated.Status == StatusFailed {
		res.Err = fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, updated.Retries, execErr)
		metrics.QueueSyncOutcomes.WithLabelValues(string(a.Type), "failed").Inc()
		q.log.Warn().Err(execErr).Str("action_id", a.ID).Str("action_type", string(a.Type)).Int("retries", updated.Retries).Msg("action failed permanently")
	} else {
		res.Err = execErr
		metrics.QueueSyncOutcomes.WithLabelValues(string(a.Type), "retry").Inc()
		q.log.Debug().Err(execErr).Str("action_id", a.ID).Int("retries", updated.Retries).Msg("action will retry")
	}
	return res
}

// release puts a claimed action back to pending in memory after its state
// could not be persisted. The store still holds syncing, which Open
// recovers to pending after a restart.
func (q *Queue) release(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if a, ok := q.actions[id]; ok && a.Status == StatusSyncing {
		a.Status = StatusPending
		q.actions[id] = a
		q.publishDepthLocked()
	}
}

func (q *Queue) afterSynced(ctx context.Context, id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if q.opts.SyncedGrace > 0 {
		q.scheduleDeleteLocked(id, q.opts.SyncedGrace)
		return
	}
	if err := q.store.Delete(ctx, id); err != nil {
		q.log.Error().Err(err).Str("action_id", id).Msg("synced action cleanup failed")
		return
	}
	q.dropLocked(id)
}
