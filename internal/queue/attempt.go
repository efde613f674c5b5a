package queue

import (
	"context"
	"encoding/json"
)

// AttemptResult reports whether an action ran directly or was queued.
type AttemptResult struct {
	Executed bool   `json:"executed"`
	Value    any    `json:"value,omitempty"`
	QueuedID string `json:"queuedId,omitempty"`
}

// Attempt executes the action right away when online and queues it when
// offline or when the direct call fails. Invalid actions are rejected in
// both cases.
func (q *Queue) Attempt(ctx context.Context, online bool, exec Executor, t ActionType, payload json.RawMessage, opts EnqueueOptions) (AttemptResult, error) {
	if _, err := DecodePayload(t, payload); err != nil {
		return AttemptResult{}, err
	}
	if online {
		v, err := exec(ctx, t, payload)
		if err == nil {
			return AttemptResult{Executed: true, Value: v}, nil
		}
		q.log.Info().Err(err).Str("action_type", string(t)).Msg("direct execution failed, queueing")
	}
	id, err := q.Enqueue(ctx, t, payload, opts)
	if err != nil {
		return AttemptResult{}, err
	}
	return AttemptResult{QueuedID: id}, nil
}
