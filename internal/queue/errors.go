package queue

import "errors"

var (
	// ErrValidation marks malformed actions or payloads. They are never persisted.
	ErrValidation = errors.New("queue: validation failed")
	// ErrPersistence wraps local store failures. The operation is aborted.
	ErrPersistence = errors.New("queue: persistence failed")
	// ErrRetryExhausted is recorded on actions that reached StatusFailed.
	ErrRetryExhausted = errors.New("queue: retry limit exhausted")
	ErrNotFound       = errors.New("queue: action not found")
	// ErrSyncInProgress is returned when Sync is called while another pass runs.
	ErrSyncInProgress = errors.New("queue: sync already in progress")
	ErrClosed         = errors.New("queue: closed")
)
