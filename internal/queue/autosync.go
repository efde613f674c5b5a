package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

const DefaultAutoSyncDebounce = 2 * time.Second

// ConnectivitySource reports connectivity transitions. Subscribe returns a
// function that removes the listener.
type ConnectivitySource interface {
	Subscribe(fn func(online bool)) (unsubscribe func())
}

type AutoSyncOptions struct {
	// Debounce is how long connectivity must stay restored before a sync runs.
	Debounce time.Duration
	Sync     SyncOptions
	// OnResult receives every auto-triggered sync outcome.
	OnResult func(Report, error)
}

// SetupAutoSync runs Sync whenever src reports connectivity restored and it
// holds for the debounce window. Going offline again cancels a pending
// trigger. The returned cleanup removes the listener and stops the timer.
func (q *Queue) SetupAutoSync(ctx context.Context, src ConnectivitySource, exec Executor, opts AutoSyncOptions) (cleanup func()) {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultAutoSyncDebounce
	}
	var (
		mu      sync.Mutex
		timer   *time.Timer
		stopped bool
	)
	fire := func() {
		mu.Lock()
		timer = nil
		if stopped || ctx.Err() != nil {
			mu.Unlock()
			return
		}
		mu.Unlock()

		report, err := q.Sync(ctx, exec, opts.Sync)
		switch {
		case errors.Is(err, ErrSyncInProgress):
			q.log.Debug().Msg("auto sync skipped, sync already running")
		case err != nil:
			q.log.Error().Err(err).Msg("auto sync failed")
		default:
			q.log.Info().Int("synced", report.Synced).Int("failed", report.Failed).Msg("auto sync complete")
		}
		if opts.OnResult != nil {
			opts.OnResult(report, err)
		}
	}

	unsubscribe := src.Subscribe(func(online bool) {
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return
		}
		if timer != nil {
			timer.Stop()
			timer = nil
		}
		if online {
			timer = time.AfterFunc(opts.Debounce, fire)
		}
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			mu.Lock()
			stopped = true
			if timer != nil {
				timer.Stop()
				timer = nil
			}
			mu.Unlock()
		})
	}
}
