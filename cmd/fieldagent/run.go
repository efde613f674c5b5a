package main

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joe14all/lab-portal-sub002/internal/queue"
	"github.com/joe14all/lab-portal-sub002/internal/realtime"
)

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Watch connectivity, sync when it returns and stream dispatch events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context())
		},
	}
}

func (a *app) probeURL() string {
	if a.cfg.Agent.ProbeURL != "" {
		return a.cfg.Agent.ProbeURL
	}
	return strings.TrimRight(a.cfg.Agent.BaseURL, "/") + "/healthz"
}

// wsURL derives the realtime endpoint from the API base URL unless one is
// configured.
func (a *app) wsURL() string {
	if a.cfg.Agent.WSURL != "" {
		return a.cfg.Agent.WSURL
	}
	u, err := url.Parse(strings.TrimRight(a.cfg.Agent.BaseURL, "/"))
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/ws"
	return u.String()
}

func (a *app) run(ctx context.Context) error {
	mon := queue.NewMonitor(false, queue.MonitorOptions{
		ProbeURL: a.probeURL(),
		Interval: a.cfg.Agent.ProbeInterval,
		Logger:   a.log,
	})
	unwatch := mon.Subscribe(func(online bool) {
		a.log.Info().Bool("online", online).Msg("connectivity changed")
	})
	defer unwatch()

	stopAuto := a.queue.SetupAutoSync(ctx, mon, a.executor(), queue.AutoSyncOptions{
		Debounce: a.cfg.Queue.Debounce,
		Sync:     a.syncOptions(),
		OnResult: func(r queue.Report, err error) {
			if err == nil && r.Exhausted > 0 {
				a.log.Warn().Int("exhausted", r.Exhausted).Msg("actions failed permanently; use retry to requeue")
			}
		},
	})
	defer stopAuto()

	go mon.Run(ctx)
	if a.cfg.Queue.SyncInterval > 0 {
		go a.syncPeriodically(ctx, mon)
	}

	header := http.Header{}
	if a.cfg.Agent.Token != "" {
		header.Set("Authorization", "Bearer "+a.cfg.Agent.Token)
	}
	ch := realtime.NewChannel(realtime.Config{
		URL:                  a.wsURL(),
		Header:               header,
		HeartbeatInterval:    a.cfg.Realtime.HeartbeatInterval,
		ReconnectBase:        a.cfg.Realtime.ReconnectBase,
		ReconnectMax:         a.cfg.Realtime.ReconnectMax,
		MaxReconnectAttempts: a.cfg.Realtime.MaxReconnectAttempts,
		Logger:               a.log,
		OnReconnect: func(attempt int, delay time.Duration) {
			a.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("realtime reconnect scheduled")
		},
	})
	offState := ch.OnStateChange(func(from, to realtime.State) {
		a.log.Info().Stringer("from", from).Stringer("to", to).Msg("realtime state")
		// A live socket proves the API is reachable before the next probe does.
		if to == realtime.StateConnected {
			mon.SetOnline(true)
		}
	})
	defer offState()
	offAny := ch.OnAny(func(m realtime.Message) {
		if m.Type.Control() {
			return
		}
		ev := a.log.Info().Str("type", string(m.Type))
		if len(m.Data) > 0 {
			ev = ev.RawJSON("data", m.Data)
		}
		ev.Msg("dispatch event")
	})
	defer offAny()

	if err := ch.Connect(ctx); err != nil {
		a.log.Warn().Err(err).Msg("realtime unavailable, retrying in background")
	}

	a.log.Info().Str("base_url", a.cfg.Agent.BaseURL).Str("store", a.cfg.Queue.Store).Msg("field agent running")
	<-ctx.Done()
	ch.Disconnect()
	a.log.Info().Msg("field agent stopped")
	return nil
}

// syncPeriodically drains actions that one-shot commands enqueued while the
// daemon was already online, since auto-sync only fires on reconnect.
func (a *app) syncPeriodically(ctx context.Context, mon *queue.Monitor) {
	t := time.NewTicker(a.cfg.Queue.SyncInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if !mon.Online() {
			continue
		}
		r, err := a.queue.Sync(ctx, a.executor(), a.syncOptions())
		switch {
		case errors.Is(err, queue.ErrSyncInProgress):
		case err != nil:
			a.log.Warn().Err(err).Msg("periodic sync failed")
		case r.Exhausted > 0:
			a.log.Warn().Int("exhausted", r.Exhausted).Msg("actions failed permanently; use retry to requeue")
		}
	}
}
