package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/joe14all/lab-portal-sub002/internal/fieldclient"
	"github.com/joe14all/lab-portal-sub002/internal/queue"
)

func newEnqueueCmd(a *app) *cobra.Command {
	var (
		priority   string
		retryLimit int
		direct     bool
		meta       map[string]string
	)
	cmd := &cobra.Command{
		Use:   "enqueue TYPE [PAYLOAD|-]",
		Short: "Queue a field action; PAYLOAD is JSON, - reads stdin",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := queue.ParseActionType(args[0])
			if err != nil {
				return err
			}
			payload, err := readPayload(cmd.InOrStdin(), args[1:])
			if err != nil {
				return err
			}
			opts := queue.EnqueueOptions{
				Priority:   queue.Priority(strings.ToLower(priority)),
				RetryLimit: retryLimit,
				Metadata:   meta,
			}
			if opts.RetryLimit == 0 {
				opts.RetryLimit = a.cfg.Queue.RetryLimit
			}
			if direct {
				mon := queue.NewMonitor(false, queue.MonitorOptions{ProbeURL: a.probeURL(), Logger: a.log})
				res, err := a.queue.Attempt(cmd.Context(), mon.Probe(cmd.Context()), a.executor(), t, payload, opts)
				if err != nil {
					return err
				}
				return printValue(cmd.OutOrStdout(), "json", res)
			}
			id, err := a.queue.Enqueue(cmd.Context(), t, payload, opts)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&priority, "priority", string(queue.PriorityNormal), "normal or high")
	cmd.Flags().IntVar(&retryLimit, "retry-limit", 0, "attempts before the action fails (default from config)")
	cmd.Flags().BoolVar(&direct, "direct", false, "execute now when the API is reachable, queue otherwise")
	cmd.Flags().StringToStringVar(&meta, "meta", nil, "metadata key=value pairs")
	return cmd
}

func readPayload(stdin io.Reader, args []string) (json.RawMessage, error) {
	if len(args) == 0 {
		return json.RawMessage(`{}`), nil
	}
	if args[0] != "-" {
		return json.RawMessage(args[0]), nil
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return json.RawMessage(b), nil
}

func newListCmd(a *app) *cobra.Command {
	var (
		statuses []string
		output   string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued actions, high priority first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			want := make([]queue.Status, 0, len(statuses))
			for _, s := range statuses {
				st, err := queue.ParseStatus(s)
				if err != nil {
					return err
				}
				want = append(want, st)
			}
			list, err := a.queue.PendingActions(cmd.Context(), want...)
			if err != nil {
				return err
			}
			if output != "table" {
				return printValue(cmd.OutOrStdout(), output, list)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tPRIORITY\tRETRIES\tTIMESTAMP\tLAST ERROR")
			for _, act := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
					act.ID, act.Type, act.Status, act.Priority, act.Retries, act.RetryLimit,
					act.Timestamp.Local().Format(time.DateTime), act.LastError)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "filter by status (pending, syncing, synced, failed)")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "table, json or yaml")
	return cmd
}

func newGetCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "get ID",
		Short: "Show one action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			act, err := a.queue.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printValue(cmd.OutOrStdout(), output, act)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "json", "json or yaml")
	return cmd
}

func newRetryCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "retry [ID]",
		Short: "Return failed actions to pending",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := args
			if all {
				failed, err := a.queue.PendingActions(cmd.Context(), queue.StatusFailed)
				if err != nil {
					return err
				}
				for _, act := range failed {
					ids = append(ids, act.ID)
				}
			}
			if len(ids) == 0 {
				return fmt.Errorf("an action id or --all is required")
			}
			for _, id := range ids {
				if _, err := a.queue.Retry(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "retry every failed action")
	return cmd
}

func newRemoveCmd(a *app) *cobra.Command {
	var synced bool
	cmd := &cobra.Command{
		Use:     "remove [ID]",
		Aliases: []string{"rm"},
		Short:   "Delete an action, or every synced action with --synced",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if synced {
				n, err := a.queue.ClearSynced(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d\n", n)
				return nil
			}
			if len(args) == 0 {
				return fmt.Errorf("an action id or --synced is required")
			}
			return a.queue.Remove(cmd.Context(), args[0])
		},
	}
	cmd.Flags().BoolVar(&synced, "synced", false, "clear synced actions now")
	return cmd
}

func newSyncCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Drain pending actions against the dispatch API once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := a.syncOptions()
			opts.OnProgress = func(p queue.Progress) {
				ev := a.log.Info()
				if p.Result.Err != nil {
					ev = a.log.Warn().Err(p.Result.Err)
				}
				ev.Int("done", p.Done).Int("total", p.Total).
					Str("action_id", p.Result.ID).
					Str("status", string(p.Result.Status)).
					Msg("sync progress")
			}
			report, err := a.queue.Sync(cmd.Context(), a.executor(), opts)
			if err != nil {
				return err
			}
			return printValue(cmd.OutOrStdout(), output, report)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "json", "json or yaml")
	return cmd
}

func (a *app) syncOptions() queue.SyncOptions {
	opts := queue.SyncOptions{MaxConcurrent: a.cfg.Queue.MaxConcurrent}
	if a.cfg.Queue.SyncRate > 0 {
		opts.Limiter = rate.NewLimiter(rate.Limit(a.cfg.Queue.SyncRate), 1)
	}
	return opts
}

func newStatsCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count actions by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.queue.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printValue(cmd.OutOrStdout(), output, st)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "json", "json or yaml")
	return cmd
}

func newFetchCmd(a *app) *cobra.Command {
	var (
		ttl     time.Duration
		refresh bool
	)
	cmd := &cobra.Command{
		Use:   "fetch PATH",
		Short: "GET an API path through the on-device cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closer, err := fieldclient.OpenCache(a.cfg.Agent.CachePath, a.log)
			if err != nil {
				return fmt.Errorf("open cache: %w", err)
			}
			defer closer.Close()
			c := fieldclient.NewClient(a.fieldConfig(), store)
			if refresh {
				if err := c.Invalidate(cmd.Context(), args[0]); err != nil {
					return err
				}
			}
			body, err := c.Get(cmd.Context(), args[0], ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(body))
			return err
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "cache lifetime (default from cache settings)")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "drop the cached copy first")
	return cmd
}

func printValue(w io.Writer, format string, v any) error {
	switch format {
	case "yaml":
		// Round-trip through JSON so yaml keys match the json tags.
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(b, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	case "json", "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return fmt.Errorf("unknown output format %q", format)
}
