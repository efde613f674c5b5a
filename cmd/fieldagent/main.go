// Command fieldagent runs on a driver's device: it keeps field actions in a
// durable queue while offline, drains them once the dispatch API is
// reachable and listens for live dispatch events.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/joe14all/lab-portal-sub002/internal/buildinfo"
	"github.com/joe14all/lab-portal-sub002/internal/config"
	"github.com/joe14all/lab-portal-sub002/internal/fieldclient"
	"github.com/joe14all/lab-portal-sub002/internal/logging"
	"github.com/joe14all/lab-portal-sub002/internal/queue"
)

var exampleUsage = strings.TrimSpace(`
  fieldagent run --base-url https://dispatch.example.com --token labA:driver:d1
  fieldagent enqueue UPDATE_STOP_STATUS '{"stopId":"s1","status":"arrived"}'
  fieldagent list -s failed -o yaml
  fieldagent sync
`)

// app is the state shared by subcommands once configuration is resolved.
type app struct {
	cfg   *config.Config
	log   zerolog.Logger
	store queue.Store
	queue *queue.Queue
}

func (a *app) executor() queue.Executor {
	return fieldclient.NewExecutor(a.fieldConfig()).Execute
}

func (a *app) fieldConfig() fieldclient.Config {
	return fieldclient.Config{
		BaseURL: a.cfg.Agent.BaseURL,
		Token:   a.cfg.Agent.Token,
		Secret:  a.cfg.Agent.Secret,
		Logger:  a.log,
	}
}

// close is safe to call more than once.
func (a *app) close() {
	if a.queue != nil {
		_ = a.queue.Close()
		a.queue = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("close store")
		}
		a.store = nil
	}
}

type globalFlags struct {
	config  string
	store   string
	path    string
	baseURL string
	token   string
	level   string
}

func main() {
	_ = godotenv.Load()

	var gf globalFlags
	a := &app{}

	root := &cobra.Command{
		Use:           "fieldagent",
		Short:         "Offline-first field action queue and live dispatch client",
		Example:       exampleUsage,
		Version:       fmt.Sprintf("%s %s/%s", buildinfo.Get().Version, runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(gf.config)
			if err != nil {
				return err
			}
			applyFlags(cmd.Flags(), &gf, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			a.cfg = cfg
			a.log = logging.New(cfg.Log.Level, cfg.Log.Format)

			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("open %s store: %w", cfg.Queue.Store, err)
			}
			a.store = store
			q, err := queue.Open(cmd.Context(), store, queue.Options{
				SyncedGrace: cfg.Queue.SyncedGrace,
				Logger:      a.log,
			})
			if err != nil {
				return err
			}
			a.queue = q
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&gf.config, "config", "", "config file (default ./config.yaml or ./configs/config.yaml)")
	pf.StringVar(&gf.store, "store", "", "queue store: bolt, file, postgres or memory")
	pf.StringVar(&gf.path, "path", "", "queue file (bolt) or directory (file)")
	pf.StringVar(&gf.baseURL, "base-url", "", "dispatch API base URL")
	pf.StringVar(&gf.token, "token", "", "bearer token for the dispatch API")
	pf.StringVar(&gf.level, "log-level", "", "log level")

	root.AddCommand(
		newRunCmd(a),
		newEnqueueCmd(a),
		newListCmd(a),
		newGetCmd(a),
		newRetryCmd(a),
		newRemoveCmd(a),
		newSyncCmd(a),
		newStatsCmd(a),
		newFetchCmd(a),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		a.close()
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// applyFlags overrides file and environment values with flags that were set
// explicitly on the command line.
func applyFlags(fs *pflag.FlagSet, gf *globalFlags, cfg *config.Config) {
	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "store":
			cfg.Queue.Store = gf.store
		case "path":
			cfg.Queue.Path = gf.path
		case "base-url":
			cfg.Agent.BaseURL = gf.baseURL
		case "token":
			cfg.Agent.Token = gf.token
		case "log-level":
			cfg.Log.Level = gf.level
		}
	})
}

func openStore(ctx context.Context, cfg *config.Config) (queue.Store, error) {
	switch cfg.Queue.Store {
	case "memory":
		return queue.NewMemoryStore(), nil
	case "file":
		if err := os.MkdirAll(cfg.Queue.Path, 0o755); err != nil {
			return nil, err
		}
		return queue.NewFileStore(cfg.Queue.Path), nil
	case "postgres":
		return queue.NewPostgresStore(ctx, cfg.Queue.DatabaseURL, cfg.Queue.Name)
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Queue.Path), 0o755); err != nil {
			return nil, err
		}
		return queue.OpenBoltStore(cfg.Queue.Path)
	}
}
