package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/joe14all/lab-portal-sub002/internal/api"
	"github.com/joe14all/lab-portal-sub002/internal/auth"
	"github.com/joe14all/lab-portal-sub002/internal/buildinfo"
	"github.com/joe14all/lab-portal-sub002/internal/cache"
	"github.com/joe14all/lab-portal-sub002/internal/config"
	"github.com/joe14all/lab-portal-sub002/internal/logging"
	"github.com/joe14all/lab-portal-sub002/internal/metrics"
	"github.com/joe14all/lab-portal-sub002/internal/realtime"
)

// parseFlags returns the --config path.
func parseFlags(args []string) (string, error) {
	fs := pflag.NewFlagSet("api", pflag.ContinueOnError)
	configFile := fs.StringP("config", "c", "", "path to config file")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if fs.NArg() > 0 {
		return "", fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return *configFile, nil
}

func main() {
	configFile, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		logging.New("info", "console").Fatal().Err(err).Msg("bad arguments")
	}

	_ = godotenv.Load()

	cfg, err := config.Load(configFile)
	if err != nil {
		logging.New("info", "console").Fatal().Err(err).Msg("failed to load config")
	}
	log := logging.New(cfg.Log.Level, cfg.Log.Format)
	metrics.RegisterDefault()

	tier, err := openTier(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("tier", cfg.Cache.Tier).Msg("failed to open cache tier")
	}
	relay, err := openRelay(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Str("relay", cfg.Realtime.Relay).Msg("failed to open relay")
	}
	defer relay.Close()

	opts := api.Options{
		Logger:       log,
		Auth:         auth.NewVerifierFromEnv(),
		ActionSecret: cfg.Server.ActionSecret,
		Relay:        relay,
		SendBuffer:   cfg.Realtime.SendBuffer,
		CacheMaxSize: cfg.Cache.MaxSize,
		CacheTTL:     cfg.Cache.TTL,
		CacheL2TTL:   cfg.Cache.L2TTL,
		RateLimit:    cfg.Server.RateLimit,
		RateBurst:    cfg.Server.RateBurst,
		Settings: map[string]any{
			"addr":        cfg.Server.Addr,
			"cacheTier":   cfg.Cache.Tier,
			"relay":       cfg.Realtime.Relay,
			"rateLimit":   cfg.Server.RateLimit,
			"signedInput": cfg.Server.ActionSecret != "",
		},
	}
	if tier != nil {
		// Assigned only when non-nil so the interface stays nil otherwise.
		opts.CacheTier = tier
		defer tier.Close()
		opts.Ready = func(ctx context.Context) error {
			_, _, err := tier.Get(ctx, "readyz")
			return err
		}
	}
	srv := api.NewServer(opts)
	defer srv.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := srv.Hub().Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("relay subscription ended")
		}
	}()

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		// No WriteTimeout: websocket and event-stream responses are long-lived.
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown")
		}
	}()

	bi := buildinfo.Get()
	log.Info().
		Str("addr", cfg.Server.Addr).
		Str("version", bi.Version).
		Str("commit", bi.Commit).
		Str("cache_tier", cfg.Cache.Tier).
		Str("relay", cfg.Realtime.Relay).
		Msg("API listening")
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server error")
	}
	log.Info().Msg("API stopped")
}

// openTier returns nil when no shared cache level is configured.
func openTier(cfg *config.Config) (cache.Tier, error) {
	switch cfg.Cache.Tier {
	case "redis":
		return cache.NewRedisTier(cfg.Redis.URL, cfg.Cache.Prefix)
	case "valkey":
		return cache.NewValkeyTier(cfg.Valkey.Addr, cfg.Cache.Prefix)
	}
	return nil, nil
}

func openRelay(cfg *config.Config, log zerolog.Logger) (realtime.Relay, error) {
	switch cfg.Realtime.Relay {
	case "redis":
		return realtime.NewRedisRelay(cfg.Redis.URL, log)
	case "nats":
		return realtime.NewNATSRelay(cfg.NATS.URL, log)
	}
	return realtime.NewLocalRelay(), nil
}
