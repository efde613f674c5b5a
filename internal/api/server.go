// Package api implements the dispatch HTTP service: field action ingest,
// geo lookups, the realtime endpoint and cache administration.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/joe14all/lab-portal-sub002/internal/auth"
	"github.com/joe14all/lab-portal-sub002/internal/cache"
	"github.com/joe14all/lab-portal-sub002/internal/metrics"
	"github.com/joe14all/lab-portal-sub002/internal/realtime"
)

const (
	DefaultNearbyRadiusKm  = 5.0
	DefaultToleranceMeters = 50.0
	locationPrecision      = 7
	maxActionBody          = 8 << 20
)

type Options struct {
	Logger zerolog.Logger
	Auth   *auth.Verifier
	// ActionSecret, when set, requires X-Signature on field actions.
	ActionSecret string

	// Relay fans realtime deliveries across instances; nil is in-process.
	Relay      realtime.Relay
	SendBuffer int

	// CacheTier is the optional shared second level for API responses.
	CacheTier    cache.Tier
	CacheMaxSize int
	CacheTTL     time.Duration
	CacheL2TTL   time.Duration

	// RateLimit is requests per second per client; 0 disables it.
	RateLimit float64
	RateBurst int

	// Ready reports backing-service health for /readyz.
	Ready func(ctx context.Context) error
	// Settings is echoed by /debug/info.
	Settings map[string]any
}

type Server struct {
	opts      Options
	log       zerolog.Logger
	auth      *auth.Verifier
	hub       *realtime.Hub
	locations *LocationCache
	activity  *ActivityLog

	responses   *cache.MultiLevel[json.RawMessage]
	invalidator *cache.Invalidator
	dedupe      cache.Deduplicator[json.RawMessage]
}

func NewServer(opts Options) *Server {
	if opts.Auth == nil {
		opts.Auth = &auth.Verifier{Mode: "dev"}
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 30 * time.Second
	}
	s := &Server{
		opts:      opts,
		log:       opts.Logger,
		auth:      opts.Auth,
		locations: NewLocationCache(),
		activity:  NewActivityLog(50),
	}
	s.hub = realtime.NewHub(realtime.HubOptions{
		Logger:     opts.Logger,
		Relay:      opts.Relay,
		SendBuffer: opts.SendBuffer,
		OnInbound:  s.onInbound,
	})
	l1 := cache.NewMemory[json.RawMessage](cache.Options{
		Name:       "api_responses",
		MaxSize:    opts.CacheMaxSize,
		DefaultTTL: opts.CacheTTL,
	})
	s.responses = cache.NewMultiLevel(l1, opts.CacheTier, cache.MultiLevelOptions{
		L1TTL:  opts.CacheTTL,
		L2TTL:  opts.CacheL2TTL,
		Logger: opts.Logger,
	})
	s.invalidator = cache.NewInvalidator(s.responses.Target())
	return s
}

// Hub exposes the realtime hub so the caller can Run its relay loop.
func (s *Server) Hub() *realtime.Hub { return s.hub }

// Close stops background work owned by the server.
func (s *Server) Close() {
	s.responses.L1().Close()
}

// Routes returns the service handler with middleware applied.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/field-actions/{type}", s.FieldActionHandler)
	mux.HandleFunc("GET /v1/routes/{id}/activity", s.RouteActivityHandler)
	mux.HandleFunc("GET /v1/drivers", s.DriversHandler)
	mux.HandleFunc("GET /v1/drivers/nearby", s.NearbyDriversHandler)

	mux.HandleFunc("GET /v1/geo/encode", s.GeoEncodeHandler)
	mux.HandleFunc("GET /v1/geo/decode", s.GeoDecodeHandler)
	mux.HandleFunc("GET /v1/geo/neighbors", s.GeoNeighborsHandler)
	mux.HandleFunc("POST /v1/geo/validate", s.GeoValidateHandler)

	mux.HandleFunc("GET /ws", s.RealtimeHandler)
	mux.HandleFunc("GET /v1/events/stream", s.EventStreamHandler)
	mux.HandleFunc("POST /v1/realtime/broadcast", s.BroadcastHandler)
	mux.HandleFunc("GET /v1/realtime/stats", s.RealtimeStatsHandler)

	mux.HandleFunc("GET /v1/cache/stats", s.CacheStatsHandler)
	mux.HandleFunc("POST /v1/cache/invalidate", s.CacheInvalidateHandler)

	mux.HandleFunc("GET /healthz", s.HealthHandler)
	mux.HandleFunc("GET /readyz", s.ReadyHandler)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /debug/info", s.DebugJSON)

	var h http.Handler = mux
	h = s.rateLimit(h)
	h = s.logRequests(h)
	h = recoverPanics(s.log, h)
	return h
}
