package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry is the dedicated Prometheus registry for the service
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, path, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// QueueEnqueued counts field actions accepted into the durable queue
	QueueEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "field_queue_enqueued_total", Help: "Field actions enqueued by action type."},
		[]string{"action_type"},
	)
	// QueueSyncOutcomes counts per-action sync outcomes (synced, retry, failed)
	QueueSyncOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "field_queue_sync_outcomes_total", Help: "Field action sync outcomes by action type."},
		[]string{"action_type", "outcome"},
	)
	// QueueSyncDuration tracks the wall time of a full sync pass
	QueueSyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "field_queue_sync_duration_seconds", Help: "Duration of a queue sync pass.", Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30}},
	)
	// QueueDepth reports queued actions by status after each mutation
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "field_queue_depth", Help: "Queued field actions by status."},
		[]string{"status"},
	)

	// CacheRequests counts cache lookups by cache name and result (hit, miss)
	CacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "cache_requests_total", Help: "Cache lookups by cache and result."},
		[]string{"cache", "result"},
	)
	// CacheRemovals counts entries dropped by eviction or expiry
	CacheRemovals = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "cache_removals_total", Help: "Cache entries removed by reason (evicted, expired)."},
		[]string{"cache", "reason"},
	)

	// RealtimeConnections is the number of live websocket connections in the pool
	RealtimeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "realtime_connections", Help: "Live realtime connections."},
	)
	// RealtimeBroadcasts counts per-connection broadcast sends by outcome
	RealtimeBroadcasts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "realtime_broadcast_sends_total", Help: "Broadcast sends by outcome (sent, failed)."},
		[]string{"outcome"},
	)
	// RealtimeReconnects counts client reconnect attempts
	RealtimeReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "realtime_reconnect_attempts_total", Help: "Client reconnect attempts."},
	)
)

// RegisterDefault registers collectors to the service registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(QueueEnqueued)
		Registry.MustRegister(QueueSyncOutcomes)
		Registry.MustRegister(QueueSyncDuration)
		Registry.MustRegister(QueueDepth)
		Registry.MustRegister(CacheRequests)
		Registry.MustRegister(CacheRemovals)
		Registry.MustRegister(RealtimeConnections)
		Registry.MustRegister(RealtimeBroadcasts)
		Registry.MustRegister(RealtimeReconnects)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once

// Handler exposes Registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
