// Package telemetry provides application-level observability for the gateway.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// automatically available on the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<PPAL_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090.  The endpoint returns data in the Prometheus text exposition
// format and is intended to be scraped every 15–60 seconds.  It is NOT served by
// the Gin router, so it never competes with data-plane traffic.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Data-plane forward counters and token totals (labelled by provider and status)
//   - Sidecar lifecycle gauges and restart counters
//   - Usage rollup duration and error counters
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as /api/users/:id) rather
// than the raw request URL to prevent unbounded label cardinality from
// user-supplied path segments.  Forward metrics are labelled by provider name,
// which is a small administrator-controlled set, never by user or model id.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics — labelled by method, route template, and status code.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - Error rate (%):                    sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"method", "path"},
	)
)

// Data-plane forward metrics — recorded by the gateway after each upstream
// round trip, successful or not.
//
// ForwardsTotal is a CounterVec with labels {provider, status} where status is
// "success" or "error".  TokensTotal tracks input/output token consumption by
// provider with a {provider, direction} label pair (direction ∈ input|output).
//
// Example PromQL queries:
//   - Forward error rate:      sum(rate(gateway_forwards_total{status="error"}[5m])) / sum(rate(gateway_forwards_total[5m]))
//   - Token burn by provider:  sum by (provider) (rate(gateway_tokens_total[1h]))
var (
	ForwardsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_forwards_total",
			Help: "Total number of data-plane requests forwarded to the sidecar, by provider and outcome.",
		},
		[]string{"provider", "status"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_tokens_total",
			Help: "Total tokens accounted across forwarded requests, by provider and direction.",
		},
		[]string{"provider", "direction"},
	)

	RateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_rate_limited_total",
			Help: "Total number of data-plane requests rejected by the per-key rate limiter.",
		},
	)

	QuotaExceededTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_quota_exceeded_total",
			Help: "Total number of data-plane requests rejected because the user quota was exhausted.",
		},
	)
)

// Sidecar lifecycle metrics — maintained by the supervisor.
//
// SidecarUp is 1 while the child process answers health probes, 0 otherwise.
// SidecarRestartsTotal has a {reason} label (manual|reload|crash).
//
// Example PromQL queries:
//   - Crash loop alert:  increase(sidecar_restarts_total{reason="crash"}[10m]) > 1
var (
	SidecarUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sidecar_up",
			Help: "Whether the sidecar child process is currently running and healthy (1) or not (0).",
		},
	)

	SidecarRestartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sidecar_restarts_total",
			Help: "Total number of sidecar restarts, by reason (manual, reload, crash).",
		},
		[]string{"reason"},
	)
)

// Rollup metrics — recorded by the nightly usage aggregation job.
//
// Example PromQL queries:
//   - p95 rollup duration:  histogram_quantile(0.95, rate(usage_rollup_duration_seconds_bucket[24h]))
//   - Alert expression:     increase(usage_rollup_errors_total[24h]) > 0
var (
	RollupDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "usage_rollup_duration_seconds",
			Help:    "Duration of a single usage rollup pass.",
			Buckets: prometheus.DefBuckets,
		},
	)

	RollupErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "usage_rollup_errors_total",
			Help: "Total number of failed usage rollup passes.",
		},
	)
)

// DBOpenConnections is a Gauge that tracks the number of open connections currently
// held by the sql.DB connection pool.  It is sampled every 30 seconds by
// StartDBStatsCollector rather than per-request to avoid the overhead of sql.DB.Stats().
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB connection
// pool statistics every 30 seconds and updates the DBOpenConnections gauge.
// The goroutine exits cleanly when the database becomes unreachable (db.Ping fails),
// which happens automatically when the application shuts down and defers db.Close().
//
// Call this once, immediately after db.Connect() succeeds in main.go:
//
//	telemetry.StartDBStatsCollector(database)
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}
