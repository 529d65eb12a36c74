// Package telemetry provides application-level observability for the
// Quartermaster credential service.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served on the side-channel HTTP server started by main.go:
//
//	GET http(s)://<host>:<QM_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is NOT served by the Gin router, so it
// stays off the public ingress and bypasses the rate-limiting middleware.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Authentication attempt counters, labelled by outcome
//   - Credential issuance and revocation counters, labelled by credential type
//   - Adaptive-hash latency histogram (hash vs verify)
//   - Session token sweep counter
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as /api/v1/keys/:id)
// rather than the raw request URL to prevent unbounded label cardinality from
// user-supplied path segments. The auth_attempts_total result label is a
// closed set: "success", "failure".
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
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Credential lifecycle metrics.
//
// AuthAttemptsTotal is a CounterVec with labels {type, result} incremented on
// every authentication decision. The type label is "api_key" or "session";
// result is "success" or "failure". Failure deliberately does not distinguish
// malformed input, no match, or revocation — the same collapsing the API
// applies (see internal/keys) — so the metric cannot become a probing oracle.
//
// Example PromQL queries:
//   - Failure ratio:   sum(rate(auth_attempts_total{result="failure"}[5m])) / sum(rate(auth_attempts_total[5m]))
//   - Alert on brute force:  increase(auth_attempts_total{result="failure"}[10m]) > 100
var AuthAttemptsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "auth_attempts_total",
		Help: "Total number of credential authentication attempts, by credential type and result.",
	},
	[]string{"type", "result"},
)

// CredentialsIssuedTotal and CredentialsRevokedTotal count lifecycle
// transitions by credential type ("api_key" or "session"). Revocations count
// only transitions that actually flipped a record from active to revoked;
// idempotent re-revocations are not counted.
var (
	CredentialsIssuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credentials_issued_total",
			Help: "Total number of credentials issued, by credential type.",
		},
		[]string{"type"},
	)

	CredentialsRevokedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credentials_revoked_total",
			Help: "Total number of credentials revoked, by credential type.",
		},
		[]string{"type"},
	)
)

// HashDuration is a HistogramVec with label {operation} ("hash" or "verify")
// observed once per bcrypt invocation. Buckets are tuned around the expected
// cost-12 latency (~100-300 ms); a shifting distribution is the signal to
// re-evaluate the cost factor as hardware improves.
//
// Example PromQL queries:
//   - p95 verify latency:  histogram_quantile(0.95, rate(hash_duration_seconds_bucket{operation="verify"}[15m]))
var HashDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "hash_duration_seconds",
		Help:    "Duration of adaptive hash computations, by operation.",
		Buckets: []float64{0.025, 0.05, 0.1, 0.2, 0.3, 0.5, 1, 2},
	},
	[]string{"operation"},
)

// SessionTokensSweptTotal is a plain Counter incremented by the number of
// long-expired session tokens removed on each sweep of the background job.
// A permanently stalled counter with a growing session_tokens table indicates
// the sweeper is not running.
var SessionTokensSweptTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "session_tokens_swept_total",
		Help: "Total number of expired session tokens removed by the background sweeper.",
	},
)

// DBOpenConnections is a Gauge tracking the number of open connections held
// by the sql.DB pool. It is sampled every 30 seconds by StartDBStatsCollector
// rather than per-request to avoid the overhead of sql.DB.Stats().
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB
// connection pool statistics every 30 seconds and updates DBOpenConnections.
// The goroutine exits cleanly when the database becomes unreachable, which
// happens automatically when the application shuts down and defers db.Close().
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
