// Package metrics provides Prometheus instrumentation for the arena
// economy engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SettlementsTotal counts completed settlements, partitioned by category.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_settlements_total",
		Help: "Total number of battle settlements completed",
	}, []string{"category"})

	// SettlementLatency tracks end-to-end settlement duration.
	SettlementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arena_settlement_latency_seconds",
		Help:    "Battle settlement latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// DuplicateRequests counts idempotency replays served from stored
	// responses.
	DuplicateRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_duplicate_requests_total",
		Help: "Requests answered from an idempotency lock's stored response",
	}, []string{"scope"})

	// EmissionRejections counts tryEmit cap breaches, by currency.
	EmissionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_emission_rejections_total",
		Help: "Reward emissions rejected by the daily cap",
	}, []string{"currency"})

	// ClaimsIssued counts signed withdrawal claims.
	ClaimsIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_claims_issued_total",
		Help: "Signed withdrawal claims issued",
	})

	// ClaimSkips counts settlements that recorded a reward without a claim.
	ClaimSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_claim_skips_total",
		Help: "Settlements completed without a claim",
	}, []string{"reason"})

	// PoolResolutions counts pool events resolved.
	PoolResolutions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_pool_resolutions_total",
		Help: "Pool events resolved",
	})

	// PayoutFailures counts individual bettor payouts that failed after the
	// pool status had committed. Non-zero values need investigation.
	PayoutFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_payout_failures_total",
		Help: "Bettor payouts that failed mid-distribution",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arena_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the raw path for the label; routes here are low-cardinality.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
