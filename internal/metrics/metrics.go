// Package metrics provides Prometheus instrumentation for the crowd engine.
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
	// VotesTotal counts recorded votes, partitioned by direction.
	VotesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rextimate_votes_total",
		Help: "Total directional votes recorded",
	}, []string{"direction"})

	// BidsTotal counts recorded fixed-price bids.
	BidsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rextimate_bids_total",
		Help: "Total fixed-price bids recorded",
	})

	// RecalcLatency tracks pricing recalculation latency.
	RecalcLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rextimate_recalc_latency_seconds",
		Help:    "Rextimate recalculation latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// DuplicateVoteEvents counts redelivered vote events dropped by the
	// idempotency check.
	DuplicateVoteEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rextimate_duplicate_vote_events_total",
		Help: "Vote events dropped as already processed",
	})

	// StatusFanOuts counts completed status propagation runs.
	StatusFanOuts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rextimate_status_fanouts_total",
		Help: "Completed listing status fan-out runs",
	})

	// StatusFanOutRows counts ledger rows rewritten by status propagation.
	StatusFanOutRows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rextimate_status_fanout_rows_total",
		Help: "Ledger rows rewritten by status fan-out",
	})

	// FeedDeferrals counts neighborhood deferrals applied by feed sessions.
	FeedDeferrals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rextimate_feed_deferrals_total",
		Help: "Neighborhood deferrals applied to feed queues",
	})

	// FeedRestores counts deferrals undone after engagement.
	FeedRestores = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rextimate_feed_restores_total",
		Help: "Neighborhood deferrals undone after engagement",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rextimate_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rextimate_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rextimate_http_request_duration_seconds",
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

		// Use the raw path for the label; route cardinality is small.
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
