// Package metrics provides Prometheus instrumentation for the pool engine.
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
	// DepositsTotal counts accepted deposits.
	DepositsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pool_deposits_total",
		Help: "Total number of deposits accepted",
	})

	// WithdrawalsTotal counts accepted withdrawals.
	WithdrawalsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pool_withdrawals_total",
		Help: "Total number of withdrawals accepted",
	})

	// RebalancesTotal counts applied allocation decisions.
	RebalancesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pool_rebalances_total",
		Help: "Total number of allocation decisions applied",
	})

	// DuplicateReplays counts idempotent replays answered from the ledger.
	DuplicateReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pool_duplicate_replays_total",
		Help: "Requests answered as idempotent no-op replays",
	})

	// OracleFailures counts aborted operations due to unavailable prices.
	OracleFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pool_oracle_failures_total",
		Help: "Operations aborted because the price oracle failed",
	})

	// SharePrice is the current derived share price.
	SharePrice = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pool_share_price_usd",
		Help: "Current derived share price in USD",
	})

	// TotalNav is the current pool NAV.
	TotalNav = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pool_total_nav_usd",
		Help: "Current total pool NAV in USD",
	})

	// ActiveMembers tracks accounts holding a positive share balance.
	ActiveMembers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pool_active_members",
		Help: "Accounts with a positive share balance",
	})

	// SnapshotsTotal counts NAV snapshots written, partitioned by source.
	SnapshotsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_snapshots_total",
		Help: "NAV snapshots appended to history",
	}, []string{"source"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pool_http_request_duration_seconds",
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

		// Use the raw path for the label; the API surface is small enough
		// that cardinality stays bounded.
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
