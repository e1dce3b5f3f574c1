// Package metrics provides Prometheus instrumentation for the PnL ledger.
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
	// SwapsApplied counts swaps fully applied to the ledger.
	SwapsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_swaps_applied_total",
		Help: "Swaps applied to the ledger",
	})

	// SwapsDuplicate counts replayed swaps skipped as no-ops.
	SwapsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_swaps_duplicate_total",
		Help: "Replayed swaps detected and skipped",
	})

	// SwapsRejected counts swaps rejected before any write, by reason.
	SwapsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_swaps_rejected_total",
		Help: "Swaps rejected by validation or persistence failure",
	}, []string{"reason"})

	// LockTimeouts counts position lock waits that expired.
	LockTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_lock_timeouts_total",
		Help: "Position row lock acquisitions that timed out",
	})

	// SwapLatency tracks end-to-end swap application latency.
	SwapLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_swap_latency_seconds",
		Help:    "Swap application latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// TradeLegsTotal counts ledger entries written, by side.
	TradeLegsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_trade_legs_total",
		Help: "Trade legs appended to the ledger",
	}, []string{"side"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
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

		// Use the route pattern for path label to avoid high cardinality.
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
