// Package metrics provides Prometheus instrumentation for the settlement
// engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QuotesIssued counts issued quotes, partitioned by lock type.
	QuotesIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pesabridge_quotes_issued_total",
		Help: "Total number of quotes issued",
	}, []string{"lock_type"})

	// LocksCreated counts created locks, partitioned by lock type.
	LocksCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pesabridge_locks_created_total",
		Help: "Total number of rate locks created",
	}, []string{"lock_type"})

	// LockTransitions counts state transitions by destination status.
	LockTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pesabridge_lock_transitions_total",
		Help: "Total lock state transitions",
	}, []string{"to"})

	// LockRejections counts refused lock creations by reason.
	LockRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pesabridge_lock_rejections_total",
		Help: "Lock creations refused",
	}, []string{"reason"})

	// CircuitBreakerState is 0 for NORMAL, 1 for HIGH_VOLATILITY, 2 for EXTREME.
	CircuitBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pesabridge_circuit_breaker_state",
		Help: "Current circuit breaker state (0=normal 1=high 2=extreme)",
	})

	// ReconcilerCycles counts reconciler loop iterations by loop name.
	ReconcilerCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pesabridge_reconciler_cycles_total",
		Help: "Reconciler loop iterations",
	}, []string{"loop"})

	// ReconcilerErrors counts reconciler loop failures by loop name.
	ReconcilerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pesabridge_reconciler_errors_total",
		Help: "Reconciler loop errors",
	}, []string{"loop"})

	// PaymentsInitiated counts STK push requests by outcome.
	PaymentsInitiated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pesabridge_payments_initiated_total",
		Help: "Payment initiations by outcome",
	}, []string{"outcome"})

	// HedgesOpened counts hedge positions opened, partitioned by lock type.
	HedgesOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pesabridge_hedges_opened_total",
		Help: "Hedge positions opened",
	}, []string{"lock_type"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pesabridge_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pesabridge_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pesabridge_http_request_duration_seconds",
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

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern labels by the chi route pattern rather than the raw URL path,
// so path parameters like lock IDs do not explode label cardinality. The
// pattern is only known after routing, hence after ServeHTTP.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
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

// Hijack passes through to the underlying writer so the WebSocket upgrade
// works behind the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return hj.Hijack()
}
