// Package metrics provides Prometheus instrumentation for the auction engine.
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
	// OperationsTotal counts committed controller operations.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auction_operations_total",
		Help: "Committed auction operations",
	}, []string{"operation"})

	// RejectionsTotal counts rejected controller operations by error code.
	RejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auction_rejections_total",
		Help: "Rejected auction operations",
	}, []string{"operation", "code"})

	// OperationLatency tracks controller operation latency.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "auction_operation_latency_seconds",
		Help:    "Auction operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// LedgerFaults counts internal-consistency failures of the escrow
	// ledger. Any non-zero value needs an operator.
	LedgerFaults = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auction_ledger_faults_total",
		Help: "Escrow ledger inconsistencies detected",
	})

	// FundsMoved tracks cumulative base units moved, by movement kind.
	FundsMoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auction_funds_moved_base_units_total",
		Help: "Cumulative base units moved through the escrow ledger",
	}, []string{"kind"})

	// LeaderChanges counts bids that took the lead.
	LeaderChanges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auction_leader_changes_total",
		Help: "Bids that became the highest bid",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "auction_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auction_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "auction_http_request_duration_seconds",
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
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
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

// Hijack lets the WebSocket upgrade pass through this middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
