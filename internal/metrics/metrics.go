// Package metrics provides Prometheus instrumentation for the fund backend.
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
	// SettlementBatches counts settlement runs by kind (deposit, withdraw)
	// and result (ok, error).
	SettlementBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fund_settlement_batches_total",
		Help: "Total settlement batches executed",
	}, []string{"kind", "result"})

	// SettlementRequests counts individual requests processed in batches,
	// partitioned by kind and outcome (settled or a rejection reason).
	SettlementRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fund_settlement_requests_total",
		Help: "Deposit/withdrawal requests processed by settlement",
	}, []string{"kind", "outcome"})

	// SettlementLatency tracks how long a full batch takes.
	SettlementLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fund_settlement_latency_seconds",
		Help:    "Settlement batch latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// SharePrice is the price used by the most recent settlement batch.
	SharePrice = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fund_share_price",
		Help: "Share price resolved by the latest settlement batch",
	})

	// LatestNAV is the total NAV of the snapshot used by the most recent batch.
	LatestNAV = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fund_latest_nav",
		Help: "Total NAV of the latest snapshot seen by settlement",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fund_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// AdminLogins counts admin login attempts by result.
	AdminLogins = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fund_admin_logins_total",
		Help: "Admin login attempts",
	}, []string{"result"})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fund_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fund_http_request_duration_seconds",
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

// routePattern uses the matched chi pattern (e.g. /me/deposits/{id}/cancel)
// so ids do not blow up label cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
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

// Hijack lets WebSocket upgrades pass through the wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: underlying ResponseWriter does not support hijacking")
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
