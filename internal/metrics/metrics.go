// Package metrics provides Prometheus instrumentation for the portfolio engine.
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
	// PriceSourceCalls counts price source invocations, partitioned by
	// strategy and outcome ("ok" or "error").
	PriceSourceCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_price_source_calls_total",
		Help: "Total number of price source invocations",
	}, []string{"strategy", "outcome"})

	// PriceSourceLatency tracks how long one price computation takes,
	// including upstream quote resolution.
	PriceSourceLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portfolio_price_source_latency_seconds",
		Help:    "Price source latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"strategy"})

	// ResolveTimeouts counts price resolutions abandoned at the deadline,
	// the signature of a circular pricing configuration.
	ResolveTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portfolio_resolve_timeouts_total",
		Help: "Price resolutions that hit the resolve deadline",
	})

	// ReportLatency tracks report generation latency by report kind.
	ReportLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portfolio_report_latency_seconds",
		Help:    "Report generation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind", "outcome"})

	// RPCCalls counts on-chain reads by method and outcome.
	RPCCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_rpc_calls_total",
		Help: "Total on-chain RPC reads",
	}, []string{"method", "outcome"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portfolio_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portfolio_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
	}, []string{"method", "path"})
)

// Outcome maps an error to the "outcome" label value.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveReport records a report's latency since start.
func ObserveReport(kind string, start time.Time, err error) {
	ReportLatency.WithLabelValues(kind, Outcome(err)).Observe(time.Since(start).Seconds())
}

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
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
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

// Hijack lets WebSocket upgrades through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer cannot be hijacked")
	}
	return h.Hijack()
}
