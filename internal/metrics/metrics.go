// Package metrics provides Prometheus instrumentation for the perpetual engine.
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
	// TicksTotal counts completed scheduler ticks.
	TicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perp_ticks_total",
		Help: "Total number of completed scheduler ticks",
	})

	// TickDuration tracks how long one full tick takes.
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "perp_tick_duration_seconds",
		Help:    "Duration of one full tick (advance, combos, liquidation, orders)",
		Buckets: prometheus.DefBuckets,
	})

	// OrderExecutionsTotal counts order fills, partitioned by order type.
	OrderExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_order_executions_total",
		Help: "Total number of order executions",
	}, []string{"type"})

	// OrdersCancelledTotal counts orders cancelled for insufficient margin.
	OrdersCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perp_orders_cancelled_total",
		Help: "Orders cancelled by the engine for insufficient margin",
	})

	// LiquidationsTotal counts force-closed positions.
	LiquidationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perp_liquidations_total",
		Help: "Total number of liquidated positions",
	})

	// ActiveMarkets tracks the number of simulated markets.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_active_markets",
		Help: "Number of markets being simulated",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_http_request_duration_seconds",
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
