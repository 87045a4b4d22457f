// Package metrics provides Prometheus instrumentation for the execution engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersTotal counts orders reaching a status, partitioned by type.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exec_orders_total",
		Help: "Orders by type and resulting status",
	}, []string{"type", "status"})

	// FillsTotal counts fills by side and liquidity (maker/taker).
	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exec_fills_total",
		Help: "Total number of fills",
	}, []string{"side", "liquidity"})

	// ExecutionLatency tracks Execute latency, including simulated latency.
	ExecutionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exec_execution_latency_seconds",
		Help:    "Order execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// TradedNotional tracks cumulative filled notional per symbol.
	TradedNotional = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exec_traded_notional_total",
		Help: "Cumulative filled notional in quote currency",
	}, []string{"symbol", "side"})

	// ActiveOrders tracks resting orders in the active order book.
	ActiveOrders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exec_active_orders",
		Help: "Number of resting limit/stop orders",
	})

	// AccountEquity tracks cash + marked positions + funding.
	AccountEquity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exec_account_equity",
		Help: "Account equity in quote currency",
	})

	// EmergencyStopActive is 1 while the emergency stop is set.
	EmergencyStopActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exec_emergency_stop_active",
		Help: "1 when the emergency stop is active",
	})

	// CircuitBreakerTrips counts breaker trips by condition.
	CircuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exec_circuit_breaker_trips_total",
		Help: "Safety circuit breaker trips",
	}, []string{"condition"})

	// RetryAttempts counts retry attempts by outcome (succeeded, failed, exhausted).
	RetryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exec_retry_attempts_total",
		Help: "Order retry attempts",
	}, []string{"outcome"})

	// PendingRetries tracks orders waiting for a retry.
	PendingRetries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exec_pending_retries",
		Help: "Orders scheduled for retry",
	})

	// AlertsTotal counts alerts by level.
	AlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exec_alerts_total",
		Help: "Alerts raised",
	}, []string{"level"})

	// AlertsDropped counts alerts not delivered because a queue was full.
	AlertsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exec_alerts_dropped_total",
		Help: "Alerts dropped on a full delivery queue",
	})

	// ExposureLimitRejections counts orders rejected by the exposure limiter.
	ExposureLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exec_exposure_limit_rejections_total",
		Help: "Orders rejected by the exposure limiter",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exec_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// FeedMessages counts quote feed messages by outcome (applied, rejected, ignored).
	FeedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exec_feed_messages_total",
		Help: "Market data feed messages",
	}, []string{"outcome"})

	// FeedReconnects counts quote feed reconnect attempts.
	FeedReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exec_feed_reconnects_total",
		Help: "Market data feed reconnects",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exec_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exec_http_request_duration_seconds",
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

		// Route pattern keeps /orders/{orderID} to one series.
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
