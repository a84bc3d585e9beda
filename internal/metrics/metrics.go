// Package metrics provides Prometheus instrumentation for the market engine.
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
	// MarketsCreated counts markets added to the registry.
	MarketsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "powguess_markets_created_total",
		Help: "Total number of markets created",
	})

	// ActiveMarkets tracks the number of markets still accepting purchases.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "powguess_active_markets",
		Help: "Number of currently active markets",
	})

	// SharesBought counts purchased shares, partitioned by side.
	SharesBought = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "powguess_shares_bought_total",
		Help: "Total number of shares bought",
	}, []string{"side"})

	// PurchaseVolume tracks collected settlement currency in smallest units.
	PurchaseVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "powguess_purchase_volume_units_total",
		Help: "Cumulative purchase volume in settlement currency units",
	}, []string{"side"})

	// PurchaseLatency observes end-to-end buy latency including custody.
	PurchaseLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "powguess_purchase_latency_seconds",
		Help:    "Share purchase latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// PurchaseFailures counts rejected purchases by error reason.
	PurchaseFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "powguess_purchase_failures_total",
		Help: "Rejected share purchases",
	}, []string{"reason"})

	// Resolutions counts settled markets by outcome.
	Resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "powguess_resolutions_total",
		Help: "Total number of resolved markets",
	}, []string{"outcome"})

	// Claims counts successful winnings claims.
	Claims = promauto.NewCounter(prometheus.CounterOpts{
		Name: "powguess_claims_total",
		Help: "Total number of winnings claims paid",
	})

	// PayoutVolume tracks released settlement currency in smallest units.
	PayoutVolume = promauto.NewCounter(prometheus.CounterOpts{
		Name: "powguess_payout_volume_units_total",
		Help: "Cumulative payouts in settlement currency units",
	})

	// CustodyCompensations counts refunds and claim rollbacks issued after a
	// partial failure.
	CustodyCompensations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "powguess_custody_compensations_total",
		Help: "Compensating custody actions after partial failures",
	}, []string{"action", "result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "powguess_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "powguess_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "powguess_http_request_duration_seconds",
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
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
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

// Hijack lets the WebSocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
