// Package metrics provides Prometheus instrumentation for the listing engine.
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
	// RefreshesTotal counts ticket feed refresh completions by outcome:
	// "applied", "stale" (out-of-order completion discarded) or "failed".
	RefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listing_feed_refreshes_total",
		Help: "Ticket feed refreshes by outcome",
	}, []string{"result"})

	// FeedLatency tracks upstream fetch latency per provider.
	FeedLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "listing_feed_fetch_seconds",
		Help:    "Ticket feed fetch latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	// FeedCacheTotal counts read-through cache lookups by result ("hit", "miss").
	FeedCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listing_feed_cache_total",
		Help: "Feed cache lookups",
	}, []string{"result"})

	// SnapshotSize observes the number of tickets in each merged snapshot.
	SnapshotSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "listing_merged_snapshot_tickets",
		Help:    "Tickets per merged snapshot",
		Buckets: []float64{0, 10, 50, 100, 250, 500, 1000, 2500},
	})

	// MapCommandsTotal counts commands sent to map widgets by type.
	MapCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listing_map_commands_total",
		Help: "Commands issued to map widgets",
	}, []string{"type"})

	// MapEventsTotal counts events received from map widgets by type.
	MapEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listing_map_events_total",
		Help: "Events received from map widgets",
	}, []string{"type"})

	// WidgetConnections tracks connected map widgets.
	WidgetConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "listing_map_widget_connections",
		Help: "Number of connected map widgets",
	})

	// ActiveSessions tracks open shopper sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "listing_active_sessions",
		Help: "Number of open listing sessions",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listing_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "listing_http_request_duration_seconds",
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

// routePattern keeps session ids out of the path label.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
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

// Hijack lets the map widget WebSocket upgrade pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
