package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Sync metrics
	feedsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sync_feeds_active",
			Help: "Number of open store feeds",
		},
		[]string{"kind"},
	)

	feedsOpened = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_feeds_opened_total",
			Help: "Total number of store feeds opened",
		},
		[]string{"kind"},
	)

	subscriptionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sync_subscriptions_active",
			Help: "Number of bound consumer subscriptions",
		},
		[]string{"kind"},
	)

	snapshotsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_snapshots_delivered_total",
			Help: "Total number of snapshots delivered to consumers",
		},
		[]string{"kind"},
	)

	staleSnapshotsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_stale_snapshots_dropped_total",
			Help: "Total number of snapshots discarded because their subscription was superseded",
		},
		[]string{"kind"},
	)

	errorEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_error_events_total",
			Help: "Total number of events published on the error channel",
		},
		[]string{"type", "code"},
	)

	writesDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_writes_dispatched_total",
			Help: "Total number of fire-and-forget writes dispatched",
		},
		[]string{"operation"},
	)

	writesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_writes_completed_total",
			Help: "Total number of dispatched writes by outcome",
		},
		[]string{"operation", "outcome"},
	)

	writeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_write_duration_seconds",
			Help:    "Time from dispatch to store acknowledgement",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 15},
		},
		[]string{"operation"},
	)

	writeQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_write_queue_depth",
			Help: "Number of dispatched writes waiting for a worker",
		},
	)

	eventsForwarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_error_events_forwarded_total",
			Help: "Total number of error events forwarded to KurrentDB by outcome",
		},
		[]string{"outcome"},
	)

	realtimeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_connections_active",
			Help: "Number of open realtime websocket connections",
		},
	)

	// Database metrics
	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_connections_active",
			Help: "Number of active database connections",
		},
	)

	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware creates HTTP metrics middleware
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the wrapper
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// normalizePath normalizes URL paths for metrics to avoid cardinality explosion
func normalizePath(path string) string {
	if len(path) > 100 {
		return "/api/..."
	}
	return path
}

// --- Sync metric helpers ---

// FeedOpened records a new store feed for a document or query key
func FeedOpened(kind string) {
	feedsOpened.WithLabelValues(kind).Inc()
	feedsActive.WithLabelValues(kind).Inc()
}

// FeedClosed records a released or failed store feed
func FeedClosed(kind string) {
	feedsActive.WithLabelValues(kind).Dec()
}

// SubscriptionBound records a consumer binding to a handle
func SubscriptionBound(kind string) {
	subscriptionsActive.WithLabelValues(kind).Inc()
}

// SubscriptionReleased records a consumer releasing its handle
func SubscriptionReleased(kind string) {
	subscriptionsActive.WithLabelValues(kind).Dec()
}

// RecordSnapshot records a snapshot applied to a consumer
func RecordSnapshot(kind string) {
	snapshotsDelivered.WithLabelValues(kind).Inc()
}

// RecordStaleSnapshot records a snapshot dropped after rebinding
func RecordStaleSnapshot(kind string) {
	staleSnapshotsDropped.WithLabelValues(kind).Inc()
}

// RecordErrorEvent records an event published on the error channel
func RecordErrorEvent(eventType, code string) {
	errorEvents.WithLabelValues(eventType, code).Inc()
}

// RecordWriteDispatched records a write handed to the dispatcher
func RecordWriteDispatched(operation string) {
	writesDispatched.WithLabelValues(operation).Inc()
}

// RecordWriteCompleted records the outcome of a dispatched write
func RecordWriteCompleted(operation string, ok bool, duration time.Duration) {
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	writesCompleted.WithLabelValues(operation, outcome).Inc()
	writeDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetWriteQueueDepth records the number of queued writes
func SetWriteQueueDepth(n int) {
	writeQueueDepth.Set(float64(n))
}

// RealtimeConnected records an opened websocket connection
func RealtimeConnected() {
	realtimeConnections.Inc()
}

// RealtimeDisconnected records a closed websocket connection
func RealtimeDisconnected() {
	realtimeConnections.Dec()
}

// RecordDBConnections records active database connections
func RecordDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// RecordDBQuery records a database query duration
func RecordDBQuery(operation string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordEventForwarded records an error event forwarded to KurrentDB
func RecordEventForwarded(ok bool) {
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	eventsForwarded.WithLabelValues(outcome).Inc()
}
