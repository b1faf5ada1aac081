// Package metrics provides Prometheus metrics for the collaboration server.
package metrics

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight prometheus.Gauge
	responseSize     *prometheus.HistogramVec

	// Sync metrics
	submissions      *prometheus.CounterVec
	submitDuration   prometheus.Histogram
	transforms       prometheus.Counter
	discards         *prometheus.CounterVec
	catchUps         *prometheus.CounterVec
	catchUpOps       prometheus.Histogram
	thresholdCrossed prometheus.Counter

	// Persistence metrics
	queueDepth      prometheus.Gauge
	queueWait       prometheus.Histogram
	saves           *prometheus.CounterVec
	saveDuration    *prometheus.HistogramVec
	operationsSaved prometheus.Counter

	// Hub metrics
	connections  prometheus.Gauge
	rooms        prometheus.Gauge
	broadcasts   *prometheus.CounterVec
	relayErrors  prometheus.Counter
	healthStatus prometheus.Gauge
}

// NewMetrics creates metrics and registers them with reg. A nil reg uses the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	latency := []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	return &Metrics{
		requestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collab_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		requestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "collab_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: latency,
			},
			[]string{"method", "path", "status"},
		),
		requestsInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "collab_http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed",
			},
		),
		responseSize: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "collab_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: []float64{100, 500, 1000, 5000, 10000, 50000, 100000},
			},
			[]string{"method", "path"},
		),
		submissions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collab_submissions_total",
				Help: "Operations submitted, by result",
			},
			[]string{"status"},
		),
		submitDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "collab_submit_duration_seconds",
				Help:    "Time to version, transform and record a submitted operation",
				Buckets: latency,
			},
		),
		transforms: f.NewCounter(
			prometheus.CounterOpts{
				Name: "collab_transforms_total",
				Help: "Operations rewritten by the transform engine",
			},
		),
		discards: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collab_discarded_operations_total",
				Help: "Logged operations replaced by an empty edit, by reason",
			},
			[]string{"reason"},
		),
		catchUps: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collab_catchup_requests_total",
				Help: "Catch-up reads, by kind and result",
			},
			[]string{"kind", "status"},
		),
		catchUpOps: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "collab_catchup_operations",
				Help:    "Operations returned per catch-up read",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10),
			},
		),
		thresholdCrossed: f.NewCounter(
			prometheus.CounterOpts{
				Name: "collab_save_threshold_crossed_total",
				Help: "Times a room log crossed the save threshold",
			},
		),
		queueDepth: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "collab_persistence_queue_depth",
				Help: "Save batches waiting in the persistence queue",
			},
		),
		queueWait: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "collab_persistence_enqueue_wait_seconds",
				Help:    "Time producers blocked waiting for queue admission",
				Buckets: latency,
			},
		),
		saves: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collab_saves_total",
				Help: "Persisted save batches, by kind and result",
			},
			[]string{"kind", "status"},
		),
		saveDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "collab_save_duration_seconds",
				Help:    "Time to fold and save one batch",
				Buckets: latency,
			},
			[]string{"kind"},
		),
		operationsSaved: f.NewCounter(
			prometheus.CounterOpts{
				Name: "collab_operations_saved_total",
				Help: "Operations folded into stored documents",
			},
		),
		connections: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "collab_hub_connections",
				Help: "Open hub connections",
			},
		),
		rooms: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "collab_hub_rooms",
				Help: "Rooms with at least one member on this instance",
			},
		),
		broadcasts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collab_hub_broadcasts_total",
				Help: "Events broadcast to rooms, by kind",
			},
			[]string{"kind"},
		),
		relayErrors: f.NewCounter(
			prometheus.CounterOpts{
				Name: "collab_hub_relay_errors_total",
				Help: "Failures publishing or decoding relayed events",
			},
		),
		healthStatus: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "collab_health_status",
				Help: "Health status of the server (1 = healthy, 0 = unhealthy)",
			},
		),
	}
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	status := strconv.Itoa(statusCode)
	m.requestsTotal.WithLabelValues(method, path, status).Inc()
	m.requestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// RecordResponseSize records the response size.
func (m *Metrics) RecordResponseSize(method, path string, size int) {
	m.responseSize.WithLabelValues(method, path).Observe(float64(size))
}

// IncRequestsInFlight increments the in-flight requests counter.
func (m *Metrics) IncRequestsInFlight() {
	m.requestsInFlight.Inc()
}

// DecRequestsInFlight decrements the in-flight requests counter.
func (m *Metrics) DecRequestsInFlight() {
	m.requestsInFlight.Dec()
}

// RecordSubmit records the outcome of one submission.
func (m *Metrics) RecordSubmit(err error, duration time.Duration) {
	m.submissions.WithLabelValues(statusOf(err)).Inc()
	m.submitDuration.Observe(duration.Seconds())
}

// RecordTransform counts an operation rewritten by the engine.
func (m *Metrics) RecordTransform() {
	m.transforms.Inc()
}

// RecordDiscard counts a logged operation whose edit was dropped.
func (m *Metrics) RecordDiscard(reason string) {
	m.discards.WithLabelValues(reason).Inc()
}

// RecordCatchUp records a catch-up read.
func (m *Metrics) RecordCatchUp(kind string, ops int, err error) {
	m.catchUps.WithLabelValues(kind, statusOf(err)).Inc()
	if err == nil {
		m.catchUpOps.Observe(float64(ops))
	}
}

// RecordThresholdCrossed counts a cleared batch handed to persistence.
func (m *Metrics) RecordThresholdCrossed() {
	m.thresholdCrossed.Inc()
}

// SetQueueDepth sets the persistence queue depth.
func (m *Metrics) SetQueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

// RecordEnqueueWait records how long a producer waited for admission.
func (m *Metrics) RecordEnqueueWait(d time.Duration) {
	m.queueWait.Observe(d.Seconds())
}

// RecordSave records a persisted batch.
func (m *Metrics) RecordSave(kind string, ops int, err error, duration time.Duration) {
	m.saves.WithLabelValues(kind, statusOf(err)).Inc()
	m.saveDuration.WithLabelValues(kind).Observe(duration.Seconds())
	if err == nil {
		m.operationsSaved.Add(float64(ops))
	}
}

// SetConnections sets the number of open hub connections.
func (m *Metrics) SetConnections(n int) {
	m.connections.Set(float64(n))
}

// SetRooms sets the number of rooms with local members.
func (m *Metrics) SetRooms(n int) {
	m.rooms.Set(float64(n))
}

// RecordBroadcast counts an event broadcast to a room.
func (m *Metrics) RecordBroadcast(kind string) {
	m.broadcasts.WithLabelValues(kind).Inc()
}

// RecordRelayError counts a relay failure.
func (m *Metrics) RecordRelayError() {
	m.relayErrors.Inc()
}

// SetHealthStatus sets the health status.
func (m *Metrics) SetHealthStatus(healthy bool) {
	if healthy {
		m.healthStatus.Set(1)
	} else {
		m.healthStatus.Set(0)
	}
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// MetricsServer provides a separate HTTP server for Prometheus metrics.
type MetricsServer struct {
	server *http.Server
	logger *zap.Logger
}

// NewMetricsServer creates a new metrics server serving gatherer.
func NewMetricsServer(port int, path string, gatherer prometheus.Gatherer, logger *zap.Logger) *MetricsServer {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return &MetricsServer{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start starts the metrics server.
func (ms *MetricsServer) Start() error {
	ms.logger.Info("starting metrics server", zap.String("addr", ms.server.Addr))
	if err := ms.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the metrics server.
func (ms *MetricsServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}

// MetricsMiddleware creates middleware that records HTTP metrics.
func MetricsMiddleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.IncRequestsInFlight()
			defer m.DecRequestsInFlight()

			start := time.Now()
			rw := &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			duration := time.Since(start)
			m.RecordHTTPRequest(r.Method, r.URL.Path, rw.statusCode, duration)
			m.RecordResponseSize(r.Method, r.URL.Path, rw.size)
		})
	}
}

// metricsResponseWriter wraps http.ResponseWriter to capture metrics.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int
}

// WriteHeader captures the status code.
func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size.
func (rw *metricsResponseWriter) Write(b []byte) (int, error) {
	size, err := rw.ResponseWriter.Write(b)
	rw.size += size
	return size, err
}

// Hijack lets websocket upgrades pass through the wrapper.
func (rw *metricsResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}
