// Package metrics exposes AegisGate's admission and connection counters as
// Prometheus instruments.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RejectReason identifies why an accepted connection was torn down before
// splicing began. Each reason maps to exactly one counter.
type RejectReason string

const (
	ReasonRateLimited        RejectReason = "rate_limited"
	ReasonProtocol           RejectReason = "protocol"
	ReasonHTTP               RejectReason = "http"
	ReasonSlowloris          RejectReason = "slowloris"
	ReasonBackendUnavailable RejectReason = "backend_unavailable"
)

// Metrics collects AegisGate's Prometheus instruments: the active
// connections gauge and one counter per rejection reason, plus a thin
// request-instrumentation helper used by the observability HTTP server.
type Metrics struct {
	activeConnections  prometheus.Gauge
	rejectedTotal      prometheus.Counter // rate-limiter admission denial
	protocolRejections prometheus.Counter
	httpRejections     prometheus.Counter
	slowlorisRejections prometheus.Counter
	backendUnavailable prometheus.Counter

	obsRequestsTotal   *prometheus.CounterVec
	obsRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates the Prometheus instruments bound to a fresh registry, so
// the resulting Metrics value can be constructed more than once within
// a process (tests, multiple connection pools) without colliding with
// the default global registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aegisgate_active_connections",
			Help: "Number of connections currently past admission and spliced to the upstream broker.",
		}),
		rejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegisgate_rejected_connections_total",
			Help: "Total connections denied admission by the per-IP rate limiter.",
		}),
		protocolRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegisgate_protocol_rejections_total",
			Help: "Total connections rejected for malformed or invalid MQTT CONNECT framing.",
		}),
		httpRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegisgate_http_rejections_total",
			Help: "Total connections rejected because they carried an HTTP request instead of MQTT.",
		}),
		slowlorisRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegisgate_slowloris_rejections_total",
			Help: "Total connections rejected for slow-data / Slowloris behavior during inspection.",
		}),
		backendUnavailable: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegisgate_backend_unavailable_total",
			Help: "Total admitted connections that could not reach the upstream broker.",
		}),
		obsRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aegisgate_observability_requests_total",
			Help: "Requests served by the observability HTTP endpoint, by path and status code.",
		}, []string{"path", "status_code"}),
		obsRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aegisgate_observability_request_duration_seconds",
			Help:    "Observability HTTP endpoint request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"path"}),
	}

	m.registry.MustRegister(
		m.activeConnections,
		m.rejectedTotal,
		m.protocolRejections,
		m.httpRejections,
		m.slowlorisRejections,
		m.backendUnavailable,
		m.obsRequestsTotal,
		m.obsRequestDuration,
	)

	return m
}

// ConnectionAccepted increments the active-connections gauge. Call once
// per connection that enters the relay.
func (m *Metrics) ConnectionAccepted() {
	m.activeConnections.Inc()
}

// ConnectionClosed decrements the active-connections gauge. Must be
// called exactly once for every ConnectionAccepted, on every exit path.
func (m *Metrics) ConnectionClosed() {
	m.activeConnections.Dec()
}

// Reject increments the counter for the given rejection reason.
func (m *Metrics) Reject(reason RejectReason) {
	switch reason {
	case ReasonRateLimited:
		m.rejectedTotal.Inc()
	case ReasonProtocol:
		m.protocolRejections.Inc()
	case ReasonHTTP:
		m.httpRejections.Inc()
	case ReasonSlowloris:
		m.slowlorisRejections.Inc()
	case ReasonBackendUnavailable:
		m.backendUnavailable.Inc()
	}
}

// Handler returns the Prometheus text-exposition HTTP handler scoped to
// this Metrics instance's own registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// InstrumentHTTP wraps an HTTP handler with request-count and duration
// observation, labeled by path and status code.
func (m *Metrics) InstrumentHTTP(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.obsRequestDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
		m.obsRequestsTotal.WithLabelValues(path, strconv.Itoa(rec.statusCode)).Inc()
	})
}

// statusRecorder wraps http.ResponseWriter to capture the response status
// code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}
