// Package metrics holds the Prometheus instruments for Kestrel.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kestrel"

// Metrics groups the collectors registered on one registry.
type Metrics struct {
	registry *prometheus.Registry

	evaluations        *prometheus.CounterVec
	evaluationDuration *prometheus.HistogramVec
	stageDuration      *prometheus.HistogramVec
	alertsCreated      *prometheus.CounterVec
	notifications      *prometheus.CounterVec
	notifyDropped      prometheus.Counter
	modelFailures      *prometheus.CounterVec
	networkTruncated   prometheus.Counter
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
}

// New creates the instruments on a fresh registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		evaluations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "evaluations_total",
			Help:      "Claim evaluations by resulting risk level.",
		}, []string{"risk_level"}),

		evaluationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "evaluation_duration_seconds",
			Help:      "End-to-end claim evaluation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"source"}),

		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "stage_duration_seconds",
			Help:      "Latency of each evaluation stage.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"stage"}),

		alertsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "created_total",
			Help:      "Fraud alerts created by severity.",
		}, []string{"severity"}),

		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "notifications_total",
			Help:      "Alert notifications by notifier and result.",
		}, []string{"notifier", "result"}),

		notifyDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "notifications_dropped_total",
			Help:      "Notifications dropped because the dispatch queue was full.",
		}),

		modelFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "models",
			Name:      "failures_total",
			Help:      "Predictor calls that failed, timed out or returned invalid output.",
		}, []string{"model"}),

		networkTruncated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "truncated_total",
			Help:      "Network analyses cut short by the node or time bound.",
		}),

		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),

		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		}, []string{"method", "route"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveEvaluation(source, level string, d time.Duration) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(level).Inc()
	m.evaluationDuration.WithLabelValues(source).Observe(d.Seconds())
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) AlertCreated(severity string) {
	if m == nil {
		return
	}
	m.alertsCreated.WithLabelValues(severity).Inc()
}

// Notification records one delivery outcome: "sent", "failed" or "deferred".
func (m *Metrics) Notification(notifier, result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(notifier, result).Inc()
}

func (m *Metrics) NotificationDropped() {
	if m == nil {
		return
	}
	m.notifyDropped.Inc()
}

func (m *Metrics) ModelFailures(models []string) {
	if m == nil {
		return
	}
	for _, id := range models {
		m.modelFailures.WithLabelValues(id).Inc()
	}
}

func (m *Metrics) NetworkTruncated() {
	if m == nil {
		return
	}
	m.networkTruncated.Inc()
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, statusClass(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
