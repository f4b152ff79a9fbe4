// Package metrics provides Prometheus metrics for the scoring server and its participants.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultNamespace = "scorebridge"

// Option applies a configuration option to the Manager.
type Option func(*Manager)

// WithNamespace sets the namespace for all metrics.
func WithNamespace(namespace string) Option {
	return func(m *Manager) {
		if namespace != "" {
			m.namespace = namespace
		}
	}
}

// WithRegistry sets a custom Prometheus registry.
func WithRegistry(registry *prometheus.Registry) Option {
	return func(m *Manager) {
		if registry != nil {
			m.registry = registry
		}
	}
}

// Manager owns every collector. A nil *Manager is valid and records nothing,
// so components can take one unconditionally.
type Manager struct {
	namespace string
	registry  *prometheus.Registry

	busEvents      *prometheus.CounterVec
	busReconnects  *prometheus.CounterVec
	busConnections prometheus.Gauge

	submissions   *prometheus.CounterVec
	registrations *prometheus.CounterVec
	verifications *prometheus.CounterVec

	httpDuration *prometheus.HistogramVec
}

func New(opts ...Option) *Manager {
	m := &Manager{namespace: defaultNamespace}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
	}
	f := promauto.With(m.registry)

	m.busEvents = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "bus",
		Name:      "events_total",
		Help:      "Bus events seen by a fold, by kind and outcome.",
	}, []string{"kind", "outcome"})
	m.busReconnects = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "bus",
		Name:      "reconnects_total",
		Help:      "Reconnect attempts, by transport.",
	}, []string{"transport"})
	m.busConnections = f.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: "bus",
		Name:      "connections",
		Help:      "Open websocket connections on the hub.",
	})
	m.submissions = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "submissions_total",
		Help:      "Score submissions processed by the directory, by result.",
	}, []string{"result"})
	m.registrations = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "registrations_total",
		Help:      "Judge registrations, by result.",
	}, []string{"result"})
	m.verifications = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "access_verifications_total",
		Help:      "Access code verifications, by result.",
	}, []string{"result"})
	m.httpDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	return m
}

// Handler exposes the registry for scraping.
func (m *Manager) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Manager) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Manager) BusEvent(kind, outcome string) {
	if m == nil {
		return
	}
	m.busEvents.WithLabelValues(kind, outcome).Inc()
}

func (m *Manager) BusReconnect(transport string) {
	if m == nil {
		return
	}
	m.busReconnects.WithLabelValues(transport).Inc()
}

func (m *Manager) BusConnectionOpened() {
	if m == nil {
		return
	}
	m.busConnections.Inc()
}

func (m *Manager) BusConnectionClosed() {
	if m == nil {
		return
	}
	m.busConnections.Dec()
}

func (m *Manager) Submission(result string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(result).Inc()
}

func (m *Manager) Registration(result string) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(result).Inc()
}

func (m *Manager) Verification(result string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(result).Inc()
}

func (m *Manager) ObserveHTTP(method, route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.WithLabelValues(method, route, status).Observe(d.Seconds())
}
