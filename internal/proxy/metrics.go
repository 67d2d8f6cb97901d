package proxy

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the proxy pipeline.
type Metrics struct {
	authRequests     *prometheus.CounterVec
	upstreamRequests *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	registry         *prometheus.Registry
}

var (
	sharedMetrics     *Metrics
	sharedMetricsOnce sync.Once
)

// GetSharedMetrics returns the singleton Metrics instance.
func GetSharedMetrics() *Metrics {
	sharedMetricsOnce.Do(func() {
		sharedMetrics = NewMetrics("authproxy")
	})
	return sharedMetrics
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "authproxy"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.authRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "auth_requests_total",
			Help:      "Total number of auth endpoint requests",
		},
		[]string{"endpoint", "code"},
	)

	m.upstreamRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "upstream_requests_total",
			Help:      "Total number of forwarded upstream requests",
		},
		[]string{"service_id", "outcome"},
	)

	m.upstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "upstream_duration_seconds",
			Help:      "Upstream request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"service_id"},
	)

	m.registry.MustRegister(
		m.authRequests,
		m.upstreamRequests,
		m.upstreamDuration,
	)

	return m
}

// RecordAuthRequest records an auth endpoint result.
func (m *Metrics) RecordAuthRequest(endpoint, code string) {
	m.authRequests.WithLabelValues(endpoint, code).Inc()
}

// RecordUpstream records a forwarded request's outcome and duration.
func (m *Metrics) RecordUpstream(serviceID, outcome string, duration time.Duration) {
	m.upstreamRequests.WithLabelValues(serviceID, outcome).Inc()
	m.upstreamDuration.WithLabelValues(serviceID).Observe(duration.Seconds())
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MustRegister registers the metrics with the given registry, ignoring
// duplicate registration.
func (m *Metrics) MustRegister(registry *prometheus.Registry) {
	for _, c := range []prometheus.Collector{
		m.authRequests,
		m.upstreamRequests,
		m.upstreamDuration,
	} {
		if err := registry.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}
