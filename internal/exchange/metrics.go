package exchange

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for token exchange operations.
type Metrics struct {
	exchangeTotal    *prometheus.CounterVec
	exchangeDuration *prometheus.HistogramVec
	tokensIssued     prometheus.Counter
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

	m.exchangeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "requests_total",
			Help:      "Total number of token exchange attempts",
		},
		[]string{"status", "reason"},
	)

	m.exchangeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "duration_seconds",
			Help:      "Token exchange duration in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"status", "reason"},
	)

	m.tokensIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "tokens_issued_total",
			Help:      "Total number of access tokens issued",
		},
	)

	m.registry.MustRegister(
		m.exchangeTotal,
		m.exchangeDuration,
		m.tokensIssued,
	)

	return m
}

// RecordExchange records a token exchange attempt.
func (m *Metrics) RecordExchange(status, reason string, duration time.Duration) {
	m.exchangeTotal.WithLabelValues(status, reason).Inc()
	m.exchangeDuration.WithLabelValues(status, reason).Observe(duration.Seconds())
}

// RecordTokenIssued records a successfully issued access token.
func (m *Metrics) RecordTokenIssued() {
	m.tokensIssued.Inc()
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MustRegister registers the metrics with the given registry, ignoring
// duplicate registration.
func (m *Metrics) MustRegister(registry *prometheus.Registry) {
	for _, c := range []prometheus.Collector{
		m.exchangeTotal,
		m.exchangeDuration,
		m.tokensIssued,
	} {
		if err := registry.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}
