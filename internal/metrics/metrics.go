// ABOUTME: Prometheus counters and histograms for authentication, enrollment and dispatch
// ABOUTME: Served on /metrics through promhttp with a private registry

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aipim"

// Metrics holds all gateway collectors.
type Metrics struct {
	registry         *prometheus.Registry
	authOutcomes     *prometheus.CounterVec
	enrollments      *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	cryptoPoolSize   prometheus.Gauge
}

// New creates and registers the gateway collectors plus the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		authOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_outcomes_total",
			Help:      "Request authentication outcomes.",
		}, []string{"outcome"}),
		enrollments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrollments_total",
			Help:      "Ingress enrollment attempts by result.",
		}, []string{"result"}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent in business handlers including response signing.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"verb", "status"}),
		cryptoPoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "crypto_pool_size",
			Help:      "Number of concurrent RSA operations allowed.",
		}),
	}
	m.registry.MustRegister(
		m.authOutcomes,
		m.enrollments,
		m.dispatchDuration,
		m.cryptoPoolSize,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// AuthOutcome counts one authentication result.
func (m *Metrics) AuthOutcome(outcome string) {
	if m == nil {
		return
	}
	m.authOutcomes.WithLabelValues(outcome).Inc()
}

// Enrollment counts one ingress attempt.
func (m *Metrics) Enrollment(result string) {
	if m == nil {
		return
	}
	m.enrollments.WithLabelValues(result).Inc()
}

// ObserveDispatch records how long a dispatched request took.
func (m *Metrics) ObserveDispatch(verb string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatchDuration.WithLabelValues(verb, strconv.Itoa(status)).Observe(d.Seconds())
}

// SetCryptoPoolSize publishes the configured worker count.
func (m *Metrics) SetCryptoPoolSize(n int) {
	if m == nil {
		return
	}
	m.cryptoPoolSize.Set(float64(n))
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
