package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry with the dispatcher's counters and histograms.
// It satisfies httpclient.Observer and cache.Observer.
type Metrics struct {
	registry        *prometheus.Registry
	attempts        *prometheus.CounterVec
	retries         *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	cacheLookups    *prometheus.CounterVec
	warmRuns        *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_transport_attempts_total",
		Help: "Transport attempts by method and outcome",
	}, []string{"method", "outcome"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_transport_retries_total",
		Help: "Transport retries by method and reason",
	}, []string{"method", "reason"})

	attemptDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_transport_attempt_duration_seconds",
		Help:    "Duration of single transport attempts",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "outcome"})

	cacheLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_cache_lookups_total",
		Help: "Response cache lookups by result",
	}, []string{"result"})

	warmRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_warm_requests_total",
		Help: "Warm loop requests by endpoint and status",
	}, []string{"endpoint", "status"})

	registry.MustRegister(attempts, retries, attemptDuration, cacheLookups, warmRuns)

	return &Metrics{
		registry:        registry,
		attempts:        attempts,
		retries:         retries,
		attemptDuration: attemptDuration,
		cacheLookups:    cacheLookups,
		warmRuns:        warmRuns,
	}
}

func (m *Metrics) ObserveAttempt(method, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(method, outcome).Inc()
	m.attemptDuration.WithLabelValues(method, outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveRetry(method, reason string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(method, reason).Inc()
}

func (m *Metrics) ObserveLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// ObserveWarm counts one warm request; status is "ok" or "error".
func (m *Metrics) ObserveWarm(endpoint, status string) {
	if m == nil {
		return
	}
	m.warmRuns.WithLabelValues(endpoint, status).Inc()
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
