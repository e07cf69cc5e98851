// Package metrics holds the Prometheus collectors shared by the carsearch
// binaries. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Search outcomes.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Metrics owns a registry and the collectors registered on it.
type Metrics struct {
	reg *prometheus.Registry

	searchRequests *prometheus.CounterVec
	stepDuration   *prometheus.HistogramVec
	stepFailures   *prometheus.CounterVec
	candidates     prometheus.Histogram
	httpRequests   *prometheus.CounterVec
	backfill       *prometheus.CounterVec
	breakerState   *prometheus.GaugeVec
}

// New creates collectors on a fresh registry, including Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		searchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carsearch_search_requests_total",
			Help: "Search requests by outcome.",
		}, []string{"outcome"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "carsearch_step_duration_seconds",
			Help:    "Latency of each search pipeline step.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"step"}),
		stepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carsearch_step_failures_total",
			Help: "Failed attempts of each pipeline step, retries included.",
		}, []string{"step"}),
		candidates: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "carsearch_candidates_returned",
			Help:    "Number of candidates returned per search.",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carsearch_http_requests_total",
			Help: "HTTP requests by method and status.",
		}, []string{"method", "status"}),
		backfill: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carsearch_backfill_records_total",
			Help: "Backfilled listing records by result.",
		}, []string{"result"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "carsearch_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open).",
		}, []string{"name"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.searchRequests, m.stepDuration, m.stepFailures, m.candidates,
		m.httpRequests, m.backfill, m.breakerState,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ObserveSearch records one finished search.
func (m *Metrics) ObserveSearch(outcome string, candidates int) {
	if m == nil {
		return
	}
	m.searchRequests.WithLabelValues(outcome).Inc()
	if outcome == OutcomeOK {
		m.candidates.Observe(float64(candidates))
	}
}

// ObserveStep records the latency of one pipeline step.
func (m *Metrics) ObserveStep(step string, start time.Time) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(step).Observe(time.Since(start).Seconds())
}

// IncStepFailure counts one failed attempt of step.
func (m *Metrics) IncStepFailure(step string) {
	if m == nil {
		return
	}
	m.stepFailures.WithLabelValues(step).Inc()
}

// ObserveHTTP counts one served HTTP request.
func (m *Metrics) ObserveHTTP(method string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

// AddBackfill counts n backfilled records with the given result
// ("indexed", "failed").
func (m *Metrics) AddBackfill(result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.backfill.WithLabelValues(result).Add(float64(n))
}

// SetBreakerState publishes a breaker's numeric state.
func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(float64(state))
}
