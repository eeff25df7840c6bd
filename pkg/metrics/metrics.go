// Package metrics defines the Prometheus collectors used by the ranking
// engine and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the ranking engine.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	DocumentsScored      *prometheus.CounterVec
	ScorerErrors         *prometheus.CounterVec
	RankLatency          *prometheus.HistogramVec
	RankCandidates       prometheus.Histogram
	StatsCacheRequests   *prometheus.CounterVec
	CircuitBreakerState  *prometheus.GaugeVec
}

// New creates the collectors and registers them with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates the collectors and registers them with reg. Tests
// pass a fresh prometheus.NewRegistry() so repeated construction does not
// panic on duplicate registration.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		DocumentsScored: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scorer_documents_scored_total",
				Help: "Documents scored, by retrieval model.",
			},
			[]string{"model"},
		),
		ScorerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scorer_errors_total",
				Help: "Scorer failures by reason (config, provider, timeout).",
			},
			[]string{"reason"},
		),
		RankLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rank_latency_seconds",
				Help:    "Latency of ranking one query over its candidates.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"model"},
		),
		RankCandidates: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rank_candidates",
				Help:    "Number of candidate documents per ranking run.",
				Buckets: []float64{0, 1, 10, 50, 100, 500, 1000, 5000, 10000},
			},
		),
		StatsCacheRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stats_cache_requests_total",
				Help: "Collection statistics lookups by cache tier and result.",
			},
			[]string{"tier", "result"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.DocumentsScored,
		m.ScorerErrors,
		m.RankLatency,
		m.RankCandidates,
		m.StatsCacheRequests,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
