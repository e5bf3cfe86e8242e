// Package metrics defines the Prometheus metric collectors used across the
// index builder, query engine and HTTP API, and exposes an HTTP handler for
// scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors.
type Metrics struct {
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestsInFlight  prometheus.Gauge
	LinesIndexedTotal     prometheus.Gauge
	IndexDistinctKeys     prometheus.Gauge
	IndexBuildDuration    prometheus.Histogram
	RecordsFetchedTotal   prometheus.Counter
	MalformedRecordsTotal prometheus.Counter
	QueriesTotal          *prometheus.CounterVec
	QueryLatency          *prometheus.HistogramVec
	QueryResultsCount     *prometheus.HistogramVec
	CacheHitsTotal        prometheus.Counter
	CacheMissesTotal      prometheus.Counter
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates all collectors and registers them with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates all collectors and registers them with reg. Tests
// pass a fresh prometheus.NewRegistry() so repeated construction does not
// collide.
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
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 30},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		LinesIndexedTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "adlog_lines_indexed",
				Help: "Log lines inserted into the index so far.",
			},
		),
		IndexDistinctKeys: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "adlog_index_distinct_keys",
				Help: "Distinct user identifiers in the index.",
			},
		),
		IndexBuildDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "adlog_index_build_seconds",
				Help:    "Time taken to build the index from the log.",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
			},
		),
		RecordsFetchedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "adlog_records_fetched_total",
				Help: "Records re-read from the log and parsed by queries.",
			},
		),
		MalformedRecordsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "adlog_malformed_records_total",
				Help: "Records skipped at query time because they failed to parse.",
			},
		),
		QueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adlog_queries_total",
				Help: "Total queries by operation and status.",
			},
			[]string{"op", "status"},
		),
		QueryLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "adlog_query_latency_seconds",
				Help:    "Query latency in seconds.",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
			},
			[]string{"op"},
		),
		QueryResultsCount: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "adlog_query_results_count",
				Help:    "Number of results returned per query.",
				Buckets: []float64{0, 1, 5, 10, 50, 100, 1000, 10000},
			},
			[]string{"op"},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of cache misses.",
			},
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
		m.LinesIndexedTotal,
		m.IndexDistinctKeys,
		m.IndexBuildDuration,
		m.RecordsFetchedTotal,
		m.MalformedRecordsTotal,
		m.QueriesTotal,
		m.QueryLatency,
		m.QueryResultsCount,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
