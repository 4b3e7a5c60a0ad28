// Package metrics registers the Prometheus instruments exposed on /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus instruments on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
	TasksStarted     *prometheus.CounterVec
	TasksFinished    *prometheus.CounterVec
	TaskDuration     *prometheus.HistogramVec
	TasksInFlight    prometheus.Gauge
	AIRequests       *prometheus.CounterVec
	ProviderRequests *prometheus.CounterVec
	ProviderDuration *prometheus.HistogramVec
	NewsIngested     prometheus.Counter
	FilingsIngested  prometheus.Counter
	WSConnections    prometheus.Gauge
}

// New creates and registers all instruments.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_http_requests_total",
			Help: "HTTP requests by method, route, and status.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "atlas_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		TasksStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_research_tasks_started_total",
			Help: "Research tasks claimed by workers, by type.",
		}, []string{"type"}),
		TasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_research_tasks_finished_total",
			Help: "Research tasks finished, by type and terminal status.",
		}, []string{"type", "status"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "atlas_research_task_duration_seconds",
			Help:    "Research task execution time, by type.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"type"}),
		TasksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "atlas_research_tasks_in_flight",
			Help: "Research tasks currently executing.",
		}),
		AIRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_ai_requests_total",
			Help: "Model API calls, by outcome.",
		}, []string{"outcome"}),
		ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_provider_requests_total",
			Help: "External provider API calls, by service and outcome.",
		}, []string{"service", "outcome"}),
		ProviderDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "atlas_provider_request_duration_seconds",
			Help:    "External provider API call latency, by service.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service"}),
		NewsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atlas_news_ingested_total",
			Help: "News items stored after dedup.",
		}),
		FilingsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atlas_filings_ingested_total",
			Help: "SEC filings stored after dedup.",
		}),
		WSConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "atlas_websocket_connections",
			Help: "Open WebSocket connections.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequests, m.HTTPDuration,
		m.TasksStarted, m.TasksFinished, m.TaskDuration, m.TasksInFlight,
		m.AIRequests, m.ProviderRequests, m.ProviderDuration,
		m.NewsIngested, m.FilingsIngested, m.WSConnections,
	)
	return m
}

// RegisterCacheStats exposes hit/miss counters backed by the cache's own
// tallies, read at scrape time.
func (m *Metrics) RegisterCacheStats(hits, misses func() uint64) {
	m.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "atlas_cache_hits_total",
			Help: "Market-data cache hits.",
		}, func() float64 { return float64(hits()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "atlas_cache_misses_total",
			Help: "Market-data cache misses.",
		}, func() float64 { return float64(misses()) }),
	)
}

// ProviderTransport wraps a RoundTripper so every call to the named provider
// lands in the provider counters.
func (m *Metrics) ProviderTransport(service string, base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &providerTransport{service: service, base: base, metrics: m}
}

type providerTransport struct {
	service string
	base    http.RoundTripper
	metrics *Metrics
}

func (t *providerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	t.metrics.ProviderDuration.WithLabelValues(t.service).Observe(time.Since(start).Seconds())

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case resp.StatusCode >= 400:
		outcome = "http_error"
	}
	t.metrics.ProviderRequests.WithLabelValues(t.service, outcome).Inc()
	return resp, err
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
