// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request and upstream latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Render latency is dominated by navigation plus the quiescence window.
var renderBuckets = []float64{.25, .5, 1, 2, 4, 8, 15, 30, 45, 60}

// Render outcome label values.
const (
	RenderOK         = "ok"
	RenderTimeout    = "timeout"
	RenderError      = "error"
	RenderQuiescence = "quiescence_timeout"
)

// Cache lookup label values.
const (
	CacheHit    = "hit"
	CacheMiss   = "miss"
	CacheShared = "shared"
)

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	RendersTotal       *prometheus.CounterVec
	RenderDuration     prometheus.Histogram
	QuiescenceTimeouts prometheus.Counter
	RenderWorkersInUse prometheus.Gauge
	CacheRequests      *prometheus.CounterVec
	CacheEntries       prometheus.Gauge
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "render_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "render_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "render_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "render_proxy_upstream_request_duration_seconds",
			Help:    "Sub-resource fetch latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "render_proxy_upstream_responses_total",
			Help: "Total sub-resource responses by method and status class.",
		}, []string{"method", "status_code"}),

		RendersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "render_proxy_renders_total",
			Help: "Page renders by outcome.",
		}, []string{"outcome"}),

		RenderDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "render_proxy_render_duration_seconds",
			Help:    "Time from navigation start to captured HTML.",
			Buckets: renderBuckets,
		}),

		QuiescenceTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "render_proxy_quiescence_timeouts_total",
			Help: "Renders that captured HTML before the network went idle.",
		}),

		RenderWorkersInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "render_proxy_render_workers_in_use",
			Help: "Browser workers currently rendering a page.",
		}),

		CacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "render_proxy_resource_cache_requests_total",
			Help: "Resource cache lookups by result.",
		}, []string{"result"}),

		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "render_proxy_resource_cache_entries",
			Help: "Number of cached sub-resources.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.RendersTotal,
		m.RenderDuration,
		m.QuiescenceTimeouts,
		m.RenderWorkersInUse,
		m.CacheRequests,
		m.CacheEntries,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the allowed path label values (bounded cardinality).
var knownPrefixes = []string{"/proxy", "/resource", "/load-url", "/chat", "/healthz", "/status", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}

// StatusClass folds an upstream status code into 2xx..5xx so arbitrary
// origins cannot blow up label cardinality.
func StatusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	}
	return "other"
}
