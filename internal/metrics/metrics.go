// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all crimerisk metrics on a private prometheus registry.
type Registry struct {
	reg *prometheus.Registry

	// HTTP metrics
	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Model registry sizes, by kind (forecast, spike)
	ModelsLoaded *prometheus.GaugeVec

	// Response cache metrics, by endpoint
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	// Digest metrics
	DigestNotified prometheus.Counter
}

// New creates a Registry with Go runtime and process collectors attached.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crimerisk_http_requests_total",
				Help: "Total HTTP requests by route, method and status",
			},
			[]string{"route", "method", "status"},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crimerisk_http_request_duration_seconds",
				Help:    "HTTP request latency by route",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"route"},
		),

		ModelsLoaded: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crimerisk_models_loaded",
				Help: "Number of per-neighborhood models currently loaded",
			},
			[]string{"kind"},
		),

		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crimerisk_cache_hits_total",
				Help: "Response cache hits by endpoint",
			},
			[]string{"endpoint"},
		),

		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crimerisk_cache_misses_total",
				Help: "Response cache misses by endpoint",
			},
			[]string{"endpoint"},
		),

		DigestNotified: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "crimerisk_digest_notified_total",
				Help: "Neighborhoods included in sent spike digests",
			},
		),
	}

	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.Requests,
		r.RequestDuration,
		r.ModelsLoaded,
		r.CacheHits,
		r.CacheMisses,
		r.DigestNotified,
	)
	return r
}

// ObserveRequest records one finished HTTP request.
func (r *Registry) ObserveRequest(route, method string, status int, elapsed time.Duration) {
	if r == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	r.Requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	r.RequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// SetModels records the size of a model registry.
func (r *Registry) SetModels(kind string, n int) {
	if r == nil {
		return
	}
	r.ModelsLoaded.WithLabelValues(kind).Set(float64(n))
}

// ObserveCache records a cache lookup.
func (r *Registry) ObserveCache(endpoint string, hit bool) {
	if r == nil {
		return
	}
	if hit {
		r.CacheHits.WithLabelValues(endpoint).Inc()
	} else {
		r.CacheMisses.WithLabelValues(endpoint).Inc()
	}
}

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
