// Package metrics holds the Prometheus collectors of the proxy.
//
// All methods are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "octoproxy"

type Metrics struct {
	registry *prometheus.Registry

	requestsTotal     *prometheus.CounterVec
	cacheLookups      *prometheus.CounterVec
	metadataFetches   *prometheus.CounterVec
	modifierMutations *prometheus.CounterVec
	chunkRequests     *prometheus.CounterVec
	upstreamErrors    *prometheus.CounterVec
	upstreamDuration  *prometheus.HistogramVec
}

// New creates the collectors and registers them with a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of inbound requests by route",
			},
			[]string{"route"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "metadata",
				Name:      "cache_lookups_total",
				Help:      "Model metadata lookups by result (hit, miss, error)",
			},
			[]string{"result"},
		),
		metadataFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "metadata",
				Name:      "fetches_total",
				Help:      "Backend metadata queries by outcome",
			},
			[]string{"outcome"},
		),
		modifierMutations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "modifier_mutations_total",
				Help:      "Request bodies mutated by each modifier",
			},
			[]string{"modifier"},
		),
		chunkRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunk_subrequests_total",
				Help:      "Sub-requests issued by the chunk engine",
			},
			[]string{"route"},
		),
		upstreamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "upstream",
				Name:      "errors_total",
				Help:      "Backend call failures by kind (timeout, unavailable, status)",
			},
			[]string{"kind"},
		),
		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "upstream",
				Name:      "request_duration_seconds",
				Help:      "Time to backend response headers",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}

	m.registry.MustRegister(
		m.requestsTotal,
		m.cacheLookups,
		m.metadataFetches,
		m.modifierMutations,
		m.chunkRequests,
		m.upstreamErrors,
		m.upstreamDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler exposes the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

func (m *Metrics) RecordRequest(route string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.requestsTotal.WithLabelValues(route).Inc()
}

func (m *Metrics) RecordCacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordMetadataFetch(outcome string) {
	if m == nil {
		return
	}
	m.metadataFetches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordMutation(modifier string) {
	if m == nil {
		return
	}
	m.modifierMutations.WithLabelValues(modifier).Inc()
}

func (m *Metrics) RecordChunkRequest(route string) {
	if m == nil {
		return
	}
	m.chunkRequests.WithLabelValues(route).Inc()
}

func (m *Metrics) RecordUpstreamError(kind string) {
	if m == nil {
		return
	}
	m.upstreamErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveUpstream(route string, seconds float64) {
	if m == nil {
		return
	}
	m.upstreamDuration.WithLabelValues(route).Observe(seconds)
}
