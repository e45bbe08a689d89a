// Package telemetry provides observability primitives for the RouteCodex
// gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	PipelineRequestsTotal  *prometheus.CounterVec
	PipelineStageDuration  *prometheus.HistogramVec // labels: node_kind, stage
	ActiveRequests         prometheus.Gauge
	CacheHits              *prometheus.CounterVec // labels: cache ("blueprint"|"instance")
	CacheMisses            *prometheus.CounterVec
	TokensProcessed        *prometheus.CounterVec // labels: model, type
	OAuthRefreshTotal      *prometheus.CounterVec // labels: provider, result
	TransportRetriesTotal  *prometheus.CounterVec // labels: provider, reason
	CircuitBreakerState    *prometheus.GaugeVec   // labels: provider_key
	CircuitBreakerRejects  *prometheus.CounterVec // labels: provider_key
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PipelineRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "routecodex",
			Name:      "pipeline_requests_total",
			Help:      "Total number of pipeline runs, by route and terminal status.",
		}, []string{"route", "status"}),

		PipelineStageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "routecodex",
			Name:                            "pipeline_stage_duration_seconds",
			Help:                            "Pipeline node stage duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"node_kind", "stage"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "routecodex",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "routecodex",
			Name:      "cache_hits_total",
			Help:      "Total cache hits, by cache name.",
		}, []string{"cache"}),

		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "routecodex",
			Name:      "cache_misses_total",
			Help:      "Total cache misses, by cache name.",
		}, []string{"cache"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "routecodex",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),

		OAuthRefreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "routecodex",
			Name:      "oauth_refresh_total",
			Help:      "Total OAuth token refresh attempts, by provider and result.",
		}, []string{"provider", "result"}),

		TransportRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "routecodex",
			Name:      "transport_retries_total",
			Help:      "Total provider transport retries, by provider and reason.",
		}, []string{"provider", "reason"}),

		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "routecodex",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per provider key (0=closed, 1=open, 2=half_open).",
		}, []string{"provider_key"}),

		CircuitBreakerRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "routecodex",
			Name:      "circuit_breaker_rejects_total",
			Help:      "Total requests rejected by circuit breaker, by provider key.",
		}, []string{"provider_key"}),
	}

	reg.MustRegister(
		m.PipelineRequestsTotal,
		m.PipelineStageDuration,
		m.ActiveRequests,
		m.CacheHits,
		m.CacheMisses,
		m.TokensProcessed,
		m.OAuthRefreshTotal,
		m.TransportRetriesTotal,
		m.CircuitBreakerState,
		m.CircuitBreakerRejects,
	)

	return m
}
