package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics(reg)

	if m.PipelineRequestsTotal == nil {
		t.Error("PipelineRequestsTotal is nil")
	}
	if m.PipelineStageDuration == nil {
		t.Error("PipelineStageDuration is nil")
	}
	if m.ActiveRequests == nil {
		t.Error("ActiveRequests is nil")
	}
	if m.CacheHits == nil {
		t.Error("CacheHits is nil")
	}
	if m.CacheMisses == nil {
		t.Error("CacheMisses is nil")
	}
	if m.TokensProcessed == nil {
		t.Error("TokensProcessed is nil")
	}
	if m.OAuthRefreshTotal == nil {
		t.Error("OAuthRefreshTotal is nil")
	}
	if m.TransportRetriesTotal == nil {
		t.Error("TransportRetriesTotal is nil")
	}
	if m.CircuitBreakerState == nil {
		t.Error("CircuitBreakerState is nil")
	}
	if m.CircuitBreakerRejects == nil {
		t.Error("CircuitBreakerRejects is nil")
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Error("expected at least one metric family")
	}
}

func TestNewMetricsIncrement(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics(reg)

	m.PipelineRequestsTotal.WithLabelValues("default", "ok").Inc()
	m.CacheHits.WithLabelValues("blueprint").Inc()
	m.CacheMisses.WithLabelValues("instance").Inc()
	m.ActiveRequests.Set(5)
	m.PipelineStageDuration.WithLabelValues("provider", "incoming").Observe(0.123)
	m.OAuthRefreshTotal.WithLabelValues("openai", "ok").Inc()
	m.TransportRetriesTotal.WithLabelValues("openai", "5xx").Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather after increment: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	want := []string{
		"routecodex_pipeline_requests_total",
		"routecodex_cache_hits_total",
		"routecodex_cache_misses_total",
		"routecodex_active_requests",
		"routecodex_pipeline_stage_duration_seconds",
		"routecodex_oauth_refresh_total",
		"routecodex_transport_retries_total",
	}
	for _, name := range want {
		if !names[name] {
			t.Errorf("missing metric %q in gathered families", name)
		}
	}
}

// SetupTracing is not unit-tested because it requires a gRPC connection
// to an OTLP collector, which is integration-test territory.
