package router

import (
	"errors"
	"testing"
	"time"

	routecodex "github.com/routecodex/routecodex/internal"
	"github.com/routecodex/routecodex/internal/circuitbreaker"
)

func TestParseProviderKey(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw      string
		provider string
		model    string
		alias    string
	}{
		{"openai", "openai", "", ""},
		{"openai.gpt-4o", "openai", "gpt-4o", ""},
		{"openai.gpt-4o.work", "openai", "gpt-4o", "work"},
	}
	for _, tt := range tests {
		pk := ParseProviderKey(tt.raw)
		if pk.ProviderID != tt.provider || pk.ModelID != tt.model || pk.KeyAlias != tt.alias {
			t.Errorf("ParseProviderKey(%q) = %+v, want provider=%q model=%q alias=%q", tt.raw, pk, tt.provider, tt.model, tt.alias)
		}
	}
}

func TestParseSessionDisableDirectives(t *testing.T) {
	t.Parallel()
	got := ParseSessionDisableDirectives("prefer fast models <#openai> and <#qwen> please")
	want := []string{"openai", "qwen"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestRouteTargetPool_FirstHealthyWins(t *testing.T) {
	t.Parallel()
	pool := NewRouteTargetPool(map[string][]string{
		"default": {"openai.gpt-4o", "anthropic.claude"},
	}, nil)
	pk, err := pool.Resolve("default", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if pk.ProviderID != "openai" {
		t.Fatalf("got provider %q, want openai", pk.ProviderID)
	}
}

func TestRouteTargetPool_SkipsUnhealthy(t *testing.T) {
	t.Parallel()
	reg := circuitbreaker.NewRegistry(circuitbreaker.Config{
		ErrorThreshold: 0.1,
		MinSamples:     1,
		WindowSeconds:  60,
		OpenTimeout:    time.Minute,
	})
	breaker := reg.GetOrCreate("openai.gpt-4o")
	breaker.RecordError(1.0)
	breaker.RecordError(1.0)

	pool := NewRouteTargetPool(map[string][]string{
		"default": {"openai.gpt-4o", "anthropic.claude"},
	}, reg)
	pk, err := pool.Resolve("default", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if pk.ProviderID != "anthropic" {
		t.Fatalf("got provider %q, want anthropic (openai should be unhealthy)", pk.ProviderID)
	}
}

func TestRouteTargetPool_SessionAffineDisable(t *testing.T) {
	t.Parallel()
	pool := NewRouteTargetPool(map[string][]string{
		"default": {"openai", "anthropic"},
	}, nil)
	pool.DisableForSession("sess-1", "openai")

	pk, err := pool.Resolve("default", "sess-1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if pk.ProviderID != "anthropic" {
		t.Fatalf("got provider %q, want anthropic", pk.ProviderID)
	}

	// A different session is unaffected.
	pk2, err := pool.Resolve("default", "sess-2")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if pk2.ProviderID != "openai" {
		t.Fatalf("got provider %q for sess-2, want openai", pk2.ProviderID)
	}
}

func TestRouteTargetPool_NoTargetsErrors(t *testing.T) {
	t.Parallel()
	pool := NewRouteTargetPool(nil, nil)
	_, err := pool.Resolve("missing", "")
	if !errors.Is(err, routecodex.ErrNoProviderTarget) {
		t.Fatalf("got error %v, want ErrNoProviderTarget", err)
	}
}

func TestRouteTargetPool_AllUnhealthyErrors(t *testing.T) {
	t.Parallel()
	pool := NewRouteTargetPool(map[string][]string{"default": {"openai"}}, nil)
	pool.DisableForSession("sess-1", "openai")
	_, err := pool.Resolve("default", "sess-1")
	if err == nil {
		t.Fatal("expected error when every target is disabled")
	}
}
