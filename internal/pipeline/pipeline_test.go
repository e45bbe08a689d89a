package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	routecodex "github.com/routecodex/routecodex/internal"
)

type recordingNode struct {
	kind           routecodex.NodeKind
	implementation string
	incomingErr    error
	incomingPanic  bool
	trail          *[]string
}

func (n *recordingNode) Kind() routecodex.NodeKind { return n.kind }
func (n *recordingNode) Implementation() string    { return n.implementation }

func (n *recordingNode) ProcessIncoming(ctx context.Context, pctx *routecodex.PipelineContext, payload any) (any, error) {
	if n.incomingPanic {
		panic("boom")
	}
	if n.incomingErr != nil {
		return nil, n.incomingErr
	}
	*n.trail = append(*n.trail, n.implementation+":in")
	return payload, nil
}

func (n *recordingNode) ProcessOutgoing(ctx context.Context, pctx *routecodex.PipelineContext, payload any) (any, error) {
	*n.trail = append(*n.trail, n.implementation+":out")
	return payload, nil
}

func blueprintWith(nodes ...routecodex.NodeDescriptor) *Blueprint {
	return &Blueprint{
		ID:                "bp-1",
		Phase:             routecodex.PhaseRequest,
		ProviderProtocols: []routecodex.Protocol{routecodex.ProtocolOpenAIChat},
		Nodes:             nodes,
	}
}

func TestRun_ForwardThenReverseAroundProvider(t *testing.T) {
	var trail []string
	registry := NewRegistry()
	registry.Register("switch", func(map[string]any) (Node, error) {
		return &recordingNode{kind: routecodex.NodeLLMSwitch, implementation: "switch", trail: &trail}, nil
	})
	registry.Register("compat", func(map[string]any) (Node, error) {
		return &recordingNode{kind: routecodex.NodeCompatibility, implementation: "compat", trail: &trail}, nil
	})
	registry.Register("upstream", func(map[string]any) (Node, error) {
		return &recordingNode{kind: routecodex.NodeProvider, implementation: "upstream", trail: &trail}, nil
	})

	instances, err := NewInstanceCache(registry, time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("NewInstanceCache: %v", err)
	}
	defer instances.Close()

	blueprint := blueprintWith(
		routecodex.NodeDescriptor{ID: "n1", Kind: routecodex.NodeLLMSwitch, Implementation: "switch"},
		routecodex.NodeDescriptor{ID: "n2", Kind: routecodex.NodeCompatibility, Implementation: "compat"},
		routecodex.NodeDescriptor{ID: "n3", Kind: routecodex.NodeProvider, Implementation: "upstream"},
	)
	pctx := routecodex.NewPipelineContext(blueprint, routecodex.RequestMetadata{RequestID: "req-1"})
	pctx.Request = "payload"

	runner := NewRunner(instances, nil)
	if _, err := runner.Run(context.Background(), blueprint, pctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"switch:in", "compat:in", "upstream:in", "compat:out", "switch:out"}
	if len(trail) != len(want) {
		t.Fatalf("trail = %v, want %v", trail, want)
	}
	for i := range want {
		if trail[i] != want[i] {
			t.Errorf("trail[%d] = %q, want %q", i, trail[i], want[i])
		}
	}
}

func TestRun_NodeErrorWrappedWithProvenance(t *testing.T) {
	var trail []string
	registry := NewRegistry()
	registry.Register("broken", func(map[string]any) (Node, error) {
		return &recordingNode{kind: routecodex.NodeLLMSwitch, implementation: "broken", incomingErr: errors.New("kaboom"), trail: &trail}, nil
	})
	instances, err := NewInstanceCache(registry, time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("NewInstanceCache: %v", err)
	}
	defer instances.Close()

	blueprint := blueprintWith(
		routecodex.NodeDescriptor{ID: "n1", Kind: routecodex.NodeLLMSwitch, Implementation: "broken"},
	)
	pctx := routecodex.NewPipelineContext(blueprint, routecodex.RequestMetadata{RequestID: "req-2"})

	runner := NewRunner(instances, nil)
	_, err = runner.Run(context.Background(), blueprint, pctx)
	if err == nil {
		t.Fatal("expected error")
	}
	var nodeErr *routecodex.PipelineNodeError
	if !errors.As(err, &nodeErr) {
		t.Fatalf("expected *PipelineNodeError, got %T: %v", err, err)
	}
	if nodeErr.NodeID != "n1" || nodeErr.RequestID != "req-2" || nodeErr.Phase != "request" || nodeErr.Stage != "incoming" {
		t.Errorf("unexpected provenance: %+v", nodeErr)
	}
}

func TestRun_PanicRecoveredAndWrapped(t *testing.T) {
	var trail []string
	registry := NewRegistry()
	registry.Register("panicky", func(map[string]any) (Node, error) {
		return &recordingNode{kind: routecodex.NodeLLMSwitch, implementation: "panicky", incomingPanic: true, trail: &trail}, nil
	})
	instances, err := NewInstanceCache(registry, time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("NewInstanceCache: %v", err)
	}
	defer instances.Close()

	blueprint := blueprintWith(
		routecodex.NodeDescriptor{ID: "n1", Kind: routecodex.NodeLLMSwitch, Implementation: "panicky"},
	)
	pctx := routecodex.NewPipelineContext(blueprint, routecodex.RequestMetadata{RequestID: "req-3"})

	runner := NewRunner(instances, nil)
	_, err = runner.Run(context.Background(), blueprint, pctx)
	if err == nil {
		t.Fatal("expected error from recovered panic")
	}
}

func TestInstanceCache_ReusesBuiltNode(t *testing.T) {
	calls := 0
	registry := NewRegistry()
	registry.Register("reused", func(map[string]any) (Node, error) {
		calls++
		return &recordingNode{kind: routecodex.NodeWorkflow, implementation: "reused", trail: &[]string{}}, nil
	})
	instances, err := NewInstanceCache(registry, time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("NewInstanceCache: %v", err)
	}
	defer instances.Close()

	desc := routecodex.NodeDescriptor{ID: "n1", Kind: routecodex.NodeWorkflow, Implementation: "reused"}
	if _, err := instances.Resolve(desc); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := instances.Resolve(desc); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if calls != 1 {
		t.Errorf("factory calls = %d, want 1 (instance should be cached)", calls)
	}
}

func TestInstanceCache_DistinctOptionsGetDistinctInstances(t *testing.T) {
	calls := 0
	registry := NewRegistry()
	registry.Register("multi", func(map[string]any) (Node, error) {
		calls++
		return &recordingNode{kind: routecodex.NodeWorkflow, implementation: "multi", trail: &[]string{}}, nil
	})
	instances, err := NewInstanceCache(registry, time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("NewInstanceCache: %v", err)
	}
	defer instances.Close()

	if _, err := instances.Resolve(routecodex.NodeDescriptor{Implementation: "multi", Options: map[string]any{"a": 1}}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := instances.Resolve(routecodex.NodeDescriptor{Implementation: "multi", Options: map[string]any{"a": 2}}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if calls != 2 {
		t.Errorf("factory calls = %d, want 2 (different options should miss the cache)", calls)
	}
}

func TestInstanceCache_SweepEvictsIdleEntries(t *testing.T) {
	calls := 0
	registry := NewRegistry()
	registry.Register("idle", func(map[string]any) (Node, error) {
		calls++
		return &recordingNode{kind: routecodex.NodeWorkflow, implementation: "idle", trail: &[]string{}}, nil
	})
	instances, err := NewInstanceCache(registry, time.Hour, time.Millisecond)
	if err != nil {
		t.Fatalf("NewInstanceCache: %v", err)
	}
	defer instances.Close()

	desc := routecodex.NodeDescriptor{Implementation: "idle"}
	if _, err := instances.Resolve(desc); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	instances.sweep()
	if _, err := instances.Resolve(desc); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if calls != 2 {
		t.Errorf("factory calls = %d, want 2 (idle entry should be rebuilt)", calls)
	}
}

func TestRegistry_UnknownModuleType(t *testing.T) {
	registry := NewRegistry()
	if _, err := registry.Get("missing"); err == nil {
		t.Fatal("expected error for unregistered moduleType")
	}
}

func TestRegistry_List(t *testing.T) {
	registry := NewRegistry()
	registry.Register("b", func(map[string]any) (Node, error) { return nil, nil })
	registry.Register("a", func(map[string]any) (Node, error) { return nil, nil })
	got := registry.List()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("List() = %v, want sorted [a b]", got)
	}
}
