package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/routecodex/routecodex/internal/circuitbreaker"
)

func TestCircuitBreakerEvictionWorker_EvictsStaleBreakers(t *testing.T) {
	t.Parallel()
	registry := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	registry.GetOrCreate("stale-provider")

	w := NewCircuitBreakerEvictionWorker(registry, 10*time.Millisecond, time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	time.Sleep(5 * time.Millisecond) // let the breaker age past maxIdle
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	<-ctx.Done()
	<-done

	if registry.Get("stale-provider") != nil {
		t.Error("expected stale breaker to be evicted")
	}
}

func TestFuncWorker_TicksUntilCancelled(t *testing.T) {
	t.Parallel()
	var count atomic.Int32
	w := NewFuncWorker("ticker", 5*time.Millisecond, func(ctx context.Context) {
		count.Add(1)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
	if count.Load() == 0 {
		t.Error("expected at least one tick")
	}
}

func TestCircuitBreakerEvictionWorker_Name(t *testing.T) {
	t.Parallel()
	w := NewCircuitBreakerEvictionWorker(nil, time.Second, time.Minute)
	if w.Name() != "circuit_breaker_eviction" {
		t.Errorf("Name() = %q", w.Name())
	}
}
