// Package worker provides background task infrastructure for the
// gateway: long-running sweepers run under an errgroup.Group that
// cancels every other worker on the first failure.
package worker

import (
	"context"
	"time"

	"github.com/routecodex/routecodex/internal/circuitbreaker"
)

// Worker is a long-running background task.
type Worker interface {
	// Name returns a human-readable identifier for logging.
	Name() string
	// Run blocks until ctx is cancelled or an unrecoverable error occurs.
	Run(ctx context.Context) error
}

// CircuitBreakerEvictionWorker periodically evicts breakers unused since
// maxIdle from a circuitbreaker.Registry, keeping its memory bounded
// across long-lived provider key churn (§4.8: providers come and go with
// route pool reloads).
type CircuitBreakerEvictionWorker struct {
	registry *circuitbreaker.Registry
	interval time.Duration
	maxIdle  time.Duration
}

// NewCircuitBreakerEvictionWorker builds a worker that calls
// registry.EvictStale every interval, removing breakers idle longer
// than maxIdle.
func NewCircuitBreakerEvictionWorker(registry *circuitbreaker.Registry, interval, maxIdle time.Duration) *CircuitBreakerEvictionWorker {
	return &CircuitBreakerEvictionWorker{registry: registry, interval: interval, maxIdle: maxIdle}
}

// Name implements Worker.
func (w *CircuitBreakerEvictionWorker) Name() string { return "circuit_breaker_eviction" }

// Run implements Worker.
func (w *CircuitBreakerEvictionWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.registry.EvictStale(time.Now().Add(-w.maxIdle))
		case <-ctx.Done():
			return nil
		}
	}
}

// FuncWorker adapts a plain tick function into a Worker, for one-off
// sweepers that don't warrant their own named type.
type FuncWorker struct {
	name     string
	interval time.Duration
	tick     func(ctx context.Context)
}

// NewFuncWorker builds a FuncWorker that calls tick every interval until
// ctx is cancelled.
func NewFuncWorker(name string, interval time.Duration, tick func(ctx context.Context)) *FuncWorker {
	return &FuncWorker{name: name, interval: interval, tick: tick}
}

// Name implements Worker.
func (w *FuncWorker) Name() string { return w.name }

// Run implements Worker.
func (w *FuncWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.tick(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}
