// Package pipeline implements the pipeline runtime (§4.7): a registry of
// node factories keyed by moduleType, an idle-swept instance cache, and
// Run, which walks a blueprint's nodes forward to the provider and back.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"
	"go.opentelemetry.io/otel/trace"

	routecodex "github.com/routecodex/routecodex/internal"
	"github.com/routecodex/routecodex/internal/telemetry"
)

// Blueprint, Context, and Node are the §3 types; the runtime operates on
// them directly rather than redeclaring its own shapes.
type (
	Blueprint = routecodex.PipelineBlueprint
	Context   = routecodex.PipelineContext
	Node      = routecodex.Node
)

// Factory builds one Node instance for a given NodeDescriptor's Options.
type Factory func(options map[string]any) (Node, error)

// Registry maps a node's moduleType (its configured Implementation name)
// to the factory that builds it, modeled directly on
// internal/provider.Registry (RWMutex-guarded map, Register/Get/List).
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under moduleType, overwriting any previous one.
func (r *Registry) Register(moduleType string, f Factory) {
	r.mu.Lock()
	r.factories[moduleType] = f
	r.mu.Unlock()
}

// Get returns the factory registered under moduleType, or an error if none.
func (r *Registry) Get(moduleType string) (Factory, error) {
	r.mu.RLock()
	f, ok := r.factories[moduleType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("pipeline: moduleType %q not registered", moduleType)
	}
	return f, nil
}

// List returns every registered moduleType, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}

// configHash produces a stable cache key suffix for a node's Options,
// so two descriptors with the same moduleType but different configuration
// never share an instance.
func configHash(options map[string]any) (string, error) {
	if len(options) == 0 {
		return "-", nil
	}
	data, err := json.Marshal(options)
	if err != nil {
		return "", fmt.Errorf("pipeline: hash node options: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8]), nil
}

// InstanceCache resolves (moduleType, configHash) keys to built Node
// instances, reusing them across requests. Entries idle longer than
// maxIdleTime are evicted by a background sweep, modeled on
// circuitbreaker.Registry's two-phase eviction-by-LastUsed pattern: the
// built instances live in the otter cache, while a side map of
// last-resolved timestamps drives the sweep.
type InstanceCache struct {
	registry *Registry
	cache    *otter.Cache[string, Node]

	mu          sync.RWMutex
	lastUsed    map[string]time.Time
	maxIdleTime time.Duration

	stop chan struct{}
	once sync.Once
}

// NewInstanceCache builds an InstanceCache over registry. sweepInterval
// and maxIdleTime default to 5 minutes when zero.
func NewInstanceCache(registry *Registry, sweepInterval, maxIdleTime time.Duration) (*InstanceCache, error) {
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Minute
	}
	if maxIdleTime <= 0 {
		maxIdleTime = 5 * time.Minute
	}
	cache, err := otter.New[string, Node](&otter.Options[string, Node]{
		MaximumSize: 4096,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: create instance cache: %w", err)
	}
	ic := &InstanceCache{
		registry:    registry,
		cache:       cache,
		lastUsed:    make(map[string]time.Time),
		maxIdleTime: maxIdleTime,
		stop:        make(chan struct{}),
	}
	go ic.sweepLoop(sweepInterval)
	return ic, nil
}

// Resolve returns the Node for desc, building and caching it on a miss.
func (ic *InstanceCache) Resolve(desc routecodex.NodeDescriptor) (Node, error) {
	hash, err := configHash(desc.Options)
	if err != nil {
		return nil, err
	}
	key := desc.Implementation + "|" + hash

	if node, ok := ic.cache.GetIfPresent(key); ok {
		ic.touch(key)
		return node, nil
	}

	factory, err := ic.registry.Get(desc.Implementation)
	if err != nil {
		return nil, err
	}
	node, err := factory(desc.Options)
	if err != nil {
		return nil, fmt.Errorf("pipeline: build node %q: %w", desc.Implementation, err)
	}

	ic.cache.Set(key, node)
	ic.touch(key)
	return node, nil
}

func (ic *InstanceCache) touch(key string) {
	ic.mu.Lock()
	ic.lastUsed[key] = time.Now()
	ic.mu.Unlock()
}

func (ic *InstanceCache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ic.sweep()
		case <-ic.stop:
			return
		}
	}
}

// sweep mirrors circuitbreaker.Registry.EvictStale: an RLock pass to
// find stale keys, then a Lock pass to remove them.
func (ic *InstanceCache) sweep() {
	cutoff := time.Now().Add(-ic.maxIdleTime)

	ic.mu.RLock()
	var stale []string
	for key, t := range ic.lastUsed {
		if t.Before(cutoff) {
			stale = append(stale, key)
		}
	}
	ic.mu.RUnlock()

	if len(stale) == 0 {
		return
	}

	ic.mu.Lock()
	defer ic.mu.Unlock()
	for _, key := range stale {
		if t, ok := ic.lastUsed[key]; ok && t.Before(cutoff) {
			delete(ic.lastUsed, key)
			ic.cache.Invalidate(key)
		}
	}
}

// Close stops the idle-sweep goroutine.
func (ic *InstanceCache) Close() {
	ic.once.Do(func() { close(ic.stop) })
}

// Runner executes blueprints against an InstanceCache, optionally
// emitting an otel span per node (nil tracer disables tracing, mirroring
// the teacher's ProxyService "nil tracer disables tracing" texture).
type Runner struct {
	instances *InstanceCache
	tracer    trace.Tracer
}

// NewRunner builds a Runner. Pass a nil tracer to disable span emission.
func NewRunner(instances *InstanceCache, tracer trace.Tracer) *Runner {
	return &Runner{instances: instances, tracer: tracer}
}

// Run walks blueprint.Nodes forward, calling ProcessIncoming on each
// until the provider node produces a response, then walks the preceding
// nodes in reverse calling ProcessOutgoing, per §4.7/§4.9. Node errors
// are wrapped in *routecodex.PipelineNodeError with full provenance.
func (rn *Runner) Run(ctx context.Context, blueprint *Blueprint, pctx *Context) (*Context, error) {
	payload := pctx.Request
	providerIndex := -1

	for i, desc := range blueprint.Nodes {
		node, err := rn.instances.Resolve(desc)
		if err != nil {
			return pctx, err
		}

		payload, err = rn.call(ctx, node, desc, pctx, payload, "request", "incoming")
		if err != nil {
			return pctx, err
		}

		if desc.Kind == routecodex.NodeProvider {
			providerIndex = i
			break
		}
	}

	pctx.Response = payload

	for i := providerIndex - 1; i >= 0; i-- {
		desc := blueprint.Nodes[i]
		node, err := rn.instances.Resolve(desc)
		if err != nil {
			return pctx, err
		}

		payload, err = rn.call(ctx, node, desc, pctx, payload, "response", "outgoing")
		if err != nil {
			return pctx, err
		}
	}

	pctx.Response = payload
	return pctx, nil
}

func (rn *Runner) call(ctx context.Context, node Node, desc routecodex.NodeDescriptor, pctx *Context, payload any, phase, stage string) (result any, err error) {
	callCtx, span := telemetry.StartNodeSpan(ctx, rn.tracer, desc.ID, string(desc.Kind), desc.Implementation, stage)
	if rn.tracer != nil {
		defer span.End()
	}

	defer func() {
		if r := recover(); r != nil {
			err = rn.wrapErr(desc, pctx, phase, stage, fmt.Errorf("panic: %v", r))
		}
	}()

	if stage == "incoming" {
		result, err = node.ProcessIncoming(callCtx, pctx, payload)
	} else {
		result, err = node.ProcessOutgoing(callCtx, pctx, payload)
	}
	if err != nil {
		err = rn.wrapErr(desc, pctx, phase, stage, err)
	}
	return result, err
}

func (rn *Runner) wrapErr(desc routecodex.NodeDescriptor, pctx *Context, phase, stage string, err error) error {
	wrapped := &routecodex.PipelineNodeError{
		NodeID:         desc.ID,
		Implementation: desc.Implementation,
		PipelineID:     pctx.Blueprint.ID,
		RequestID:      pctx.Metadata.RequestID,
		Phase:          phase,
		Stage:          stage,
		Err:            err,
	}
	pctx.Errorf(wrapped)
	return wrapped
}
