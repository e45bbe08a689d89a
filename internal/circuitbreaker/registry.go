package circuitbreaker

import (
	"sync"
	"time"
)

// Registry manages per-provider-target Breaker instances, keyed on the
// same ProviderTarget.ProviderKey string internal/router resolves a
// route to (e.g. "openai.gpt-4o.default"), not a bare provider ID --
// two route targets against the same provider but different models or
// key aliases trip independently.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
}

// NewRegistry creates a new circuit breaker registry with the given config.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   cfg,
	}
}

// Get returns the breaker for the given provider key, or nil if none exists.
func (r *Registry) Get(providerKey string) *Breaker {
	r.mu.RLock()
	b := r.breakers[providerKey]
	r.mu.RUnlock()
	return b
}

// GetOrCreate returns the breaker for providerKey, creating one if needed.
// Uses double-check locking to minimize write-lock contention.
func (r *Registry) GetOrCreate(providerKey string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[providerKey]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Double-check after acquiring write lock.
	if b, ok := r.breakers[providerKey]; ok {
		return b
	}
	b = NewBreaker(r.config)
	r.breakers[providerKey] = b
	return b
}

// EvictStale removes breakers not used since cutoff.
// Phase 1: RLock to snapshot stale keys. Phase 2: Lock to delete them.
func (r *Registry) EvictStale(cutoff time.Time) int {
	// Phase 1: read-lock to identify stale keys.
	r.mu.RLock()
	var staleKeys []string
	for k, b := range r.breakers {
		if b.LastUsed().Before(cutoff) {
			staleKeys = append(staleKeys, k)
		}
	}
	r.mu.RUnlock()

	if len(staleKeys) == 0 {
		return 0
	}

	// Phase 2: write-lock only for deletions.
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for _, k := range staleKeys {
		if b, ok := r.breakers[k]; ok {
			if b.LastUsed().Before(cutoff) {
				delete(r.breakers, k)
				evicted++
			}
		}
	}
	return evicted
}
