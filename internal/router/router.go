// Package router implements the virtual router and pipeline planner
// (§4.8): blueprint resolution for an (entryEndpoint, phase, hints) tuple,
// and route-target selection over a health-gated, session-affine pool of
// provider keys. Blueprint resolution is cached with an otter cache keyed
// on the resolved lookup tuple, modeled on the teacher's
// app.RouterService route cache.
package router

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/maypok86/otter/v2"

	routecodex "github.com/routecodex/routecodex/internal"
)

// ErrNoBlueprint is returned when no blueprint matches an
// (entryEndpoint, phase) lookup, independent of the caller's protocol/
// process-mode filters.
var ErrNoBlueprint = errors.New("router: no blueprint for entry endpoint")

// responseSuffix signals the response phase when passed instead of an
// explicit phase option (§4.8 step 1).
const responseSuffix = "#response"

// BlueprintIndex holds every loaded PipelineBlueprint, indexed by
// (phase, entryEndpoint) for O(1) candidate lookup.
type BlueprintIndex struct {
	mu         sync.RWMutex
	byEndpoint map[routecodex.Phase]map[string][]*routecodex.PipelineBlueprint
	byID       map[string]*routecodex.PipelineBlueprint

	cache *otter.Cache[string, *routecodex.PipelineBlueprint]
}

// NewBlueprintIndex builds an index over blueprints, failing if any
// blueprint fails its own Validate().
func NewBlueprintIndex(blueprints []*routecodex.PipelineBlueprint) (*BlueprintIndex, error) {
	idx := &BlueprintIndex{}
	cache, err := otter.New[string, *routecodex.PipelineBlueprint](&otter.Options[string, *routecodex.PipelineBlueprint]{
		MaximumSize: 4096,
	})
	if err != nil {
		return nil, fmt.Errorf("router: create blueprint cache: %w", err)
	}
	idx.cache = cache
	if err := idx.Reload(blueprints); err != nil {
		return nil, err
	}
	return idx, nil
}

// Reload atomically replaces the index's contents, e.g. after the
// generated pipeline-config document changes on disk (§3: "reloaded on
// runtime reload").
func (idx *BlueprintIndex) Reload(blueprints []*routecodex.PipelineBlueprint) error {
	byEndpoint := make(map[routecodex.Phase]map[string][]*routecodex.PipelineBlueprint, 2)
	byID := make(map[string]*routecodex.PipelineBlueprint, len(blueprints))

	for _, b := range blueprints {
		if err := b.Validate(); err != nil {
			return err
		}
		byID[b.ID] = b
		if byEndpoint[b.Phase] == nil {
			byEndpoint[b.Phase] = make(map[string][]*routecodex.PipelineBlueprint)
		}
		for _, ep := range b.EntryEndpoints {
			ep = normalizeEndpoint(ep)
			byEndpoint[b.Phase][ep] = append(byEndpoint[b.Phase][ep], b)
		}
	}

	idx.mu.Lock()
	idx.byEndpoint = byEndpoint
	idx.byID = byID
	idx.mu.Unlock()

	idx.cache.InvalidateAll()
	return nil
}

// ByID returns the blueprint with the given id, if loaded.
func (idx *BlueprintIndex) ByID(id string) (*routecodex.PipelineBlueprint, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	b, ok := idx.byID[id]
	return b, ok
}

func normalizeEndpoint(e string) string {
	return strings.ToLower(strings.TrimSpace(e))
}

// splitResponseSuffix strips a trailing "#response" from entryEndpoint,
// returning the bare endpoint and the phase it implies, or zero-value
// phase if no suffix was present.
func splitResponseSuffix(entryEndpoint string) (string, routecodex.Phase) {
	ep := normalizeEndpoint(entryEndpoint)
	if strings.HasSuffix(ep, responseSuffix) {
		return strings.TrimSuffix(ep, responseSuffix), routecodex.PhaseResponse
	}
	return ep, ""
}

func filterByProtocol(pool []*routecodex.PipelineBlueprint, protocol routecodex.Protocol) []*routecodex.PipelineBlueprint {
	var out []*routecodex.PipelineBlueprint
	for _, b := range pool {
		for _, p := range b.ProviderProtocols {
			if p == protocol {
				out = append(out, b)
				break
			}
		}
	}
	return out
}

func filterByProcessMode(pool []*routecodex.PipelineBlueprint, mode routecodex.ProcessMode) []*routecodex.PipelineBlueprint {
	var out []*routecodex.PipelineBlueprint
	for _, b := range pool {
		if b.ProcessMode == mode {
			out = append(out, b)
		}
	}
	return out
}

// Resolve implements the normalize -> filter -> fallback algorithm from
// §4.8. phase may be empty, in which case it is taken from a
// "#response" suffix on entryEndpoint or defaults to PhaseRequest.
// protocol and processMode are optional filters; an empty value skips
// that filter step.
func (idx *BlueprintIndex) Resolve(entryEndpoint string, phase routecodex.Phase, protocol routecodex.Protocol, processMode routecodex.ProcessMode) (*routecodex.PipelineBlueprint, error) {
	ep, suffixPhase := splitResponseSuffix(entryEndpoint)
	if phase == "" {
		phase = suffixPhase
	}
	if phase == "" {
		phase = routecodex.PhaseRequest
	}

	cacheKey := strings.Join([]string{ep, string(phase), string(protocol), string(processMode)}, "|")
	if b, ok := idx.cache.GetIfPresent(cacheKey); ok {
		return b, nil
	}

	idx.mu.RLock()
	candidates := idx.byEndpoint[phase][ep]
	idx.mu.RUnlock()
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %s (%s)", ErrNoBlueprint, ep, phase)
	}

	pool := candidates
	if protocol != "" {
		if filtered := filterByProtocol(pool, protocol); len(filtered) > 0 {
			pool = filtered
		}
	}
	if processMode != "" {
		if filtered := filterByProcessMode(pool, processMode); len(filtered) > 0 {
			pool = filtered
		}
	}
	if len(pool) == 0 {
		return nil, fmt.Errorf("%w: %s (%s) after filters", ErrNoBlueprint, ep, phase)
	}

	result := pool[0]
	idx.cache.Set(cacheKey, result)
	return result, nil
}
