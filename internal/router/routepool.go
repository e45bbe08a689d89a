package router

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	routecodex "github.com/routecodex/routecodex/internal"
	"github.com/routecodex/routecodex/internal/circuitbreaker"
)

// ProviderKey is a parsed "<providerId>[.<modelId>[.<keyAlias>]]" entry
// from a route's ordered provider-key list (§3, §4.8 step 2).
type ProviderKey struct {
	Raw        string
	ProviderID string
	ModelID    string
	KeyAlias   string
}

// ParseProviderKey splits a dotted provider key into its components. A
// bare provider id ("openai") has empty ModelID/KeyAlias.
func ParseProviderKey(raw string) ProviderKey {
	parts := strings.SplitN(raw, ".", 3)
	pk := ProviderKey{Raw: raw, ProviderID: parts[0]}
	if len(parts) > 1 {
		pk.ModelID = parts[1]
	}
	if len(parts) > 2 {
		pk.KeyAlias = parts[2]
	}
	return pk
}

// sessionDisableDirective matches the "<#providerId>" meta-directive a
// caller can embed in per-session hints to permanently disable a
// provider within that session (§4.8 step 4).
var sessionDisableDirective = regexp.MustCompile(`<#([A-Za-z0-9_.-]+)>`)

// ParseSessionDisableDirectives extracts every provider id named by a
// "<#providerId>" directive in hint.
func ParseSessionDisableDirectives(hint string) []string {
	matches := sessionDisableDirective.FindAllStringSubmatch(hint, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

// RouteTargetPool resolves a logical route name ("default", "web_search",
// "image_gen", …) to the first healthy, non-disabled provider key in its
// configured ordered pool (§4.8 steps 2-5). Health is gated by a
// circuitbreaker.Registry keyed on providerKey; disabling is
// session-affine and sticky across re-evaluations within the same
// session.
type RouteTargetPool struct {
	mu     sync.RWMutex
	routes map[string][]string // routeName -> ordered provider keys

	breakers *circuitbreaker.Registry

	disabledMu sync.Mutex
	disabled   map[string]map[string]bool // sessionID -> providerID -> disabled
}

// NewRouteTargetPool builds a pool over routes, gating health with
// breakers. breakers may be nil, in which case every provider key is
// considered healthy.
func NewRouteTargetPool(routes map[string][]string, breakers *circuitbreaker.Registry) *RouteTargetPool {
	return &RouteTargetPool{
		routes:   routes,
		breakers: breakers,
		disabled: make(map[string]map[string]bool),
	}
}

// Reload atomically replaces the route -> provider-key-pool mapping.
func (p *RouteTargetPool) Reload(routes map[string][]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routes = routes
}

// DisableForSession marks providerID as disabled within sessionID. It
// remains disabled across subsequent Resolve calls for that session
// until the session ends (§4.8 step 4).
func (p *RouteTargetPool) DisableForSession(sessionID, providerID string) {
	if sessionID == "" {
		return
	}
	p.disabledMu.Lock()
	defer p.disabledMu.Unlock()
	set, ok := p.disabled[sessionID]
	if !ok {
		set = make(map[string]bool)
		p.disabled[sessionID] = set
	}
	set[providerID] = true
}

// EndSession drops the session-affine disable set for sessionID.
func (p *RouteTargetPool) EndSession(sessionID string) {
	p.disabledMu.Lock()
	defer p.disabledMu.Unlock()
	delete(p.disabled, sessionID)
}

func (p *RouteTargetPool) isDisabled(sessionID, providerID string) bool {
	if sessionID == "" {
		return false
	}
	p.disabledMu.Lock()
	defer p.disabledMu.Unlock()
	return p.disabled[sessionID][providerID]
}

func (p *RouteTargetPool) healthy(providerKey string) bool {
	if p.breakers == nil {
		return true
	}
	b := p.breakers.Get(providerKey)
	if b == nil {
		return true
	}
	return b.Allow()
}

// Resolve returns the first healthy, non-session-disabled provider key
// in routeName's pool. sessionID may be empty when the caller has no
// session affinity to honor.
func (p *RouteTargetPool) Resolve(routeName, sessionID string) (ProviderKey, error) {
	p.mu.RLock()
	pool := p.routes[routeName]
	p.mu.RUnlock()

	if len(pool) == 0 {
		return ProviderKey{}, fmt.Errorf("%w: route %q has no targets", routecodex.ErrNoProviderTarget, routeName)
	}

	for _, raw := range pool {
		pk := ParseProviderKey(raw)
		if p.isDisabled(sessionID, pk.ProviderID) {
			continue
		}
		if !p.healthy(raw) {
			continue
		}
		return pk, nil
	}
	return ProviderKey{}, routecodex.NewError(routecodex.CodeNoProviderTarget, "no healthy provider target for route "+routeName)
}
