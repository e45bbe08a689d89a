package nodes

import "github.com/routecodex/routecodex/internal/transport"

// isSSECarrier reports whether payload is the streaming carrier a
// Provider node hands back instead of a reshapeable JSON body (§4.6).
func isSSECarrier(payload any) bool {
	m, ok := payload.(map[string]any)
	if !ok {
		return false
	}
	_, ok = m[transport.SSECarrierKey]
	return ok
}
