package nodes

import (
	"context"
	"fmt"

	"github.com/tidwall/gjson"

	routecodex "github.com/routecodex/routecodex/internal"
	"github.com/routecodex/routecodex/internal/transport"
)

// ImplTransport is the single Provider implementation name: the actual
// upstream selection (providerID, model, key alias) is resolved per
// request by the virtual router and carried on ctx via
// routecodex.RuntimeMetadata, not baked into the blueprint (§4.8) -- a
// blueprint's Provider node just needs to know how to reach "whichever
// provider the router picked".
const ImplTransport = "transport"

// Directory resolves a providerID to its static connection config
// (base URL, provider type, auth material), the subset of
// internal/config.ProviderEntry a Provider node needs. It is the
// pipeline-facing edge of the provider catalog, which otherwise remains
// an external collaborator per the ambient scope of this package.
type Directory interface {
	Lookup(providerID string) (DirectoryEntry, bool)
}

// DirectoryEntry is one provider's static connection config.
type DirectoryEntry struct {
	BaseURL      string
	ProviderType routecodex.ProviderType
	OAuth        bool
	StaticAPIKey string
	EnvVarNames  []string
	AuthPrefix   string
}

// Provider places the outbound HTTP/SSE call via internal/transport,
// using the request's RuntimeMetadata (set by the virtual router) to
// pick which upstream to call (§4.6/§4.8).
type Provider struct {
	transport *transport.Transport
	directory Directory
}

// NewProviderFactory returns a pipeline.Factory bound to a shared
// Transport and Directory, for registration under ImplTransport.
func NewProviderFactory(t *transport.Transport, dir Directory) func(map[string]any) (routecodex.Node, error) {
	return func(map[string]any) (routecodex.Node, error) {
		return &Provider{transport: t, directory: dir}, nil
	}
}

// Kind implements routecodex.Node.
func (p *Provider) Kind() routecodex.NodeKind { return routecodex.NodeProvider }

// Implementation implements routecodex.Node.
func (p *Provider) Implementation() string { return ImplTransport }

// ProcessIncoming sends payload upstream and returns either the raw
// response body ([]byte) or, for a streaming call, the SSE carrier map
// keyed by transport.SSECarrierKey (§4.6).
func (p *Provider) ProcessIncoming(ctx context.Context, pctx *routecodex.PipelineContext, payload any) (any, error) {
	data, ok := payload.([]byte)
	if !ok {
		return nil, routecodex.NewError(routecodex.CodeProtocolMismatch, "provider: payload is not []byte")
	}

	meta := routecodex.RuntimeMetadataFromContext(ctx)
	if meta == nil {
		return nil, routecodex.NewError(routecodex.CodeNoProviderTarget, "provider: no runtime metadata on context")
	}
	entry, ok := p.directory.Lookup(meta.ProviderID)
	if !ok {
		return nil, routecodex.NewError(routecodex.CodeNoProviderTarget, "provider: unknown provider "+meta.ProviderID)
	}

	keyAlias := ""
	if meta.Target != nil {
		keyAlias = meta.Target.RuntimeKey
	}

	req := &transport.Request{
		RequestID:        pctx.Metadata.RequestID,
		ProviderID:       meta.ProviderID,
		KeyAlias:         keyAlias,
		ProviderType:     entry.ProviderType,
		ProviderProtocol: meta.ProviderProtocol,
		BaseURL:          entry.BaseURL,
		StaticAPIKey:     entry.StaticAPIKey,
		EnvVarNames:      entry.EnvVarNames,
		AuthPrefix:       entry.AuthPrefix,
		Body:             data,
		Stream:           wantsStream(pctx.Metadata.Streaming, data),
	}

	resp, err := p.transport.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.SSE != nil {
		return map[string]any{transport.SSECarrierKey: resp.SSE}, nil
	}
	return resp.Body, nil
}

// wantsStream resolves a blueprint's Streaming mode against the
// request body's own "stream" field: StreamingAlways/Never force the
// decision, StreamingAuto defers to the client's request.
func wantsStream(mode routecodex.Streaming, data []byte) bool {
	switch mode {
	case routecodex.StreamingAlways:
		return true
	case routecodex.StreamingNever:
		return false
	default:
		return gjson.GetBytes(data, "stream").Bool()
	}
}

// ProcessOutgoing is never invoked: the runner breaks the forward walk
// at the Provider node and starts the reverse walk one node earlier
// (§4.7). It exists only to satisfy routecodex.Node.
func (p *Provider) ProcessOutgoing(_ context.Context, _ *routecodex.PipelineContext, payload any) (any, error) {
	return payload, fmt.Errorf("provider: ProcessOutgoing is unreachable")
}
