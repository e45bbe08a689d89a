package nodes

import (
	"context"
	"encoding/json"
	"fmt"

	routecodex "github.com/routecodex/routecodex/internal"
	"github.com/routecodex/routecodex/internal/transform"
)

// Workflow applies a configured set of transform.Rule reshapes to the
// request and/or response body (§4.4.5). It is the general-purpose node
// kind for per-route JSON reshaping that doesn't warrant a dedicated
// codec, e.g. flattening a provider-specific envelope or renaming a
// field two providers disagree on.
type Workflow struct {
	implementation string
	requestRules   []transform.Rule
	responseRules  []transform.Rule
}

// ImplTransform is the Workflow implementation name.
const ImplTransform = "transform"

// NewWorkflow builds a Workflow node from options: "requestRules" and
// "responseRules" each decode (via JSON round-trip, since NodeDescriptor
// options arrive as map[string]any) into a []transform.Rule. Either may
// be omitted, in which case that direction is a no-op.
func NewWorkflow(implementation string, options map[string]any) (routecodex.Node, error) {
	if implementation != ImplTransform {
		return nil, fmt.Errorf("nodes: unknown workflow implementation %q", implementation)
	}
	reqRules, err := decodeRules(options["requestRules"])
	if err != nil {
		return nil, fmt.Errorf("nodes: workflow requestRules: %w", err)
	}
	respRules, err := decodeRules(options["responseRules"])
	if err != nil {
		return nil, fmt.Errorf("nodes: workflow responseRules: %w", err)
	}
	return &Workflow{implementation: implementation, requestRules: reqRules, responseRules: respRules}, nil
}

func decodeRules(v any) ([]transform.Rule, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var rules []transform.Rule
	if err := json.Unmarshal(raw, &rules); err != nil {
		return nil, err
	}
	return rules, nil
}

// Kind implements routecodex.Node.
func (w *Workflow) Kind() routecodex.NodeKind { return routecodex.NodeWorkflow }

// Implementation implements routecodex.Node.
func (w *Workflow) Implementation() string { return w.implementation }

// ProcessIncoming applies the configured request-direction rules.
func (w *Workflow) ProcessIncoming(_ context.Context, _ *routecodex.PipelineContext, payload any) (any, error) {
	return w.apply(payload, w.requestRules)
}

// ProcessOutgoing applies the configured response-direction rules,
// passing a streaming SSE carrier through untouched.
func (w *Workflow) ProcessOutgoing(_ context.Context, _ *routecodex.PipelineContext, payload any) (any, error) {
	if isSSECarrier(payload) {
		return payload, nil
	}
	return w.apply(payload, w.responseRules)
}

func (w *Workflow) apply(payload any, rules []transform.Rule) (any, error) {
	if len(rules) == 0 {
		return payload, nil
	}
	data, ok := payload.([]byte)
	if !ok {
		return nil, routecodex.NewError(routecodex.CodeProtocolMismatch, "workflow: payload is not []byte")
	}
	result, err := transform.Transform(data, rules)
	if err != nil {
		return nil, err
	}
	return result.Data, nil
}
