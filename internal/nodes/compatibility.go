package nodes

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	routecodex "github.com/routecodex/routecodex/internal"
	"github.com/routecodex/routecodex/internal/compat"
)

// Compatibility sanitizes per-provider-family quirks that are orthogonal
// to protocol translation (§4.5): blacklisted tool-schema keys, tool-call
// argument normalization, and LM Studio's tool-call passthrough.
type Compatibility struct {
	implementation string
	reqBlacklist   *compat.RequestBlacklist
	respBlacklist  *compat.ResponseBlacklist
	toolArgs       *compat.ToolArgsNormalizer
	toolSchemas    map[string]compat.ToolSchema
	lmstudio       *compat.LMStudioPassthrough
}

// Compatibility implementation names.
const (
	ImplBlacklist         = "blacklist"
	ImplToolArgsNormalize = "toolargs-normalize"
	ImplLMStudio          = "lmstudio-passthrough"
)

// NewCompatibility builds a Compatibility node for implementation from
// options, decoded the same way a Workflow's rules are.
func NewCompatibility(implementation string, options map[string]any) (routecodex.Node, error) {
	c := &Compatibility{implementation: implementation}
	switch implementation {
	case ImplBlacklist:
		if err := decodeInto(options["request"], &c.reqBlacklist); err != nil {
			return nil, fmt.Errorf("nodes: compatibility request blacklist: %w", err)
		}
		if err := decodeInto(options["response"], &c.respBlacklist); err != nil {
			return nil, fmt.Errorf("nodes: compatibility response blacklist: %w", err)
		}
	case ImplToolArgsNormalize:
		c.toolArgs = &compat.ToolArgsNormalizer{}
		schemas := map[string]compat.ToolSchema{}
		if err := decodeInto(options["schemas"], &schemas); err != nil {
			return nil, fmt.Errorf("nodes: compatibility tool schemas: %w", err)
		}
		c.toolSchemas = schemas
	case ImplLMStudio:
		c.lmstudio = &compat.LMStudioPassthrough{}
		if err := decodeInto(options["fieldOverrides"], &c.lmstudio.FieldOverrides); err != nil {
			return nil, fmt.Errorf("nodes: compatibility lmstudio overrides: %w", err)
		}
	default:
		return nil, fmt.Errorf("nodes: unknown compatibility implementation %q", implementation)
	}
	return c, nil
}

func decodeInto(v any, dest any) error {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}

// Kind implements routecodex.Node.
func (c *Compatibility) Kind() routecodex.NodeKind { return routecodex.NodeCompatibility }

// Implementation implements routecodex.Node.
func (c *Compatibility) Implementation() string { return c.implementation }

// ProcessIncoming applies the configured request-direction sanitizer.
func (c *Compatibility) ProcessIncoming(_ context.Context, _ *routecodex.PipelineContext, payload any) (any, error) {
	data, ok := payload.([]byte)
	if !ok {
		return nil, routecodex.NewError(routecodex.CodeProtocolMismatch, "compatibility: payload is not []byte")
	}
	switch c.implementation {
	case ImplBlacklist:
		if c.reqBlacklist != nil {
			return c.reqBlacklist.Apply(data), nil
		}
	case ImplToolArgsNormalize:
		return c.normalizeToolCalls(data), nil
	}
	return data, nil
}

// ProcessOutgoing applies the configured response-direction sanitizer,
// passing a streaming SSE carrier through untouched.
func (c *Compatibility) ProcessOutgoing(_ context.Context, _ *routecodex.PipelineContext, payload any) (any, error) {
	if isSSECarrier(payload) {
		return payload, nil
	}
	data, ok := payload.([]byte)
	if !ok {
		return nil, routecodex.NewError(routecodex.CodeProtocolMismatch, "compatibility: payload is not []byte")
	}
	switch c.implementation {
	case ImplBlacklist:
		if c.respBlacklist != nil {
			return c.respBlacklist.Apply(data), nil
		}
	case ImplLMStudio:
		return c.lmstudio.ApplyResponse(data), nil
	}
	return data, nil
}

// normalizeToolCalls runs the configured ToolArgsNormalizer over every
// tool call's arguments in a request's messages[].tool_calls, matching
// each call's function name against the configured schema map.
func (c *Compatibility) normalizeToolCalls(data []byte) []byte {
	calls := gjson.GetBytes(data, "messages.#.tool_calls")
	if !calls.Exists() {
		return data
	}
	out := data
	gjson.GetBytes(out, "messages").ForEach(func(mi, msg gjson.Result) bool {
		msg.Get("tool_calls").ForEach(func(ti, call gjson.Result) bool {
			name := call.Get("function.name").String()
			schema, ok := c.toolSchemas[name]
			if !ok {
				return true
			}
			argsPath := fmt.Sprintf("messages.%d.tool_calls.%d.function.arguments", mi.Int(), ti.Int())
			args := []byte(call.Get("function.arguments").String())
			normalized := c.toolArgs.Normalize(args, schema)
			if updated, err := sjson.SetRawBytes(out, argsPath, normalized); err == nil {
				out = updated
			}
			return true
		})
		return true
	})
	return out
}
