// Package nodes wires the protocol codecs, transform engine, compat
// sanitizers, and provider transport into concrete routecodex.Node
// implementations, registered into a pipeline.Registry by moduleType
// string (§4.7). Every node here operates on []byte JSON payloads,
// since that is the only shape a pipeline node ever sees.
package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/tidwall/gjson"

	routecodex "github.com/routecodex/routecodex/internal"
	"github.com/routecodex/routecodex/internal/codec/anthropic"
	"github.com/routecodex/routecodex/internal/codec/openainorm"
	"github.com/routecodex/routecodex/internal/codec/responses"
	"github.com/routecodex/routecodex/internal/sse"
	"github.com/routecodex/routecodex/internal/transport"
)

// LLMSwitch translates between a client-facing protocol and the
// canonical openai-chat wire shape every Workflow/Compatibility node
// downstream operates on (§4.4). ProcessIncoming runs the client ->
// openai-chat direction; ProcessOutgoing runs openai-chat -> client.
type LLMSwitch struct {
	implementation string
	toOpenAIChat   func(data []byte) ([]byte, error)
	fromOpenAIChat func(data []byte) ([]byte, error)
}

// LLMSwitch implementation names, matched against NodeDescriptor.Implementation.
const (
	ImplAnthropicOpenAI = "anthropic-openai"
	ImplResponsesOpenAI = "responses-openai"
	ImplOpenAINormalize = "openai-normalize"
)

// NewLLMSwitch builds the LLMSwitch node for implementation, or an error
// if implementation names no known codec pair.
func NewLLMSwitch(implementation string, _ map[string]any) (routecodex.Node, error) {
	switch implementation {
	case ImplAnthropicOpenAI:
		return &LLMSwitch{
			implementation: implementation,
			toOpenAIChat:   anthropic.RequestToOpenAIChat,
			fromOpenAIChat: anthropic.ResponseFromOpenAIChat,
		}, nil
	case ImplResponsesOpenAI:
		return &LLMSwitch{
			implementation: implementation,
			toOpenAIChat:   responses.RequestToOpenAIChat,
			fromOpenAIChat: responses.ResponseFromOpenAIChat,
		}, nil
	case ImplOpenAINormalize:
		return &LLMSwitch{
			implementation: implementation,
			toOpenAIChat:   openainorm.Normalize,
			fromOpenAIChat: openainormUnwrap,
		}, nil
	default:
		return nil, fmt.Errorf("nodes: unknown llmswitch implementation %q", implementation)
	}
}

func openainormUnwrap(data []byte) ([]byte, error) {
	return openainorm.StripCarriers(data)
}

// chunkSizeFromEnv resolves the Responses tool-call-argument chunk size
// from ROUTECODEX_RESPONSES_TOOLCALL_DELTA_CHUNK (§6), clamping an
// out-of-range override rather than rejecting it (§8 boundary behavior).
func chunkSizeFromEnv() int {
	v := os.Getenv("ROUTECODEX_RESPONSES_TOOLCALL_DELTA_CHUNK")
	if v == "" {
		return sse.DefaultChunkSize
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return sse.DefaultChunkSize
	}
	return sse.ClampChunkSize(n)
}

// frameSSE renders events as "data: <json>\n\n" frames (§4.6 wire shape).
func frameSSE(events []sse.Event) ([]byte, error) {
	var buf bytes.Buffer
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return nil, err
		}
		buf.WriteString("data: ")
		buf.Write(data)
		buf.WriteString("\n\n")
	}
	return buf.Bytes(), nil
}

// simulateOrConvert runs the non-streaming openai-chat -> responses
// conversion, then replays it through sse.Simulate when the client
// actually asked for a stream, so a client expecting Responses
// streaming still sees an incremental event sequence even though the
// upstream answered in one shot (§4.4.4, simulator mode).
func (n *LLMSwitch) simulateOrConvert(pctx *routecodex.PipelineContext, data []byte) (any, error) {
	out, err := n.fromOpenAIChat(data)
	if err != nil {
		return nil, err
	}
	if !clientWantsStream(pctx) {
		return out, nil
	}
	events, err := sse.Simulate(out, chunkSizeFromEnv())
	if err != nil {
		return nil, err
	}
	return frameSSE(events)
}

// transformSSE drains an upstream openai-chat SSE carrier through
// sse.Transformer, producing the framed Responses event stream (§4.4.4,
// transformer mode). The pipeline Node contract is synchronous, so the
// whole upstream stream is consumed here rather than handed to the
// (out-of-scope) front door chunk by chunk; event ordering and sequence
// numbers are unaffected either way (§8 invariant 6).
func transformSSE(carrier map[string]any) ([]byte, error) {
	stream, ok := carrier[transport.SSECarrierKey].(*transport.SSEStream)
	if !ok {
		return nil, fmt.Errorf("llmswitch: sse carrier missing stream")
	}
	defer stream.Close()

	tr := sse.NewTransformer(chunkSizeFromEnv())
	var events []sse.Event
	for {
		_, data, ok, err := stream.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		chunkEvents, err := tr.Push([]byte(data))
		if err != nil {
			return nil, err
		}
		events = append(events, chunkEvents...)
	}
	events = append(events, tr.Finalize()...)
	return frameSSE(events)
}

// clientWantsStream reports whether the original inbound request asked
// for a stream, honoring the blueprint's Always/Never override (same
// rule as nodes.wantsStream applies to the request path).
func clientWantsStream(pctx *routecodex.PipelineContext) bool {
	switch pctx.Metadata.Streaming {
	case routecodex.StreamingAlways:
		return true
	case routecodex.StreamingNever:
		return false
	default:
		data, ok := pctx.Request.([]byte)
		if !ok {
			return false
		}
		return gjson.GetBytes(data, "stream").Bool()
	}
}

// Kind implements routecodex.Node.
func (n *LLMSwitch) Kind() routecodex.NodeKind { return routecodex.NodeLLMSwitch }

// Implementation implements routecodex.Node.
func (n *LLMSwitch) Implementation() string { return n.implementation }

// ProcessIncoming converts a client-protocol request into the canonical
// openai-chat shape.
func (n *LLMSwitch) ProcessIncoming(_ context.Context, _ *routecodex.PipelineContext, payload any) (any, error) {
	data, ok := payload.([]byte)
	if !ok {
		return nil, routecodex.NewError(routecodex.CodeProtocolMismatch, "llmswitch: payload is not []byte")
	}
	return n.toOpenAIChat(data)
}

// ProcessOutgoing converts a canonical openai-chat response back into
// the client protocol. For the responses-openai implementation, this is
// where the §4.4.4 SSE simulator/transformer bridges Chat streaming (or
// a completed Chat payload a client still expects as a stream) into the
// canonical Responses event sequence; other implementations convert the
// body directly and pass an SSE carrier through unchanged, since only the
// openai-responses protocol simulates/transforms a stream.
func (n *LLMSwitch) ProcessOutgoing(_ context.Context, pctx *routecodex.PipelineContext, payload any) (any, error) {
	if n.implementation == ImplResponsesOpenAI {
		if isSSECarrier(payload) {
			out, err := transformSSE(payload.(map[string]any))
			if err != nil {
				pctx.Warnf("llmswitch: responses sse transform failed: %v", err)
				return nil, err
			}
			return out, nil
		}
		data, ok := payload.([]byte)
		if !ok {
			return nil, routecodex.NewError(routecodex.CodeProtocolMismatch, "llmswitch: payload is not []byte")
		}
		out, err := n.simulateOrConvert(pctx, data)
		if err != nil {
			pctx.Warnf("llmswitch: response conversion failed: %v", err)
			return nil, err
		}
		return out, nil
	}

	if isSSECarrier(payload) {
		return payload, nil
	}
	data, ok := payload.([]byte)
	if !ok {
		return nil, routecodex.NewError(routecodex.CodeProtocolMismatch, "llmswitch: payload is not []byte")
	}
	out, err := n.fromOpenAIChat(data)
	if err != nil {
		pctx.Warnf("llmswitch: response conversion failed: %v", err)
		return nil, err
	}
	return out, nil
}
