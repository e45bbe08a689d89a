package nodes

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	routecodex "github.com/routecodex/routecodex/internal"
	"github.com/routecodex/routecodex/internal/transport"
)

func TestLLMSwitch_AnthropicRequestToOpenAIChat(t *testing.T) {
	node, err := NewLLMSwitch(ImplAnthropicOpenAI, nil)
	if err != nil {
		t.Fatalf("NewLLMSwitch: %v", err)
	}
	in := []byte(`{"model":"claude-3","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`)
	out, err := node.ProcessIncoming(context.Background(), &routecodex.PipelineContext{}, in)
	if err != nil {
		t.Fatalf("ProcessIncoming: %v", err)
	}
	data := out.([]byte)
	if gjson.GetBytes(data, "max_tokens").Int() != 100 {
		t.Errorf("max_tokens not carried over: %s", data)
	}
}

func TestLLMSwitch_ResponseConversionRoundTrips(t *testing.T) {
	node, err := NewLLMSwitch(ImplAnthropicOpenAI, nil)
	if err != nil {
		t.Fatalf("NewLLMSwitch: %v", err)
	}
	chatResp := []byte(`{"id":"x","choices":[{"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":2}}`)
	out, err := node.ProcessOutgoing(context.Background(), &routecodex.PipelineContext{}, chatResp)
	if err != nil {
		t.Fatalf("ProcessOutgoing: %v", err)
	}
	data := out.([]byte)
	if gjson.GetBytes(data, "stop_reason").String() != "end_turn" {
		t.Errorf("stop_reason not mapped: %s", data)
	}
}

func TestLLMSwitch_PassesForeignProtocolSSECarrierThroughUntouched(t *testing.T) {
	// Only the responses-openai implementation bridges Chat streaming into
	// Responses events (§4.4.4); other protocols never see the simulator.
	node, err := NewLLMSwitch(ImplAnthropicOpenAI, nil)
	if err != nil {
		t.Fatalf("NewLLMSwitch: %v", err)
	}
	carrier := map[string]any{"__sse_responses": struct{}{}}
	out, err := node.ProcessOutgoing(context.Background(), &routecodex.PipelineContext{}, carrier)
	if err != nil {
		t.Fatalf("ProcessOutgoing: %v", err)
	}
	if _, ok := out.(map[string]any); !ok {
		t.Errorf("expected carrier to pass through unchanged, got %T", out)
	}
}

func TestLLMSwitch_ResponsesTransformsSSECarrierIntoResponseEvents(t *testing.T) {
	node, err := NewLLMSwitch(ImplResponsesOpenAI, nil)
	if err != nil {
		t.Fatalf("NewLLMSwitch: %v", err)
	}
	body := "data: {\"id\":\"r1\",\"choices\":[{\"delta\":{\"content\":\"hi\"},\"finish_reason\":null}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n" +
		"data: [DONE]\n\n"
	stream := transport.NewSSEStreamFromReader(io.NopCloser(strings.NewReader(body)))
	carrier := map[string]any{"__sse_responses": stream}

	out, err := node.ProcessOutgoing(context.Background(), &routecodex.PipelineContext{}, carrier)
	if err != nil {
		t.Fatalf("ProcessOutgoing: %v", err)
	}
	data, ok := out.([]byte)
	if !ok {
		t.Fatalf("expected framed SSE bytes, got %T", out)
	}
	text := string(data)
	if !strings.Contains(text, "response.created") || !strings.Contains(text, "response.output_text.delta") {
		t.Fatalf("expected response.created/output_text.delta events, got %s", text)
	}
	if !strings.Contains(text, "response.completed") || !strings.Contains(text, "response.done") {
		t.Fatalf("expected terminal events, got %s", text)
	}
	if !strings.Contains(text, `"delta":"hi"`) {
		t.Fatalf("expected text delta \"hi\", got %s", text)
	}
}

func TestLLMSwitch_ResponsesSimulatesStreamForNonStreamPayload(t *testing.T) {
	node, err := NewLLMSwitch(ImplResponsesOpenAI, nil)
	if err != nil {
		t.Fatalf("NewLLMSwitch: %v", err)
	}
	chatResp := []byte(`{"id":"r1","choices":[{"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":1}}`)
	pctx := &routecodex.PipelineContext{
		Metadata: routecodex.RequestMetadata{Streaming: routecodex.StreamingAlways},
	}
	out, err := node.ProcessOutgoing(context.Background(), pctx, chatResp)
	if err != nil {
		t.Fatalf("ProcessOutgoing: %v", err)
	}
	data, ok := out.([]byte)
	if !ok {
		t.Fatalf("expected framed SSE bytes, got %T", out)
	}
	if !strings.Contains(string(data), "response.output_text.delta") {
		t.Fatalf("expected simulated text delta event, got %s", data)
	}
}

func TestLLMSwitch_ResponsesReturnsPlainJSONWhenNotStreaming(t *testing.T) {
	node, err := NewLLMSwitch(ImplResponsesOpenAI, nil)
	if err != nil {
		t.Fatalf("NewLLMSwitch: %v", err)
	}
	chatResp := []byte(`{"id":"r1","choices":[{"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}]}`)
	pctx := &routecodex.PipelineContext{
		Metadata: routecodex.RequestMetadata{Streaming: routecodex.StreamingNever},
	}
	out, err := node.ProcessOutgoing(context.Background(), pctx, chatResp)
	if err != nil {
		t.Fatalf("ProcessOutgoing: %v", err)
	}
	data, ok := out.([]byte)
	if !ok {
		t.Fatalf("expected plain JSON bytes, got %T", out)
	}
	if strings.Contains(string(data), "response.created") {
		t.Fatalf("expected non-streamed JSON, got SSE events: %s", data)
	}
}

func TestLLMSwitch_UnknownImplementation(t *testing.T) {
	if _, err := NewLLMSwitch("bogus", nil); err == nil {
		t.Error("expected error for unknown implementation")
	}
}

func TestLLMSwitch_RejectsNonByteSlicePayload(t *testing.T) {
	node, _ := NewLLMSwitch(ImplOpenAINormalize, nil)
	if _, err := node.ProcessIncoming(context.Background(), &routecodex.PipelineContext{}, 42); err == nil {
		t.Error("expected error for non-[]byte payload")
	}
}
