package sse

import (
	"encoding/json"
	"testing"
)

func TestClampChunkSize(t *testing.T) {
	cases := []struct{ in, want int }{
		{0, DefaultChunkSize},
		{-5, DefaultChunkSize},
		{10, MinChunkSize},
		{2000, MaxChunkSize},
		{500, 500},
	}
	for _, c := range cases {
		if got := ClampChunkSize(c.in); got != c.want {
			t.Errorf("ClampChunkSize(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func decodeEvents(t *testing.T, events []Event) []map[string]any {
	t.Helper()
	out := make([]map[string]any, len(events))
	for i, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			t.Fatalf("marshal event %d: %v", i, err)
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("unmarshal event %d: %v", i, err)
		}
		out[i] = m
	}
	return out
}

func TestSimulateTextResponse(t *testing.T) {
	payload := []byte(`{"id":"resp_1","output":[{"id":"msg_1","type":"message","content":[{"type":"output_text","text":"hello world"}]}]}`)
	events, err := Simulate(payload, 5)
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	decoded := decodeEvents(t, events)

	if decoded[0]["type"] != "response.created" {
		t.Fatalf("first event = %v, want response.created", decoded[0]["type"])
	}
	if decoded[len(decoded)-1]["type"] != "response.done" {
		t.Fatalf("last event = %v, want response.done", decoded[len(decoded)-1]["type"])
	}
	last := 0
	for _, e := range decoded {
		seq := int(e["sequence_number"].(float64))
		if seq <= last {
			t.Fatalf("sequence_number not monotonically increasing: %d after %d", seq, last)
		}
		last = seq
	}

	var deltaCount int
	for _, e := range decoded {
		if e["type"] == "response.output_text.delta" {
			deltaCount++
		}
	}
	if deltaCount != 1 { // size 5 is clamped to MinChunkSize (32): "hello world" (11 runes) -> 1 chunk
		t.Fatalf("expected 1 text delta chunk, got %d", deltaCount)
	}
}

func TestSimulateToolCall(t *testing.T) {
	payload := []byte(`{"id":"resp_2","output":[{"id":"call_1","type":"function_call","name":"lookup","arguments":"{\"q\":\"go\"}"}]}`)
	events, err := Simulate(payload, 32)
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	decoded := decodeEvents(t, events)

	var sawToolDelta, sawContentPart bool
	for _, e := range decoded {
		switch e["type"] {
		case "response.tool_call.delta":
			sawToolDelta = true
		case "response.content_part.added":
			sawContentPart = true
		}
	}
	if !sawToolDelta {
		t.Fatal("expected at least one response.tool_call.delta event")
	}
	if sawContentPart {
		t.Fatal("did not expect response.content_part.added for a function_call item")
	}
}

func TestTransformerTextStream(t *testing.T) {
	tr := NewTransformer(256)

	chunks := []string{
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"role":"assistant"}}]}`,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":"hel"}}]}`,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2}}`,
	}

	var all []Event
	for _, c := range chunks {
		evs, err := tr.Push([]byte(c))
		if err != nil {
			t.Fatalf("Push: %v", err)
		}
		all = append(all, evs...)
	}
	all = append(all, tr.Finalize()...)

	decoded := decodeEvents(t, all)
	if decoded[0]["type"] != "response.created" {
		t.Fatalf("first event = %v, want response.created", decoded[0]["type"])
	}
	if decoded[len(decoded)-1]["type"] != "response.done" {
		t.Fatalf("last event = %v, want response.done", decoded[len(decoded)-1]["type"])
	}

	var deltas []string
	var completedEvent map[string]any
	for _, e := range decoded {
		if e["type"] == "response.output_text.delta" {
			deltas = append(deltas, e["delta"].(string))
		}
		if e["type"] == "response.completed" {
			completedEvent = e
		}
	}
	if JoinText(deltas) != "hello" {
		t.Fatalf("expected accumulated text %q, got %q", "hello", JoinText(deltas))
	}
	resp := completedEvent["response"].(map[string]any)
	if resp["stop_reason"] != "stop" {
		t.Fatalf("expected stop_reason mirrored from finish_reason, got %v", resp["stop_reason"])
	}
	usage := resp["usage"].(map[string]any)
	if usage["prompt_tokens"].(float64) != 3 {
		t.Fatalf("expected aggregated usage preserved, got %v", usage)
	}
}

func TestTransformerToolCallStream(t *testing.T) {
	tr := NewTransformer(256)
	chunks := []string{
		`{"id":"chatcmpl-2","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"lookup","arguments":""}}]}}]}`,
		`{"id":"chatcmpl-2","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"q\":"}}]}}]}`,
		`{"id":"chatcmpl-2","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"go\"}"}}]}},"finish_reason":"tool_calls"}]}`,
	}
	var all []Event
	for _, c := range chunks {
		evs, err := tr.Push([]byte(c))
		if err != nil {
			t.Fatalf("Push: %v", err)
		}
		all = append(all, evs...)
	}
	all = append(all, tr.Finalize()...)

	var argDeltas []string
	for _, e := range decodeEvents(t, all) {
		if e["type"] == "response.tool_call.delta" {
			argDeltas = append(argDeltas, e["delta"].(string))
		}
	}
	if JoinText(argDeltas) != `{"q":"go"}` {
		t.Fatalf("expected accumulated arguments %q, got %q", `{"q":"go"}`, JoinText(argDeltas))
	}
}

func TestTransformerNullStopReasonWhenUnset(t *testing.T) {
	tr := NewTransformer(256)
	tr.Push([]byte(`{"id":"chatcmpl-3","choices":[{"index":0,"delta":{"content":"hi"}}]}`))
	events := tr.Finalize()
	decoded := decodeEvents(t, events)
	for _, e := range decoded {
		if e["type"] == "response.completed" {
			resp := e["response"].(map[string]any)
			if resp["stop_reason"] != nil {
				t.Fatalf("expected nil stop_reason when finish_reason never set, got %v", resp["stop_reason"])
			}
			return
		}
	}
	t.Fatal("no response.completed event found")
}
