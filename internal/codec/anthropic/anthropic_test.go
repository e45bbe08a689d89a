package anthropic

import (
	"testing"

	"github.com/tidwall/gjson"
)

func TestRequestToOpenAIChatPrependsSystem(t *testing.T) {
	in := []byte(`{"system":"be terse","messages":[{"role":"user","content":"hi"}],"max_tokens":100}`)
	out, err := RequestToOpenAIChat(in)
	if err != nil {
		t.Fatalf("RequestToOpenAIChat: %v", err)
	}
	r := gjson.ParseBytes(out)
	if r.Get("messages.0.role").String() != "system" || r.Get("messages.0.content").String() != "be terse" {
		t.Fatalf("expected prepended system message, got %s", out)
	}
	if r.Get("messages.1.content").String() != "hi" {
		t.Fatalf("expected user message preserved, got %s", out)
	}
	if r.Get("max_tokens").Int() != 100 {
		t.Fatalf("expected max_tokens copied, got %s", out)
	}
}

func TestRequestToOpenAIChatCopiesModel(t *testing.T) {
	in := []byte(`{"model":"claude-3-opus","system":"be terse","messages":[{"role":"user","content":"hi"}]}`)
	out, err := RequestToOpenAIChat(in)
	if err != nil {
		t.Fatalf("RequestToOpenAIChat: %v", err)
	}
	r := gjson.ParseBytes(out)
	if r.Get("model").String() != "claude-3-opus" {
		t.Fatalf("expected model copied through, got %s", out)
	}
}

func TestRequestToOpenAIChatConvertsToolUseBlocks(t *testing.T) {
	in := []byte(`{"messages":[{"role":"assistant","content":[
		{"type":"text","text":"calling tool"},
		{"type":"tool_use","id":"call_1","name":"lookup","input":{"q":"go"}}
	]}]}`)
	out, err := RequestToOpenAIChat(in)
	if err != nil {
		t.Fatalf("RequestToOpenAIChat: %v", err)
	}
	r := gjson.ParseBytes(out)
	if r.Get("messages.0.content").String() != "calling tool" {
		t.Fatalf("expected text blocks concatenated, got %s", out)
	}
	tc := r.Get("messages.0.tool_calls.0")
	if tc.Get("id").String() != "call_1" || tc.Get("function.name").String() != "lookup" {
		t.Fatalf("unexpected tool_calls shape: %s", out)
	}
	if tc.Get("function.arguments").String() != `{"q":"go"}` {
		t.Fatalf("expected stringified arguments, got %s", tc.Get("function.arguments").String())
	}
}

func TestRequestToOpenAIChatDropsUnnamedTools(t *testing.T) {
	in := []byte(`{"messages":[],"tools":[{"description":"no name"},{"name":"keep","input_schema":{"type":"object"}}]}`)
	out, err := RequestToOpenAIChat(in)
	if err != nil {
		t.Fatalf("RequestToOpenAIChat: %v", err)
	}
	r := gjson.ParseBytes(out)
	tools := r.Get("tools").Array()
	if len(tools) != 1 || tools[0].Get("function.name").String() != "keep" {
		t.Fatalf("expected only named tool to survive, got %s", out)
	}
}

func TestResponseFromOpenAIChatTextContent(t *testing.T) {
	in := []byte(`{"choices":[{"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],
		"usage":{"prompt_tokens":5,"completion_tokens":7}}`)
	out, err := ResponseFromOpenAIChat(in)
	if err != nil {
		t.Fatalf("ResponseFromOpenAIChat: %v", err)
	}
	r := gjson.ParseBytes(out)
	if r.Get("content.0.type").String() != "text" || r.Get("content.0.text").String() != "hello" {
		t.Fatalf("unexpected content: %s", out)
	}
	if r.Get("stop_reason").String() != "end_turn" {
		t.Fatalf("expected stop stop_reason end_turn, got %s", r.Get("stop_reason").String())
	}
	if r.Get("usage.input_tokens").Int() != 5 || r.Get("usage.output_tokens").Int() != 7 {
		t.Fatalf("unexpected usage mapping: %s", out)
	}
}

func TestResponseFromOpenAIChatToolCalls(t *testing.T) {
	in := []byte(`{"choices":[{"message":{"role":"assistant","tool_calls":[
		{"id":"call_1","function":{"name":"lookup","arguments":"{\"q\":\"go\"}"}}
	]},"finish_reason":"tool_calls"}]}`)
	out, err := ResponseFromOpenAIChat(in)
	if err != nil {
		t.Fatalf("ResponseFromOpenAIChat: %v", err)
	}
	r := gjson.ParseBytes(out)
	block := r.Get("content.0")
	if block.Get("type").String() != "tool_use" || block.Get("name").String() != "lookup" {
		t.Fatalf("unexpected tool_use block: %s", out)
	}
	if block.Get("input.q").String() != "go" {
		t.Fatalf("expected parsed input, got %s", out)
	}
	if r.Get("stop_reason").String() != "tool_use" {
		t.Fatalf("expected stop_reason tool_use, got %s", r.Get("stop_reason").String())
	}
}

func TestResponseFromOpenAIChatUnknownFinishReasonDefaultsToEndTurn(t *testing.T) {
	in := []byte(`{"choices":[{"message":{"role":"assistant","content":"hi"},"finish_reason":"something_new"}]}`)
	out, err := ResponseFromOpenAIChat(in)
	if err != nil {
		t.Fatalf("ResponseFromOpenAIChat: %v", err)
	}
	if gjson.GetBytes(out, "stop_reason").String() != "end_turn" {
		t.Fatalf("expected default stop_reason end_turn, got %s", out)
	}
}
