package compat

import (
	"encoding/json"
	"testing"

	"github.com/tidwall/gjson"
)

func TestRequestBlacklistStripsFunctionKeys(t *testing.T) {
	data := []byte(`{"tools":[{"type":"function","function":{"name":"search","strict":true,"json_schema":{}}}]}`)
	b := &RequestBlacklist{FunctionKeys: []string{"strict", "json_schema"}}
	out := b.Apply(data)
	if gjson.GetBytes(out, "tools.0.function.strict").Exists() {
		t.Fatal("expected strict to be stripped")
	}
	if gjson.GetBytes(out, "tools.0.function.json_schema").Exists() {
		t.Fatal("expected json_schema to be stripped")
	}
	if gjson.GetBytes(out, "tools.0.function.name").String() != "search" {
		t.Fatal("expected unrelated function fields to survive")
	}
}

func TestRequestBlacklistConditionalRemovesEmptyTools(t *testing.T) {
	data := []byte(`{"tools":[],"tool_choice":"auto"}`)
	b := &RequestBlacklist{
		Conditional: []ConditionalRemoval{{Path: "tool_choice", When: "tools"}},
	}
	out := b.Apply(data)
	if gjson.GetBytes(out, "tool_choice").Exists() {
		t.Fatal("expected tool_choice removed when tools is empty")
	}
}

func TestRequestBlacklistConditionalKeepsWhenToolsPresent(t *testing.T) {
	data := []byte(`{"tools":[{"type":"function"}],"tool_choice":"auto"}`)
	b := &RequestBlacklist{
		Conditional: []ConditionalRemoval{{Path: "tool_choice", When: "tools"}},
	}
	out := b.Apply(data)
	if !gjson.GetBytes(out, "tool_choice").Exists() {
		t.Fatal("expected tool_choice kept when tools is non-empty")
	}
}

func TestResponseBlacklistHonorsCriticalPaths(t *testing.T) {
	data := []byte(`{"status":"ok","choices":[{"message":{"content":"hi"},"finish_reason":"stop"}],"debug_trace":"verbose"}`)
	b := &ResponseBlacklist{Paths: []string{"status", "choices[].message.content", "debug_trace"}}
	out := b.Apply(data)
	if !gjson.GetBytes(out, "status").Exists() {
		t.Fatal("expected critical path 'status' to survive stripping")
	}
	if !gjson.GetBytes(out, "choices.0.message.content").Exists() {
		t.Fatal("expected critical path choices[].message.content to survive")
	}
	if gjson.GetBytes(out, "debug_trace").Exists() {
		t.Fatal("expected non-critical debug_trace to be stripped")
	}
}

func TestToolArgsNormalizerAliasAndCoercion(t *testing.T) {
	n := &ToolArgsNormalizer{}
	schema := ToolSchema{
		Properties: map[string]PropertySchema{
			"query":     {Type: "string", Aliases: []string{"q", "search_term"}},
			"max_items": {Type: "integer"},
		},
		Required: []string{"query"},
	}
	args, _ := json.Marshal(map[string]any{
		"Search Term": "golang",
		"max_items":   "5",
	})
	out := n.Normalize(args, schema)

	var parsed map[string]any
	if err := json.Unmarshal(out, &parsed); err != nil {
		t.Fatalf("expected valid JSON, got error: %v", err)
	}
	if parsed["query"] != "golang" {
		t.Fatalf("expected alias expansion to canonical 'query', got %+v", parsed)
	}
	if parsed["max_items"] != float64(5) {
		t.Fatalf("expected integer coercion, got %+v", parsed["max_items"])
	}
}

func TestToolArgsNormalizerDropsEmptyRequired(t *testing.T) {
	n := &ToolArgsNormalizer{}
	schema := ToolSchema{
		Properties: map[string]PropertySchema{"query": {Type: "string"}},
		Required:   []string{"query"},
	}
	args := []byte(`{"query":""}`)
	out := n.Normalize(args, schema)

	var parsed map[string]any
	_ = json.Unmarshal(out, &parsed)
	if _, present := parsed["query"]; present {
		t.Fatal("expected empty required field to be dropped (treated as missing)")
	}
}

func TestToolArgsNormalizerReturnsOriginalOnInvalidJSON(t *testing.T) {
	n := &ToolArgsNormalizer{}
	bad := []byte(`not json`)
	out := n.Normalize(bad, ToolSchema{})
	if string(out) != string(bad) {
		t.Fatalf("expected original payload returned on parse failure, got %s", out)
	}
}

func TestLMStudioPassthroughNoOverrides(t *testing.T) {
	p := &LMStudioPassthrough{}
	data := []byte(`{"choices":[{"message":{"tool_calls":[{"id":"1"}]}}]}`)
	out := p.ApplyResponse(data)
	if string(out) != string(data) {
		t.Fatal("expected passthrough to leave payload untouched with no overrides configured")
	}
}

func TestLMStudioPassthroughAppliesOverride(t *testing.T) {
	p := &LMStudioPassthrough{FieldOverrides: map[string]any{"model": "lmstudio-local"}}
	data := []byte(`{"model":"raw"}`)
	out := p.ApplyResponse(data)
	if gjson.GetBytes(out, "model").String() != "lmstudio-local" {
		t.Fatalf("expected override applied, got %s", out)
	}
}
