// Package responses implements the openai-responses <-> openai-chat codec
// (§4.4.4, item C). Unlike the anthropic and openainorm codecs it shares
// its event-assembly logic with internal/sse rather than duplicating it:
// RequestToOpenAIChat/ResponseFromOpenAIChat handle the *non-stream*
// shape conversion, while streaming responses are produced by
// internal/sse's Simulate/Transformer drivers over the same payload
// shapes this package understands.
package responses

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// RequestToOpenAIChat converts an openai-responses request payload
// (`{model, input, instructions?, tools?, ...}`) into an openai-chat
// request payload (`{model, messages, tools?, ...}`).
func RequestToOpenAIChat(data []byte) ([]byte, error) {
	root := gjson.ParseBytes(data)
	out := []byte(`{}`)
	var err error

	if model := root.Get("model"); model.Exists() {
		if out, err = sjson.SetBytes(out, "model", model.Value()); err != nil {
			return nil, err
		}
	}

	messages := make([]any, 0)
	if instr := root.Get("instructions"); instr.Exists() && instr.String() != "" {
		messages = append(messages, map[string]any{"role": "system", "content": instr.String()})
	}

	input := root.Get("input")
	switch {
	case input.Type == gjson.String:
		messages = append(messages, map[string]any{"role": "user", "content": input.String()})
	case input.IsArray():
		input.ForEach(func(_, item gjson.Result) bool {
			messages = append(messages, convertInputItem(item))
			return true
		})
	}
	if out, err = sjson.SetBytes(out, "messages", messages); err != nil {
		return nil, err
	}

	if tools := root.Get("tools"); tools.Exists() {
		var converted []any
		tools.ForEach(func(_, tool gjson.Result) bool {
			name := tool.Get("name")
			if !name.Exists() || name.String() == "" {
				return true
			}
			fn := map[string]any{"name": name.String()}
			if desc := tool.Get("description"); desc.Exists() {
				fn["description"] = desc.String()
			}
			if params := tool.Get("parameters"); params.Exists() {
				fn["parameters"] = params.Value()
			}
			converted = append(converted, map[string]any{"type": "function", "function": fn})
			return true
		})
		if converted != nil {
			if out, err = sjson.SetBytes(out, "tools", converted); err != nil {
				return nil, err
			}
		}
	}

	for _, field := range []string{"temperature", "top_p", "max_output_tokens", "stream", "stop"} {
		v := root.Get(field)
		if !v.Exists() {
			continue
		}
		dst := field
		if field == "max_output_tokens" {
			dst = "max_tokens"
		}
		if out, err = sjson.SetBytes(out, dst, v.Value()); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// convertInputItem converts one openai-responses input item into its
// openai-chat message equivalent. Items are either {role, content} user/
// assistant turns (content either a string or an array of content
// parts) or function_call_output items representing a tool result.
func convertInputItem(item gjson.Result) map[string]any {
	if item.Get("type").String() == "function_call_output" {
		return map[string]any{
			"role":         "tool",
			"tool_call_id": item.Get("call_id").String(),
			"content":      item.Get("output").String(),
		}
	}

	role := item.Get("role").String()
	if role == "" {
		role = "user"
	}
	content := item.Get("content")
	if content.Type == gjson.String {
		return map[string]any{"role": role, "content": content.String()}
	}

	var texts []string
	content.ForEach(func(_, part gjson.Result) bool {
		if t := part.Get("text"); t.Exists() {
			texts = append(texts, t.String())
		} else {
			texts = append(texts, part.Raw)
		}
		return true
	})
	return map[string]any{"role": role, "content": strings.Join(texts, "\n")}
}

// ResponseFromOpenAIChat converts a completed openai-chat response
// payload into a completed (non-stream) openai-responses payload, the
// shape internal/sse.Simulate is then able to replay as an event
// stream.
func ResponseFromOpenAIChat(data []byte) ([]byte, error) {
	root := gjson.ParseBytes(data)
	message := root.Get("choices.0.message")

	out := []byte(`{"object":"response","status":"completed"}`)
	var err error
	if id := root.Get("id"); id.Exists() {
		out, err = sjson.SetBytes(out, "id", id.String())
	} else {
		out, err = sjson.SetBytes(out, "id", "resp_0")
	}
	if err != nil {
		return nil, err
	}
	if model := root.Get("model"); model.Exists() {
		if out, err = sjson.SetBytes(out, "model", model.Value()); err != nil {
			return nil, err
		}
	}
	if created := root.Get("created"); created.Exists() {
		if out, err = sjson.SetBytes(out, "created", created.Value()); err != nil {
			return nil, err
		}
	}

	var outputItem map[string]any
	if toolCalls := message.Get("tool_calls"); toolCalls.Exists() && len(toolCalls.Array()) > 0 {
		tc := toolCalls.Array()[0]
		outputItem = map[string]any{
			"type":      "function_call",
			"id":        tc.Get("id").String(),
			"call_id":   tc.Get("id").String(),
			"name":      tc.Get("function.name").String(),
			"arguments": tc.Get("function.arguments").String(),
		}
	} else {
		outputItem = map[string]any{
			"type": "message",
			"id":   "item_0",
			"role": "assistant",
			"content": []any{map[string]any{
				"type": "output_text",
				"text": message.Get("content").String(),
			}},
		}
	}
	if out, err = sjson.SetBytes(out, "output", []any{outputItem}); err != nil {
		return nil, err
	}

	stopReason := stopReasonFromFinish(root.Get("choices.0.finish_reason").String())
	if stopReason != "" {
		if out, err = sjson.SetBytes(out, "stop_reason", stopReason); err != nil {
			return nil, err
		}
	}

	if usage := root.Get("usage"); usage.Exists() {
		u := map[string]any{}
		if in := usage.Get("prompt_tokens"); in.Exists() {
			u["input_tokens"] = in.Int()
		}
		if outTok := usage.Get("completion_tokens"); outTok.Exists() {
			u["output_tokens"] = outTok.Int()
		}
		if out, err = sjson.SetBytes(out, "usage", u); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// finishToStopReason mirrors stopReasonToFinishReason in codec/anthropic,
// kept separate because the Responses API's vocabulary for stop_reason
// is its own (§9: "the source inconsistently treats stop_reason mapping
// for unusual OpenAI finish_reasons"; kept configurable-by-table here).
var finishToStopReason = map[string]string{
	"stop":           "end_turn",
	"length":         "max_tokens",
	"tool_calls":     "tool_use",
	"content_filter": "end_turn",
}

func stopReasonFromFinish(finishReason string) string {
	if finishReason == "" {
		return ""
	}
	if mapped, ok := finishToStopReason[finishReason]; ok {
		return mapped
	}
	return "end_turn"
}
