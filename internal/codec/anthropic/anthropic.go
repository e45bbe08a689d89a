// Package anthropic implements the anthropic-messages <-> openai-chat codec
// (§4.4.1, §4.4.2). It operates on raw JSON trees via gjson/sjson rather
// than typed request/response structs, since a pipeline node only ever
// sees a byte payload plus routing metadata.
package anthropic

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ParamMapping names the OpenAI body fields copied verbatim from an
// Anthropic request, keyed by their Anthropic source field.
var ParamMapping = map[string]string{
	"max_tokens":     "max_tokens",
	"temperature":    "temperature",
	"top_p":          "top_p",
	"top_k":          "top_k",
	"stop_sequences": "stop",
	"stream":         "stream",
}

// stopReasonToFinishReason maps OpenAI finish_reason to Anthropic
// stop_reason (§4.4.2).
var stopReasonToFinishReason = map[string]string{
	"stop":           "end_turn",
	"length":         "max_tokens",
	"tool_calls":     "tool_use",
	"content_filter": "end_turn",
}

// RequestToOpenAIChat converts an anthropic-messages request payload into
// an openai-chat request payload (§4.4.1).
func RequestToOpenAIChat(data []byte) ([]byte, error) {
	root := gjson.ParseBytes(data)
	out := []byte(`{}`)

	messages := make([]any, 0)
	if sys := root.Get("system"); sys.Exists() && sys.Type == gjson.String {
		messages = append(messages, map[string]any{"role": "system", "content": sys.String()})
	}

	root.Get("messages").ForEach(func(_, msg gjson.Result) bool {
		messages = append(messages, convertRequestMessage(msg))
		return true
	})

	var err error
	out, err = sjson.SetBytes(out, "messages", messages)
	if err != nil {
		return nil, err
	}

	if model := root.Get("model"); model.Exists() {
		out, err = sjson.SetBytes(out, "model", model.String())
		if err != nil {
			return nil, err
		}
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
			if schema := tool.Get("input_schema"); schema.Exists() {
				fn["parameters"] = schema.Value()
			}
			converted = append(converted, map[string]any{"type": "function", "function": fn})
			return true
		})
		if converted != nil {
			out, err = sjson.SetBytes(out, "tools", converted)
			if err != nil {
				return nil, err
			}
		}
	}

	for srcField, dstField := range ParamMapping {
		v := root.Get(srcField)
		if !v.Exists() {
			continue
		}
		out, err = sjson.SetBytes(out, dstField, v.Value())
		if err != nil {
			return nil, err
		}
	}

	return out, nil
}

// convertRequestMessage converts one Anthropic message into its OpenAI
// chat-message equivalent.
func convertRequestMessage(msg gjson.Result) map[string]any {
	role := msg.Get("role").String()
	content := msg.Get("content")

	if content.Type == gjson.String {
		return map[string]any{"role": role, "content": content.String()}
	}
	if !content.IsArray() {
		return map[string]any{"role": role, "content": content.String()}
	}

	var texts []string
	var toolCalls []any
	content.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			texts = append(texts, block.Get("text").String())
		case "tool_use":
			input := block.Get("input")
			args := "{}"
			if input.Exists() {
				args = input.Raw
			}
			toolCalls = append(toolCalls, map[string]any{
				"id":   block.Get("id").String(),
				"type": "function",
				"function": map[string]any{
					"name":      block.Get("name").String(),
					"arguments": args,
				},
			})
		default:
			texts = append(texts, block.Raw)
		}
		return true
	})

	out := map[string]any{"role": role}
	if len(texts) > 0 {
		out["content"] = strings.Join(texts, "\n")
	} else {
		out["content"] = nil
	}
	if toolCalls != nil {
		out["tool_calls"] = toolCalls
	}
	return out
}

// ResponseFromOpenAIChat converts an openai-chat response payload into an
// anthropic-messages response payload (§4.4.2).
func ResponseFromOpenAIChat(data []byte) ([]byte, error) {
	root := gjson.ParseBytes(data)
	message := root.Get("choices.0.message")

	var content []any
	if toolCalls := message.Get("tool_calls"); toolCalls.Exists() {
		toolCalls.ForEach(func(_, tc gjson.Result) bool {
			var input map[string]any
			argsRaw := tc.Get("function.arguments").String()
			if argsRaw == "" {
				argsRaw = "{}"
			}
			_ = json.Unmarshal([]byte(argsRaw), &input)
			content = append(content, map[string]any{
				"type":  "tool_use",
				"id":    tc.Get("id").String(),
				"name":  tc.Get("function.name").String(),
				"input": input,
			})
			return true
		})
	} else {
		content = append(content, map[string]any{
			"type": "text",
			"text": message.Get("content").String(),
		})
	}

	out := []byte(`{"type":"message"}`)
	var err error
	out, err = sjson.SetBytes(out, "role", "assistant")
	if err != nil {
		return nil, err
	}
	out, err = sjson.SetBytes(out, "content", content)
	if err != nil {
		return nil, err
	}

	stopReason := "end_turn"
	if fr := root.Get("choices.0.finish_reason"); fr.Exists() {
		if mapped, ok := stopReasonToFinishReason[fr.String()]; ok {
			stopReason = mapped
		}
	}
	out, err = sjson.SetBytes(out, "stop_reason", stopReason)
	if err != nil {
		return nil, err
	}

	if usage := root.Get("usage"); usage.Exists() {
		u := map[string]any{}
		if in := usage.Get("prompt_tokens"); in.Exists() {
			u["input_tokens"] = in.Int()
		}
		if outTok := usage.Get("completion_tokens"); outTok.Exists() {
			u["output_tokens"] = outTok.Int()
		}
		out, err = sjson.SetBytes(out, "usage", u)
		if err != nil {
			return nil, err
		}
	}

	return out, nil
}
