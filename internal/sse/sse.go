// Package sse bridges OpenAI Chat Completion payloads and streaming
// chunks into the canonical OpenAI Responses event stream (§4.4.4). Two
// entry points cover the two cases a pipeline needs: Simulate turns an
// already-completed response into an incremental event sequence for
// clients that only understand Responses streaming; Transformer
// accumulates the same event sequence on the fly from live Chat
// Completion streaming chunks.
package sse

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// DefaultChunkSize is used when a caller passes a non-positive chunk
// size.
const DefaultChunkSize = 256

// MinChunkSize and MaxChunkSize bound the tool-call argument chunk size
// (§4.4.4).
const (
	MinChunkSize = 32
	MaxChunkSize = 1024
)

// ClampChunkSize enforces [MinChunkSize, MaxChunkSize], substituting
// DefaultChunkSize for a non-positive input.
func ClampChunkSize(size int) int {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if size < MinChunkSize {
		return MinChunkSize
	}
	if size > MaxChunkSize {
		return MaxChunkSize
	}
	return size
}

// Event is one canonical Responses stream event. Fields holds the
// event-specific payload (item, delta, response, …); Type and
// SequenceNumber are always present and always serialize first.
type Event struct {
	Type           string
	SequenceNumber int
	Fields         map[string]any
}

// MarshalJSON flattens Type, SequenceNumber, and Fields into one object,
// matching the wire shape clients expect.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+2)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["type"] = e.Type
	out["sequence_number"] = e.SequenceNumber
	return json.Marshal(out)
}

// sequencer hands out monotonically increasing sequence numbers.
type sequencer struct{ n int }

func (s *sequencer) next() int {
	s.n++
	return s.n
}

func event(seq *sequencer, typ string, fields map[string]any) Event {
	return Event{Type: typ, SequenceNumber: seq.next(), Fields: fields}
}

// chunkString splits s into pieces of at most size runes, returning nil
// for an empty string rather than a single empty chunk.
func chunkString(s string, size int) []string {
	if s == "" {
		return nil
	}
	runes := []rune(s)
	var out []string
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[i:end]))
	}
	return out
}

// Simulate converts a completed OpenAI Responses JSON payload into the
// canonical incremental event sequence (§4.4.4, simulator mode).
func Simulate(payload []byte, chunkSize int) ([]Event, error) {
	chunkSize = ClampChunkSize(chunkSize)
	root := gjson.ParseBytes(payload)
	if !root.Exists() {
		return nil, fmt.Errorf("sse: empty response payload")
	}

	seq := &sequencer{}
	var events []Event

	responseID := root.Get("id").String()
	events = append(events, event(seq, "response.created", map[string]any{
		"response": map[string]any{"id": responseID, "object": "response", "status": "in_progress"},
	}))
	events = append(events, event(seq, "response.in_progress", map[string]any{
		"response": map[string]any{"id": responseID, "status": "in_progress"},
	}))

	output := root.Get("output")
	output.ForEach(func(idxResult, item gjson.Result) bool {
		outputIndex := int(idxResult.Int())
		itemID := item.Get("id").String()

		events = append(events, event(seq, "response.output_item.added", map[string]any{
			"item":         item.Value(),
			"output_index": outputIndex,
		}))

		switch item.Get("type").String() {
		case "function_call", "tool_call":
			args := item.Get("arguments").String()
			for _, piece := range chunkString(args, chunkSize) {
				events = append(events, event(seq, "response.tool_call.delta", map[string]any{
					"delta":        piece,
					"item_id":      itemID,
					"output_index": outputIndex,
				}))
			}
		default:
			item.Get("content").ForEach(func(cIdxResult, part gjson.Result) bool {
				contentIndex := int(cIdxResult.Int())
				events = append(events, event(seq, "response.content_part.added", map[string]any{
					"item_id":       itemID,
					"output_index":  outputIndex,
					"content_index": contentIndex,
					"part":          part.Value(),
				}))
				text := part.Get("text").String()
				for _, piece := range chunkString(text, chunkSize) {
					events = append(events, event(seq, "response.output_text.delta", map[string]any{
						"delta":         piece,
						"item_id":       itemID,
						"output_index":  outputIndex,
						"content_index": contentIndex,
					}))
				}
				return true
			})
		}

		events = append(events, event(seq, "response.output_item.done", map[string]any{
			"item":         item.Value(),
			"output_index": outputIndex,
		}))
		return true
	})

	completed := map[string]any{"id": responseID, "status": "completed"}
	if usage := root.Get("usage"); usage.Exists() {
		completed["usage"] = usage.Value()
	}
	events = append(events, event(seq, "response.completed", map[string]any{"response": completed}))
	events = append(events, event(seq, "response.done", map[string]any{}))

	return events, nil
}

// toolCallAccumulator tracks one in-flight streaming tool call by its
// chat-completion-chunk index.
type toolCallAccumulator struct {
	id   string
	name string
}

// Transformer accumulates OpenAI Chat Completion streaming chunks into
// the canonical Responses event sequence (§4.4.4, transformer mode). It
// is not safe for concurrent use; a pipeline run owns one Transformer per
// in-flight stream.
type Transformer struct {
	chunkSize int
	seq       sequencer

	started      bool
	itemOpened   bool
	textOpened   bool
	itemID       string
	outputIndex  int
	contentIndex int

	toolCalls map[int]*toolCallAccumulator

	finishReason string
	usage        json.RawMessage
	responseID   string
}

// NewTransformer builds a Transformer, storing chunkSize clamped to
// [MinChunkSize, MaxChunkSize]. Push emits each upstream tool-call
// argument delta as one event; it does not re-chunk them.
func NewTransformer(chunkSize int) *Transformer {
	return &Transformer{
		chunkSize: ClampChunkSize(chunkSize),
		toolCalls: make(map[int]*toolCallAccumulator),
		itemID:    "item_0",
	}
}

// Push feeds one OpenAI Chat Completion streaming chunk (a single SSE
// "data:" JSON payload) into the transformer, returning the Responses
// events it produces.
func (t *Transformer) Push(chunkJSON []byte) ([]Event, error) {
	root := gjson.ParseBytes(chunkJSON)
	if !root.Exists() {
		return nil, fmt.Errorf("sse: empty chat completion chunk")
	}

	var out []Event
	if !t.started {
		t.started = true
		if id := root.Get("id"); id.Exists() {
			t.responseID = id.String()
		}
		out = append(out, event(&t.seq, "response.created", map[string]any{
			"response": map[string]any{"id": t.responseID, "object": "response", "status": "in_progress"},
		}))
		out = append(out, event(&t.seq, "response.in_progress", map[string]any{
			"response": map[string]any{"id": t.responseID, "status": "in_progress"},
		}))
	}

	choice := root.Get("choices.0")
	if !choice.Exists() {
		return out, nil
	}
	delta := choice.Get("delta")

	if content := delta.Get("content"); content.Exists() && content.String() != "" {
		if !t.itemOpened {
			t.itemOpened = true
			out = append(out, event(&t.seq, "response.output_item.added", map[string]any{
				"item":         map[string]any{"id": t.itemID, "type": "message"},
				"output_index": t.outputIndex,
			}))
		}
		if !t.textOpened {
			t.textOpened = true
			out = append(out, event(&t.seq, "response.content_part.added", map[string]any{
				"item_id":       t.itemID,
				"output_index":  t.outputIndex,
				"content_index": t.contentIndex,
				"part":          map[string]any{"type": "output_text", "text": ""},
			}))
		}
		out = append(out, event(&t.seq, "response.output_text.delta", map[string]any{
			"delta":         content.String(),
			"item_id":       t.itemID,
			"output_index":  t.outputIndex,
			"content_index": t.contentIndex,
		}))
	}

	delta.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		if !t.itemOpened {
			t.itemOpened = true
			out = append(out, event(&t.seq, "response.output_item.added", map[string]any{
				"item":         map[string]any{"id": t.itemID, "type": "function_call"},
				"output_index": t.outputIndex,
			}))
		}
		index := int(tc.Get("index").Int())
		acc, ok := t.toolCalls[index]
		if !ok {
			acc = &toolCallAccumulator{id: tc.Get("id").String(), name: tc.Get("function.name").String()}
			t.toolCalls[index] = acc
		}
		if args := tc.Get("function.arguments"); args.Exists() && args.String() != "" {
			out = append(out, event(&t.seq, "response.tool_call.delta", map[string]any{
				"delta":        args.String(),
				"item_id":      t.itemID,
				"output_index": t.outputIndex,
			}))
		}
		return true
	})

	if fr := choice.Get("finish_reason"); fr.Exists() && fr.String() != "" {
		t.finishReason = fr.String()
	}
	if usage := root.Get("usage"); usage.Exists() {
		t.usage = json.RawMessage(usage.Raw)
	}

	return out, nil
}

// Finalize closes out the event stream once the upstream Chat Completion
// stream ends, emitting the item/response completion and terminal
// events.
func (t *Transformer) Finalize() []Event {
	var out []Event
	if t.itemOpened {
		itemType := "message"
		if len(t.toolCalls) > 0 {
			itemType = "function_call"
		}
		out = append(out, event(&t.seq, "response.output_item.done", map[string]any{
			"item":         map[string]any{"id": t.itemID, "type": itemType},
			"output_index": t.outputIndex,
		}))
	}

	completed := map[string]any{"id": t.responseID, "status": "completed"}
	if t.usage != nil {
		var u any
		if err := json.Unmarshal(t.usage, &u); err == nil {
			completed["usage"] = u
		}
	}
	var stopReason any
	if t.finishReason != "" {
		stopReason = t.finishReason
	}
	completed["stop_reason"] = stopReason

	out = append(out, event(&t.seq, "response.completed", map[string]any{"response": completed}))
	out = append(out, event(&t.seq, "response.done", map[string]any{}))
	return out
}

// JoinText is a convenience used by callers that want the fully
// assembled text of a simple (non-tool-call) Simulate/Transformer run,
// e.g. for logging or snapshotting.
func JoinText(deltas []string) string {
	return strings.Join(deltas, "")
}
