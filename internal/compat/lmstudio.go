package compat

import (
	"log/slog"

	"github.com/tidwall/sjson"
)

// LMStudioPassthrough keeps identity tool-call mappings available for
// future edits without touching `choices[].message.tool_calls` shape. LM
// Studio echoes OpenAI tool-call shape closely enough that there is
// currently nothing to rewrite, but the hook exists so a per-field
// override can be added without restructuring callers.
type LMStudioPassthrough struct {
	// FieldOverrides maps a response dotted path to a replacement value,
	// applied only when present; empty by default.
	FieldOverrides map[string]any
	Logger         *slog.Logger
}

func (p *LMStudioPassthrough) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// ApplyResponse preserves tool_calls shape verbatim and applies any
// configured field overrides. On failure it returns the original payload.
func (p *LMStudioPassthrough) ApplyResponse(data []byte) (result []byte) {
	defer func() {
		if r := recover(); r != nil {
			p.logger().Warn("compat: lmstudio passthrough panicked, returning original payload", "panic", r)
			result = data
		}
	}()

	if len(p.FieldOverrides) == 0 {
		return data
	}

	out := data
	for path, value := range p.FieldOverrides {
		var err error
		out, err = sjson.SetBytes(out, path, value)
		if err != nil {
			p.logger().Warn("compat: lmstudio override failed, returning original", "path", path, "error", err)
			return data
		}
	}
	return out
}
