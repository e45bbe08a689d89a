package compat

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

// ToolSchema is the subset of a JSON-schema function-tool declaration the
// normalizer needs: per-property type plus alias hints, and which
// properties are required.
type ToolSchema struct {
	Properties map[string]PropertySchema
	Required   []string
}

// PropertySchema describes one tool-argument property.
type PropertySchema struct {
	Type    string   // string|number|integer|boolean|array|object
	Aliases []string // schema-declared x-aliases, in addition to built-ins
}

var nonAlphaNumeric = regexp.MustCompile(`[^a-z0-9]`)

// builtinAliases maps a normalized alternate spelling to its canonical
// property name, applied before schema-declared aliases.
var builtinAliases = map[string]string{
	"queryString": "query",
	"filepath":    "file_path",
	"filename":    "file_path",
}

// ToolArgsNormalizer normalizes a function-tool call's arguments against its
// declared schema before the call reaches a provider that is strict about
// shape.
type ToolArgsNormalizer struct {
	Logger *slog.Logger
}

func (n *ToolArgsNormalizer) logger() *slog.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return slog.Default()
}

// Normalize rewrites the arguments object (as raw JSON) to match schema: key
// normalization (lowercase, strip non-alphanumerics), alias expansion,
// light type coercion, and required-field enforcement (an empty
// string/array/object for a required field is treated as missing). On any
// failure it returns the original arguments unchanged.
func (n *ToolArgsNormalizer) Normalize(argumentsJSON []byte, schema ToolSchema) (normalized []byte) {
	defer func() {
		if r := recover(); r != nil {
			n.logger().Warn("compat: tool args normalizer panicked, returning original arguments", "panic", r)
			normalized = argumentsJSON
		}
	}()

	var raw map[string]any
	if err := json.Unmarshal(argumentsJSON, &raw); err != nil {
		n.logger().Warn("compat: tool arguments are not a JSON object, returning original", "error", err)
		return argumentsJSON
	}

	canonicalOf := buildAliasIndex(schema)
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		canonical, ok := canonicalOf[normalizeKey(k)]
		if !ok {
			canonical = k
		}
		prop, known := schema.Properties[canonical]
		if known {
			v = coerce(v, prop.Type)
		}
		out[canonical] = v
	}

	for _, req := range schema.Required {
		v, present := out[req]
		if !present || isEmptyValue(v) {
			delete(out, req)
		}
	}

	result, err := json.Marshal(out)
	if err != nil {
		n.logger().Warn("compat: failed to re-marshal normalized arguments, returning original", "error", err)
		return argumentsJSON
	}
	return result
}

// buildAliasIndex maps every normalized alias (built-in and schema-declared)
// to its canonical property name.
func buildAliasIndex(schema ToolSchema) map[string]string {
	idx := make(map[string]string, len(schema.Properties))
	for name := range schema.Properties {
		idx[normalizeKey(name)] = name
	}
	for alias, canonical := range builtinAliases {
		if _, ok := schema.Properties[canonical]; ok {
			idx[normalizeKey(alias)] = canonical
		}
	}
	for name, prop := range schema.Properties {
		for _, alias := range prop.Aliases {
			idx[normalizeKey(alias)] = name
		}
	}
	return idx
}

func normalizeKey(k string) string {
	return nonAlphaNumeric.ReplaceAllString(strings.ToLower(k), "")
}

func isEmptyValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	default:
		return false
	}
}

// coerce performs light type coercion toward the declared schema type.
// Values already of the right shape pass through unchanged; values that
// cannot be coerced are returned as-is, letting the provider reject them.
func coerce(v any, typ string) any {
	switch typ {
	case "string":
		switch val := v.(type) {
		case string:
			return val
		case float64:
			return strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			return strconv.FormatBool(val)
		}
	case "number":
		switch val := v.(type) {
		case float64:
			return val
		case string:
			if f, err := strconv.ParseFloat(val, 64); err == nil {
				return f
			}
		}
	case "integer":
		switch val := v.(type) {
		case float64:
			return val
		case string:
			if f, err := strconv.ParseFloat(val, 64); err == nil {
				return f
			}
		}
	case "boolean":
		switch val := v.(type) {
		case bool:
			return val
		case string:
			if b, err := strconv.ParseBool(val); err == nil {
				return b
			}
		}
	case "array":
		if val, ok := v.([]any); ok {
			return val
		}
	case "object":
		if val, ok := v.(map[string]any); ok {
			return val
		}
	}
	return v
}
