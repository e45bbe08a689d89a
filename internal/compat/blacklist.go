// Package compat applies per-provider-family request/response quirks that
// are orthogonal to protocol translation (§4.5). Every sanitizer takes a
// JSON payload and returns a JSON payload; a malformed rule or a panic
// during application is logged and the original payload is returned
// unchanged rather than risking a corrupted request.
package compat

import (
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/routecodex/routecodex/internal/jsonpath"
)

// ConditionalRemoval drops Path when the value at When equals WhenValue, or
// (if WhenValue is nil) when the value at When is absent/empty.
type ConditionalRemoval struct {
	Path      string
	When      string
	WhenValue any
}

// RequestBlacklist walks tool/function declarations and assistant tool
// calls, stripping configured sub-keys, and applies top-level conditional
// removals (e.g. dropping tool_choice when tools is empty).
type RequestBlacklist struct {
	// FunctionKeys are sub-keys removed from every tools[].function and
	// messages[].tool_calls[].function object (e.g. "strict",
	// "json_schema").
	FunctionKeys []string
	Conditional  []ConditionalRemoval
	Logger       *slog.Logger
}

func (b *RequestBlacklist) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

// Apply sanitizes a request payload. On any failure the original payload is
// returned unchanged.
func (b *RequestBlacklist) Apply(data []byte) (result []byte) {
	defer func() {
		if r := recover(); r != nil {
			b.logger().Warn("compat: request blacklist panicked, returning original payload", "panic", r)
			result = data
		}
	}()

	out := data
	for _, key := range b.FunctionKeys {
		out = stripFunctionKey(out, "tools[].function", key, b.logger())
		out = stripFunctionKey(out, "messages[].tool_calls[].function", key, b.logger())
	}

	for _, cr := range b.Conditional {
		if conditionalMatches(out, cr) {
			var err error
			out, err = jsonpath.Delete(out, cr.Path)
			if err != nil {
				b.logger().Warn("compat: conditional removal failed, keeping path", "path", cr.Path, "error", err)
				return data
			}
		}
	}
	return out
}

func stripFunctionKey(data []byte, basePath, key string, logger *slog.Logger) []byte {
	path := basePath + "." + key
	out, err := jsonpath.Delete(data, path)
	if err != nil {
		logger.Warn("compat: failed to strip function key, returning original", "path", path, "error", err)
		return data
	}
	return out
}

// conditionalMatches reports whether the removal's trigger condition holds.
// A nil WhenValue means "path missing or empty (string/array/object)".
func conditionalMatches(data []byte, cr ConditionalRemoval) bool {
	v := gjson.GetBytes(data, cr.When)
	if cr.WhenValue == nil {
		if !v.Exists() {
			return true
		}
		switch v.Type {
		case gjson.String:
			return v.String() == ""
		case gjson.JSON:
			return (v.IsArray() && len(v.Array()) == 0) || (v.IsObject() && len(v.Map()) == 0)
		default:
			return false
		}
	}
	return v.Exists() && v.Value() == cr.WhenValue
}

// ResponseBlacklist deletes configured dotted paths from a non-stream
// response, honoring a fixed allow-list of critical paths that can never be
// stripped regardless of configuration.
type ResponseBlacklist struct {
	Paths  []string
	Logger *slog.Logger
}

// CriticalPaths can never be removed by a ResponseBlacklist, protecting the
// parts of a response a client cannot function without.
var CriticalPaths = []string{
	"status",
	"output",
	"output_text",
	"choices[].message.content",
	"choices[].message.tool_calls",
	"choices[].finish_reason",
}

func (b *ResponseBlacklist) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

// Apply sanitizes a non-stream response payload, skipping any configured
// path that is, or is an ancestor of, one of CriticalPaths.
func (b *ResponseBlacklist) Apply(data []byte) (result []byte) {
	defer func() {
		if r := recover(); r != nil {
			b.logger().Warn("compat: response blacklist panicked, returning original payload", "panic", r)
			result = data
		}
	}()

	out := data
	for _, path := range b.Paths {
		if isCritical(path) {
			continue
		}
		var err error
		out, err = jsonpath.Delete(out, path)
		if err != nil {
			b.logger().Warn("compat: response path strip failed, returning original", "path", path, "error", err)
			return data
		}
	}
	return out
}

func isCritical(path string) bool {
	for _, c := range CriticalPaths {
		if c == path {
			return true
		}
		// Deleting an ancestor of a critical path would remove it too.
		if path != "" && strings.HasPrefix(c, path) && (c[len(path)] == '.' || c[len(path)] == '[') {
			return true
		}
	}
	return false
}
