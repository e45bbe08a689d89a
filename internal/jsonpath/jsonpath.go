// Package jsonpath implements dotted-path traversal over free-form JSON
// trees, with "[]" array-wildcard and "*" segment-wildcard support, as
// required by the transformation engine and compatibility sanitizers.
//
// Paths look like "choices[].message.tool_calls[].function.name" or
// "tools[].function.*". Segments are split on ".", and a trailing "[]" on a
// segment means "apply the rest of the path to every element of this array".
// A bare "*" segment means "apply the rest of the path to every key of this
// object".
package jsonpath

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Split breaks a dotted path into its segments, keeping any "[]" suffix
// attached to its segment (e.g. "choices[]" stays one segment).
func Split(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// segmentName strips a trailing "[]" from a path segment, reporting whether
// it was present.
func segmentName(seg string) (name string, isArray bool) {
	if strings.HasSuffix(seg, "[]") {
		return strings.TrimSuffix(seg, "[]"), true
	}
	return seg, false
}

// Get resolves path against data and returns every matching value. A path
// with no wildcards returns at most one result.
func Get(data []byte, path string) []gjson.Result {
	return getSegments(gjson.ParseBytes(data), Split(path))
}

func getSegments(r gjson.Result, segs []string) []gjson.Result {
	if len(segs) == 0 {
		if !r.Exists() {
			return nil
		}
		return []gjson.Result{r}
	}
	seg := segs[0]
	rest := segs[1:]

	if seg == "*" {
		var out []gjson.Result
		r.ForEach(func(_, v gjson.Result) bool {
			out = append(out, getSegments(v, rest)...)
			return true
		})
		return out
	}

	name, isArray := segmentName(seg)
	var next gjson.Result
	if name == "" {
		next = r
	} else {
		next = r.Get(gjsonEscape(name))
	}
	if !next.Exists() {
		return nil
	}
	if isArray {
		var out []gjson.Result
		next.ForEach(func(_, v gjson.Result) bool {
			out = append(out, getSegments(v, rest)...)
			return true
		})
		return out
	}
	return getSegments(next, rest)
}

// gjsonEscape escapes gjson path metacharacters ('.', '*', '?') that may
// appear literally inside a JSON key name.
func gjsonEscape(name string) string {
	if !strings.ContainsAny(name, ".*?") {
		return name
	}
	var b strings.Builder
	for _, r := range name {
		if r == '.' || r == '*' || r == '?' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Delete removes every value matched by path from data, expanding "[]" and
// "*" wildcards, and returns the resulting document.
func Delete(data []byte, path string) ([]byte, error) {
	return mutate(data, Split(path), func(doc []byte, concretePath string) ([]byte, error) {
		return sjson.DeleteBytes(doc, concretePath)
	})
}

// Set writes value at every location matched by path, expanding "[]" and "*"
// wildcards, and returns the resulting document.
func Set(data []byte, path string, value any) ([]byte, error) {
	return mutate(data, Split(path), func(doc []byte, concretePath string) ([]byte, error) {
		return sjson.SetBytes(doc, concretePath, value)
	})
}

// mutate walks segs against data, resolving wildcards into concrete sjson
// paths (with numeric array indices substituted), and applies apply to each
// concrete path in turn. Because indices shift after a delete, it resolves
// and mutates one wildcard level depth-first, re-resolving after each
// mutation at that level.
func mutate(data []byte, segs []string, apply func(doc []byte, concretePath string) ([]byte, error)) ([]byte, error) {
	idx := firstWildcard(segs)
	if idx < 0 {
		concrete := strings.Join(segs, ".")
		if concrete == "" {
			return data, nil
		}
		return apply(data, concrete)
	}

	prefix := segs[:idx]
	seg := segs[idx]
	suffix := segs[idx+1:]
	name, isArray := segmentName(seg)

	prefixPath := strings.Join(prefix, ".")
	var container gjson.Result
	if prefixPath == "" {
		container = gjson.ParseBytes(data)
	} else {
		container = gjson.GetBytes(data, prefixPath)
	}
	if !container.Exists() {
		return data, nil
	}

	if seg == "*" {
		var keys []string
		container.ForEach(func(k, _ gjson.Result) bool {
			keys = append(keys, k.String())
			return true
		})
		doc := data
		for _, k := range keys {
			childSegs := joinSegs(prefix, k, suffix)
			var err error
			doc, err = mutate(doc, childSegs, apply)
			if err != nil {
				return nil, err
			}
		}
		return doc, nil
	}

	if isArray {
		n := 0
		container.Get(gjsonEscape(name)).ForEach(func(_, _ gjson.Result) bool { n++; return true })
		doc := data
		// Iterate back-to-front so array index shifts from deletes in
		// earlier elements don't invalidate later indices.
		for i := n - 1; i >= 0; i-- {
			childSegs := joinSegs(prefix, name+"."+strconv.Itoa(i), suffix)
			var err error
			doc, err = mutate(doc, childSegs, apply)
			if err != nil {
				return nil, err
			}
		}
		return doc, nil
	}

	return data, nil
}

func joinSegs(prefix []string, mid string, suffix []string) []string {
	out := make([]string, 0, len(prefix)+1+len(suffix))
	out = append(out, prefix...)
	out = append(out, mid)
	out = append(out, suffix...)
	return out
}

func firstWildcard(segs []string) int {
	for i, s := range segs {
		if s == "*" {
			return i
		}
		if _, isArray := segmentName(s); isArray {
			return i
		}
	}
	return -1
}
