// Package transform implements the config-driven JSON reshaping engine used
// by compatibility modules (§4.4.5). Rules are purely functional: the only
// effect of applying a rule is the tree it produces.
package transform

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/routecodex/routecodex/internal/jsonpath"
)

// RuleKind is the tagged-variant discriminator for a TransformationRule.
type RuleKind string

const (
	RuleMapping     RuleKind = "mapping"
	RuleRename      RuleKind = "rename"
	RuleExtract     RuleKind = "extract"
	RuleCombine     RuleKind = "combine"
	RuleConditional RuleKind = "conditional"
	RuleStructure   RuleKind = "structure"
	RuleCustom      RuleKind = "custom"
)

// ConditionOperator is one of the comparison operators a Condition applies.
type ConditionOperator string

const (
	OpEquals   ConditionOperator = "equals"
	OpContains ConditionOperator = "contains"
	OpExists   ConditionOperator = "exists"
	OpGT       ConditionOperator = "gt"
	OpLT       ConditionOperator = "lt"
	OpRegex    ConditionOperator = "regex"
)

// Condition gates whether a rule applies.
type Condition struct {
	Field    string
	Operator ConditionOperator
	Value    any

	compiled *regexp.Regexp // lazily compiled and cached for OpRegex
}

// Evaluate reports whether the condition holds against data.
func (c *Condition) Evaluate(data []byte) bool {
	field := gjson.GetBytes(data, c.Field)
	switch c.Operator {
	case OpExists:
		return field.Exists()
	case OpEquals:
		return field.Exists() && fmt.Sprint(field.Value()) == fmt.Sprint(c.Value)
	case OpContains:
		if !field.Exists() {
			return false
		}
		return strings.Contains(field.String(), fmt.Sprint(c.Value))
	case OpGT:
		return field.Exists() && field.Num > toFloat(c.Value)
	case OpLT:
		return field.Exists() && field.Num < toFloat(c.Value)
	case OpRegex:
		if !field.Exists() {
			return false
		}
		if c.compiled == nil {
			pattern, _ := c.Value.(string)
			c.compiled = regexp.MustCompile(pattern)
		}
		return c.compiled.MatchString(field.String())
	default:
		return false
	}
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}

// CombineMode controls how Combine rules join multiple source values.
type CombineMode string

const (
	CombineConcat CombineMode = "concat"
	CombineMerge  CombineMode = "merge"
	CombineCustom CombineMode = "custom"
)

// CustomFunc is a user-supplied reshape function for RuleCustom and
// CombineCustom; it receives the raw values read from SourcePath(s) and
// returns the value to write at TargetPath.
type CustomFunc func(data []byte, sources []gjson.Result) (any, error)

// Rule is one step of a configured reshape.
type Rule struct {
	Kind         RuleKind
	SourcePath   string   // dotted, "[]" wildcard for arrays
	SourcePaths  []string // for Combine
	TargetPath   string
	Condition    *Condition
	RemoveSource bool

	// Mapping renames child keys inside the object at SourcePath.
	KeyMap map[string]string

	// Combine options.
	CombineMode CombineMode
	Separator   string

	// Structure builds a new object literal at TargetPath from a map of
	// targetKey -> sourcePath.
	StructureFields map[string]string

	Custom CustomFunc
}

// Result is the outcome of applying a rule set.
type Result struct {
	Data    []byte
	Applied []string // rule TargetPaths actually applied
}

// Transform applies rules in order to data and returns the reshaped tree.
func Transform(data []byte, rules []Rule) (Result, error) {
	doc := append([]byte(nil), data...)
	var applied []string
	for i := range rules {
		r := &rules[i]
		if r.Condition != nil && !r.Condition.Evaluate(doc) {
			continue
		}
		var err error
		doc, err = applyRule(doc, r)
		if err != nil {
			return Result{}, fmt.Errorf("transform: apply rule %q (%s): %w", r.TargetPath, r.Kind, err)
		}
		applied = append(applied, r.TargetPath)
	}
	return Result{Data: doc, Applied: applied}, nil
}

func applyRule(doc []byte, r *Rule) ([]byte, error) {
	switch r.Kind {
	case RuleRename, RuleExtract:
		return applyMove(doc, r)
	case RuleMapping:
		return applyMapping(doc, r)
	case RuleCombine:
		return applyCombine(doc, r)
	case RuleStructure:
		return applyStructure(doc, r)
	case RuleConditional:
		// A conditional rule with no other shape just removes or no-ops;
		// its Condition already gated execution above.
		if r.RemoveSource && r.SourcePath != "" {
			return jsonpath.Delete(doc, r.SourcePath)
		}
		return doc, nil
	case RuleCustom:
		return applyCustom(doc, r)
	default:
		return doc, nil
	}
}

func applyMove(doc []byte, r *Rule) ([]byte, error) {
	matches := jsonpath.Get(doc, r.SourcePath)
	if len(matches) == 0 {
		return doc, nil
	}
	out := doc
	var err error
	out, err = sjson.SetBytes(out, r.TargetPath, matches[0].Value())
	if err != nil {
		return nil, err
	}
	if r.RemoveSource {
		out, err = jsonpath.Delete(out, r.SourcePath)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func applyMapping(doc []byte, r *Rule) ([]byte, error) {
	src := gjson.GetBytes(doc, r.SourcePath)
	if !src.Exists() || !src.IsObject() {
		return doc, nil
	}
	remapped := map[string]any{}
	src.ForEach(func(k, v gjson.Result) bool {
		key := k.String()
		if newKey, ok := r.KeyMap[key]; ok {
			key = newKey
		}
		remapped[key] = v.Value()
		return true
	})
	target := r.TargetPath
	if target == "" {
		target = r.SourcePath
	}
	out, err := sjson.SetBytes(doc, target, remapped)
	if err != nil {
		return nil, err
	}
	if r.RemoveSource && target != r.SourcePath {
		out, err = jsonpath.Delete(out, r.SourcePath)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func applyCombine(doc []byte, r *Rule) ([]byte, error) {
	var values []gjson.Result
	for _, p := range r.SourcePaths {
		v := gjson.GetBytes(doc, p)
		if v.Exists() {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return doc, nil
	}

	var result any
	switch r.CombineMode {
	case CombineMerge:
		merged := map[string]any{}
		for _, v := range values {
			if v.IsObject() {
				v.ForEach(func(k, vv gjson.Result) bool {
					merged[k.String()] = vv.Value()
					return true
				})
			}
		}
		result = merged
	case CombineCustom:
		if r.Custom == nil {
			return doc, fmt.Errorf("combine rule %q missing custom function", r.TargetPath)
		}
		v, err := r.Custom(doc, values)
		if err != nil {
			return nil, err
		}
		result = v
	default: // CombineConcat
		sep := r.Separator
		parts := make([]string, len(values))
		for i, v := range values {
			parts[i] = v.String()
		}
		result = strings.Join(parts, sep)
	}

	out, err := sjson.SetBytes(doc, r.TargetPath, result)
	if err != nil {
		return nil, err
	}
	if r.RemoveSource {
		for _, p := range r.SourcePaths {
			out, err = jsonpath.Delete(out, p)
			if err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func applyStructure(doc []byte, r *Rule) ([]byte, error) {
	obj := map[string]any{}
	for key, path := range r.StructureFields {
		v := gjson.GetBytes(doc, path)
		if v.Exists() {
			obj[key] = v.Value()
		}
	}
	return sjson.SetBytes(doc, r.TargetPath, obj)
}

func applyCustom(doc []byte, r *Rule) ([]byte, error) {
	if r.Custom == nil {
		return doc, fmt.Errorf("custom rule %q missing function", r.TargetPath)
	}
	var sources []gjson.Result
	if r.SourcePath != "" {
		sources = jsonpath.Get(doc, r.SourcePath)
	}
	v, err := r.Custom(doc, sources)
	if err != nil {
		return nil, err
	}
	out, err := sjson.SetBytes(doc, r.TargetPath, v)
	if err != nil {
		return nil, err
	}
	if r.RemoveSource && r.SourcePath != "" {
		out, err = jsonpath.Delete(out, r.SourcePath)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// MustMarshal is a small helper for tests/callers building literal JSON.
func MustMarshal(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
