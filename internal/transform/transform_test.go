package transform

import (
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

func TestTransformRename(t *testing.T) {
	data := []byte(`{"old_name":"value","keep":1}`)
	rules := []Rule{
		{Kind: RuleRename, SourcePath: "old_name", TargetPath: "new_name", RemoveSource: true},
	}
	res, err := Transform(data, rules)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gjson.GetBytes(res.Data, "new_name").String() != "value" {
		t.Fatalf("expected new_name to be set, got %s", res.Data)
	}
	if gjson.GetBytes(res.Data, "old_name").Exists() {
		t.Fatal("expected old_name to be removed")
	}
	if gjson.GetBytes(res.Data, "keep").Int() != 1 {
		t.Fatal("expected unrelated field to survive")
	}
}

func TestTransformMapping(t *testing.T) {
	data := []byte(`{"obj":{"a":1,"b":2}}`)
	rules := []Rule{
		{Kind: RuleMapping, SourcePath: "obj", TargetPath: "obj", KeyMap: map[string]string{"a": "alpha"}},
	}
	res, err := Transform(data, rules)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gjson.GetBytes(res.Data, "obj.alpha").Int() != 1 {
		t.Fatalf("expected renamed key, got %s", res.Data)
	}
	if gjson.GetBytes(res.Data, "obj.b").Int() != 2 {
		t.Fatal("expected unmapped key preserved")
	}
	if gjson.GetBytes(res.Data, "obj.a").Exists() {
		t.Fatal("expected old key name gone after mapping")
	}
}

func TestTransformCombineConcat(t *testing.T) {
	data := []byte(`{"first":"John","last":"Doe"}`)
	rules := []Rule{
		{
			Kind:        RuleCombine,
			SourcePaths: []string{"first", "last"},
			TargetPath:  "full_name",
			CombineMode: CombineConcat,
			Separator:   " ",
		},
	}
	res, err := Transform(data, rules)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := gjson.GetBytes(res.Data, "full_name").String(); got != "John Doe" {
		t.Fatalf("expected combined name, got %q", got)
	}
}

func TestTransformCombineMerge(t *testing.T) {
	data := []byte(`{"a":{"x":1},"b":{"y":2}}`)
	rules := []Rule{
		{Kind: RuleCombine, SourcePaths: []string{"a", "b"}, TargetPath: "merged", CombineMode: CombineMerge},
	}
	res, err := Transform(data, rules)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gjson.GetBytes(res.Data, "merged.x").Int() != 1 || gjson.GetBytes(res.Data, "merged.y").Int() != 2 {
		t.Fatalf("expected merged object, got %s", res.Data)
	}
}

func TestTransformStructure(t *testing.T) {
	data := []byte(`{"choices":[{"message":{"content":"hi"}}]}`)
	rules := []Rule{
		{
			Kind:       RuleStructure,
			TargetPath: "summary",
			StructureFields: map[string]string{
				"text": "choices.0.message.content",
			},
		},
	}
	res, err := Transform(data, rules)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gjson.GetBytes(res.Data, "summary.text").String() != "hi" {
		t.Fatalf("expected structured field, got %s", res.Data)
	}
}

func TestTransformConditionalSkipsWhenFalse(t *testing.T) {
	data := []byte(`{"status":"ok","debug":"verbose"}`)
	rules := []Rule{
		{
			Kind:         RuleConditional,
			SourcePath:   "debug",
			RemoveSource: true,
			Condition:    &Condition{Field: "status", Operator: OpEquals, Value: "error"},
		},
	}
	res, err := Transform(data, rules)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !gjson.GetBytes(res.Data, "debug").Exists() {
		t.Fatal("expected debug field to survive when condition is false")
	}
	if len(res.Applied) != 0 {
		t.Fatalf("expected no rules applied, got %v", res.Applied)
	}
}

func TestTransformConditionalAppliesWhenTrue(t *testing.T) {
	data := []byte(`{"status":"error","debug":"verbose"}`)
	rules := []Rule{
		{
			Kind:         RuleConditional,
			SourcePath:   "debug",
			RemoveSource: true,
			Condition:    &Condition{Field: "status", Operator: OpEquals, Value: "error"},
		},
	}
	res, err := Transform(data, rules)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gjson.GetBytes(res.Data, "debug").Exists() {
		t.Fatal("expected debug field removed when condition is true")
	}
}

func TestConditionOperators(t *testing.T) {
	data := []byte(`{"count":5,"name":"gpt-4-turbo","tag":"beta"}`)
	cases := []struct {
		cond *Condition
		want bool
	}{
		{&Condition{Field: "count", Operator: OpExists}, true},
		{&Condition{Field: "missing", Operator: OpExists}, false},
		{&Condition{Field: "count", Operator: OpGT, Value: 1.0}, true},
		{&Condition{Field: "count", Operator: OpLT, Value: 1.0}, false},
		{&Condition{Field: "name", Operator: OpContains, Value: "turbo"}, true},
		{&Condition{Field: "tag", Operator: OpEquals, Value: "beta"}, true},
		{&Condition{Field: "name", Operator: OpRegex, Value: "^gpt-4"}, true},
		{&Condition{Field: "name", Operator: OpRegex, Value: "^claude"}, false},
	}
	for _, c := range cases {
		if got := c.cond.Evaluate(data); got != c.want {
			t.Errorf("Evaluate(%+v) = %v, want %v", c.cond, got, c.want)
		}
	}
}

func TestTransformCustomFunc(t *testing.T) {
	data := []byte(`{"model":"GPT-4"}`)
	rules := []Rule{
		{
			Kind:       RuleCustom,
			SourcePath: "model",
			TargetPath: "model_lower",
			Custom: func(_ []byte, sources []gjson.Result) (any, error) {
				if len(sources) == 0 {
					return nil, nil
				}
				return strings.ToLower(sources[0].String()), nil
			},
		},
	}
	res, err := Transform(data, rules)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := gjson.GetBytes(res.Data, "model_lower").String(); got != "gpt-4" {
		t.Fatalf("expected lowercased model, got %q", got)
	}
}

func TestTransformMissingSourceIsNoop(t *testing.T) {
	data := []byte(`{"a":1}`)
	rules := []Rule{
		{Kind: RuleRename, SourcePath: "missing", TargetPath: "b"},
	}
	res, err := Transform(data, rules)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gjson.GetBytes(res.Data, "b").Exists() {
		t.Fatal("expected no-op when source path is missing")
	}
}
