package tools_test

import (
	"errors"
	"reflect"
	"testing"

	"github.com/toolmesh/toolmesh/internal/tools"
)

func TestNewNormalizer_UnknownPolicyFallsBackToPermissive(t *testing.T) {
	n := tools.NewNormalizer("whatever")
	if n.Policy != tools.ArgPolicyPermissive {
		t.Errorf("Policy = %q, want %q", n.Policy, tools.ArgPolicyPermissive)
	}
}

func TestProcess_EmptySchemaPassesThrough(t *testing.T) {
	n := tools.NewNormalizer("permissive")
	raw := map[string]any{"anything": 1}
	out, err := n.Process(raw, nil)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if !reflect.DeepEqual(out, raw) {
		t.Errorf("Process() = %v, want input unchanged", out)
	}
}

func TestProcess_DropsUnmatchedKeys(t *testing.T) {
	n := tools.NewNormalizer("permissive")
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"city": map[string]any{"type": "string"},
		},
	}
	out, err := n.Process(map[string]any{"city": "Oslo", "junk": true}, schema)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if _, ok := out["junk"]; ok {
		t.Error("unmatched key survived normalization")
	}
	if out["city"] != "Oslo" {
		t.Errorf("city = %v, want Oslo", out["city"])
	}
}

func TestProcess_CoercesPrimitives(t *testing.T) {
	n := tools.NewNormalizer("permissive")
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"count":   map[string]any{"type": "integer"},
			"ratio":   map[string]any{"type": "number"},
			"active":  map[string]any{"type": "boolean"},
			"comment": map[string]any{"type": "string"},
		},
	}
	out, err := n.Process(map[string]any{
		"count":   "5",
		"ratio":   "0.5",
		"active":  "true",
		"comment": 42.0,
	}, schema)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if out["count"] != 5 {
		t.Errorf("count = %v (%T), want 5", out["count"], out["count"])
	}
	if out["ratio"] != 0.5 {
		t.Errorf("ratio = %v, want 0.5", out["ratio"])
	}
	if out["active"] != true {
		t.Errorf("active = %v, want true", out["active"])
	}
	if out["comment"] != "42" {
		t.Errorf("comment = %v, want %q", out["comment"], "42")
	}
}

func TestProcess_DropsUncoercibleValue(t *testing.T) {
	n := tools.NewNormalizer("permissive")
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"count": map[string]any{"type": "integer"},
		},
	}
	out, err := n.Process(map[string]any{"count": "not a number"}, schema)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if _, ok := out["count"]; ok {
		t.Error("uncoercible value survived normalization")
	}
}

func TestProcess_PatternProperties(t *testing.T) {
	n := tools.NewNormalizer("permissive")
	schema := map[string]any{
		"type": "object",
		"patternProperties": map[string]any{
			"^x-": map[string]any{"type": "string"},
		},
	}
	out, err := n.Process(map[string]any{"x-trace": 7.0, "other": "v"}, schema)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if out["x-trace"] != "7" {
		t.Errorf("x-trace = %v, want coerced %q", out["x-trace"], "7")
	}
	if _, ok := out["other"]; ok {
		t.Error("key outside the pattern survived")
	}
}

func TestProcess_AdditionalProperties(t *testing.T) {
	n := tools.NewNormalizer("permissive")

	open := map[string]any{"type": "object", "additionalProperties": true}
	out, _ := n.Process(map[string]any{"free": 1}, open)
	if out["free"] != 1 {
		t.Errorf("additionalProperties=true dropped key: %v", out)
	}

	typed := map[string]any{
		"type":                 "object",
		"additionalProperties": map[string]any{"type": "string"},
	}
	out, _ = n.Process(map[string]any{"free": 3.0}, typed)
	if out["free"] != "3" {
		t.Errorf("typed additionalProperties = %v, want %q", out["free"], "3")
	}
}

func TestProcess_PropertyNamesGate(t *testing.T) {
	n := tools.NewNormalizer("permissive")
	schema := map[string]any{
		"type":                 "object",
		"additionalProperties": true,
		"propertyNames":        map[string]any{"pattern": "^[a-z]+$"},
	}
	out, err := n.Process(map[string]any{"good": 1, "Bad1": 2}, schema)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if out["good"] != 1 {
		t.Error("allowed property name dropped")
	}
	if _, ok := out["Bad1"]; ok {
		t.Error("disallowed property name survived")
	}
}

func TestProcess_AnyOfFirstMatchWins(t *testing.T) {
	n := tools.NewNormalizer("permissive")
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id": map[string]any{
				"anyOf": []any{
					map[string]any{"type": "integer"},
					map[string]any{"type": "string"},
				},
			},
		},
	}
	out, err := n.Process(map[string]any{"id": "abc"}, schema)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	// Not an integer, so the string branch matches.
	if out["id"] != "abc" {
		t.Errorf("id = %v, want %q", out["id"], "abc")
	}

	out, _ = n.Process(map[string]any{"id": 7.0}, schema)
	if out["id"] != 7 {
		t.Errorf("id = %v (%T), want integer 7", out["id"], out["id"])
	}
}

func TestProcess_NestedObjectsAndArrays(t *testing.T) {
	n := tools.NewNormalizer("permissive")
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"filters": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "integer"},
			},
			"options": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"limit": map[string]any{"type": "integer"},
				},
			},
		},
	}
	out, err := n.Process(map[string]any{
		"filters": []any{"1", 2.0},
		"options": map[string]any{"limit": "10", "junk": true},
	}, schema)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if !reflect.DeepEqual(out["filters"], []any{1, 2}) {
		t.Errorf("filters = %v, want [1 2]", out["filters"])
	}
	opts := out["options"].(map[string]any)
	if opts["limit"] != 10 {
		t.Errorf("options.limit = %v, want 10", opts["limit"])
	}
	if _, ok := opts["junk"]; ok {
		t.Error("nested unmatched key survived")
	}
}

func TestProcess_StrictRejectsViolations(t *testing.T) {
	n := tools.NewNormalizer("strict")
	schema := map[string]any{
		"type":     "object",
		"required": []any{"city"},
		"properties": map[string]any{
			"city": map[string]any{"type": "string"},
		},
	}
	_, err := n.Process(map[string]any{}, schema)
	var ae *tools.ArgumentError
	if !errors.As(err, &ae) {
		t.Fatalf("Process() error = %v, want *ArgumentError", err)
	}
	if len(ae.Violations) == 0 {
		t.Error("ArgumentError carries no violations")
	}
}

func TestProcess_StrictAcceptsValidArguments(t *testing.T) {
	n := tools.NewNormalizer("strict")
	schema := map[string]any{
		"type":     "object",
		"required": []any{"city"},
		"properties": map[string]any{
			"city": map[string]any{"type": "string"},
		},
	}
	out, err := n.Process(map[string]any{"city": "Oslo"}, schema)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if out["city"] != "Oslo" {
		t.Errorf("city = %v, want Oslo", out["city"])
	}
}
