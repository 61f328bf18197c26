package catalog_test

import (
	"encoding/json"
	"testing"

	"github.com/toolmesh/toolmesh/internal/catalog"
)

func TestParseToolDefinition_Defaults(t *testing.T) {
	raw := json.RawMessage(`{
		"name": "get_weather",
		"static_input": {"host": ["api", "weather", "example", "com"], "path": ["v1", "current"]}
	}`)

	def, err := catalog.ParseToolDefinition(raw)
	if err != nil {
		t.Fatalf("ParseToolDefinition() error = %v", err)
	}
	if def.StaticInput.Method != "GET" {
		t.Errorf("Method = %q, want %q", def.StaticInput.Method, "GET")
	}
	if def.StaticInput.Protocol != "https" {
		t.Errorf("Protocol = %q, want %q", def.StaticInput.Protocol, "https")
	}
	if def.ToolType != catalog.ToolTypeGeneral {
		t.Errorf("ToolType = %q, want %q", def.ToolType, catalog.ToolTypeGeneral)
	}
}

func TestParseToolDefinition_MethodUppercased(t *testing.T) {
	raw := json.RawMessage(`{
		"name": "post_item",
		"static_input": {"method": "post", "host": ["example", "com"]}
	}`)

	def, err := catalog.ParseToolDefinition(raw)
	if err != nil {
		t.Fatalf("ParseToolDefinition() error = %v", err)
	}
	if def.StaticInput.Method != "POST" {
		t.Errorf("Method = %q, want %q", def.StaticInput.Method, "POST")
	}
}

func TestParseToolDefinition_Invalid(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"missing name", `{"static_input": {"host": ["example", "com"]}}`},
		{"missing host", `{"name": "t", "static_input": {}}`},
		{"unknown tool_type", `{"name": "t", "tool_type": "weird", "static_input": {"host": ["example", "com"]}}`},
		{"not json", `{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := catalog.ParseToolDefinition(json.RawMessage(tc.raw)); err == nil {
				t.Errorf("ParseToolDefinition(%s) succeeded, want error", tc.raw)
			}
		})
	}
}

func TestStaticInput_URLAssembly(t *testing.T) {
	s := catalog.StaticInput{
		Protocol: "https",
		Host:     []string{"api", "example", "com"},
		Path:     []string{"v2", "users", "$userId"},
	}
	if got := s.BaseURL(); got != "https://api.example.com" {
		t.Errorf("BaseURL() = %q, want %q", got, "https://api.example.com")
	}
	if got := s.URLPath(); got != "/v2/users/$userId" {
		t.Errorf("URLPath() = %q, want %q", got, "/v2/users/$userId")
	}
}

func TestStaticInput_EmptyPath(t *testing.T) {
	s := catalog.StaticInput{Protocol: "http", Host: []string{"localhost:8080"}}
	if got := s.URLPath(); got != "" {
		t.Errorf("URLPath() = %q, want empty", got)
	}
}

func TestSearchQuery_Fingerprint(t *testing.T) {
	a := catalog.SearchQuery{Query: "weather", K: 5}
	b := catalog.SearchQuery{Query: "weather", K: 5}
	c := catalog.SearchQuery{Query: "weather", K: 10}

	if a.Fingerprint() != b.Fingerprint() {
		t.Errorf("identical queries produced different fingerprints: %q vs %q", a.Fingerprint(), b.Fingerprint())
	}
	if a.Fingerprint() == c.Fingerprint() {
		t.Errorf("different queries produced the same fingerprint: %q", a.Fingerprint())
	}

	withFilter := catalog.SearchQuery{Filter: &catalog.Filter{Role: "analyst"}}
	if withFilter.Fingerprint() == (catalog.SearchQuery{}).Fingerprint() {
		t.Error("filtered query shares fingerprint with unfiltered query")
	}
}
