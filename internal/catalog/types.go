package catalog

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ToolType selects how the request processor authenticates the outbound
// call for a tool.
type ToolType string

const (
	// ToolTypeGeneral — external API call using stored/provider secrets.
	ToolTypeGeneral ToolType = "general"
	// ToolTypeSystem — internal service call using the caller's own
	// credentials (authenticated pass-through).
	ToolTypeSystem ToolType = "system"
)

// AuthSpec names the OAuth provider whose per-agent token a tool needs.
type AuthSpec struct {
	Provider string `json:"provider"`
}

// StaticInput is the stored HTTP-call template of a tool. String values may
// contain $name placeholders resolved at dispatch time.
type StaticInput struct {
	Method   string            `json:"method"`
	Protocol string            `json:"protocol"` // defaults to https
	Host     []string          `json:"host"`     // dot-joined segments
	Path     []string          `json:"path"`     // slash-joined segments
	Query    map[string]string `json:"query,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Body     map[string]any    `json:"body,omitempty"`
}

// ToolDefinition is the typed form of a catalog entry. The gateway treats it
// as an immutable value fetched per request or cache window.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
	StaticInput StaticInput    `json:"static_input"`
	Auth        *AuthSpec      `json:"auth,omitempty"`
	AppName     string         `json:"app_name,omitempty"`
	ToolType    ToolType       `json:"tool_type"`
}

// ParseToolDefinition decodes and validates one catalog entry. Loose catalog
// JSON is converted to a typed contract here, at the boundary, so downstream
// components never re-check optional keys.
func ParseToolDefinition(raw json.RawMessage) (*ToolDefinition, error) {
	var def ToolDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("decode tool definition: %w", err)
	}
	if def.Name == "" {
		return nil, fmt.Errorf("tool definition missing name")
	}
	if def.StaticInput.Method == "" {
		def.StaticInput.Method = "GET"
	}
	def.StaticInput.Method = strings.ToUpper(def.StaticInput.Method)
	if def.StaticInput.Protocol == "" {
		def.StaticInput.Protocol = "https"
	}
	if len(def.StaticInput.Host) == 0 {
		return nil, fmt.Errorf("tool %s: static input missing host", def.Name)
	}
	switch def.ToolType {
	case ToolTypeGeneral, ToolTypeSystem:
	case "":
		def.ToolType = ToolTypeGeneral
	default:
		return nil, fmt.Errorf("tool %s: unknown tool_type %q", def.Name, def.ToolType)
	}
	return &def, nil
}

// BaseURL assembles the protocol and host segments into the URL root.
func (s StaticInput) BaseURL() string {
	return s.Protocol + "://" + strings.Join(s.Host, ".")
}

// URLPath assembles the path segments. Segments may carry placeholders.
func (s StaticInput) URLPath() string {
	if len(s.Path) == 0 {
		return ""
	}
	return "/" + strings.Join(s.Path, "/")
}

// Filter narrows a catalog search to the caller's role/domain/capability/
// skill chain. Resolution of the chain happens server-side in the catalog.
type Filter struct {
	Role       string
	Domain     string
	Capability string
	Skill      string
}

// SearchQuery is one catalog search request.
type SearchQuery struct {
	Cursor string
	Limit  int
	Filter *Filter

	// Query triggers vector-similarity ranking server-side when non-empty.
	Query string
	// K caps similarity results; clamped to 1..100 by the client.
	K int
}

// Fingerprint returns a stable key for cache lookups. Two queries with the
// same fingerprint resolve to the same tool set within a cache window.
func (q SearchQuery) Fingerprint() string {
	var b strings.Builder
	fmt.Fprintf(&b, "c=%s&l=%d", q.Cursor, q.Limit)
	if q.Filter != nil {
		fmt.Fprintf(&b, "&r=%s&d=%s&cap=%s&s=%s", q.Filter.Role, q.Filter.Domain, q.Filter.Capability, q.Filter.Skill)
	}
	if q.Query != "" {
		fmt.Fprintf(&b, "&q=%s&k=%d", q.Query, q.K)
	}
	return b.String()
}
