// Package request synthesizes and executes the outbound HTTP call for a
// tool invocation: static template plus normalized dynamic arguments, with
// $name placeholder substitution and per-provider/per-application secret
// merging.
package request

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolmesh/toolmesh/internal/catalog"
	"github.com/toolmesh/toolmesh/internal/tenant"
)

// Conventional top-level argument partitions.
const (
	PartPath    = "path"
	PartQuery   = "query"
	PartHeaders = "headers"
	PartBody    = "body"
)

// AuthMode selects how the outbound call is authenticated.
type AuthMode string

const (
	// AuthModeStored — general tools: template headers plus stored
	// provider/application secrets.
	AuthModeStored AuthMode = "stored"
	// AuthModePassthrough — system tools: the caller's own credentials
	// override the template, making the tool an authenticated pass-through
	// to sibling internal services.
	AuthModePassthrough AuthMode = "passthrough"
)

// AuthModeFor maps a tool's type to its auth mode.
func AuthModeFor(t catalog.ToolType) AuthMode {
	if t == catalog.ToolTypeSystem {
		return AuthModePassthrough
	}
	return AuthModeStored
}

// PlaceholderPolicy decides what happens to a $name with no resolution.
type PlaceholderPolicy string

const (
	// PlaceholderStrict fails the call naming the missing parameter.
	// Default: forwarding a literal "$userId" upstream is never right.
	PlaceholderStrict PlaceholderPolicy = "strict"
	// PlaceholderPermissive passes the literal through unchanged.
	PlaceholderPermissive PlaceholderPolicy = "permissive"
)

// ParamResolutionError reports a required placeholder with no value.
type ParamResolutionError struct {
	Param string
}

func (e *ParamResolutionError) Error() string {
	return fmt.Sprintf("no value for required parameter $%s", e.Param)
}

// UpstreamError carries the upstream status and body so the gateway can
// distinguish auth failures from other failures.
type UpstreamError struct {
	Status   int
	Body     string
	Provider string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned HTTP %d: %s", e.Status, e.Body)
}

// NeedsReauth reports whether this failure should surface as a
// "please (re)authorize with provider X" message.
func (e *UpstreamError) NeedsReauth() bool {
	return (e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden) && e.Provider != ""
}

// HTTPSpec is a fully resolved outbound request, ready to execute.
type HTTPSpec struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    map[string]any
}

// BuildInput bundles everything Build needs for one tool call.
type BuildInput struct {
	Definition    *catalog.ToolDefinition
	Args          map[string]any // normalized, partitioned (path/query/headers/body)
	Sec           tenant.SecHeaders
	AppKeys       map[string]string
	ProviderToken map[string]string
}

// Processor builds and executes outbound tool calls over one shared,
// connection-pooled HTTP client.
type Processor struct {
	client      *http.Client
	callTimeout time.Duration
	policy      PlaceholderPolicy
}

// NewProcessor creates the request processor. An unknown policy falls back
// to strict.
func NewProcessor(client *http.Client, callTimeout time.Duration, policy string) *Processor {
	p := PlaceholderPolicy(policy)
	if p != PlaceholderPermissive {
		p = PlaceholderStrict
	}
	return &Processor{client: client, callTimeout: callTimeout, policy: p}
}

var placeholderRe = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)

// Build synthesizes the outbound request spec from the tool's static
// template and the normalized dynamic arguments. Placeholders resolve from
// the dynamic arguments first, then appKeys, then the provider token.
func (p *Processor) Build(in BuildInput) (*HTTPSpec, error) {
	def := in.Definition
	static := def.StaticInput
	resolver := newResolver(in, p.policy)

	// URL: host, then path segments (each may carry placeholders).
	base, err := resolver.substitute(static.BaseURL())
	if err != nil {
		return nil, err
	}
	path, err := resolver.substitute(static.URLPath())
	if err != nil {
		return nil, err
	}

	// Query: static template values, then the dynamic query partition.
	query := url.Values{}
	for k, v := range static.Query {
		resolved, err := resolver.substitute(v)
		if err != nil {
			return nil, err
		}
		query.Set(k, resolved)
	}
	for k, v := range partition(in.Args, PartQuery) {
		query.Set(k, stringify(v))
	}

	fullURL := base + path
	if encoded := query.Encode(); encoded != "" {
		fullURL += "?" + encoded
	}

	// Headers: static template, dynamic headers partition, then auth mode.
	headers := map[string]string{}
	for k, v := range static.Headers {
		resolved, err := resolver.substitute(v)
		if err != nil {
			return nil, err
		}
		headers[k] = resolved
	}
	for k, v := range partition(in.Args, PartHeaders) {
		headers[k] = stringify(v)
	}

	switch AuthModeFor(def.ToolType) {
	case AuthModePassthrough:
		headers["Authorization"] = in.Sec.Authorization
		headers["X-Agent-ID"] = in.Sec.AgentID
		headers["X-Tenant"] = in.Sec.Tenant
	case AuthModeStored:
		if _, set := headers["Authorization"]; !set {
			if token, ok := in.ProviderToken["access_token"]; ok && token != "" {
				headers["Authorization"] = "Bearer " + token
			}
		}
	}

	// Body: static template values resolved, dynamic body merged on top.
	body, err := resolver.substituteBody(static.Body)
	if err != nil {
		return nil, err
	}
	dynBody := partition(in.Args, PartBody)
	if len(dynBody) > 0 {
		if body == nil {
			body = map[string]any{}
		}
		for k, v := range dynBody {
			body[k] = v
		}
	}

	return &HTTPSpec{
		Method:  static.Method,
		URL:     fullURL,
		Headers: headers,
		Body:    body,
	}, nil
}

// Response is the upstream result of a successful (2xx) tool call.
type Response struct {
	Status      int
	Body        []byte
	ContentType string
}

// Execute performs the outbound call. Non-2xx responses become
// UpstreamError with status and body preserved.
func (p *Processor) Execute(ctx context.Context, spec *HTTPSpec, provider string) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()

	var bodyReader io.Reader
	if len(spec.Body) > 0 {
		encoded, err := json.Marshal(spec.Body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, spec.Method, spec.URL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("build tool request: %w", err)
	}
	if bodyReader != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tool request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read tool response: %w", err)
	}

	log.Debug().
		Str("method", spec.Method).
		Str("url", spec.URL).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("tool call executed")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UpstreamError{
			Status:   resp.StatusCode,
			Body:     string(respBody),
			Provider: provider,
		}
	}
	return &Response{
		Status:      resp.StatusCode,
		Body:        respBody,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// ── Placeholder resolution ───────────────────────────────────

type resolver struct {
	flatArgs      map[string]any
	appKeys       map[string]string
	providerToken map[string]string
	policy        PlaceholderPolicy
}

func newResolver(in BuildInput, policy PlaceholderPolicy) *resolver {
	// Placeholders resolve against all argument partitions flattened; a
	// name collision across partitions resolves in partition order.
	flat := map[string]any{}
	for _, part := range []string{PartPath, PartQuery, PartHeaders, PartBody} {
		for k, v := range partition(in.Args, part) {
			if _, ok := flat[k]; !ok {
				flat[k] = v
			}
		}
	}
	// Top-level non-partition keys participate too.
	for k, v := range in.Args {
		switch k {
		case PartPath, PartQuery, PartHeaders, PartBody:
		default:
			if _, ok := flat[k]; !ok {
				flat[k] = v
			}
		}
	}
	return &resolver{flatArgs: flat, appKeys: in.AppKeys, providerToken: in.ProviderToken, policy: policy}
}

func (r *resolver) lookup(name string) (string, bool) {
	if v, ok := r.flatArgs[name]; ok {
		return stringify(v), true
	}
	if v, ok := r.appKeys[name]; ok {
		return v, true
	}
	if v, ok := r.providerToken[name]; ok {
		return v, true
	}
	return "", false
}

// substitute replaces every $name in s. Behavior on an unresolved
// placeholder follows the processor's policy.
func (r *resolver) substitute(s string) (string, error) {
	var missing string
	out := placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		name := match[1:]
		if v, ok := r.lookup(name); ok {
			return v
		}
		if missing == "" {
			missing = name
		}
		return match
	})
	if missing != "" && r.policy != PlaceholderPermissive {
		return "", &ParamResolutionError{Param: missing}
	}
	return out, nil
}

// substituteBody walks the static body template resolving placeholders in
// every string value, recursing into nested maps and arrays.
func (r *resolver) substituteBody(body map[string]any) (map[string]any, error) {
	if body == nil {
		return nil, nil
	}
	out := make(map[string]any, len(body))
	for k, v := range body {
		resolved, err := r.substituteValue(v)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

func (r *resolver) substituteValue(v any) (any, error) {
	switch val := v.(type) {
	case string:
		return r.substitute(val)
	case map[string]any:
		return r.substituteBody(val)
	case []any:
		out := make([]any, 0, len(val))
		for _, item := range val {
			resolved, err := r.substituteValue(item)
			if err != nil {
				return nil, err
			}
			out = append(out, resolved)
		}
		return out, nil
	default:
		return v, nil
	}
}

func partition(args map[string]any, name string) map[string]any {
	if args == nil {
		return nil
	}
	if m, ok := args[name].(map[string]any); ok {
		return m
	}
	return nil
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case bool:
		return strconv.FormatBool(val)
	default:
		encoded, _ := json.Marshal(val)
		return string(encoded)
	}
}
