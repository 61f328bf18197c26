// Package mcp implements the MCP (Model Context Protocol) tool-serving
// gateway: JSON-RPC 2.0 over SSE, tenant-scoped tool discovery and
// invocation, and tools/list_changed fan-out to live sessions.
package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/toolmesh/toolmesh/internal/auth"
	"github.com/toolmesh/toolmesh/internal/catalog"
	"github.com/toolmesh/toolmesh/internal/config"
	"github.com/toolmesh/toolmesh/internal/request"
	"github.com/toolmesh/toolmesh/internal/streams"
	"github.com/toolmesh/toolmesh/internal/tenant"
	"github.com/toolmesh/toolmesh/internal/tools"
	"github.com/toolmesh/toolmesh/pkg/models"
)

const protocolVersion = "2024-11-05"

// Gateway composes the auth, tenant, tool and request services behind the
// SSE/JSON-RPC surface.
type Gateway struct {
	cfg       *config.Config
	auth      *auth.Service
	tenants   *tenant.Service
	tools     *tools.Service
	processor *request.Processor
	streams   *streams.Registry

	sessMu   sync.Mutex
	sessions map[string]*sseSession
}

// NewGateway wires the gateway around its services.
func NewGateway(
	cfg *config.Config,
	authSvc *auth.Service,
	tenants *tenant.Service,
	toolSvc *tools.Service,
	processor *request.Processor,
	registry *streams.Registry,
) *Gateway {
	return &Gateway{
		cfg:       cfg,
		auth:      authSvc,
		tenants:   tenants,
		tools:     toolSvc,
		processor: processor,
		streams:   registry,
		sessions:  make(map[string]*sseSession),
	}
}

// Streams exposes the stream registry for shutdown cleanup.
func (gw *Gateway) Streams() *streams.Registry { return gw.streams }

// HandleJSONRPC processes one MCP JSON-RPC 2.0 request for a session.
// Returns nil for notifications (no ID, no response). A panicking handler
// surfaces as a JSON-RPC internal error rather than tearing down the
// transport.
func (gw *Gateway) HandleJSONRPC(ctx context.Context, sess *sseSession, req *models.MCPRequest) (resp *models.MCPResponse) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		log.Error().Interface("panic", r).Str("method", req.Method).Str("session", sess.id).Msg("JSON-RPC handler panicked")
		if req.IsNotification() {
			resp = nil
			return
		}
		resp = rpcError(req.ID, models.RPCInternalError, "Internal error", fmt.Sprint(r))
	}()

	resp = gw.dispatch(ctx, sess, req)
	if req.IsNotification() {
		return nil
	}
	return resp
}

func (gw *Gateway) dispatch(ctx context.Context, sess *sseSession, req *models.MCPRequest) *models.MCPResponse {
	switch req.Method {

	// ── Handshake ────────────────────────────────────
	case "initialize":
		return gw.handleInitialize(req)

	case "ping":
		return &models.MCPResponse{
			Jsonrpc: "2.0",
			Result:  map[string]string{"status": "pong"},
			ID:      req.ID,
		}

	// ── Discovery ────────────────────────────────────
	case "tools/list":
		return gw.handleToolsList(ctx, sess, req)

	case "resources/list":
		return &models.MCPResponse{
			Jsonrpc: "2.0",
			Result:  map[string]interface{}{"resources": []interface{}{}},
			ID:      req.ID,
		}

	case "resources/read":
		return rpcError(req.ID, models.RPCInvalidParams, "Unknown resource", "this gateway serves no readable resources")

	// ── Invocation ───────────────────────────────────
	case "tools/call":
		return gw.handleToolsCall(ctx, sess, req)

	// ── Notifications (no response) ──────────────────
	case "notifications/initialized":
		log.Debug().Str("session", sess.id).Msg("MCP client initialized")
		return nil

	default:
		return rpcError(req.ID, models.RPCMethodNotFound, "Method not found",
			fmt.Sprintf("Method '%s' is not supported by the gateway", req.Method))
	}
}

func (gw *Gateway) handleInitialize(req *models.MCPRequest) *models.MCPResponse {
	return &models.MCPResponse{
		Jsonrpc: "2.0",
		Result: map[string]interface{}{
			"protocolVersion": protocolVersion,
			"capabilities": map[string]interface{}{
				"tools": map[string]bool{
					"listChanged": true,
				},
				"resources": map[string]bool{},
			},
			"serverInfo": map[string]string{
				"name":    "toolmesh-gateway",
				"version": gw.cfg.Version,
			},
		},
		ID: req.ID,
	}
}

// handleToolsList resolves the tenant's visible tool set. Catalog failures
// degrade to an empty list so one flaky upstream never breaks the session.
func (gw *Gateway) handleToolsList(ctx context.Context, sess *sseSession, req *models.MCPRequest) *models.MCPResponse {
	var params struct {
		Query string `json:"query,omitempty"`
		K     int    `json:"k,omitempty"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return rpcError(req.ID, models.RPCInvalidParams, "Invalid params", err.Error())
		}
	}

	q := catalog.SearchQuery{Query: params.Query, K: params.K}
	defs, err := gw.tools.List(ctx, sess.identity.TenantName, sess.sec, q)
	if err != nil {
		log.Error().Err(err).
			Str("tenant", sess.identity.TenantName).
			Str("agent", sess.identity.AgentID).
			Msg("tool catalog unavailable, serving empty list")
		defs = nil
	}

	return &models.MCPResponse{
		Jsonrpc: "2.0",
		Result: map[string]interface{}{
			"tools": tools.WireTools(defs),
		},
		ID: req.ID,
	}
}

func (gw *Gateway) handleToolsCall(ctx context.Context, sess *sseSession, req *models.MCPRequest) *models.MCPResponse {
	var params models.MCPToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return rpcError(req.ID, models.RPCInvalidParams, "Invalid params", err.Error())
	}
	if params.Name == "" {
		return rpcError(req.ID, models.RPCInvalidParams, "Invalid params", "tool name is required")
	}

	result, err := gw.callTool(ctx, sess, &params)
	if err != nil {
		var notFound bool
		if errors.Is(err, tools.ErrToolNotFound) {
			notFound = true
		}
		if notFound {
			return rpcError(req.ID, models.RPCToolNotFound, "Tool not found",
				fmt.Sprintf("Tool '%s' is not available to tenant '%s'", params.Name, sess.identity.TenantName))
		}
		// Execution failures surface as isError tool results, not
		// session-level failures.
		return &models.MCPResponse{
			Jsonrpc: "2.0",
			Result:  models.ErrorResult(toolErrorMessage(err)),
			ID:      req.ID,
		}
	}

	return &models.MCPResponse{
		Jsonrpc: "2.0",
		Result:  result,
		ID:      req.ID,
	}
}

// callTool resolves, normalizes, builds and executes one tool invocation.
func (gw *Gateway) callTool(ctx context.Context, sess *sseSession, params *models.MCPToolCallParams) (*models.MCPToolResult, error) {
	identity := sess.identity

	def, err := gw.tools.Resolve(ctx, identity.TenantName, sess.sec, catalog.SearchQuery{}, params.Name)
	if err != nil {
		return nil, err
	}

	args, err := gw.tools.Normalizer().Process(params.Arguments, def.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", def.Name, err)
	}

	var providerToken, appKeys map[string]string
	if def.Auth != nil && def.Auth.Provider != "" {
		providerToken, err = gw.tenants.ProviderToken(ctx, identity.AgentID, sess.bearer, identity.TenantName, def.Auth.Provider)
		if err != nil {
			log.Warn().Err(err).Str("provider", def.Auth.Provider).Msg("provider token lookup failed, calling unauthenticated")
			providerToken = map[string]string{}
		}
	}
	if def.AppName != "" {
		appKeys, err = gw.tenants.AppKeys(ctx, identity.AgentID, sess.bearer, identity.TenantName, def.AppName)
		if err != nil {
			log.Warn().Err(err).Str("app", def.AppName).Msg("app key lookup failed")
			appKeys = map[string]string{}
		}
	}

	spec, err := gw.processor.Build(request.BuildInput{
		Definition:    def,
		Args:          args,
		Sec:           sess.sec,
		AppKeys:       appKeys,
		ProviderToken: providerToken,
	})
	if err != nil {
		return nil, err
	}

	provider := ""
	if def.Auth != nil {
		provider = def.Auth.Provider
	}
	resp, err := gw.processor.Execute(ctx, spec, provider)
	if err != nil {
		return nil, err
	}

	return toolResult(resp), nil
}

// toolResult converts an upstream response into MCP content blocks.
// Image bodies are binary and the data field is base64 on the wire.
func toolResult(resp *request.Response) *models.MCPToolResult {
	if strings.HasPrefix(resp.ContentType, "image/") {
		return &models.MCPToolResult{
			Content: []models.MCPContent{{
				Type:     "image",
				Data:     base64.StdEncoding.EncodeToString(resp.Body),
				MimeType: resp.ContentType,
			}},
		}
	}
	return models.TextResult(string(resp.Body))
}

// toolErrorMessage renders an execution failure for the caller. Upstream
// auth failures on provider-backed tools become an actionable reauthorize
// prompt.
func toolErrorMessage(err error) string {
	var upstream *request.UpstreamError
	if errors.As(err, &upstream) {
		if upstream.NeedsReauth() {
			return fmt.Sprintf("Authorization with provider %q is missing or expired. Please (re)authorize with %s and retry.",
				upstream.Provider, upstream.Provider)
		}
		return fmt.Sprintf("Tool execution failed: upstream returned HTTP %d: %s", upstream.Status, upstream.Body)
	}
	var param *request.ParamResolutionError
	if errors.As(err, &param) {
		return fmt.Sprintf("Tool execution failed: missing required parameter $%s", param.Param)
	}
	return "Tool execution failed: " + err.Error()
}

// rpcError builds a JSON-RPC error response.
func rpcError(id interface{}, code int, message, data string) *models.MCPResponse {
	return &models.MCPResponse{
		Jsonrpc: "2.0",
		Error: &models.MCPError{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
}

// authenticate resolves the caller's identity for a gateway HTTP request.
// With authorization disabled, the X-Agent-ID and X-Tenant headers are taken
// at face value (development posture).
func (gw *Gateway) authenticate(ctx context.Context, headers http.Header) (*auth.ResolvedIdentity, string, error) {
	if !gw.cfg.Auth.Enabled {
		agentID := headers.Get(auth.HeaderAgentID)
		if agentID == "" {
			agentID = "anonymous"
		}
		tenantName := headers.Get(auth.HeaderTenant)
		if tenantName == "" {
			tenantName = "default"
		}
		bearer, _ := auth.BearerToken(headers)
		return &auth.ResolvedIdentity{AgentID: agentID, TenantName: tenantName}, bearer, nil
	}

	identity, err := gw.auth.Validate(ctx, headers)
	if err != nil {
		return nil, "", err
	}
	bearer, err := auth.BearerToken(headers)
	if err != nil {
		return nil, "", err
	}
	return identity, bearer, nil
}

// metadataURL is the protected-resource metadata location advertised in
// WWW-Authenticate challenges.
func (gw *Gateway) metadataURL() string {
	base := strings.TrimSuffix(gw.cfg.Auth.ResourceURL, "/sse")
	base = strings.TrimSuffix(base, "/")
	return base + "/.well-known/oauth-protected-resource/sse"
}

// writeAuthFailure maps an auth error to the wire: 401 with a
// WWW-Authenticate challenge for credential problems, 403 for authorization
// problems, 502 when the identity provider is unreachable.
func (gw *Gateway) writeAuthFailure(w http.ResponseWriter, err error) {
	ae := auth.AsError(err)
	status := ae.HTTPStatus()
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer resource_metadata=%q`, gw.metadataURL()))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   "authentication_failed",
		"message": ae.Message,
	})
}
