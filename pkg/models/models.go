// Package models defines the wire-level types shared between the gateway's
// transport layer and its services.
//
// The MCP protocol types mirror JSON-RPC 2.0 as carried over SSE: one
// MCPRequest in, at most one MCPResponse out, plus server-initiated
// MCPNotification messages (no ID, no response expected).
package models

import (
	"encoding/json"
	"time"
)

// ── MCP Protocol Types ───────────────────────────────────────

// MCPRequest is a JSON-RPC 2.0 request or notification from a client.
type MCPRequest struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// IsNotification reports whether the request carries no ID and therefore
// must not receive a response.
func (r *MCPRequest) IsNotification() bool {
	return r.ID == nil
}

// MCPResponse is a JSON-RPC 2.0 response.
type MCPResponse struct {
	Jsonrpc string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *MCPError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// MCPError is a JSON-RPC 2.0 error object.
type MCPError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// JSON-RPC error codes used by the gateway.
const (
	RPCParseError     = -32700
	RPCMethodNotFound = -32601
	RPCInvalidParams  = -32602
	RPCInternalError  = -32603
	RPCToolNotFound   = -32001
)

// MCPNotification is a server-initiated JSON-RPC message (no ID).
type MCPNotification struct {
	Jsonrpc string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// NewToolsChangedNotification builds the standard tools/list_changed
// notification pushed to live sessions when an agent's catalog changes.
func NewToolsChangedNotification(params interface{}) MCPNotification {
	return MCPNotification{
		Jsonrpc: "2.0",
		Method:  "notifications/tools/list_changed",
		Params:  params,
	}
}

// MCPToolInfo is the client-facing tool descriptor returned by tools/list.
type MCPToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`
}

// MCPToolCallParams are the params of a tools/call request.
type MCPToolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// MCPToolResult is the result of a tools/call.
type MCPToolResult struct {
	Content []MCPContent `json:"content"`
	IsError bool         `json:"isError,omitempty"`
}

// MCPContent is a single content block in a tool result.
type MCPContent struct {
	Type     string       `json:"type"` // text, image, resource
	Text     string       `json:"text,omitempty"`
	Data     string       `json:"data,omitempty"`     // base64 for image
	MimeType string       `json:"mimeType,omitempty"` // for image
	Resource *MCPResource `json:"resource,omitempty"`
}

// MCPResource is an embedded resource content block.
type MCPResource struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
}

// TextResult wraps a plain string as a single-block tool result.
func TextResult(text string) *MCPToolResult {
	return &MCPToolResult{
		Content: []MCPContent{{Type: "text", Text: text}},
	}
}

// ErrorResult wraps a human-readable failure as an isError tool result.
func ErrorResult(text string) *MCPToolResult {
	return &MCPToolResult{
		Content: []MCPContent{{Type: "text", Text: text}},
		IsError: true,
	}
}

// ── Notify Webhook Types ─────────────────────────────────────

// NotifyAck is the response body of POST /notify.
type NotifyAck struct {
	Status       string      `json:"status"`
	Message      string      `json:"message"`
	AgentID      string      `json:"agent_id"`
	DataReceived interface{} `json:"data_received"`
}

// RawNotification wraps a non-JSON /notify body so it can still be fanned
// out to sessions as an opaque payload.
type RawNotification struct {
	RawBody     string    `json:"raw_body"`
	ContentType string    `json:"content_type"`
	Timestamp   time.Time `json:"timestamp"`
}

// ── OAuth Protected Resource Metadata (RFC 9728) ─────────────

// ProtectedResourceMetadata is served at
// /.well-known/oauth-protected-resource/sse.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
}
