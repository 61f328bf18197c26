package mcp

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolmesh/toolmesh/pkg/models"
)

// HandleNotify is the webhook that propagates catalog changes: it
// invalidates the tenant's tool cache and fans a tools/list_changed
// notification out to every live session of the calling agent.
//
// A JSON body is treated as a JSON-RPC notification object (method
// defaulting to notifications/tools/list_changed); any other body is
// wrapped as an opaque payload and forwarded as-is.
func (gw *Gateway) HandleNotify(w http.ResponseWriter, r *http.Request) {
	identity, _, err := gw.authenticate(r.Context(), r.Header)
	if err != nil {
		gw.writeAuthFailure(w, err)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	method := "notifications/tools/list_changed"
	var received interface{}

	var parsed map[string]interface{}
	if len(body) > 0 && json.Unmarshal(body, &parsed) == nil {
		received = parsed
		if m, ok := parsed["method"].(string); ok && m != "" {
			method = m
		}
	} else {
		received = models.RawNotification{
			RawBody:     string(body),
			ContentType: r.Header.Get("Content-Type"),
			Timestamp:   time.Now().UTC(),
		}
	}

	// Invalidation wins the race with in-flight listings: the next
	// tools/list refetches from the catalog.
	gw.tools.Invalidate(identity.TenantName)

	notification := models.MCPNotification{
		Jsonrpc: "2.0",
		Method:  method,
		Params:  received,
	}
	attempted, failed := gw.streams.NotifyToolsChanged(identity.AgentID, notification)

	log.Info().
		Str("agent", identity.AgentID).
		Str("tenant", identity.TenantName).
		Int("sessions", attempted).
		Int("failed", failed).
		Msg("notify webhook processed")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(models.NotifyAck{
		Status:       "success",
		Message:      "notification dispatched",
		AgentID:      identity.AgentID,
		DataReceived: received,
	})
}

// HandleProtectedResourceMetadata serves the RFC 9728 OAuth protected
// resource metadata for the SSE endpoint.
func (gw *Gateway) HandleProtectedResourceMetadata(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	json.NewEncoder(w).Encode(models.ProtectedResourceMetadata{
		Resource:               gw.cfg.Auth.ResourceURL,
		AuthorizationServers:   []string{gw.cfg.Auth.OIDCIssuer},
		BearerMethodsSupported: []string{"header"},
	})
}
