package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/toolmesh/toolmesh/internal/auth"
	"github.com/toolmesh/toolmesh/internal/streams"
	"github.com/toolmesh/toolmesh/internal/tenant"
	"github.com/toolmesh/toolmesh/pkg/models"
)

// keepaliveInterval keeps proxies from idle-closing quiet SSE streams.
const keepaliveInterval = 15 * time.Second

// sessionBuffer bounds queued outbound events per session. A client that
// stops reading loses notifications rather than blocking the gateway.
const sessionBuffer = 32

var errSessionClosed = errors.New("session closed")

type sseEvent struct {
	name string
	data []byte
}

// sseSession is one open SSE duplex connection. The write side doubles as
// the streams.StreamWriter used for notification fan-out.
type sseSession struct {
	id       string
	identity *auth.ResolvedIdentity
	bearer   string
	sec      tenant.SecHeaders

	out       chan sseEvent
	closed    chan struct{}
	closeOnce sync.Once

	// dispatchMu serializes JSON-RPC processing so responses keep receipt
	// order within the session.
	dispatchMu sync.Mutex
}

var _ streams.StreamWriter = (*sseSession)(nil)

func newSSESession(id string, identity *auth.ResolvedIdentity, bearer string, sec tenant.SecHeaders) *sseSession {
	return &sseSession{
		id:       id,
		identity: identity,
		bearer:   bearer,
		sec:      sec,
		out:      make(chan sseEvent, sessionBuffer),
		closed:   make(chan struct{}),
	}
}

func (s *sseSession) enqueue(name string, data []byte) error {
	select {
	case <-s.closed:
		return errSessionClosed
	default:
	}
	select {
	case s.out <- sseEvent{name: name, data: data}:
		return nil
	case <-s.closed:
		return errSessionClosed
	default:
		// Drop rather than block the sender on a slow client.
		return fmt.Errorf("session %s: event buffer full", s.id)
	}
}

// Send pushes a server-initiated notification onto the stream.
func (s *sseSession) Send(n models.MCPNotification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	return s.enqueue("message", data)
}

// Close is idempotent and safe under concurrent teardown.
func (s *sseSession) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// HandleSSE establishes the long-lived SSE channel: authenticates, verifies
// tenant membership, registers the stream and serves events until the
// client disconnects.
func (gw *Gateway) HandleSSE(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	identity, bearer, err := gw.authenticate(ctx, r.Header)
	if err != nil {
		gw.writeAuthFailure(w, err)
		return
	}

	if gw.cfg.Auth.Enabled {
		ok, err := gw.tenants.ValidateTenant(ctx, identity, bearer)
		if err != nil {
			http.Error(w, "tenant validation unavailable", http.StatusBadGateway)
			return
		}
		if !ok {
			http.Error(w, "agent is not a member of this tenant", http.StatusForbidden)
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	sess := newSSESession(sessionID, identity, bearer, gw.tenants.SecHeaders(identity, bearer))

	gw.sessMu.Lock()
	gw.sessions[sessionID] = sess
	gw.sessMu.Unlock()
	gw.streams.Register(identity.AgentID, sessionID, sess)

	// Single teardown path: runs exactly once regardless of which side
	// detects the disconnect first.
	defer func() {
		sess.Close()
		gw.streams.Unregister(identity.AgentID, sessionID)
		gw.sessMu.Lock()
		delete(gw.sessions, sessionID)
		gw.sessMu.Unlock()
		log.Info().Str("session", sessionID).Str("agent", identity.AgentID).Msg("SSE session closed")
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// The split-transport handshake: tell the client where to POST its
	// JSON-RPC messages.
	fmt.Fprintf(w, "event: endpoint\ndata: /messages/?session_id=%s\n\n", sessionID)
	flusher.Flush()

	log.Info().
		Str("session", sessionID).
		Str("agent", identity.AgentID).
		Str("tenant", identity.TenantName).
		Msg("SSE session established")

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.closed:
			return
		case ev := <-sess.out:
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, ev.data)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// HandleMessages is the client→server half of the split SSE transport.
// The JSON-RPC response travels back over the session's SSE stream; the
// POST itself is acknowledged with 202.
func (gw *Gateway) HandleMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id query parameter required", http.StatusBadRequest)
		return
	}

	gw.sessMu.Lock()
	sess, ok := gw.sessions[sessionID]
	gw.sessMu.Unlock()
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	// When authorization is on, the POST must carry credentials resolving
	// to the same agent that owns the session.
	if gw.cfg.Auth.Enabled {
		identity, _, err := gw.authenticate(r.Context(), r.Header)
		if err != nil {
			gw.writeAuthFailure(w, err)
			return
		}
		if identity.AgentID != sess.identity.AgentID || identity.TenantName != sess.identity.TenantName {
			http.Error(w, "session belongs to a different identity", http.StatusForbidden)
			return
		}
	}

	var req models.MCPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp := rpcError(nil, models.RPCParseError, "Parse error", err.Error())
		data, _ := json.Marshal(resp)
		if err := sess.enqueue("message", data); err != nil {
			http.Error(w, "malformed JSON-RPC message", http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	// Requests on one session are processed in receipt order.
	sess.dispatchMu.Lock()
	resp := gw.HandleJSONRPC(r.Context(), sess, &req)
	if resp != nil {
		data, err := json.Marshal(resp)
		if err == nil {
			if err := sess.enqueue("message", data); err != nil {
				log.Warn().Err(err).Str("session", sessionID).Msg("response delivery failed")
			}
		}
	}
	sess.dispatchMu.Unlock()

	w.WriteHeader(http.StatusAccepted)
}
