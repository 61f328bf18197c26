// Package streams tracks the live SSE sessions of each agent so catalog
// change notifications can be fanned out to every open connection.
package streams

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolmesh/toolmesh/pkg/models"
)

// StreamWriter is the write side of one SSE session. Implementations must
// tolerate Send after Close (return an error, never panic).
type StreamWriter interface {
	Send(msg models.MCPNotification) error
	Close() error
}

type registration struct {
	writer    StreamWriter
	createdAt time.Time
}

// Registry maps agent-id → {session-id → stream}. One agent may hold zero,
// one, or many simultaneously open sessions; fan-out reaches all of them.
//
// All mutation happens under one mutex; stream writes happen outside the
// critical section so a slow client cannot block registration.
type Registry struct {
	mu      sync.Mutex
	streams map[string]map[string]registration
}

// NewRegistry creates an empty stream registry.
func NewRegistry() *Registry {
	return &Registry{streams: make(map[string]map[string]registration)}
}

// Register adds a session's write stream under its agent.
func (r *Registry) Register(agentID, sessionID string, w StreamWriter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions, ok := r.streams[agentID]
	if !ok {
		sessions = make(map[string]registration)
		r.streams[agentID] = sessions
	}
	sessions[sessionID] = registration{writer: w, createdAt: time.Now()}
	log.Debug().Str("agent", agentID).Str("session", sessionID).Msg("stream registered")
}

// Unregister removes a session. Idempotent: safe to call on already-removed
// entries, e.g. when both stream sides detect a disconnect.
func (r *Registry) Unregister(agentID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions, ok := r.streams[agentID]
	if !ok {
		return
	}
	if _, ok := sessions[sessionID]; !ok {
		return
	}
	delete(sessions, sessionID)
	if len(sessions) == 0 {
		delete(r.streams, agentID)
	}
	log.Debug().Str("agent", agentID).Str("session", sessionID).Msg("stream unregistered")
}

// SessionCount returns how many sessions an agent currently holds.
func (r *Registry) SessionCount(agentID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams[agentID])
}

// NotifyToolsChanged writes the notification to every session registered for
// the agent. A failed write on one stream is logged and does not abort
// delivery to the remaining sessions. Returns attempted and failed counts.
func (r *Registry) NotifyToolsChanged(agentID string, n models.MCPNotification) (attempted, failed int) {
	r.mu.Lock()
	targets := make(map[string]StreamWriter, len(r.streams[agentID]))
	for sessionID, reg := range r.streams[agentID] {
		targets[sessionID] = reg.writer
	}
	r.mu.Unlock()

	for sessionID, w := range targets {
		attempted++
		if err := w.Send(n); err != nil {
			failed++
			log.Warn().
				Err(err).
				Str("agent", agentID).
				Str("session", sessionID).
				Msg("notification delivery failed, continuing fan-out")
		}
	}
	if attempted > 0 {
		log.Info().
			Str("agent", agentID).
			Str("method", n.Method).
			Int("sessions", attempted).
			Int("failed", failed).
			Msg("tools/list_changed fan-out")
	}
	return attempted, failed
}

// Cleanup closes every registered stream. Called at process shutdown; never
// raises.
func (r *Registry) Cleanup() {
	r.mu.Lock()
	var writers []StreamWriter
	for _, sessions := range r.streams {
		for _, reg := range sessions {
			writers = append(writers, reg.writer)
		}
	}
	r.streams = make(map[string]map[string]registration)
	r.mu.Unlock()

	for _, w := range writers {
		if err := w.Close(); err != nil {
			log.Debug().Err(err).Msg("stream close during cleanup")
		}
	}
}
