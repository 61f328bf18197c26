// Package sessions provides in-memory session management for multi-turn
// conversations with agents. Each session owns an agent runtime instance
// checkpointed by thread ID and, optionally, a long-lived MCP connection
// that must outlive the HTTP request that created it.
package sessions

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// AgentRuntime is one bound conversational agent. The reasoning loop itself
// is external; the manager only owns its lifetime.
type AgentRuntime interface {
	Invoke(ctx context.Context, threadID, message string) (string, error)
}

// RuntimeFactory builds a runtime for a new session. The returned closer
// (may be nil) is any connection the runtime holds open for the session's
// lifetime; the manager tears it down on delete.
type RuntimeFactory func(ctx context.Context, agentID, threadID string) (AgentRuntime, io.Closer, error)

// ChatSession is one user's conversation with one agent.
type ChatSession struct {
	ID           string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	AgentID      string    `json:"agent_id"`
	ThreadID     string    `json:"thread_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`

	Runtime AgentRuntime `json:"-"`
	conn    io.Closer
}

// snapshot copies the session for return to callers. The manager mutates
// LastAccessed on the live record under its mutex, so handlers must never
// see the live pointer. Callers must hold the mutex.
func (s *ChatSession) snapshot() *ChatSession {
	c := *s
	c.conn = nil
	return &c
}

// Manager owns the session map. The mutex guards map access only; runtime
// construction, agent invocation and connection teardown all happen outside
// the critical section.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*ChatSession

	factory       RuntimeFactory
	idleTimeout   time.Duration
	sweepInterval time.Duration

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewManager creates a session manager. Call Start to launch the idle sweep.
func NewManager(factory RuntimeFactory, idleTimeout, sweepInterval time.Duration) *Manager {
	return &Manager{
		sessions:      make(map[string]*ChatSession),
		factory:       factory,
		idleTimeout:   idleTimeout,
		sweepInterval: sweepInterval,
		done:          make(chan struct{}),
	}
}

// Create allocates a session with fresh session and thread IDs and binds a
// newly built runtime.
func (m *Manager) Create(ctx context.Context, userID, agentID string) (*ChatSession, error) {
	threadID := uuid.New().String()

	runtime, conn, err := m.factory(ctx, agentID, threadID)
	if err != nil {
		return nil, fmt.Errorf("build agent runtime: %w", err)
	}

	now := time.Now().UTC()
	session := &ChatSession{
		ID:           uuid.New().String(),
		UserID:       userID,
		AgentID:      agentID,
		ThreadID:     threadID,
		CreatedAt:    now,
		LastAccessed: now,
		Runtime:      runtime,
		conn:         conn,
	}

	m.mu.Lock()
	m.sessions[session.ID] = session
	out := session.snapshot()
	m.mu.Unlock()

	log.Info().
		Str("session", session.ID).
		Str("user", userID).
		Str("agent", agentID).
		Msg("chat session created")
	return out, nil
}

// Get returns a copy of the session and bumps last_accessed. A session idle
// beyond the timeout is evicted and reported as absent.
func (m *Manager) Get(sessionID string) (*ChatSession, bool) {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, false
	}
	if time.Since(session.LastAccessed) > m.idleTimeout {
		delete(m.sessions, sessionID)
		m.mu.Unlock()
		m.teardown(session)
		return nil, false
	}
	session.LastAccessed = time.Now().UTC()
	out := session.snapshot()
	m.mu.Unlock()
	return out, true
}

// ListForUser returns copies of the user's live sessions, without touching
// them.
func (m *Manager) ListForUser(userID string) []*ChatSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ChatSession
	for _, s := range m.sessions {
		if s.UserID == userID && time.Since(s.LastAccessed) <= m.idleTimeout {
			out = append(out, s.snapshot())
		}
	}
	return out
}

// Delete removes a session and tears down any held connection. Must not
// raise if the sub-resource is already closed.
func (m *Manager) Delete(sessionID string) {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if ok {
		m.teardown(session)
		log.Info().Str("session", sessionID).Msg("chat session deleted")
	}
}

func (m *Manager) teardown(session *ChatSession) {
	if session.conn == nil {
		return
	}
	if err := session.conn.Close(); err != nil {
		log.Debug().Err(err).Str("session", session.ID).Msg("session connection close")
	}
}

// Start launches the periodic idle sweep. Cancellable via Stop or the
// parent context; loop-body panics are caught so the sweep never dies.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.safeSweep()
			}
		}
	}()
}

func (m *Manager) safeSweep() {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("session sweep panicked")
		}
	}()
	if n := m.Sweep(); n > 0 {
		log.Info().Int("sessions", n).Msg("idle sessions swept")
	}
}

// Sweep removes all sessions idle beyond the timeout and returns how many
// were removed.
func (m *Manager) Sweep() int {
	cutoff := time.Now().UTC().Add(-m.idleTimeout)

	m.mu.Lock()
	var expired []*ChatSession
	for id, s := range m.sessions {
		if s.LastAccessed.Before(cutoff) {
			delete(m.sessions, id)
			expired = append(expired, s)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		m.teardown(s)
	}
	return len(expired)
}

// Stop cancels the sweep loop and waits for it to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
			<-m.done
		}
	})
}
