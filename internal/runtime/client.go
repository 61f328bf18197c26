// Package runtime is the HTTP client to the external agent-runtime
// service. The reasoning loop (tool selection, model invocation) lives
// there; the gateway only brokers conversational turns, keyed by thread ID
// so multi-turn state persists across calls.
package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/toolmesh/toolmesh/internal/sessions"
)

// Client invokes one agent through the runtime service.
type Client struct {
	baseURL string
	agentID string
	client  *http.Client
}

// Factory returns a sessions.RuntimeFactory that binds each new chat
// session to an agent on the runtime service. The factory performs no I/O;
// the runtime connection is request-scoped on the service side.
func Factory(baseURL string, client *http.Client) sessions.RuntimeFactory {
	base := strings.TrimSuffix(baseURL, "/")
	return func(_ context.Context, agentID, _ string) (sessions.AgentRuntime, io.Closer, error) {
		return &Client{baseURL: base, agentID: agentID, client: client}, nil, nil
	}
}

type invokeRequest struct {
	AgentID  string `json:"agent_id"`
	ThreadID string `json:"thread_id"`
	Message  string `json:"message"`
}

type invokeResponse struct {
	Reply string `json:"reply"`
}

// Invoke runs one conversational turn.
func (c *Client) Invoke(ctx context.Context, threadID, message string) (string, error) {
	body, err := json.Marshal(invokeRequest{
		AgentID:  c.agentID,
		ThreadID: threadID,
		Message:  message,
	})
	if err != nil {
		return "", fmt.Errorf("encode invoke request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/invoke", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build invoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("agent runtime unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("agent runtime returned HTTP %d", resp.StatusCode)
	}
	var out invokeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode invoke response: %w", err)
	}
	return out.Reply, nil
}
