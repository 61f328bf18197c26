package mcp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/toolmesh/toolmesh/pkg/models"
)

// sseClient consumes one live event stream.
type sseClient struct {
	t    *testing.T
	resp *http.Response
	rd   *bufio.Reader
}

func dialSSE(t *testing.T, baseURL string) *sseClient {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, baseURL+"/sse", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Agent-ID", "agent-1")
	req.Header.Set("X-Tenant", "acme")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open SSE stream: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("SSE status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}
	return &sseClient{t: t, resp: resp, rd: bufio.NewReader(resp.Body)}
}

// next reads one SSE event, skipping keepalive comments.
func (c *sseClient) next() (name, data string) {
	c.t.Helper()
	for {
		line, err := c.rd.ReadString('\n')
		if err != nil {
			c.t.Fatalf("read SSE stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if name != "" || data != "" {
				return name, data
			}
		case strings.HasPrefix(line, ":"):
			// keepalive comment
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func postJSON(t *testing.T, url string, body []byte) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func newSSETestServer(t *testing.T, gw *Gateway) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/sse", gw.HandleSSE)
	mux.HandleFunc("/messages/", gw.HandleMessages)
	mux.HandleFunc("/notify", gw.HandleNotify)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestSSE_HandshakeAndRoundTrip(t *testing.T) {
	gw := newTestGateway(t, &fakeSearcher{})
	srv := newSSETestServer(t, gw)

	client := dialSSE(t, srv.URL)

	// The first event names the POST endpoint bound to this session.
	name, data := client.next()
	if name != "endpoint" {
		t.Fatalf("first event = %q, want endpoint", name)
	}
	if !strings.HasPrefix(data, "/messages/?session_id=") {
		t.Fatalf("endpoint data = %q", data)
	}
	u, err := url.Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	sessionID := u.Query().Get("session_id")
	if sessionID == "" {
		t.Fatal("endpoint event carries no session_id")
	}

	// The JSON-RPC response travels back over the stream, not the POST.
	body, _ := json.Marshal(models.MCPRequest{Jsonrpc: "2.0", Method: "ping", ID: 42})
	resp := postJSON(t, srv.URL+data, body)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST status = %d, want 202", resp.StatusCode)
	}

	name, data = client.next()
	if name != "message" {
		t.Fatalf("event = %q, want message", name)
	}
	var rpcResp models.MCPResponse
	if err := json.Unmarshal([]byte(data), &rpcResp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if rpcResp.Error != nil {
		t.Fatalf("response error = %+v", rpcResp.Error)
	}
	if id, ok := rpcResp.ID.(float64); !ok || id != 42 {
		t.Errorf("response ID = %v, want 42", rpcResp.ID)
	}
}

func TestSSE_ClientSuppliedSessionID(t *testing.T) {
	gw := newTestGateway(t, &fakeSearcher{})
	srv := newSSETestServer(t, gw)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/sse?session_id=my-session", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	rd := bufio.NewReader(resp.Body)
	c := &sseClient{t: t, resp: resp, rd: rd}
	_, data := c.next()
	if !strings.Contains(data, "session_id=my-session") {
		t.Errorf("endpoint data = %q, want client-supplied session id", data)
	}
}

func TestMessages_RequiresKnownSession(t *testing.T) {
	gw := newTestGateway(t, &fakeSearcher{})
	srv := newSSETestServer(t, gw)

	body, _ := json.Marshal(models.MCPRequest{Jsonrpc: "2.0", Method: "ping", ID: 1})

	resp := postJSON(t, srv.URL+"/messages/?session_id=ghost", body)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/messages/", body)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing session_id status = %d, want 400", resp.StatusCode)
	}
}

func TestMessages_MalformedJSONBecomesParseErrorOnStream(t *testing.T) {
	gw := newTestGateway(t, &fakeSearcher{})
	srv := newSSETestServer(t, gw)

	client := dialSSE(t, srv.URL)
	_, endpoint := client.next()

	resp := postJSON(t, srv.URL+endpoint, []byte("{not json"))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST status = %d, want 202", resp.StatusCode)
	}

	_, data := client.next()
	var rpcResp models.MCPResponse
	if err := json.Unmarshal([]byte(data), &rpcResp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if rpcResp.Error == nil || rpcResp.Error.Code != models.RPCParseError {
		t.Errorf("response = %+v, want parse error", rpcResp)
	}
}

func TestSSE_NotificationReachesLiveSession(t *testing.T) {
	gw := newTestGateway(t, &fakeSearcher{})
	srv := newSSETestServer(t, gw)

	client := dialSSE(t, srv.URL)
	client.next() // consume the endpoint event

	// Wait for the stream registration to land before notifying.
	deadline := time.Now().Add(time.Second)
	for gw.streams.SessionCount("agent-1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/notify", bytes.NewReader(nil))
	req.Header.Set("X-Agent-ID", "agent-1")
	req.Header.Set("X-Tenant", "acme")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	name, data := client.next()
	if name != "message" {
		t.Fatalf("event = %q, want message", name)
	}
	var n models.MCPNotification
	if err := json.Unmarshal([]byte(data), &n); err != nil {
		t.Fatal(err)
	}
	if n.Method != "notifications/tools/list_changed" {
		t.Errorf("method = %q, want notifications/tools/list_changed", n.Method)
	}
}
