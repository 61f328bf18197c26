// Package catalog is the HTTP client to the external tool-catalog API. It
// resolves which tool definitions an agent may see; the role→domain→
// capability→tool chain is resolved server-side by the catalog.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/toolmesh/toolmesh/internal/config"
	"github.com/toolmesh/toolmesh/internal/tenant"
)

// Error reports an unreachable or misbehaving catalog. The tools/list
// handler degrades to an empty list on this error rather than failing the
// session.
type Error struct {
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("catalog: %v", e.Err)
	}
	return fmt.Sprintf("catalog: HTTP %d", e.Status)
}

func (e *Error) Unwrap() error { return e.Err }

// Client talks to the catalog's search endpoint.
type Client struct {
	baseURL    string
	client     *http.Client
	maxRetries int
}

// NewClient creates the catalog client around a shared HTTP client. The
// catalog's own timeout budget overrides the shared client's when set.
func NewClient(cfg config.CatalogConfig, client *http.Client) *Client {
	if cfg.HTTPTimeout > 0 && client.Timeout != cfg.HTTPTimeout {
		scoped := *client
		scoped.Timeout = cfg.HTTPTimeout
		client = &scoped
	}
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.URL, "/"),
		client:     client,
		maxRetries: cfg.MaxRetries,
	}
}

// Search returns the tool definitions visible to the calling agent.
//
// Tenant isolation is enforced by the catalog, but the client always passes
// the caller's resolved tenant — never a value from the request body.
// Malformed entries are skipped with a warning rather than failing the
// whole listing.
func (c *Client) Search(ctx context.Context, tenantName string, sec tenant.SecHeaders, q SearchQuery) ([]ToolDefinition, error) {
	params := url.Values{}
	params.Set("tenant", tenantName)
	if q.Cursor != "" {
		params.Set("cursor", q.Cursor)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if f := q.Filter; f != nil {
		setIf(params, "role", f.Role)
		setIf(params, "domain", f.Domain)
		setIf(params, "capability", f.Capability)
		setIf(params, "skill", f.Skill)
	}
	if q.Query != "" {
		params.Set("query", q.Query)
		params.Set("k", strconv.Itoa(clampK(q.K)))
	}

	u := c.baseURL + "/api/v1/tools/search?" + params.Encode()
	body, err := c.getWithRetry(ctx, u, sec)
	if err != nil {
		return nil, err
	}

	var page struct {
		Tools []json.RawMessage `json:"tools"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, &Error{Err: fmt.Errorf("decode search response: %w", err)}
	}

	defs := make([]ToolDefinition, 0, len(page.Tools))
	for _, raw := range page.Tools {
		def, err := ParseToolDefinition(raw)
		if err != nil {
			log.Warn().Err(err).Str("tenant", tenantName).Msg("skipping malformed catalog entry")
			continue
		}
		defs = append(defs, *def)
	}
	return defs, nil
}

// getWithRetry performs an idempotent GET with bounded exponential backoff.
// Transport errors and 5xx responses are retried; 4xx responses are not.
func (c *Client) getWithRetry(ctx context.Context, u string, sec tenant.SecHeaders) ([]byte, error) {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(200*time.Millisecond),
		backoff.WithMaxInterval(2*time.Second),
	), uint64(c.maxRetries)), ctx)

	var body []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return backoff.Permanent(&Error{Err: err})
		}
		sec.Apply(req)
		req.Header.Set("Accept", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return &Error{Err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return &Error{Status: resp.StatusCode}
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return backoff.Permanent(&Error{Status: resp.StatusCode})
		}
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return &Error{Err: fmt.Errorf("read search response: %w", err)}
		}
		return nil
	}

	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return body, nil
}

func setIf(params url.Values, key, val string) {
	if val != "" {
		params.Set(key, val)
	}
}

func clampK(k int) int {
	if k < 1 {
		return 1
	}
	if k > 100 {
		return 100
	}
	return k
}
