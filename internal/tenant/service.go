// Package tenant assembles the tenant-scoped security context forwarded to
// downstream services and fetches per-provider and per-application secrets
// from the external credential store.
package tenant

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/toolmesh/toolmesh/internal/auth"
	"github.com/toolmesh/toolmesh/internal/config"
)

// SecHeaders is the security header set forwarded on every downstream call.
// Values derive solely from the validated identity, never from raw client
// input.
type SecHeaders struct {
	Tenant        string
	AgentID       string
	Authorization string
}

// Apply stamps the headers onto an outbound request.
func (h SecHeaders) Apply(req *http.Request) {
	req.Header.Set("X-Tenant", h.Tenant)
	req.Header.Set("X-Agent-ID", h.AgentID)
	req.Header.Set("Authorization", h.Authorization)
}

// Service talks to the credential store and IAM for tenant-scoped lookups.
type Service struct {
	credStoreURL string
	iamURL       string
	client       *http.Client
}

// NewService creates the tenant service around a shared HTTP client.
func NewService(cfg config.AuthConfig, client *http.Client) *Service {
	return &Service{
		credStoreURL: strings.TrimSuffix(cfg.CredStoreURL, "/"),
		iamURL:       strings.TrimSuffix(cfg.IAMURL, "/"),
		client:       client,
	}
}

// SecHeaders projects a resolved identity plus the caller's bearer token
// into the downstream header set. Pure, no I/O.
func (s *Service) SecHeaders(identity *auth.ResolvedIdentity, bearer string) SecHeaders {
	return SecHeaders{
		Tenant:        identity.TenantName,
		AgentID:       identity.AgentID,
		Authorization: "Bearer " + bearer,
	}
}

// ProviderToken fetches the agent's OAuth token for an external provider.
// A missing token is not an error: the tool is called unauthenticated to
// that provider and the upstream 401 surfaces as a reauthorize prompt.
func (s *Service) ProviderToken(ctx context.Context, agentID, bearer, tenantName, provider string) (map[string]string, error) {
	u := fmt.Sprintf("%s/tenants/%s/agents/%s/providers/%s/token",
		s.credStoreURL, url.PathEscape(tenantName), url.PathEscape(agentID), url.PathEscape(provider))
	return s.fetchSecretMap(ctx, u, bearer)
}

// AppKeys fetches API-key secrets scoped to an application name. Same
// absence contract as ProviderToken.
func (s *Service) AppKeys(ctx context.Context, agentID, bearer, tenantName, appName string) (map[string]string, error) {
	u := fmt.Sprintf("%s/tenants/%s/agents/%s/apps/%s/keys",
		s.credStoreURL, url.PathEscape(tenantName), url.PathEscape(agentID), url.PathEscape(appName))
	return s.fetchSecretMap(ctx, u, bearer)
}

// UserOwnsAgent answers whether a human user is entitled to operate an
// agent in a tenant. Wired into the auth service as its ownership oracle.
func (s *Service) UserOwnsAgent(ctx context.Context, username, agentID, tenantName, bearer string) (bool, error) {
	u := fmt.Sprintf("%s/tenants/%s/users/%s/agents/%s",
		s.credStoreURL, url.PathEscape(tenantName), url.PathEscape(username), url.PathEscape(agentID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, fmt.Errorf("build ownership lookup: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := s.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("ownership lookup: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusForbidden:
		return false, nil
	default:
		return false, fmt.Errorf("ownership lookup returned HTTP %d", resp.StatusCode)
	}
}

// ValidateTenant confirms the resolved agent actually exists in the named
// tenant. Used as a precondition before opening an SSE session.
func (s *Service) ValidateTenant(ctx context.Context, identity *auth.ResolvedIdentity, bearer string) (bool, error) {
	u := fmt.Sprintf("%s/tenants/%s/agents/%s",
		s.credStoreURL, url.PathEscape(identity.TenantName), url.PathEscape(identity.AgentID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, fmt.Errorf("build tenant lookup: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := s.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("tenant lookup: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("tenant lookup returned HTTP %d", resp.StatusCode)
	}
}

func (s *Service) fetchSecretMap(ctx context.Context, u, bearer string) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build secret lookup: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("secret lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return map[string]string{}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("secret lookup returned HTTP %d", resp.StatusCode)
	}

	secrets := map[string]string{}
	if err := json.NewDecoder(resp.Body).Decode(&secrets); err != nil {
		log.Warn().Err(err).Msg("credential store returned malformed JSON")
		return nil, fmt.Errorf("decode secret response: %w", err)
	}
	return secrets, nil
}
