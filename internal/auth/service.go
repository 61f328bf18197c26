// Package auth validates bearer JWTs against tenant-scoped Keycloak realms
// and resolves the effective acting identity for a request.
//
// JWKS documents are fetched per realm and cached with auto-refresh, so a
// burst of requests does not stampede the identity provider.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/rs/zerolog/log"

	"github.com/toolmesh/toolmesh/internal/config"
)

// expectedAudience is the audience Keycloak stamps on access tokens.
const expectedAudience = "account"

// Header names consumed by Validate.
const (
	HeaderTenant  = "X-Tenant"
	HeaderAgentID = "X-Agent-ID"
)

// OwnershipOracle answers "may this human operate this agent in this
// tenant". It is an external IAM lookup injected by the composition root.
type OwnershipOracle func(ctx context.Context, username, agentID, tenant, bearer string) (bool, error)

// Service validates tokens and derives resolved identities.
type Service struct {
	iamURL         string
	validateIssuer bool
	oracle         OwnershipOracle

	jwks *jwk.Cache

	// Lazy per-realm JWKS registration.
	regMu      sync.Mutex
	registered map[string]error
}

// NewService creates the auth service. The oracle may be nil, in which case
// human-via-agent requests are rejected.
func NewService(ctx context.Context, cfg config.AuthConfig, client *http.Client, oracle OwnershipOracle) (*Service, error) {
	httprcClient := httprc.NewClient(httprc.WithHTTPClient(client))
	cache, err := jwk.NewCache(ctx, httprcClient)
	if err != nil {
		return nil, fmt.Errorf("create JWKS cache: %w", err)
	}
	return &Service{
		iamURL:         strings.TrimSuffix(cfg.IAMURL, "/"),
		validateIssuer: cfg.ValidateIssuer,
		oracle:         oracle,
		jwks:           cache,
		registered:     make(map[string]error),
	}, nil
}

// jwksURL returns the Keycloak JWKS endpoint for a tenant realm.
func (s *Service) jwksURL(tenant string) string {
	return fmt.Sprintf("%s/realms/%s/protocol/openid-connect/certs", s.iamURL, tenant)
}

// issuerURL returns the expected iss claim for a tenant realm.
func (s *Service) issuerURL(tenant string) string {
	return fmt.Sprintf("%s/realms/%s", s.iamURL, tenant)
}

// ensureRealmRegistered registers the realm's JWKS URL with the cache on
// first use. Registration is attempted once per realm; a failed attempt is
// retried on the next request rather than cached forever.
func (s *Service) ensureRealmRegistered(ctx context.Context, url string) error {
	s.regMu.Lock()
	defer s.regMu.Unlock()

	if err, ok := s.registered[url]; ok && err == nil {
		return nil
	}

	regCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := s.jwks.Register(regCtx, url)
	if err != nil {
		delete(s.registered, url)
		return fmt.Errorf("register JWKS URL %s: %w", url, err)
	}
	s.registered[url] = nil
	return nil
}

// keyFor resolves the signing key for a parsed token header against the
// tenant realm's JWKS.
func (s *Service) keyFor(ctx context.Context, tenant string, token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, newError(KindInvalid, fmt.Sprintf("unexpected signing method %v", token.Header["alg"]), nil)
	}
	kid, ok := token.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, newError(KindInvalid, "token header missing kid", nil)
	}

	url := s.jwksURL(tenant)
	if err := s.ensureRealmRegistered(ctx, url); err != nil {
		return nil, newError(KindUnavailable, "identity provider unreachable", err)
	}
	keySet, err := s.jwks.Lookup(ctx, url)
	if err != nil {
		return nil, newError(KindUnavailable, "JWKS lookup failed", err)
	}

	key, found := keySet.LookupKeyID(kid)
	if !found {
		return nil, newError(KindUnknownKey, fmt.Sprintf("key %s not found in realm %s", kid, tenant), nil)
	}
	var raw interface{}
	if err := jwk.Export(key, &raw); err != nil {
		return nil, newError(KindInvalid, "export JWKS key", err)
	}
	return raw, nil
}

// Validate checks the bearer token in headers against the tenant realm's
// JWKS and derives the effective acting identity.
func (s *Service) Validate(ctx context.Context, headers http.Header) (*ResolvedIdentity, error) {
	tenant := strings.TrimSpace(headers.Get(HeaderTenant))
	if tenant == "" {
		return nil, newError(KindMissingHeader, "missing X-Tenant header", nil)
	}
	bearer, err := BearerToken(headers)
	if err != nil {
		return nil, err
	}

	claims, err := s.decode(ctx, tenant, bearer)
	if err != nil {
		return nil, err
	}

	identity, err := s.resolve(ctx, tenant, bearer, claims, strings.TrimSpace(headers.Get(HeaderAgentID)))
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("tenant", identity.TenantName).
		Str("agent", identity.AgentID).
		Str("user_type", claims.UserType).
		Msg("identity resolved")
	return identity, nil
}

// BearerToken extracts the bearer token from the Authorization header.
func BearerToken(headers http.Header) (string, error) {
	authz := headers.Get("Authorization")
	if authz == "" {
		return "", newError(KindMissingHeader, "missing Authorization header", nil)
	}
	if !strings.HasPrefix(authz, "Bearer ") {
		return "", newError(KindInvalid, "Authorization header is not a bearer token", nil)
	}
	return strings.TrimPrefix(authz, "Bearer "), nil
}

// decode parses and verifies the token, returning the claims the gateway
// needs. Issuer validation is gated by config (see config.AuthConfig).
func (s *Service) decode(ctx context.Context, tenant, bearer string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithAudience(expectedAudience),
		jwt.WithExpirationRequired(),
	}
	if s.validateIssuer {
		opts = append(opts, jwt.WithIssuer(s.issuerURL(tenant)))
	}

	token, err := jwt.Parse(bearer, func(t *jwt.Token) (interface{}, error) {
		return s.keyFor(ctx, tenant, t)
	}, opts...)
	if err != nil {
		var ae *Error
		if errors.As(err, &ae) {
			return nil, ae
		}
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, newError(KindExpired, "token expired", err)
		}
		return nil, newError(KindInvalid, "token validation failed", err)
	}

	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, newError(KindInvalid, "unexpected claims type", nil)
	}
	return &Claims{
		Subject:    str(mc, "sub"),
		Username:   str(mc, "preferred_username"),
		UserType:   str(mc, "user_type"),
		ClientType: str(mc, "client_type"),
		Scope:      str(mc, "scope"),
		AZP:        str(mc, "azp"),
	}, nil
}

// resolve derives the acting identity from claims per the platform's
// identity rules: agents act as themselves, humans act through an agent
// they own, and agent-typed clients act as their authorized party.
func (s *Service) resolve(ctx context.Context, tenant, bearer string, c *Claims, xAgentID string) (*ResolvedIdentity, error) {
	switch {
	case c.UserType == "agent":
		return &ResolvedIdentity{AgentID: c.Username, TenantName: tenant, Scope: c.Scope}, nil

	case c.UserType == "human" && xAgentID != "":
		if s.oracle == nil {
			return nil, newError(KindForbidden, "no agent ownership oracle configured", nil)
		}
		ok, err := s.oracle(ctx, c.Username, xAgentID, tenant, bearer)
		if err != nil {
			return nil, newError(KindUnavailable, "agent ownership lookup failed", err)
		}
		if !ok {
			return nil, newError(KindForbidden, fmt.Sprintf("user %s may not operate agent %s", c.Username, xAgentID), nil)
		}
		return &ResolvedIdentity{AgentID: xAgentID, TenantName: tenant, Scope: c.Scope}, nil

	case c.ClientType == "agent":
		return &ResolvedIdentity{AgentID: c.AZP, TenantName: tenant, Scope: c.Scope}, nil

	default:
		return nil, newError(KindForbidden, "token does not identify an agent or an agent-operating user", nil)
	}
}

func str(m jwt.MapClaims, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
