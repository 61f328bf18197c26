package auth_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/toolmesh/toolmesh/internal/auth"
	"github.com/toolmesh/toolmesh/internal/config"
)

const testKID = "test-key-1"

// testIdP is a fake Keycloak serving one RSA key per realm.
type testIdP struct {
	key *rsa.PrivateKey
	srv *httptest.Server
}

func newTestIdP(t *testing.T) *testIdP {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}

	jwks := map[string]any{
		"keys": []map[string]string{{
			"kty": "RSA",
			"kid": testKID,
			"use": "sig",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/realms/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(jwks)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testIdP{key: key, srv: srv}
}

// token signs a JWT with the IdP's key. Extra claims overlay the defaults.
func (idp *testIdP) token(t *testing.T, extra jwt.MapClaims) string {
	t.Helper()
	claims := jwt.MapClaims{
		"aud": "account",
		"exp": time.Now().Add(time.Hour).Unix(),
		"iat": time.Now().Unix(),
	}
	for k, v := range extra {
		claims[k] = v
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = testKID
	signed, err := tok.SignedString(idp.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func newTestService(t *testing.T, idp *testIdP, oracle auth.OwnershipOracle) *auth.Service {
	t.Helper()
	svc, err := auth.NewService(context.Background(), config.AuthConfig{
		IAMURL: idp.srv.URL,
	}, &http.Client{Timeout: 5 * time.Second}, oracle)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return svc
}

func headersFor(tenant, bearer, agentID string) http.Header {
	h := http.Header{}
	if tenant != "" {
		h.Set("X-Tenant", tenant)
	}
	if bearer != "" {
		h.Set("Authorization", "Bearer "+bearer)
	}
	if agentID != "" {
		h.Set("X-Agent-ID", agentID)
	}
	return h
}

func TestValidate_AgentActsAsItself(t *testing.T) {
	idp := newTestIdP(t)
	svc := newTestService(t, idp, nil)

	tok := idp.token(t, jwt.MapClaims{
		"user_type":          "agent",
		"preferred_username": "agent-7",
		"scope":              "tools:read tools:call",
	})

	identity, err := svc.Validate(context.Background(), headersFor("acme", tok, ""))
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if identity.AgentID != "agent-7" {
		t.Errorf("AgentID = %q, want agent-7", identity.AgentID)
	}
	if identity.TenantName != "acme" {
		t.Errorf("TenantName = %q, want acme", identity.TenantName)
	}
	if identity.Scope != "tools:read tools:call" {
		t.Errorf("Scope = %q", identity.Scope)
	}
}

func TestValidate_SameTokenResolvesSameIdentity(t *testing.T) {
	idp := newTestIdP(t)
	svc := newTestService(t, idp, nil)
	tok := idp.token(t, jwt.MapClaims{"user_type": "agent", "preferred_username": "agent-7"})

	first, err := svc.Validate(context.Background(), headersFor("acme", tok, ""))
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	second, err := svc.Validate(context.Background(), headersFor("acme", tok, ""))
	if err != nil {
		t.Fatalf("Validate() second pass error = %v", err)
	}
	if first.AgentID != second.AgentID || first.TenantName != second.TenantName {
		t.Errorf("identity changed across validations: %+v vs %+v", first, second)
	}
}

func TestValidate_HumanThroughOwnedAgent(t *testing.T) {
	idp := newTestIdP(t)
	var oracleCalls int
	oracle := func(ctx context.Context, username, agentID, tenant, bearer string) (bool, error) {
		oracleCalls++
		return username == "alice" && agentID == "agent-7", nil
	}
	svc := newTestService(t, idp, oracle)

	tok := idp.token(t, jwt.MapClaims{"user_type": "human", "preferred_username": "alice"})

	identity, err := svc.Validate(context.Background(), headersFor("acme", tok, "agent-7"))
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if identity.AgentID != "agent-7" {
		t.Errorf("AgentID = %q, want agent-7", identity.AgentID)
	}
	if oracleCalls != 1 {
		t.Errorf("oracle called %d times, want 1", oracleCalls)
	}
}

func TestValidate_HumanWithoutOwnershipIsForbidden(t *testing.T) {
	idp := newTestIdP(t)
	oracle := func(ctx context.Context, username, agentID, tenant, bearer string) (bool, error) {
		return false, nil
	}
	svc := newTestService(t, idp, oracle)

	tok := idp.token(t, jwt.MapClaims{"user_type": "human", "preferred_username": "mallory"})

	_, err := svc.Validate(context.Background(), headersFor("acme", tok, "agent-7"))
	assertKind(t, err, auth.KindForbidden, http.StatusForbidden)
}

func TestValidate_AgentClientUsesAuthorizedParty(t *testing.T) {
	idp := newTestIdP(t)
	svc := newTestService(t, idp, nil)

	tok := idp.token(t, jwt.MapClaims{"client_type": "agent", "azp": "svc-agent"})

	identity, err := svc.Validate(context.Background(), headersFor("acme", tok, ""))
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if identity.AgentID != "svc-agent" {
		t.Errorf("AgentID = %q, want azp value", identity.AgentID)
	}
}

func TestValidate_UnidentifiableTokenIsForbidden(t *testing.T) {
	idp := newTestIdP(t)
	svc := newTestService(t, idp, nil)

	tok := idp.token(t, jwt.MapClaims{"preferred_username": "nobody"})

	_, err := svc.Validate(context.Background(), headersFor("acme", tok, ""))
	assertKind(t, err, auth.KindForbidden, http.StatusForbidden)
}

func TestValidate_ExpiredToken(t *testing.T) {
	idp := newTestIdP(t)
	svc := newTestService(t, idp, nil)

	tok := idp.token(t, jwt.MapClaims{
		"user_type":          "agent",
		"preferred_username": "agent-7",
		"exp":                time.Now().Add(-time.Hour).Unix(),
	})

	_, err := svc.Validate(context.Background(), headersFor("acme", tok, ""))
	assertKind(t, err, auth.KindExpired, http.StatusUnauthorized)
}

func TestValidate_WrongAudience(t *testing.T) {
	idp := newTestIdP(t)
	svc := newTestService(t, idp, nil)

	tok := idp.token(t, jwt.MapClaims{
		"user_type":          "agent",
		"preferred_username": "agent-7",
		"aud":                "someone-else",
	})

	if _, err := svc.Validate(context.Background(), headersFor("acme", tok, "")); err == nil {
		t.Error("Validate() accepted a token with the wrong audience")
	}
}

func TestValidate_UnknownSigningKey(t *testing.T) {
	idp := newTestIdP(t)
	svc := newTestService(t, idp, nil)

	// Signed by a key the realm's JWKS does not contain.
	stranger, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"aud": "account", "exp": time.Now().Add(time.Hour).Unix(),
	})
	tok.Header["kid"] = "other-key"
	signed, err := tok.SignedString(stranger)
	if err != nil {
		t.Fatal(err)
	}

	_, err = svc.Validate(context.Background(), headersFor("acme", signed, ""))
	assertKind(t, err, auth.KindUnknownKey, http.StatusUnauthorized)
}

func TestValidate_MissingHeaders(t *testing.T) {
	idp := newTestIdP(t)
	svc := newTestService(t, idp, nil)

	_, err := svc.Validate(context.Background(), headersFor("", "whatever", ""))
	assertKind(t, err, auth.KindMissingHeader, http.StatusUnauthorized)

	_, err = svc.Validate(context.Background(), headersFor("acme", "", ""))
	assertKind(t, err, auth.KindMissingHeader, http.StatusUnauthorized)
}

func TestBearerToken_RejectsNonBearer(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "Basic dXNlcjpwYXNz")
	if _, err := auth.BearerToken(h); err == nil {
		t.Error("BearerToken() accepted a Basic credential")
	}
}

func TestValidate_IdPUnreachable(t *testing.T) {
	idp := newTestIdP(t)
	tok := idp.token(t, jwt.MapClaims{"user_type": "agent", "preferred_username": "agent-7"})

	svc, err := auth.NewService(context.Background(), config.AuthConfig{
		IAMURL: "http://127.0.0.1:1", // nothing listens here
	}, &http.Client{Timeout: time.Second}, nil)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	_, err = svc.Validate(context.Background(), headersFor("acme", tok, ""))
	assertKind(t, err, auth.KindUnavailable, http.StatusBadGateway)
}

func assertKind(t *testing.T, err error, kind auth.ErrorKind, status int) {
	t.Helper()
	if err == nil {
		t.Fatal("expected an auth error, got nil")
	}
	ae := auth.AsError(err)
	if ae.Kind != kind {
		t.Errorf("error kind = %v (%s), want %v", ae.Kind, ae.Message, kind)
	}
	if got := ae.HTTPStatus(); got != status {
		t.Errorf("HTTPStatus() = %d, want %d", got, status)
	}
}
