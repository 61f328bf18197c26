package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the ToolMesh gateway.
type Config struct {
	Port      int
	Transport string // "sse" or "stdio"
	Version   string

	Auth      AuthConfig
	Catalog   CatalogConfig
	Tools     ToolsConfig
	Sessions  SessionConfig
	Telemetry TelemetryConfig
}

type AuthConfig struct {
	// Enabled gates bearer-token validation on /sse, /messages and /notify.
	Enabled bool

	// IAMURL is the Keycloak base URL; JWKS is fetched per tenant realm at
	// {IAMURL}/realms/{tenant}/protocol/openid-connect/certs.
	IAMURL string

	// OIDCIssuer is advertised in the protected-resource metadata.
	OIDCIssuer string

	// ResourceURL is this gateway's own resource identifier (RFC 9728),
	// echoed in WWW-Authenticate challenges.
	ResourceURL string

	// ValidateIssuer enables the iss claim check during token decode.
	//
	// Default is OFF, matching the permissive posture of the deployments
	// this gateway replaces. Turning it off means any realm key that
	// verifies the signature is accepted regardless of issuer. Enable it
	// in any environment where realms are not mutually trusted.
	ValidateIssuer bool

	// CredStoreURL is the credential store used for per-provider OAuth
	// tokens and per-application API keys.
	CredStoreURL string

	// HTTPTimeout bounds JWKS, IAM and credential-store calls.
	HTTPTimeout time.Duration
}

type CatalogConfig struct {
	// URL is the base URL of the external tool-catalog API.
	URL string

	// HTTPTimeout bounds catalog search calls.
	HTTPTimeout time.Duration

	// MaxRetries bounds retry attempts for idempotent catalog reads.
	MaxRetries int
}

type ToolsConfig struct {
	// CacheTTL bounds how long a resolved tool list is served without a
	// catalog refetch. Invalidation via /notify clears entries early.
	CacheTTL time.Duration

	// CallTimeout bounds a single outbound tool HTTP call.
	CallTimeout time.Duration

	// ArgPolicy is "permissive" (drop unmatched argument keys) or
	// "strict" (validate raw arguments against the declared schema).
	ArgPolicy string

	// PlaceholderPolicy is "strict" (fail on unresolved $placeholders) or
	// "permissive" (pass the literal through).
	PlaceholderPolicy string
}

type SessionConfig struct {
	// IdleTimeout is how long a chat session may go untouched.
	IdleTimeout time.Duration

	// SweepInterval is how often the idle sweep runs.
	SweepInterval time.Duration

	// RuntimeURL is the external agent-runtime service chat sessions bind to.
	RuntimeURL string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:      envInt("MCP_PORT", 8090),
		Transport: envStr("MCP_TRANSPORT", "sse"),
		Version:   envStr("TOOLMESH_VERSION", "0.4.0"),
		Auth: AuthConfig{
			Enabled:        envBool("AUTHORIZATION_ENABLED", false),
			IAMURL:         envStr("IAM_URL", "http://localhost:8080"),
			OIDCIssuer:     envStr("OIDC_ISSUER", ""),
			ResourceURL:    envStr("RESOURCE_URL", "http://localhost:8090/sse"),
			ValidateIssuer: envBool("ISSUER_VALIDATION", false),
			CredStoreURL:   envStr("CREDSTORE_URL", "http://localhost:8081"),
			HTTPTimeout:    envDur("HTTP_TIMEOUT", 15*time.Second),
		},
		Catalog: CatalogConfig{
			URL:         envStr("CATALOG_URL", "http://localhost:8082"),
			HTTPTimeout: envDur("HTTP_TIMEOUT", 15*time.Second),
			MaxRetries:  envInt("CATALOG_MAX_RETRIES", 2),
		},
		Tools: ToolsConfig{
			CacheTTL:          envDur("TOOL_CACHE_TTL", 30*time.Second),
			CallTimeout:       envDur("TOOL_TIMEOUT", 30*time.Second),
			ArgPolicy:         envStr("ARG_POLICY", "permissive"),
			PlaceholderPolicy: envStr("PLACEHOLDER_POLICY", "strict"),
		},
		Sessions: SessionConfig{
			IdleTimeout:   envDur("SESSION_IDLE_TIMEOUT", 60*time.Minute),
			SweepInterval: envDur("SESSION_SWEEP_INTERVAL", 10*time.Minute),
			RuntimeURL:    envStr("AGENT_RUNTIME_URL", "http://localhost:8083"),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "toolmesh-gateway"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
