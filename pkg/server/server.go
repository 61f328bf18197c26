// Package server is the public entry point for initializing the ToolMesh
// gateway: it wires configuration, telemetry, the shared HTTP client, and
// every service behind the router.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/toolmesh/toolmesh/internal/api"
	"github.com/toolmesh/toolmesh/internal/auth"
	"github.com/toolmesh/toolmesh/internal/catalog"
	"github.com/toolmesh/toolmesh/internal/config"
	"github.com/toolmesh/toolmesh/internal/mcp"
	"github.com/toolmesh/toolmesh/internal/request"
	"github.com/toolmesh/toolmesh/internal/runtime"
	"github.com/toolmesh/toolmesh/internal/sessions"
	"github.com/toolmesh/toolmesh/internal/streams"
	"github.com/toolmesh/toolmesh/internal/telemetry"
	"github.com/toolmesh/toolmesh/internal/tenant"
	"github.com/toolmesh/toolmesh/internal/tools"
)

// Server holds the initialized gateway.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Port is the port the server should listen on.
	Port int

	// Transport selects the wire transport ("sse" or "stdio").
	Transport string

	// Gateway is exposed so main can run the stdio transport directly.
	Gateway *mcp.Gateway

	// Sessions is exposed so main can stop the sweep loop on shutdown.
	Sessions *sessions.Manager

	// Streams is exposed so main can close live SSE streams on shutdown.
	Streams *streams.Registry

	// ShutdownFunc flushes telemetry on graceful shutdown.
	ShutdownFunc func(context.Context) error
}

// New initializes all gateway components from the environment.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the gateway with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Version, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	// One pooled client per process for all IAM, credential-store and
	// catalog traffic; tool execution gets its own timeout budget below.
	httpClient := &http.Client{Timeout: cfg.Auth.HTTPTimeout}

	tenants := tenant.NewService(cfg.Auth, httpClient)

	authSvc, err := auth.NewService(ctx, cfg.Auth, httpClient, tenants.UserOwnsAgent)
	if err != nil {
		return nil, fmt.Errorf("init auth service: %w", err)
	}

	catalogClient := catalog.NewClient(cfg.Catalog, httpClient)
	toolSvc := tools.NewService(catalogClient, cfg.Tools.CacheTTL, tools.NewNormalizer(cfg.Tools.ArgPolicy))

	// Outbound tool calls share one pooled client; the per-call deadline
	// comes from the processor, not the client.
	toolClient := &http.Client{}
	processor := request.NewProcessor(toolClient, cfg.Tools.CallTimeout, cfg.Tools.PlaceholderPolicy)

	registry := streams.NewRegistry()
	gw := mcp.NewGateway(cfg, authSvc, tenants, toolSvc, processor, registry)

	manager := sessions.NewManager(
		runtime.Factory(cfg.Sessions.RuntimeURL, httpClient),
		cfg.Sessions.IdleTimeout,
		cfg.Sessions.SweepInterval,
	)
	manager.Start(ctx)

	router := api.NewRouter(cfg, gw, api.NewChatHandlers(manager))

	log.Info().
		Int("port", cfg.Port).
		Bool("authorization", cfg.Auth.Enabled).
		Bool("issuer_validation", cfg.Auth.ValidateIssuer).
		Dur("tool_cache_ttl", cfg.Tools.CacheTTL).
		Msg("gateway initialized")
	if cfg.Auth.Enabled && !cfg.Auth.ValidateIssuer {
		log.Warn().Msg("ISSUER_VALIDATION is disabled: tokens are accepted from any realm that verifies; enable it unless realms are mutually trusted")
	}

	return &Server{
		Handler:      router,
		Port:         cfg.Port,
		Transport:    cfg.Transport,
		Gateway:      gw,
		Sessions:     manager,
		Streams:      registry,
		ShutdownFunc: shutdown,
	}, nil
}
