package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/toolmesh/toolmesh/internal/api/middleware"
	"github.com/toolmesh/toolmesh/internal/config"
	"github.com/toolmesh/toolmesh/internal/mcp"
)

// NewRouter creates the HTTP router with the gateway and chat surfaces.
//
// The SSE route deliberately skips the compression middleware: buffered
// compression breaks event flushing.
func NewRouter(cfg *config.Config, gw *mcp.Gateway, chat *ChatHandlers) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Tenant", "X-Agent-ID", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Liveness — no auth.
	r.Get("/health", healthHandler)
	r.Get("/", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// MCP gateway surface.
	r.Get("/sse", gw.HandleSSE)
	r.Post("/messages/", gw.HandleMessages)
	r.Post("/notify", gw.HandleNotify)
	r.Get("/.well-known/oauth-protected-resource/sse", gw.HandleProtectedResourceMetadata)

	// Chat session surface.
	r.Route("/chat/sessions", func(r chi.Router) {
		r.Post("/", chat.CreateSession)
		r.Get("/", chat.ListSessions)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", chat.GetSession)
			r.Delete("/", chat.DeleteSession)
			r.Post("/messages", chat.PostMessage)
		})
	})

	return r
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "toolmesh-gateway",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "toolmesh-gateway",
		})
	}
}
