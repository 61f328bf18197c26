// ToolMesh gateway — the MCP tool-serving gateway.
//
// It authenticates agents against tenant-scoped Keycloak realms, resolves
// the tools each agent may see through the external catalog, serves them
// over JSON-RPC/SSE, executes the underlying HTTP calls, and fans
// tools/list_changed notifications out to live sessions.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/toolmesh/toolmesh/pkg/server"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	log.Info().Msg("ToolMesh gateway starting...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := server.New(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize gateway")
	}

	if srv.Transport == "stdio" {
		log.Info().Msg("serving MCP over stdio")
		if err := srv.Gateway.ServeStdio(ctx, os.Stdin, os.Stdout); err != nil && err != context.Canceled {
			log.Fatal().Err(err).Msg("stdio transport failed")
		}
		srv.Sessions.Stop()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		srv.ShutdownFunc(shutdownCtx)
		return
	}

	httpServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", srv.Port),
		Handler:     srv.Handler,
		ReadTimeout: 30 * time.Second,
		// SSE streams are long-lived; no write timeout.
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("Shutting down gracefully...")
		srv.Streams.Cleanup()
		srv.Sessions.Stop()
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
		srv.ShutdownFunc(shutdownCtx)
	}()

	log.Info().Int("port", srv.Port).Msg("ToolMesh gateway listening")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server failed")
	}
}
