package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	httpadapter "github.com/atelierlabs/atelier/internal/adapters/http"
	"github.com/atelierlabs/atelier/internal/adapters/http/handlers"
)

// serveCmd starts the control API server
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the control API server",
		Long: `Start the Atelier control API server.

The server exposes REST endpoints for launching and inspecting search
sessions, runtime provider switching, model service lifecycle, health,
and Prometheus metrics. Progress streams over SSE per session and over
a msgpack WebSocket for the monitor.

Optional configuration:
  - OpenAI cloud providers (OPENAI_API_KEY, OPENAI_BASE_URL)
  - Local model services (ATELIER_SERVICES_DIR, LLM_URL, IMAGE_URL, ...)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

// runServer initializes and starts the control API server
func runServer(ctx context.Context) error {
	log.Println("Starting Atelier API server...")
	log.Printf("  HTTP:      http://%s", cfg.Server.Addr)
	log.Printf("  Providers: %s mode", cfg.Providers.Mode)
	log.Printf("  Sessions:  %s", cfg.Sessions.Root)
	log.Println()

	broadcaster := handlers.NewMonitorBroadcaster(cfg.Server.CORSOrigins)

	e, err := buildEngine(broadcaster)
	if err != nil {
		return err
	}
	defer e.Close(context.Background())

	server := httpadapter.NewServer(cfg, e.search, e.registry, e.coord, broadcaster)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		log.Printf("Received signal: %v", sig)
		log.Println("Shutting down gracefully...")

		// Cancel live sessions so their trackers flush a final document.
		for _, sid := range e.search.Running() {
			log.Printf("Cancelling session %s", sid)
			_ = e.search.Cancel(sid)
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		for _, sid := range e.search.Running() {
			_ = e.search.Wait(shutdownCtx, sid)
		}
		if err := server.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}

		log.Println("Server stopped")
		return nil
	}
}
