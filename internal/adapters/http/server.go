// Package http is the control surface the engine exposes to its host:
// session management, runtime provider switching, service lifecycle,
// health, metrics, and progress streaming over SSE and WebSocket.
package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atelierlabs/atelier/internal/adapters/http/handlers"
	"github.com/atelierlabs/atelier/internal/adapters/http/middleware"
	"github.com/atelierlabs/atelier/internal/application/services"
	"github.com/atelierlabs/atelier/internal/config"
	"github.com/atelierlabs/atelier/internal/gpu"
	"github.com/atelierlabs/atelier/internal/providers"
)

type Server struct {
	cfg        *config.Config
	router     *chi.Mux
	httpServer *http.Server
}

func NewServer(
	cfg *config.Config,
	search *services.SearchService,
	registry *providers.Registry,
	coord *gpu.Coordinator,
	broadcaster *handlers.MonitorBroadcaster,
) *Server {
	s := &Server{cfg: cfg}
	s.setupRouter(search, registry, coord, broadcaster)
	return s
}

func (s *Server) setupRouter(
	search *services.SearchService,
	registry *providers.Registry,
	coord *gpu.Coordinator,
	broadcaster *handlers.MonitorBroadcaster,
) {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recovery)
	r.Use(middleware.CORS(s.cfg.Server.CORSOrigins))
	r.Use(middleware.Metrics)

	servicesHandler := handlers.NewServicesHandler(coord)
	r.Get("/health", servicesHandler.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		providersHandler := handlers.NewProvidersHandler(registry)
		r.Get("/providers", providersHandler.Get)
		r.Put("/providers", providersHandler.Put)

		r.Post("/services/{name}/stop", servicesHandler.Stop)
		r.Post("/services/{name}/start", servicesHandler.Start)
		r.Post("/services/{name}/quickstart", servicesHandler.QuickStart)

		sessionsHandler := handlers.NewSessionsHandler(search)
		r.Post("/sessions", sessionsHandler.Create)
		r.Get("/sessions", sessionsHandler.List)
		r.Get("/sessions/{id}", sessionsHandler.Get)
		r.Post("/sessions/{id}/cancel", sessionsHandler.Cancel)
		r.Post("/sessions/{id}/evaluations", sessionsHandler.Evaluate)

		streamHandler := handlers.NewStreamHandler(search)
		r.Get("/sessions/{id}/stream", streamHandler.Stream)

		if broadcaster != nil {
			r.Get("/monitor/ws", broadcaster.Handle)
		}
	})

	s.router = r
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:        s.cfg.Server.Addr,
		Handler:     s.router,
		ReadTimeout: 30 * time.Second,
		// No write timeout: SSE and WebSocket connections stay open.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	slog.Info("http: serving", "addr", s.cfg.Server.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	slog.Info("http: shutting down")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Router() *chi.Mux {
	return s.router
}
