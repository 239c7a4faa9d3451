package main

import (
	"context"
	"log"

	"github.com/atelierlabs/atelier/internal/application/services"
	"github.com/atelierlabs/atelier/internal/config"
	"github.com/atelierlabs/atelier/internal/gpu"
	"github.com/atelierlabs/atelier/internal/moderation"
	"github.com/atelierlabs/atelier/internal/ports"
	"github.com/atelierlabs/atelier/internal/providers"
	"github.com/atelierlabs/atelier/internal/providers/local"
	"github.com/atelierlabs/atelier/internal/providers/mock"
	"github.com/atelierlabs/atelier/internal/providers/openai"
	"github.com/atelierlabs/atelier/internal/search"
	"github.com/atelierlabs/atelier/internal/session"
	"github.com/atelierlabs/atelier/internal/tracing"
)

// Version information (set via ldflags)
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

// Shared global variables
var cfg *config.Config

// engine bundles the wired application: the GPU coordinator, the provider
// registry, the scheduler, and the search service on top. Commands build
// one, use it, and Close it.
type engine struct {
	coord    *gpu.Coordinator
	registry *providers.Registry
	layout   session.Layout
	hub      *services.ProgressHub
	search   *services.SearchService

	traceShutdown func(context.Context) error
}

// buildEngine wires the full stack. broadcaster is optional; serve passes
// the WebSocket monitor broadcaster so progress reaches connected
// monitors, the one-shot commands pass nil.
func buildEngine(broadcaster ports.ProgressBroadcaster) (*engine, error) {
	e := &engine{}

	if cfg.Trace == "stdout" {
		shutdown, err := tracing.InitTracer("atelier")
		if err != nil {
			log.Printf("Warning: failed to initialize tracing: %v", err)
		} else {
			e.traceShutdown = shutdown
		}
	}

	e.coord = gpu.NewCoordinator(cfg.Services)

	// The mock variant is always configured so operators can switch any
	// capability onto it at runtime; cloud needs a key.
	bundles := map[providers.Variant]providers.Bundle{
		providers.VariantMock:  mock.Bundle(cfg.Search.Alpha),
		providers.VariantLocal: local.Bundle(e.coord, cfg),
	}
	if cfg.Providers.OpenAIAPIKey != "" {
		bundles[providers.VariantOpenAI] = openai.Bundle(cfg.Providers, cfg.Search.Alpha)
	}

	registry, err := providers.NewRegistry(bundles, e.coord, providers.InitialSelection(cfg.Providers))
	if err != nil {
		e.coord.Close()
		return nil, err
	}
	e.registry = registry

	e.layout = session.NewLayout(cfg.Sessions.Root)
	e.hub = services.NewProgressHub(broadcaster)

	refiner := moderation.NewRefiner(cfg.Moderation, nil)
	sched := search.New(cfg, e.layout, registry, refiner, e.hub)
	e.search = services.NewSearchService(sched, e.layout, e.hub)

	return e, nil
}

func (e *engine) Close(ctx context.Context) {
	e.coord.Close()
	if e.traceShutdown != nil {
		if err := e.traceShutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}
}

// maskSecret masks a secret string for display
func maskSecret(s string) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= 8 {
		return "(set)"
	}
	return s[:4] + "..." + s[len(s)-4:]
}
