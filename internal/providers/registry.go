package providers

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/atelierlabs/atelier/internal/config"
	"github.com/atelierlabs/atelier/internal/fault"
	"github.com/atelierlabs/atelier/internal/gpu"
	"github.com/atelierlabs/atelier/internal/ports"
	"github.com/atelierlabs/atelier/internal/prompt"
)

// Bundle is one variant's full implementation surface. Text is the
// generator bound behind the prompt modules while this variant serves the
// llm capability; it is nil for variants that implement LLMService without
// the prompt pipeline (mock).
type Bundle struct {
	Text       prompt.TextGenerator
	LLM        ports.LLMService
	Image      ports.ImageService
	Vision     ports.VisionService
	Comparator ports.ComparatorService
}

// Prober answers whether a local model service responds right now. The GPU
// coordinator implements it; a nil prober disables the reachability gate.
type Prober interface {
	Probe(ctx context.Context, service string) error
}

var _ Prober = (*gpu.Coordinator)(nil)

// Registry holds the process-wide provider selection. Reads are lock-free
// through an atomic pointer; switches are serialised and validated, so a
// running search always sees one coherent Set even while an operator flips
// variants underneath it.
type Registry struct {
	mu      sync.Mutex
	bundles map[Variant]Bundle
	prober  Prober
	active  atomic.Pointer[Set]
}

// NewRegistry assembles the initial Set and binds the prompt transport for
// it. The initial selection is not probe-gated: at process start the local
// services are usually cold and the coordinator brings them up lazily on
// first use.
func NewRegistry(bundles map[Variant]Bundle, prober Prober, initial Selection) (*Registry, error) {
	r := &Registry{bundles: bundles, prober: prober}
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	if err := r.checkConfigured(initial); err != nil {
		return nil, err
	}
	r.active.Store(r.assemble(initial))
	r.rebind(initial)
	return r, nil
}

// Current returns the active Set. Callers capture it once per operation;
// a concurrent switch never mutates a Set already handed out.
func (r *Registry) Current() *Set {
	return r.active.Load()
}

// Selection returns the active variant assignment.
func (r *Registry) Selection() Selection {
	return r.active.Load().Selection
}

// Switch installs a new selection and returns the one it replaced. Local
// targets are health-probed first; an unreachable service fails the switch
// with ServiceUnavailable and leaves the active Set untouched.
func (r *Registry) Switch(ctx context.Context, sel Selection) (Selection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := sel.Validate(); err != nil {
		return Selection{}, err
	}
	if err := r.checkConfigured(sel); err != nil {
		return Selection{}, err
	}
	if err := r.probeLocal(ctx, sel); err != nil {
		return Selection{}, err
	}

	prior := r.active.Swap(r.assemble(sel))
	r.rebind(sel)
	slog.InfoContext(ctx, "providers: switched", "from", prior.Selection.String(), "to", sel.String())
	return prior.Selection, nil
}

func (r *Registry) checkConfigured(sel Selection) error {
	for _, v := range []Variant{sel.LLM, sel.Image, sel.Vision, sel.Ranking} {
		if _, ok := r.bundles[v]; !ok {
			return fault.Newf(fault.InvalidArgument, "providers.switch", "variant %q is not configured", v)
		}
	}
	return nil
}

// probeLocal checks each local target backing the selection. Capabilities
// on other variants are skipped; so is everything when no prober is wired.
func (r *Registry) probeLocal(ctx context.Context, sel Selection) error {
	if r.prober == nil {
		return nil
	}
	targets := []struct {
		variant Variant
		service string
	}{
		{sel.LLM, gpu.ServiceLLM},
		{sel.Image, gpu.ServiceImage},
		{sel.Vision, gpu.ServiceVision},
		{sel.Ranking, gpu.ServiceVLM},
	}
	probed := make(map[string]bool, len(targets))
	for _, t := range targets {
		if t.variant != VariantLocal || probed[t.service] {
			continue
		}
		probed[t.service] = true
		if err := r.prober.Probe(ctx, t.service); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) assemble(sel Selection) *Set {
	return &Set{
		Selection:  sel,
		LLM:        r.bundles[sel.LLM].LLM,
		Image:      r.bundles[sel.Image].Image,
		Vision:     r.bundles[sel.Vision].Vision,
		Comparator: r.bundles[sel.Ranking].Comparator,
	}
}

func (r *Registry) rebind(sel Selection) {
	if gen := r.bundles[sel.LLM].Text; gen != nil {
		prompt.Bind(gen)
		return
	}
	prompt.Unbind()
}

// InitialSelection derives the boot-time selection from configuration.
// Mock mode pins everything to mock; real mode puts text on OpenAI when a
// key is present and keeps the GPU-bound capabilities local.
func InitialSelection(cfg config.ProvidersConfig) Selection {
	if cfg.Mode == "mock" {
		return Selection{LLM: VariantMock, Image: VariantMock, Vision: VariantMock, Ranking: VariantMock}
	}
	llm := VariantLocal
	if cfg.OpenAIAPIKey != "" {
		llm = VariantOpenAI
	}
	return Selection{LLM: llm, Image: VariantLocal, Vision: VariantLocal, Ranking: VariantLocal}
}
