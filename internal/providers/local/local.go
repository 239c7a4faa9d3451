// Package local implements the provider variant backed by self-hosted
// model services behind localhost ports. Every call runs inside the GPU
// coordinator's exclusive combinators so only one model class is resident
// at a time; a per-service circuit breaker keeps candidate workers from
// piling onto a dead port; one transient failure earns a service restart
// and a single retry before the call gives up as ServiceUnavailable.
package local

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/atelierlabs/atelier/internal/adapters/circuitbreaker"
	"github.com/atelierlabs/atelier/internal/adapters/retry"
	"github.com/atelierlabs/atelier/internal/config"
	"github.com/atelierlabs/atelier/internal/fault"
	"github.com/atelierlabs/atelier/internal/gpu"
	"github.com/atelierlabs/atelier/internal/llm"
	"github.com/atelierlabs/atelier/internal/ports"
	"github.com/atelierlabs/atelier/internal/prompt"
	"github.com/atelierlabs/atelier/internal/providers"
)

// Local servers run whatever model they were started with; the name in the
// request is advisory.
const defaultLocalModel = "default"

// Gate is the slice of the GPU coordinator the provider needs: exclusive
// residency per model class, restart on transient failure, and endpoint
// resolution. Tests substitute a fake.
type Gate interface {
	WithLLMOperation(ctx context.Context, fn func(ctx context.Context) error) error
	WithImageGenOperation(ctx context.Context, fn func(ctx context.Context) error) error
	WithVLMOperation(ctx context.Context, fn func(ctx context.Context) error) error
	WithVisionOperation(ctx context.Context, fn func(ctx context.Context) error) error
	RestartService(ctx context.Context, service string) error
	BaseURL(service string) string
}

var _ Gate = (*gpu.Coordinator)(nil)

// Provider serves all four capabilities from local model services.
type Provider struct {
	gate     Gate
	prov     config.ProvidersConfig
	alpha    float64
	llmTO    time.Duration
	imageTO  time.Duration
	vlmTO    time.Duration
	retryCfg retry.BackoffConfig
	breakers map[string]*circuitbreaker.CircuitBreaker
	httpc    *http.Client
}

var (
	_ prompt.TextGenerator    = (*Provider)(nil)
	_ ports.ImageService      = (*Provider)(nil)
	_ ports.VisionService     = (*Provider)(nil)
	_ ports.ComparatorService = (*Provider)(nil)
)

// New builds a Provider over gate. Timeouts and the ranking alpha come
// from the top-level configuration.
func New(gate Gate, cfg *config.Config) *Provider {
	breakers := make(map[string]*circuitbreaker.CircuitBreaker, len(gpu.Services))
	for _, svc := range gpu.Services {
		b := circuitbreaker.New(svc, 5, 30*time.Second)
		b.OnStateChange(func(name string, from, to circuitbreaker.State) {
			slog.Warn("local: circuit state change", "service", name, "from", from.String(), "to", to.String())
		})
		breakers[svc] = b
	}
	return &Provider{
		gate:     gate,
		prov:     cfg.Providers,
		alpha:    cfg.Search.Alpha,
		llmTO:    time.Duration(cfg.Timeouts.LLMSeconds) * time.Second,
		imageTO:  time.Duration(cfg.Timeouts.ImageSeconds) * time.Second,
		vlmTO:    time.Duration(cfg.Timeouts.CompareSeconds) * time.Second,
		retryCfg: retry.HTTPConfig(),
		breakers: breakers,
		httpc:    &http.Client{},
	}
}

// Bundle wraps the Provider as a registry bundle.
func Bundle(gate Gate, cfg *config.Config) providers.Bundle {
	p := New(gate, cfg)
	return providers.Bundle{
		Text:       p,
		LLM:        providers.NewPromptLLM(),
		Image:      p,
		Vision:     p,
		Comparator: p,
	}
}

// transient reports whether err is worth a service restart. Content
// refusals, bad arguments and timeouts are not; connection failures and
// 5xx/429 answers are.
func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *llm.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	switch fault.KindOf(err) {
	case fault.ServiceUnavailable:
		return true
	case fault.Unknown:
		return retry.IsRetryableError(err)
	}
	return false
}

// guarded runs fn behind the service's breaker. Only transient failures
// charge the breaker; anything else passes through as an application
// error.
func (p *Provider) guarded(service string, fn func() error) error {
	var appErr error
	err := p.breakers[service].Execute(func() error {
		appErr = nil
		if err := fn(); err != nil {
			if transient(err) {
				return err
			}
			appErr = err
		}
		return nil
	})
	if err != nil {
		return err
	}
	return appErr
}

// callWithRecovery is the per-call recovery ladder: breaker-guarded call,
// then on a transient failure one service restart and one more guarded
// call. The caller already holds GPU residency for the service.
func (p *Provider) callWithRecovery(ctx context.Context, service string, fn func(ctx context.Context) error) error {
	err := p.guarded(service, func() error { return fn(ctx) })
	if err == nil || !p.recoverable(ctx, err) {
		return p.finalize(service, err)
	}

	slog.WarnContext(ctx, "local: transient failure, restarting service", "service", service, "error", err)
	if rerr := p.gate.RestartService(ctx, service); rerr != nil {
		return rerr
	}
	err = p.guarded(service, func() error { return fn(ctx) })
	return p.finalize(service, err)
}

func (p *Provider) recoverable(ctx context.Context, err error) bool {
	return ctx.Err() == nil && !errors.Is(err, circuitbreaker.ErrCircuitOpen) && transient(err)
}

func (p *Provider) finalize(service string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, circuitbreaker.ErrCircuitOpen), transient(err):
		return fault.Wrap(fault.ServiceUnavailable, "local."+service, err)
	}
	return err
}

// postJSON sends one JSON request to a service shim. Non-2xx responses
// come back as llm.APIError so refusal classification sees the status and
// body.
func (p *Provider) postJSON(ctx context.Context, url string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fault.Wrap(fault.InvalidArgument, "local.request", err)
	}

	var respBody []byte
	err = retry.WithBackoffHTTP(ctx, p.retryCfg, func() (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return 0, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.httpc.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()

		respBody, err = io.ReadAll(resp.Body)
		if err != nil {
			return resp.StatusCode, err
		}
		if resp.StatusCode != http.StatusOK {
			return resp.StatusCode, &llm.APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
		}
		return resp.StatusCode, nil
	})
	if err != nil {
		return nil, err
	}
	return respBody, nil
}
