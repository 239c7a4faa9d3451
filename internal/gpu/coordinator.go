// Package gpu serializes access to locally served models. One GPU hosts
// one resident model class at a time; the coordinator owns the lock that
// enforces it, knows how to stop and start the service processes, and
// resolves where each service listens.
package gpu

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/atelierlabs/atelier/internal/adapters/metrics"
	"github.com/atelierlabs/atelier/internal/config"
)

// gpuClass groups services by what they keep resident in VRAM. Vision and
// VLM load the same family of model, so they never conflict with each
// other.
var gpuClass = map[string]string{
	ServiceLLM:    "llm",
	ServiceImage:  "image",
	ServiceVision: "vlm",
	ServiceVLM:    "vlm",
}

const (
	minCleanupDelay = 2 * time.Second
	maxCleanupDelay = 5 * time.Second
)

// Coordinator hands the GPU to one operation at a time. Waiters queue in
// FIFO order so a burst of image generations cannot starve ranking.
type Coordinator struct {
	servicesDir   string
	startCommands map[string][]string
	cleanupDelay  time.Duration
	healthTimeout time.Duration
	restartBudget time.Duration
	stopGrace     time.Duration

	resolver *portResolver
	runner   processRunner
	probe    healthProbe

	mu       sync.Mutex
	locked   bool
	waiters  []chan struct{}
	services map[string]*serviceState
}

// NewCoordinator builds a coordinator over the configured services
// directory. The cleanup delay is clamped to a sane range; model servers
// release VRAM lazily and too short a delay reintroduces the OOM the
// delay exists to prevent.
func NewCoordinator(cfg config.ServicesConfig) *Coordinator {
	overrides := map[string]string{
		ServiceLLM:    cfg.LLMURL,
		ServiceImage:  cfg.ImageURL,
		ServiceVision: cfg.VisionURL,
		ServiceVLM:    cfg.VLMURL,
	}
	delay := time.Duration(cfg.CleanupDelayMS) * time.Millisecond
	if delay < minCleanupDelay {
		delay = minCleanupDelay
	}
	if delay > maxCleanupDelay {
		delay = maxCleanupDelay
	}
	healthTimeout := time.Duration(cfg.HealthCheckTimeoutMS) * time.Millisecond
	if healthTimeout <= 0 {
		healthTimeout = 30 * time.Second
	}
	restartBudget := time.Duration(cfg.RestartBudgetMS) * time.Millisecond
	if restartBudget <= 0 {
		restartBudget = 60 * time.Second
	}

	return &Coordinator{
		servicesDir:   cfg.Dir,
		startCommands: cfg.Start,
		cleanupDelay:  delay,
		healthTimeout: healthTimeout,
		restartBudget: restartBudget,
		stopGrace:     5 * time.Second,
		resolver:      newPortResolver(cfg.Dir, overrides),
		runner:        newExecRunner(cfg.Dir),
		probe:         httpHealthProbe(&http.Client{}),
		services:      make(map[string]*serviceState),
	}
}

// Close stops the port watcher. Service processes are left running; they
// are shared with other invocations.
func (c *Coordinator) Close() {
	c.resolver.close()
}

// BaseURL resolves where the service listens right now.
func (c *Coordinator) BaseURL(service string) string {
	return c.resolver.BaseURL(service)
}

// WithLLMOperation runs fn with the text model resident and every other
// model class off the GPU.
func (c *Coordinator) WithLLMOperation(ctx context.Context, fn func(ctx context.Context) error) error {
	return c.withExclusive(ctx, ServiceLLM, fn)
}

// WithImageGenOperation runs fn with the image model resident.
func (c *Coordinator) WithImageGenOperation(ctx context.Context, fn func(ctx context.Context) error) error {
	return c.withExclusive(ctx, ServiceImage, fn)
}

// WithVLMOperation runs fn with the pairwise comparison model resident.
func (c *Coordinator) WithVLMOperation(ctx context.Context, fn func(ctx context.Context) error) error {
	return c.withExclusive(ctx, ServiceVLM, fn)
}

// WithVisionOperation runs fn with the absolute scorer resident. Same
// class as the VLM, so the two may coexist.
func (c *Coordinator) WithVisionOperation(ctx context.Context, fn func(ctx context.Context) error) error {
	return c.withExclusive(ctx, ServiceVision, fn)
}

func (c *Coordinator) withExclusive(ctx context.Context, service string, fn func(ctx context.Context) error) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()

	if err := c.prepare(ctx, service); err != nil {
		return err
	}
	return fn(ctx)
}

// prepare stops every service of a conflicting class, waits out the VRAM
// settle delay when anything was actually brought down, then ensures the
// wanted service is healthy. Callers hold the lock.
func (c *Coordinator) prepare(ctx context.Context, want string) error {
	stopped := false
	for _, svc := range Services {
		if gpuClass[svc] == gpuClass[want] {
			continue
		}
		if c.stopService(svc) {
			stopped = true
		}
	}
	if stopped {
		select {
		case <-time.After(c.cleanupDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return c.EnsureService(ctx, want)
}

func (c *Coordinator) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	c.mu.Lock()
	if !c.locked && len(c.waiters) == 0 {
		c.locked = true
		c.mu.Unlock()
		metrics.GPULockWaitSeconds.Observe(time.Since(start).Seconds())
		return nil
	}
	w := make(chan struct{})
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	select {
	case <-w:
		metrics.GPULockWaitSeconds.Observe(time.Since(start).Seconds())
		return nil
	case <-ctx.Done():
		c.abandon(w)
		return ctx.Err()
	}
}

// abandon withdraws a cancelled waiter. If release already handed it the
// lock, pass the lock on instead of leaking it.
func (c *Coordinator) abandon(w chan struct{}) {
	c.mu.Lock()
	for i, queued := range c.waiters {
		if queued == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			c.mu.Unlock()
			return
		}
	}
	c.mu.Unlock()
	c.release()
}

func (c *Coordinator) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.waiters) > 0 {
		w := c.waiters[0]
		c.waiters = c.waiters[1:]
		close(w)
		return
	}
	c.locked = false
}

func (c *Coordinator) stateLocked(service string) *serviceState {
	st, ok := c.services[service]
	if !ok {
		st = &serviceState{}
		c.services[service] = st
	}
	return st
}
