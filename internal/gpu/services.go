package gpu

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/atelierlabs/atelier/internal/adapters/metrics"
	"github.com/atelierlabs/atelier/internal/adapters/retry"
	"github.com/atelierlabs/atelier/internal/fault"
)

// serviceState tracks what the coordinator knows about one service.
type serviceState struct {
	intendedRunning bool
	lastHealthyAt   time.Time
	pid             int
}

// ServiceHealth is a point-in-time view of one service, as reported to
// doctor and the control API.
type ServiceHealth struct {
	Service         string    `json:"service"`
	URL             string    `json:"url"`
	Healthy         bool      `json:"healthy"`
	StopLocked      bool      `json:"stop_locked"`
	IntendedRunning bool      `json:"intended_running"`
	PID             int       `json:"pid,omitempty"`
	LastHealthyAt   time.Time `json:"last_healthy_at,omitempty"`
}

type healthProbe func(ctx context.Context, service, baseURL string) error

func httpHealthProbe(client *http.Client) healthProbe {
	return func(ctx context.Context, _, baseURL string) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("health returned %d", resp.StatusCode)
		}
		return nil
	}
}

// EnsureService makes sure the named service answers its health probe,
// starting it if a start command is configured. A STOP_LOCK marker wins
// over everything: the service is neither probed nor spawned.
func (c *Coordinator) EnsureService(ctx context.Context, service string) error {
	if err := ctx.Err(); err != nil {
		return fault.Wrapf(fault.Cancelled, "gpu.ensure", err, "ensure %s", service)
	}
	if c.StopLocked(service) {
		return fault.Newf(fault.ServiceUnavailable, "gpu.ensure", "service %s is stop-locked", service)
	}

	baseURL := c.resolver.BaseURL(service)
	if err := c.probeOnce(ctx, service, baseURL); err == nil {
		c.markHealthy(service)
		return nil
	}

	if argv := c.startCommands[service]; len(argv) > 0 {
		if err := c.startService(service, argv); err != nil {
			return fault.Wrapf(fault.ServiceUnavailable, "gpu.ensure", err, "cannot start %s", service)
		}
	} else {
		slog.Warn("gpu: service unhealthy and not managed, waiting for it to recover", "service", service)
	}

	// Model loads take a while. Poll until healthy or the restart budget
	// runs out.
	pollCtx, cancel := context.WithTimeout(ctx, c.restartBudget)
	defer cancel()
	err := retry.WithBackoff(pollCtx, retry.RestartConfig(), func() error {
		probeErr := c.probeOnce(pollCtx, service, baseURL)
		if probeErr != nil {
			return fault.Wrapf(fault.ServiceUnavailable, "gpu.ensure", probeErr, "%s health probe", service)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return fault.Wrapf(fault.Cancelled, "gpu.ensure", ctx.Err(), "waiting for %s", service)
		}
		return fault.Wrapf(fault.ServiceUnavailable, "gpu.ensure", err, "%s did not become healthy within %s", service, c.restartBudget)
	}
	c.markHealthy(service)
	return nil
}

// RestartService stops the service if the coordinator owns its process,
// then ensures it back to health. Callers invoke this after a transient
// failure before their final retry.
func (c *Coordinator) RestartService(ctx context.Context, service string) error {
	c.stopService(service)
	slog.Info("gpu: restarting service", "service", service)
	return c.EnsureService(ctx, service)
}

// Probe checks reachability without starting or stopping anything. A
// failure means the service is not answering right now, nothing more.
func (c *Coordinator) Probe(ctx context.Context, service string) error {
	if err := c.probeOnce(ctx, service, c.resolver.BaseURL(service)); err != nil {
		return fault.Wrapf(fault.ServiceUnavailable, "gpu.probe", err, "%s health probe", service)
	}
	return nil
}

func (c *Coordinator) probeOnce(ctx context.Context, service, baseURL string) error {
	probeCtx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()
	return c.probe(probeCtx, service, baseURL)
}

func (c *Coordinator) markHealthy(service string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stateLocked(service)
	st.intendedRunning = true
	st.lastHealthyAt = time.Now()
}

func (c *Coordinator) startService(service string, argv []string) error {
	pid, err := c.runner.Start(service, argv)
	if err != nil {
		return err
	}
	metrics.ServiceRestartsTotal.WithLabelValues(service).Inc()
	c.mu.Lock()
	st := c.stateLocked(service)
	st.pid = pid
	st.intendedRunning = true
	c.mu.Unlock()
	return nil
}

// stopService terminates the service's process when the coordinator
// started it, escalating to SIGKILL after the grace period. Externally
// managed processes are left alone; only the intent flag flips. Reports
// whether a live process was actually brought down.
func (c *Coordinator) stopService(service string) bool {
	c.mu.Lock()
	st := c.stateLocked(service)
	pid := st.pid
	wasIntended := st.intendedRunning
	st.intendedRunning = false
	st.pid = 0
	c.mu.Unlock()

	if pid == 0 {
		if wasIntended {
			slog.Info("gpu: releasing unmanaged service", "service", service)
		}
		return false
	}
	if !c.runner.Alive(pid) {
		return false
	}

	slog.Info("gpu: stopping service", "service", service, "pid", pid)
	if err := c.runner.Signal(pid, syscall.SIGTERM); err != nil {
		slog.Warn("gpu: SIGTERM failed", "service", service, "pid", pid, "error", err)
	}
	deadline := time.Now().Add(c.stopGrace)
	for c.runner.Alive(pid) && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if c.runner.Alive(pid) {
		slog.Warn("gpu: escalating to SIGKILL", "service", service, "pid", pid)
		c.runner.Signal(pid, syscall.SIGKILL)
	}
	return true
}

// StopLocked reports whether the service carries a STOP_LOCK marker.
func (c *Coordinator) StopLocked(service string) bool {
	_, err := os.Stat(stopLockPath(c.servicesDir, service))
	return err == nil
}

// WriteStopLock stops the service and pins it down until the lock is
// cleared.
func (c *Coordinator) WriteStopLock(service string) error {
	if err := os.MkdirAll(c.servicesDir, 0o755); err != nil {
		return fault.Wrap(fault.Unknown, "gpu.stoplock", err)
	}
	if err := os.WriteFile(stopLockPath(c.servicesDir, service), []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0o644); err != nil {
		return fault.Wrap(fault.Unknown, "gpu.stoplock", err)
	}
	c.stopService(service)
	slog.Info("gpu: stop lock engaged", "service", service)
	return nil
}

// ClearStopLock lifts the marker; the next ensure may start the service
// again.
func (c *Coordinator) ClearStopLock(service string) error {
	err := os.Remove(stopLockPath(c.servicesDir, service))
	if err != nil && !os.IsNotExist(err) {
		return fault.Wrap(fault.Unknown, "gpu.stoplock", err)
	}
	slog.Info("gpu: stop lock cleared", "service", service)
	return nil
}

// HealthReport probes every known service and returns its current state.
// Probes run with the configured health timeout each; a stop-locked
// service is reported without probing.
func (c *Coordinator) HealthReport(ctx context.Context) []ServiceHealth {
	report := make([]ServiceHealth, 0, len(Services))
	for _, service := range Services {
		h := ServiceHealth{
			Service:    service,
			URL:        c.resolver.BaseURL(service),
			StopLocked: c.StopLocked(service),
		}
		c.mu.Lock()
		if st, ok := c.services[service]; ok {
			h.IntendedRunning = st.intendedRunning
			h.PID = st.pid
			h.LastHealthyAt = st.lastHealthyAt
		}
		c.mu.Unlock()

		if !h.StopLocked {
			if err := c.probeOnce(ctx, service, h.URL); err == nil {
				h.Healthy = true
				c.markHealthy(service)
				h.IntendedRunning = true
				c.mu.Lock()
				h.LastHealthyAt = c.stateLocked(service).lastHealthyAt
				c.mu.Unlock()
			}
		}
		report = append(report, h)
	}
	return report
}
