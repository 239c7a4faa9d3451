// Package search drives the beam search: per iteration it expands or
// refines prompt candidates, fans generation out over a bounded worker
// pool, ranks the results, selects survivors and critiques them for the
// next round. The scheduler is a single control loop per session; all
// session state flows to disk through the metadata tracker.
package search

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/atelierlabs/atelier/internal/config"
	"github.com/atelierlabs/atelier/internal/critique"
	"github.com/atelierlabs/atelier/internal/domain/models"
	"github.com/atelierlabs/atelier/internal/fault"
	"github.com/atelierlabs/atelier/internal/moderation"
	"github.com/atelierlabs/atelier/internal/ports"
	"github.com/atelierlabs/atelier/internal/providers"
	"github.com/atelierlabs/atelier/internal/session"
)

var tracer = otel.Tracer("atelier/search")

// ProviderSource yields the active provider set. Resolving per phase means
// a runtime provider switch takes effect at the next provider call instead
// of the next session.
type ProviderSource interface {
	Current() *providers.Set
}

// Request starts one search session. Zero-valued config fields fall back
// to the application defaults; SessionID is derived from the clock when
// empty. Seed, when set, makes image generation reproducible by deriving a
// distinct per-candidate seed from it. Iterations overrides the iteration
// budget and, unlike Config.MaxIterations, can carry an explicit zero: a
// zero-budget session completes immediately with no iterations and no
// winner.
type Request struct {
	SessionID       string
	Prompt          string
	Style           string
	Descriptiveness string
	Seed            *int64
	Iterations      *int
	Config          models.SearchConfig
}

// Scheduler runs search sessions. It is safe for concurrent sessions: all
// per-session state lives in the run created by Run.
type Scheduler struct {
	cfg      *config.Config
	layout   session.Layout
	source   ProviderSource
	refiner  *moderation.Refiner
	critic   *critique.Generator
	notifier ports.ProgressNotifier

	// dimension is the alternation policy; the recorded per-iteration
	// dimension is authoritative whatever this returns.
	dimension func(iteration int) models.Dimension
	now       func() time.Time
}

func New(cfg *config.Config, layout session.Layout, source ProviderSource, refiner *moderation.Refiner, notifier ports.ProgressNotifier) *Scheduler {
	if notifier == nil {
		notifier = ports.NopNotifier{}
	}
	return &Scheduler{
		cfg:       cfg,
		layout:    layout,
		source:    source,
		refiner:   refiner,
		critic:    critique.NewGenerator(),
		notifier:  notifier,
		dimension: models.DimensionFor,
		now:       time.Now,
	}
}

// Run executes one session to completion and returns the final document.
// On failure the session is marked failed (or cancelled) before returning;
// the snapshot is returned alongside the error when one could be taken.
func (s *Scheduler) Run(ctx context.Context, req Request) (*models.Session, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fault.New(fault.InvalidArgument, "search.run", "prompt must not be empty")
	}
	cfg, err := s.effectiveConfig(req.Config, req.Iterations)
	if err != nil {
		return nil, err
	}

	createdAt := s.now()
	if req.SessionID == "" {
		req.SessionID = session.NewSessionID(createdAt)
	}

	sess := models.NewSession(req.SessionID, createdAt, req.Prompt, cfg)
	tracker := session.NewTracker(s.layout, sess)
	defer tracker.Close()

	ledger := session.NewTokenLedger()
	ctx = ports.WithTokenRecorder(ctx, ledger)

	if err := tracker.Initialize(ctx); err != nil {
		return nil, err
	}

	r := &run{sched: s, tracker: tracker, ledger: ledger, req: req, cfg: cfg}
	runErr := r.execute(ctx)

	// Terminal bookkeeping must land even when ctx is already dead.
	bg := context.WithoutCancel(ctx)
	if perr := tracker.PersistTokens(bg, ledger.Stats()); perr != nil {
		slog.Warn("search: persisting token stats failed", "session_id", req.SessionID, "error", perr)
	}

	switch {
	case runErr == nil:
		if err := tracker.MarkSessionStatus(bg, models.SessionStatusCompleted); err != nil {
			runErr = err
			break
		}
		r.publish(bg, ports.ProgressEvent{Status: ports.StatusComplete, Stage: "session", Message: "search complete"})
	case fault.IsKind(runErr, fault.Cancelled):
		if err := tracker.MarkSessionStatus(bg, models.SessionStatusCancelled); err != nil {
			slog.Warn("search: marking session cancelled failed", "session_id", req.SessionID, "error", err)
		}
		r.publish(bg, ports.ProgressEvent{Status: ports.StatusError, Stage: "session", Message: "search cancelled"})
	default:
		if err := tracker.MarkSessionFailed(bg, runErr); err != nil {
			slog.Warn("search: marking session failed failed", "session_id", req.SessionID, "error", err)
		}
		r.publish(bg, ports.ProgressEvent{Status: ports.StatusError, Stage: "session", Message: runErr.Error()})
	}

	snap, serr := tracker.Snapshot(bg)
	if serr != nil && runErr == nil {
		runErr = serr
	}
	return snap, runErr
}

// ValidateRequest checks a request without running it, so async callers
// can reject bad input before admitting the session.
func (s *Scheduler) ValidateRequest(req Request) error {
	if strings.TrimSpace(req.Prompt) == "" {
		return fault.New(fault.InvalidArgument, "search.run", "prompt must not be empty")
	}
	_, err := s.effectiveConfig(req.Config, req.Iterations)
	return err
}

// effectiveConfig overlays request overrides on the application defaults
// and validates the result. A zero MaxIterations in the config means unset;
// only the explicit iterations override can pin the budget to zero.
func (s *Scheduler) effectiveConfig(in models.SearchConfig, iterations *int) (models.SearchConfig, error) {
	d := s.cfg.Search
	out := in
	if out.BeamWidth <= 0 {
		out.BeamWidth = d.BeamWidth
	}
	if out.Survivors <= 0 {
		out.Survivors = d.Survivors
	}
	if out.MaxIterations <= 0 {
		out.MaxIterations = d.MaxIterations
	}
	if iterations != nil {
		out.MaxIterations = *iterations
	}
	if out.Alpha == 0 {
		out.Alpha = d.Alpha
	}
	if out.EnsembleSize <= 0 {
		out.EnsembleSize = d.EnsembleSize
	}
	if out.RankingMode == "" {
		out.RankingMode = models.RankingMode(d.RankingMode)
	}
	if out.WorkerPoolSize <= 0 {
		out.WorkerPoolSize = d.Workers
	}

	switch {
	case out.Survivors < 1:
		return out, fault.Newf(fault.InvalidArgument, "search.config", "survivors %d < 1", out.Survivors)
	case out.BeamWidth < out.Survivors:
		return out, fault.Newf(fault.InvalidArgument, "search.config",
			"beam width %d below survivor count %d", out.BeamWidth, out.Survivors)
	case out.MaxIterations < 0:
		return out, fault.Newf(fault.InvalidArgument, "search.config", "iteration budget %d negative", out.MaxIterations)
	case out.Alpha <= 0 || out.Alpha > 1:
		return out, fault.Newf(fault.InvalidArgument, "search.config", "alpha %.3f outside (0, 1]", out.Alpha)
	case out.RankingMode != models.RankingModePairwise && out.RankingMode != models.RankingModeScore:
		return out, fault.Newf(fault.InvalidArgument, "search.config", "unknown ranking mode %q", out.RankingMode)
	}
	return out, nil
}

// survivor is what one iteration hands to the next: the candidate's prompt
// halves, its canonical image, the critique guiding its children, and its
// rank within its own round. Score is set in score mode only.
type survivor struct {
	ref      models.CandidateRef
	what     string
	how      string
	image    string
	critique *models.Critique
	rank     int
	score    *float64
}

// run is the per-session state of one Run call.
type run struct {
	sched   *Scheduler
	tracker *session.Tracker
	ledger  *session.TokenLedger
	req     Request
	cfg     models.SearchConfig

	// survivors holds the last finished iteration's picks; everSurvived
	// accumulates them across iterations for the final global ranking, and
	// knownFacts the direct comparison facts from every ranking so far.
	survivors    []survivor
	everSurvived []survivor
	knownFacts   []models.ComparisonFact

	iterNum   atomic.Int64
	planned   atomic.Int64
	doneCount atomic.Int64
}

func (r *run) execute(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "search.session")
	span.SetAttributes(
		attribute.String("session.id", r.tracker.SessionID()),
		attribute.Int("search.beam_width", r.cfg.BeamWidth),
		attribute.Int("search.survivors", r.cfg.Survivors),
		attribute.Int("search.iterations", r.cfg.MaxIterations),
		attribute.String("search.ranking_mode", string(r.cfg.RankingMode)),
	)
	defer span.End()

	r.publish(ctx, ports.ProgressEvent{Status: ports.StatusStarted, Stage: "session", Message: "search started"})
	slog.InfoContext(ctx, "search: session started",
		"session_id", r.tracker.SessionID(),
		"beam_width", r.cfg.BeamWidth,
		"survivors", r.cfg.Survivors,
		"iterations", r.cfg.MaxIterations,
		"ranking_mode", r.cfg.RankingMode)

	// An explicit zero budget is a complete session with nothing in it.
	if r.cfg.MaxIterations == 0 {
		slog.InfoContext(ctx, "search: zero iteration budget, nothing to run",
			"session_id", r.tracker.SessionID())
		return nil
	}

	stop := make(chan struct{})
	go r.logProgress(stop)
	defer close(stop)

	for i := 0; i < r.cfg.MaxIterations; i++ {
		if err := cancelled(ctx); err != nil {
			return err
		}
		if i > 0 && len(r.survivors) < 2 && r.cfg.Survivors > 1 {
			slog.InfoContext(ctx, "search: survivor pool collapsed, stopping early",
				"session_id", r.tracker.SessionID(), "iteration", i, "survivors", len(r.survivors))
			break
		}
		if err := r.iteration(ctx, i); err != nil {
			span.RecordError(err)
			return err
		}
	}

	if err := cancelled(ctx); err != nil {
		return err
	}
	return r.finalize(ctx)
}

// cancelled maps a dead context onto the fault taxonomy: user cancellation
// stays cancelled, a deadline becomes a timeout.
func cancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fault.Wrap(fault.KindOf(err), "search.run", err)
	}
	return nil
}

func (r *run) publish(ctx context.Context, ev ports.ProgressEvent) {
	ev.SessionID = r.tracker.SessionID()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	r.sched.notifier.Publish(ctx, ev)
}

// logProgress reports in-flight iteration state while the session runs, so
// a long generation phase is visibly alive in the logs.
func (r *run) logProgress(stop <-chan struct{}) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			slog.Info("search: in flight",
				"session_id", r.tracker.SessionID(),
				"iteration", r.iterNum.Load(),
				"candidates_done", r.doneCount.Load(),
				"candidates_planned", r.planned.Load())
		}
	}
}
