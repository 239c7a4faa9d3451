package search

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/atelierlabs/atelier/internal/adapters/metrics"
	"github.com/atelierlabs/atelier/internal/domain/models"
	"github.com/atelierlabs/atelier/internal/fault"
	"github.com/atelierlabs/atelier/internal/ports"
	"github.com/atelierlabs/atelier/internal/providers"
	"github.com/atelierlabs/atelier/internal/session"
)

// seed is one planned candidate slot. A nil parent means cold start: both
// prompt halves come from expanding the user prompt.
type seed struct {
	id     int
	parent *survivor
}

// outcome is what one candidate worker hands back to the iteration driver.
type outcome struct {
	id    int
	what  string
	how   string
	image string
	eval  *models.Evaluation
	score *float64
	err   error
}

func (r *run) iteration(ctx context.Context, number int) error {
	dim := r.sched.dimension(number)

	ctx, span := tracer.Start(ctx, "search.iteration")
	span.SetAttributes(
		attribute.Int("iteration.number", number),
		attribute.String("iteration.dimension", string(dim)),
	)
	defer span.End()

	metrics.IterationsTotal.Inc()

	seeds := r.plan(number)
	r.iterNum.Store(int64(number))
	r.planned.Store(int64(len(seeds)))
	r.doneCount.Store(0)

	slog.InfoContext(ctx, "search: iteration started",
		"session_id", r.tracker.SessionID(),
		"iteration", number,
		"dimension", dim,
		"candidates", len(seeds))
	r.publish(ctx, ports.ProgressEvent{
		Status:    ports.StatusInfo,
		Stage:     "generation",
		Message:   fmt.Sprintf("iteration %d: generating %d candidates (%s)", number, len(seeds), dim),
		Iteration: number,
	})

	outcomes := make([]outcome, len(seeds))
	g := new(errgroup.Group)
	g.SetLimit(r.cfg.WorkerPoolSize)
	for idx, sd := range seeds {
		g.Go(func() error {
			outcomes[idx] = r.processCandidate(ctx, number, dim, sd)
			r.doneCount.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	if err := cancelled(ctx); err != nil {
		return err
	}

	var done []outcome
	var firstErr error
	for _, o := range outcomes {
		switch {
		case o.err == nil:
			done = append(done, o)
		case fault.IsKind(o.err, fault.Fatal):
			return o.err
		default:
			if firstErr == nil {
				firstErr = o.err
			}
		}
	}
	if len(done) == 0 {
		return fault.Wrapf(fault.KindOf(firstErr), "search.iteration", firstErr,
			"iteration %d produced no candidates", number)
	}
	if len(done) < len(seeds) {
		slog.WarnContext(ctx, "search: iteration degraded",
			"session_id", r.tracker.SessionID(),
			"iteration", number,
			"completed", len(done),
			"planned", len(seeds))
	}

	if r.cfg.RankingMode == models.RankingModeScore {
		return r.selectByScore(ctx, number, done)
	}
	return r.rankAndSelect(ctx, number, done)
}

// plan lays out the iteration's candidate slots. Cold start seeds every
// slot from the user prompt; warm iterations deal children round-robin
// over the survivors in ascending candidate id order, so an uneven
// beam-to-survivor ratio splits deterministically.
func (r *run) plan(number int) []seed {
	seeds := make([]seed, r.cfg.BeamWidth)
	if number == 0 {
		for i := range seeds {
			seeds[i] = seed{id: i}
		}
		return seeds
	}

	parents := make([]survivor, len(r.survivors))
	copy(parents, r.survivors)
	sort.Slice(parents, func(i, j int) bool {
		return parents[i].ref.CandidateID < parents[j].ref.CandidateID
	})

	for i := range seeds {
		seeds[i] = seed{id: i, parent: &parents[i%len(parents)]}
	}
	return seeds
}

// processCandidate runs one candidate through the full pipeline: prompt
// construction, attempt record, combine, image generation, canonical copy
// and the completion update. Failures after the attempt record mark the
// candidate failed and never abort the iteration.
func (r *run) processCandidate(ctx context.Context, number int, dim models.Dimension, sd seed) outcome {
	ctx, span := tracer.Start(ctx, "search.candidate")
	span.SetAttributes(
		attribute.Int("iteration.number", number),
		attribute.Int("candidate.id", sd.id),
	)
	defer span.End()

	set := r.sched.source.Current()
	out := outcome{id: sd.id}

	var parentID *int
	var crit *models.Critique
	var err error
	if sd.parent == nil {
		out.what, out.how, err = r.expandBoth(ctx, set)
	} else {
		pid := sd.parent.ref.CandidateID
		parentID = &pid
		crit = sd.parent.critique
		out.what, out.how, err = r.branch(ctx, set, dim, sd.parent)
	}
	if err != nil {
		span.RecordError(err)
		out.err = err
		r.candidateFailed(ctx, number, sd.id, false, err)
		return out
	}

	if err := r.tracker.RecordAttempt(ctx, session.AttemptRecord{
		Iteration:   number,
		CandidateID: sd.id,
		ParentID:    parentID,
		WhatPrompt:  out.what,
		HowPrompt:   out.how,
		Dimension:   dim,
		Critique:    crit,
	}); err != nil {
		span.RecordError(err)
		out.err = err
		return out
	}

	combined, negative, err := r.combine(ctx, set, out.what, out.how)
	if err != nil {
		span.RecordError(err)
		out.err = err
		r.candidateFailed(ctx, number, sd.id, true, err)
		return out
	}

	res, finalPrompt, err := r.generate(ctx, set, combined, ports.ImageOptions{
		Width:          r.sched.cfg.Image.Width,
		Height:         r.sched.cfg.Image.Height,
		Steps:          r.sched.cfg.Image.Steps,
		Guidance:       r.sched.cfg.Image.Guidance,
		Seed:           r.seedFor(number, sd.id),
		NegativePrompt: negative,
		SessionID:      r.tracker.SessionID(),
		Iteration:      number,
		CandidateID:    sd.id,
	})
	if err != nil {
		span.RecordError(err)
		out.err = err
		r.candidateFailed(ctx, number, sd.id, true, err)
		return out
	}

	img, err := r.stage(res, number, sd.id)
	if err != nil {
		span.RecordError(err)
		out.err = err
		r.candidateFailed(ctx, number, sd.id, true, err)
		return out
	}
	out.image = img.LocalPath

	if r.cfg.RankingMode == models.RankingModeScore {
		eval, aerr := set.Vision.Analyze(ctx, out.image, r.req.Prompt)
		if aerr != nil {
			span.RecordError(aerr)
			out.err = aerr
			r.candidateFailed(ctx, number, sd.id, true, aerr)
			return out
		}
		score := eval.TotalScore(r.cfg.Alpha)
		out.eval, out.score = eval, &score
	}

	if err := r.tracker.UpdateAttemptWithResults(ctx, number, sd.id, session.Results{
		Combined:       finalPrompt,
		NegativePrompt: negative,
		Image:          img,
		Evaluation:     out.eval,
		TotalScore:     out.score,
	}); err != nil {
		span.RecordError(err)
		out.err = err
		return out
	}

	cid := sd.id
	r.publish(ctx, ports.ProgressEvent{
		Status:      ports.StatusProgress,
		Stage:       "generation",
		Message:     fmt.Sprintf("candidate %d generated", sd.id),
		Iteration:   number,
		CandidateID: &cid,
		Progress:    float64(r.doneCount.Load()+1) / float64(r.planned.Load()),
	})
	return out
}

// candidateFailed records a per-candidate failure without touching the
// rest of the iteration. Nothing is written once the context is dead or
// when the candidate never made it into the document.
func (r *run) candidateFailed(ctx context.Context, number, id int, recorded bool, err error) {
	if ctx.Err() != nil {
		return
	}
	slog.WarnContext(ctx, "search: candidate failed",
		"session_id", r.tracker.SessionID(),
		"iteration", number,
		"candidate", id,
		"kind", fault.KindOf(err),
		"error", err)
	cid := id
	r.publish(ctx, ports.ProgressEvent{
		Status:      ports.StatusError,
		Stage:       "generation",
		Message:     err.Error(),
		Iteration:   number,
		CandidateID: &cid,
	})
	if !recorded {
		return
	}
	if merr := r.tracker.MarkCandidateFailed(ctx, number, id, err.Error()); merr != nil {
		slog.WarnContext(ctx, "search: recording candidate failure failed",
			"session_id", r.tracker.SessionID(), "iteration", number, "candidate", id, "error", merr)
	}
}

func (r *run) expandBoth(ctx context.Context, set *providers.Set) (what, how string, err error) {
	what, err = r.expand(ctx, set, models.DimensionWhat)
	if err != nil {
		return "", "", err
	}
	how, err = r.expand(ctx, set, models.DimensionHow)
	if err != nil {
		return "", "", err
	}
	return what, how, nil
}

func (r *run) expand(ctx context.Context, set *providers.Set, dim models.Dimension) (string, error) {
	res, err := set.LLM.Expand(ctx, r.req.Prompt, ports.ExpandOptions{
		Dimension:       dim,
		Style:           r.req.Style,
		Descriptiveness: r.req.Descriptiveness,
	})
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// branch derives a child's prompt pair from its parent: the targeted half
// is refined under the parent's critique, the other half carries over. A
// parent without a critique is reused as-is; temperature still varies the
// downstream combine and generation.
func (r *run) branch(ctx context.Context, set *providers.Set, dim models.Dimension, parent *survivor) (what, how string, err error) {
	what, how = parent.what, parent.how
	if parent.critique == nil {
		slog.WarnContext(ctx, "search: survivor has no critique, branching unrefined",
			"session_id", r.tracker.SessionID(),
			"parent_iteration", parent.ref.Iteration,
			"parent_candidate", parent.ref.CandidateID)
		return what, how, nil
	}

	current := what
	if dim == models.DimensionHow {
		current = how
	}
	res, err := set.LLM.Refine(ctx, current, ports.RefineOptions{
		Dimension:          dim,
		Critique:           parent.critique,
		OriginalUserPrompt: r.req.Prompt,
		Style:              r.req.Style,
	})
	if err != nil {
		return "", "", err
	}
	if dim == models.DimensionHow {
		return what, res.Text, nil
	}
	return res.Text, how, nil
}

// combine fuses the prompt halves under the moderation refiner. The
// content half is what gets rewritten on a refusal; the style half is
// carried unchanged into every attempt.
func (r *run) combine(ctx context.Context, set *providers.Set, what, how string) (text, negative string, err error) {
	call := func(ctx context.Context, contentPrompt string) error {
		res, cerr := set.LLM.Combine(ctx, contentPrompt, how, ports.CombineOptions{
			Style:           r.req.Style,
			Descriptiveness: r.req.Descriptiveness,
		})
		if cerr != nil {
			return cerr
		}
		text, negative = res.Text, res.NegativePrompt
		return nil
	}
	if r.sched.refiner == nil {
		err = call(ctx, what)
		return text, negative, err
	}
	_, err = r.sched.refiner.Run(ctx, what, call)
	return text, negative, err
}

// generate renders the combined prompt under the moderation refiner and
// returns the prompt that finally passed, which is what the candidate
// record stores as its combined prompt.
func (r *run) generate(ctx context.Context, set *providers.Set, combined string, opts ports.ImageOptions) (*ports.ImageResult, string, error) {
	var res *ports.ImageResult
	call := func(ctx context.Context, p string) error {
		g, gerr := set.Image.Generate(ctx, p, opts)
		if gerr != nil {
			return gerr
		}
		res = g
		return nil
	}
	if r.sched.refiner == nil {
		err := call(ctx, combined)
		return res, combined, err
	}
	final, err := r.sched.refiner.Run(ctx, combined, call)
	return res, final, err
}

// seedFor derives a distinct per-candidate seed from the request seed so a
// fixed seed still produces distinct images across the beam.
func (r *run) seedFor(number, candidateID int) *int64 {
	if r.req.Seed == nil {
		return nil
	}
	v := *r.req.Seed + int64(number*r.cfg.BeamWidth+candidateID)
	return &v
}

// stage copies provider scratch output into the session directory, which
// is the canonical location everything downstream refers to.
func (r *run) stage(res *ports.ImageResult, number, candidateID int) (models.ImageRef, error) {
	paths := r.tracker.Paths()

	dst := paths.Image(number, candidateID)
	if err := copyFile(res.LocalPath, dst); err != nil {
		return models.ImageRef{}, fault.Wrapf(fault.Fatal, "search.stage", err,
			"staging image for i%d:c%d", number, candidateID)
	}
	ref := models.ImageRef{URL: res.URL, LocalPath: dst}

	if res.BaseImagePath != "" {
		base := paths.BaseImage(number, candidateID)
		if err := copyFile(res.BaseImagePath, base); err != nil {
			return models.ImageRef{}, fault.Wrapf(fault.Fatal, "search.stage", err,
				"staging base image for i%d:c%d", number, candidateID)
		}
		ref.BaseImagePath = base
	}
	return ref, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
