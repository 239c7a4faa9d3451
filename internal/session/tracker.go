package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"

	"github.com/atelierlabs/atelier/internal/adapters/metrics"
	"github.com/atelierlabs/atelier/internal/domain/models"
	"github.com/atelierlabs/atelier/internal/fault"
)

// AttemptRecord is everything known about a candidate before any risky work
// starts. Critique, when set, is the guidance the attempt was built from.
type AttemptRecord struct {
	Iteration   int
	CandidateID int
	ParentID    *int
	WhatPrompt  string
	HowPrompt   string
	Dimension   models.Dimension
	Critique    *models.Critique
}

// Results carries the outcome of a completed generation. Evaluation and
// TotalScore stay nil in ranking mode.
type Results struct {
	Combined       string
	NegativePrompt string
	Image          models.ImageRef
	Evaluation     *models.Evaluation
	TotalScore     *float64
}

// RankingData carries what ranking produced for one candidate. Critique,
// when set, replaces the candidate's recorded critique.
type RankingData struct {
	Comparisons        []models.ComparisonFact
	AggregatedFeedback *models.AggregatedFeedback
	Critique           *models.Critique
}

type trackerOp struct {
	apply func() error
	reply chan error
}

// Tracker owns one session's on-disk documents. Every mutation flows
// through a single-lane queue: one goroutine applies ops in arrival order
// and rewrites the whole target document atomically, so concurrent
// candidate workers never interleave file writes and a crash never leaves a
// torn file.
type Tracker struct {
	paths    Paths
	session  *models.Session
	rankings *models.RankingsDoc
	tokens   *models.TokenStats

	ops  chan trackerOp
	quit chan struct{}
	done chan struct{}

	closeOnce sync.Once
}

// NewTracker wraps a session document and starts the write queue. Close
// must be called to stop it.
func NewTracker(layout Layout, sess *models.Session) *Tracker {
	t := &Tracker{
		paths:    layout.For(sess.SessionID, sess.CreatedAt),
		session:  sess,
		rankings: models.NewRankingsDoc(),
		tokens:   &models.TokenStats{Operations: map[string]models.OpTokens{}},
		ops:      make(chan trackerOp),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go t.drain()
	return t
}

func (t *Tracker) drain() {
	defer close(t.done)
	for {
		select {
		case op := <-t.ops:
			op.reply <- op.apply()
		case <-t.quit:
			// A submitter may have won its send just as quit closed.
			for {
				select {
				case op := <-t.ops:
					op.reply <- op.apply()
				default:
					return
				}
			}
		}
	}
}

// Close stops the write queue after the op in flight finishes. Safe to call
// more than once.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() { close(t.quit) })
	<-t.done
}

// do submits one op and waits for it to be applied and fsynced.
func (t *Tracker) do(ctx context.Context, apply func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	op := trackerOp{apply: apply, reply: make(chan error, 1)}
	select {
	case t.ops <- op:
	case <-t.quit:
		return fault.New(fault.Fatal, "session.tracker", "tracker closed")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-op.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SessionID returns the tracked session's id.
func (t *Tracker) SessionID() string { return t.session.SessionID }

// Paths returns the session's resolved file locations.
func (t *Tracker) Paths() Paths { return t.paths }

// Initialize creates the session directory and writes the skeleton
// document. It refuses to clobber an existing session.
func (t *Tracker) Initialize(ctx context.Context) error {
	return t.do(ctx, func() error {
		if err := os.MkdirAll(t.paths.Dir(), 0o755); err != nil {
			return fault.Wrap(fault.Fatal, "session.init", err)
		}
		if _, err := os.Stat(t.paths.Metadata()); err == nil {
			return fault.Newf(fault.InvalidArgument, "session.init", "session %s already exists", t.session.SessionID)
		}
		if err := t.flushMetadata(); err != nil {
			return err
		}
		slog.Info("session: initialized", "session_id", t.session.SessionID, "dir", t.paths.Dir())
		return nil
	})
}

// RecordAttempt appends a candidate with status "attempted" and persists it
// before any generation work starts, so a crash leaves a recoverable trace.
func (t *Tracker) RecordAttempt(ctx context.Context, rec AttemptRecord) error {
	return t.do(ctx, func() error {
		if !rec.Dimension.Valid() {
			return fault.Newf(fault.InvalidArgument, "session.attempt", "invalid dimension %q", rec.Dimension)
		}
		if rec.ParentID != nil {
			parent := t.session.FindIteration(rec.Iteration - 1)
			if parent == nil || parent.FindCandidate(*rec.ParentID) == nil {
				return fault.Newf(fault.InvalidArgument, "session.attempt",
					"parent %d not found in iteration %d", *rec.ParentID, rec.Iteration-1)
			}
		}

		it := t.session.EnsureIteration(rec.Iteration, rec.Dimension)
		if it.FindCandidate(rec.CandidateID) != nil {
			return fault.Newf(fault.InvalidArgument, "session.attempt",
				"candidate %d already recorded in iteration %d", rec.CandidateID, rec.Iteration)
		}

		it.Candidates = append(it.Candidates, &models.Candidate{
			CandidateID: rec.CandidateID,
			ParentID:    rec.ParentID,
			WhatPrompt:  rec.WhatPrompt,
			HowPrompt:   rec.HowPrompt,
			Critique:    rec.Critique,
			Status:      models.CandidateStatusAttempted,
		})
		return t.flushMetadata()
	})
}

// UpdateAttemptWithResults transitions a candidate to "completed" and fills
// in what generation produced. Calling it twice with identical input leaves
// identical bytes on disk.
func (t *Tracker) UpdateAttemptWithResults(ctx context.Context, iteration, candidateID int, res Results) error {
	return t.do(ctx, func() error {
		if res.Combined == "" {
			return fault.New(fault.InvalidArgument, "session.update", "completed candidate needs a combined prompt")
		}
		if res.Image.LocalPath == "" {
			return fault.New(fault.InvalidArgument, "session.update", "completed candidate needs an image path")
		}
		it, c, err := t.findCandidate(iteration, candidateID)
		if err != nil {
			return err
		}

		combined := res.Combined
		c.Combined = &combined
		c.NegativePrompt = nil
		if res.NegativePrompt != "" {
			np := res.NegativePrompt
			c.NegativePrompt = &np
		}
		img := res.Image
		c.Image = &img
		c.Evaluation = res.Evaluation
		c.TotalScore = res.TotalScore
		if c.Status != models.CandidateStatusCompleted {
			c.Status = models.CandidateStatusCompleted
			metrics.CandidatesTotal.WithLabelValues(string(models.CandidateStatusCompleted)).Inc()
		}

		t.recomputeBest(it)
		return t.flushMetadata()
	})
}

// EnrichCandidateWithRankingData attaches ranking outputs to a completed
// candidate and recomputes the iteration's best from the updated picture.
func (t *Tracker) EnrichCandidateWithRankingData(ctx context.Context, iteration, candidateID int, data RankingData) error {
	return t.do(ctx, func() error {
		it, c, err := t.findCandidate(iteration, candidateID)
		if err != nil {
			return err
		}
		if c.Status != models.CandidateStatusCompleted {
			return fault.Newf(fault.InvalidArgument, "session.enrich",
				"candidate %d in iteration %d is %s, not completed", candidateID, iteration, c.Status)
		}

		c.Comparisons = data.Comparisons
		c.AggregatedFeedback = data.AggregatedFeedback
		if data.Critique != nil {
			c.Critique = data.Critique
		}

		t.recomputeBest(it)
		return t.flushMetadata()
	})
}

// MarkSurvivors records the selection outcome: completed candidates get an
// explicit survived flag, candidates that never completed stay undecided.
func (t *Tracker) MarkSurvivors(ctx context.Context, iteration int, survivorIDs []int) error {
	return t.do(ctx, func() error {
		it := t.session.FindIteration(iteration)
		if it == nil {
			return fault.Newf(fault.InvalidArgument, "session.survivors", "unknown iteration %d", iteration)
		}

		chosen := make(map[int]struct{}, len(survivorIDs))
		for _, id := range survivorIDs {
			c := it.FindCandidate(id)
			if c == nil {
				return fault.Newf(fault.InvalidArgument, "session.survivors",
					"survivor %d not found in iteration %d", id, iteration)
			}
			if c.Status != models.CandidateStatusCompleted {
				return fault.Newf(fault.InvalidArgument, "session.survivors",
					"survivor %d in iteration %d is %s, not completed", id, iteration, c.Status)
			}
			chosen[id] = struct{}{}
		}

		for _, c := range it.Candidates {
			if c.Status != models.CandidateStatusCompleted {
				continue
			}
			survived := false
			if _, ok := chosen[c.CandidateID]; ok {
				survived = true
			}
			c.Survived = &survived
		}
		return t.flushMetadata()
	})
}

// MarkCandidateFailed records a candidate's terminal failure with its
// reason. Completed work elsewhere in the iteration is untouched.
func (t *Tracker) MarkCandidateFailed(ctx context.Context, iteration, candidateID int, reason string) error {
	return t.do(ctx, func() error {
		_, c, err := t.findCandidate(iteration, candidateID)
		if err != nil {
			return err
		}
		if c.Status != models.CandidateStatusFailed {
			c.Status = models.CandidateStatusFailed
			metrics.CandidatesTotal.WithLabelValues(string(models.CandidateStatusFailed)).Inc()
		}
		c.FailureReason = reason
		c.Survived = nil
		return t.flushMetadata()
	})
}

// RecordIterationRanking stores one iteration's ranking rows in the
// rankings satellite.
func (t *Tracker) RecordIterationRanking(ctx context.Context, iteration int, records []models.RankingRecord) error {
	return t.do(ctx, func() error {
		t.rankings.SetIteration(iteration, records)
		return writeJSONAtomic(t.paths.Rankings(), t.rankings)
	})
}

// RecordFinalGlobalRanking stores the cross-iteration ranking over every
// survivor.
func (t *Tracker) RecordFinalGlobalRanking(ctx context.Context, final []models.GlobalRank) error {
	return t.do(ctx, func() error {
		t.rankings.Final = final
		return writeJSONAtomic(t.paths.Rankings(), t.rankings)
	})
}

// MarkFinalWinner records the session's winner and derives its lineage by
// walking parent links back to the root.
func (t *Tracker) MarkFinalWinner(ctx context.Context, winner models.FinalWinner) error {
	return t.do(ctx, func() error {
		it := t.session.FindIteration(winner.Iteration)
		if it == nil || it.FindCandidate(winner.CandidateID) == nil {
			return fault.Newf(fault.InvalidArgument, "session.winner",
				"winner i%d:c%d not found", winner.Iteration, winner.CandidateID)
		}
		t.session.FinalWinner = &winner
		t.session.Lineage = t.session.ComputeLineage(models.CandidateRef{
			Iteration:   winner.Iteration,
			CandidateID: winner.CandidateID,
		})
		return t.flushMetadata()
	})
}

// PersistTokens replaces the token-usage satellite with the given stats.
func (t *Tracker) PersistTokens(ctx context.Context, stats models.TokenStats) error {
	return t.do(ctx, func() error {
		if stats.Operations == nil {
			stats.Operations = map[string]models.OpTokens{}
		}
		t.tokens = &stats
		return writeJSONAtomic(t.paths.Tokens(), t.tokens)
	})
}

// MarkSessionFailed records a terminal failure with its structured error.
func (t *Tracker) MarkSessionFailed(ctx context.Context, ferr error) error {
	return t.do(ctx, func() error {
		t.session.Status = models.SessionStatusFailed
		t.session.Error = sessionErrorFrom(ferr)
		metrics.SessionsTotal.WithLabelValues(string(models.SessionStatusFailed)).Inc()
		if err := t.flushMetadata(); err != nil {
			return err
		}
		slog.Warn("session: failed", "session_id", t.session.SessionID,
			"kind", t.session.Error.Kind, "error", t.session.Error.Message)
		return nil
	})
}

// MarkSessionStatus moves the session to a new lifecycle status.
func (t *Tracker) MarkSessionStatus(ctx context.Context, status models.SessionStatus) error {
	return t.do(ctx, func() error {
		t.session.Status = status
		if status == models.SessionStatusCompleted || status == models.SessionStatusCancelled {
			metrics.SessionsTotal.WithLabelValues(string(status)).Inc()
		}
		return t.flushMetadata()
	})
}

// Snapshot returns a deep copy of the session document, consistent with the
// write order at the moment the op drains.
func (t *Tracker) Snapshot(ctx context.Context) (*models.Session, error) {
	var out *models.Session
	err := t.do(ctx, func() error {
		data, err := json.Marshal(t.session)
		if err != nil {
			return err
		}
		out = &models.Session{}
		return json.Unmarshal(data, out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (t *Tracker) findCandidate(iteration, candidateID int) (*models.Iteration, *models.Candidate, error) {
	it := t.session.FindIteration(iteration)
	if it == nil {
		return nil, nil, fault.Newf(fault.InvalidArgument, "session.tracker", "unknown iteration %d", iteration)
	}
	c := it.FindCandidate(candidateID)
	if c == nil {
		return nil, nil, fault.Newf(fault.InvalidArgument, "session.tracker",
			"unknown candidate %d in iteration %d", candidateID, iteration)
	}
	return it, c, nil
}

// recomputeBest rescans the iteration so repeated per-candidate updates
// commute: scores prefer the highest total, ranks the lowest mean combined.
func (t *Tracker) recomputeBest(it *models.Iteration) {
	var bestID *int
	var bestScore *float64

	for _, c := range it.CompletedCandidates() {
		if c.TotalScore == nil {
			continue
		}
		if bestScore == nil || *c.TotalScore > *bestScore {
			id, score := c.CandidateID, *c.TotalScore
			bestID, bestScore = &id, &score
		}
	}

	if bestID == nil {
		for _, c := range it.CompletedCandidates() {
			mean, ok := meanCombined(c, models.GraphKey(it.Number, c.CandidateID))
			if !ok {
				continue
			}
			if bestScore == nil || mean < *bestScore {
				id, score := c.CandidateID, mean
				bestID, bestScore = &id, &score
			}
		}
	}

	it.BestCandidateID = bestID
	it.BestScore = bestScore
}

// meanCombined averages the candidate's combined rank over every comparison
// that recorded ranks for it.
func meanCombined(c *models.Candidate, key string) (float64, bool) {
	var sum float64
	var n int
	for _, f := range c.Comparisons {
		if r := f.RanksFor(key); r != nil {
			sum += r.Combined
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

func sessionErrorFrom(err error) *models.SessionError {
	se := &models.SessionError{
		Kind:    string(fault.KindOf(err)),
		Message: err.Error(),
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		se.Op = fe.Op
	}
	return se
}

func (t *Tracker) flushMetadata() error {
	return writeJSONAtomic(t.paths.Metadata(), t.session)
}
