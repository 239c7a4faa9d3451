package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelierlabs/atelier/internal/domain/models"
	"github.com/atelierlabs/atelier/internal/fault"
)

func newTestTracker(t *testing.T) (*Tracker, Paths) {
	t.Helper()
	layout := NewLayout(t.TempDir())
	created := time.Date(2025, 3, 9, 10, 11, 12, 0, time.UTC)
	sess := models.NewSession("ses-101112", created, "a red fox in snow", models.SearchConfig{
		BeamWidth:      4,
		Survivors:      2,
		MaxIterations:  3,
		Alpha:          0.7,
		EnsembleSize:   3,
		RankingMode:    models.RankingModePairwise,
		WorkerPoolSize: 2,
	})
	tr := NewTracker(layout, sess)
	t.Cleanup(tr.Close)
	require.NoError(t, tr.Initialize(context.Background()))
	return tr, layout.For("ses-101112", created)
}

func attempt(iter, id int, parent *int) AttemptRecord {
	return AttemptRecord{
		Iteration:   iter,
		CandidateID: id,
		ParentID:    parent,
		WhatPrompt:  fmt.Sprintf("what-%d-%d", iter, id),
		HowPrompt:   fmt.Sprintf("how-%d-%d", iter, id),
		Dimension:   models.DimensionFor(iter),
	}
}

func generated(p Paths, iter, id int) Results {
	return Results{
		Combined: fmt.Sprintf("combined-%d-%d", iter, id),
		Image:    models.ImageRef{LocalPath: p.Image(iter, id)},
	}
}

func intPtr(v int) *int { return &v }

func TestInitializeWritesSkeleton(t *testing.T) {
	_, paths := newTestTracker(t)

	sess, err := LoadSession(paths.Metadata())
	require.NoError(t, err)
	assert.Equal(t, "ses-101112", sess.SessionID)
	assert.Equal(t, "a red fox in snow", sess.OriginalPrompt)
	assert.Equal(t, models.SessionStatusRunning, sess.Status)
	assert.Equal(t, 4, sess.Config.BeamWidth)
	assert.Empty(t, sess.Iterations)
	assert.Nil(t, sess.FinalWinner)
}

func TestInitializeRefusesExistingSession(t *testing.T) {
	layout := NewLayout(t.TempDir())
	created := time.Date(2025, 3, 9, 10, 11, 12, 0, time.UTC)

	first := NewTracker(layout, models.NewSession("ses-101112", created, "p", models.SearchConfig{}))
	t.Cleanup(first.Close)
	require.NoError(t, first.Initialize(context.Background()))

	second := NewTracker(layout, models.NewSession("ses-101112", created, "p", models.SearchConfig{}))
	t.Cleanup(second.Close)
	err := second.Initialize(context.Background())
	require.Error(t, err)
	assert.Equal(t, fault.InvalidArgument, fault.KindOf(err))
}

func TestAttemptPersistedBeforeResults(t *testing.T) {
	tr, paths := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.RecordAttempt(ctx, attempt(0, 0, nil)))

	// Simulate a crash between attempt and update: re-read straight from
	// disk with no further writes.
	sess, err := LoadSession(paths.Metadata())
	require.NoError(t, err)
	require.Len(t, sess.Iterations, 1)

	it := sess.Iterations[0]
	assert.Equal(t, 0, it.Number)
	assert.Equal(t, models.DimensionWhat, it.Dimension)
	require.Len(t, it.Candidates, 1)

	c := it.Candidates[0]
	assert.Equal(t, models.CandidateStatusAttempted, c.Status)
	assert.Equal(t, "what-0-0", c.WhatPrompt)
	assert.Equal(t, "how-0-0", c.HowPrompt)
	assert.Nil(t, c.Combined)
	assert.Nil(t, c.Image)
	assert.Nil(t, c.Survived)
}

func TestRecordAttemptRejectsBadInput(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	t.Run("invalid dimension", func(t *testing.T) {
		rec := attempt(0, 0, nil)
		rec.Dimension = "vibes"
		err := tr.RecordAttempt(ctx, rec)
		assert.Equal(t, fault.InvalidArgument, fault.KindOf(err))
	})

	t.Run("duplicate candidate id", func(t *testing.T) {
		require.NoError(t, tr.RecordAttempt(ctx, attempt(0, 1, nil)))
		err := tr.RecordAttempt(ctx, attempt(0, 1, nil))
		assert.Equal(t, fault.InvalidArgument, fault.KindOf(err))
	})

	t.Run("missing parent", func(t *testing.T) {
		err := tr.RecordAttempt(ctx, attempt(1, 0, intPtr(42)))
		assert.Equal(t, fault.InvalidArgument, fault.KindOf(err))
	})
}

func TestUpdateAttemptWithResultsIdempotent(t *testing.T) {
	tr, paths := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.RecordAttempt(ctx, attempt(0, 0, nil)))
	res := generated(paths, 0, 0)
	res.NegativePrompt = "blurry, deformed"

	require.NoError(t, tr.UpdateAttemptWithResults(ctx, 0, 0, res))
	first, err := os.ReadFile(paths.Metadata())
	require.NoError(t, err)

	require.NoError(t, tr.UpdateAttemptWithResults(ctx, 0, 0, res))
	second, err := os.ReadFile(paths.Metadata())
	require.NoError(t, err)

	assert.Equal(t, first, second, "identical update must leave identical bytes")

	sess, err := LoadSession(paths.Metadata())
	require.NoError(t, err)
	c := sess.Iterations[0].Candidates[0]
	assert.Equal(t, models.CandidateStatusCompleted, c.Status)
	require.NotNil(t, c.Combined)
	assert.Equal(t, "combined-0-0", *c.Combined)
	require.NotNil(t, c.NegativePrompt)
	assert.Equal(t, "blurry, deformed", *c.NegativePrompt)
	require.NotNil(t, c.Image)
	assert.Equal(t, paths.Image(0, 0), c.Image.LocalPath)
}

func TestUpdateAttemptWithResultsValidation(t *testing.T) {
	tr, paths := newTestTracker(t)
	ctx := context.Background()
	require.NoError(t, tr.RecordAttempt(ctx, attempt(0, 0, nil)))

	t.Run("missing combined", func(t *testing.T) {
		res := generated(paths, 0, 0)
		res.Combined = ""
		err := tr.UpdateAttemptWithResults(ctx, 0, 0, res)
		assert.Equal(t, fault.InvalidArgument, fault.KindOf(err))
	})

	t.Run("missing image path", func(t *testing.T) {
		res := generated(paths, 0, 0)
		res.Image.LocalPath = ""
		err := tr.UpdateAttemptWithResults(ctx, 0, 0, res)
		assert.Equal(t, fault.InvalidArgument, fault.KindOf(err))
	})

	t.Run("unknown candidate", func(t *testing.T) {
		err := tr.UpdateAttemptWithResults(ctx, 0, 9, generated(paths, 0, 9))
		assert.Equal(t, fault.InvalidArgument, fault.KindOf(err))
	})
}

func pairFact(iterA, candA, iterB, candB int, combinedA, combinedB float64) models.ComparisonFact {
	winner := "A"
	if combinedB < combinedA {
		winner = "B"
	}
	return models.ComparisonFact{
		IDA:       models.GraphKey(iterA, candA),
		IDB:       models.GraphKey(iterB, candB),
		Winner:    winner,
		RanksA:    &models.Ranks{Alignment: 1, Aesthetics: 2, Combined: combinedA},
		RanksB:    &models.Ranks{Alignment: 2, Aesthetics: 1, Combined: combinedB},
		Timestamp: time.Date(2025, 3, 9, 10, 30, 0, 0, time.UTC),
	}
}

func TestEnrichRecomputesBestByLowestMeanCombined(t *testing.T) {
	tr, paths := newTestTracker(t)
	ctx := context.Background()

	for id := 0; id < 2; id++ {
		require.NoError(t, tr.RecordAttempt(ctx, attempt(0, id, nil)))
		require.NoError(t, tr.UpdateAttemptWithResults(ctx, 0, id, generated(paths, 0, id)))
	}

	fact := pairFact(0, 0, 0, 1, 1.3, 1.7)

	require.NoError(t, tr.EnrichCandidateWithRankingData(ctx, 0, 1, RankingData{
		Comparisons:        []models.ComparisonFact{fact},
		AggregatedFeedback: &models.AggregatedFeedback{Weaknesses: []string{"flat lighting"}},
	}))
	require.NoError(t, tr.EnrichCandidateWithRankingData(ctx, 0, 0, RankingData{
		Comparisons:        []models.ComparisonFact{fact},
		AggregatedFeedback: &models.AggregatedFeedback{Strengths: []string{"crisp subject"}},
		Critique: &models.Critique{
			Critique:       "subject reads clearly",
			Recommendation: "push the falling snow further into the foreground",
			Reason:         "depth cue was the winning margin",
			Dimension:      models.DimensionWhat,
		},
	}))

	sess, err := LoadSession(paths.Metadata())
	require.NoError(t, err)
	it := sess.Iterations[0]
	require.NotNil(t, it.BestCandidateID)
	assert.Equal(t, 0, *it.BestCandidateID)
	require.NotNil(t, it.BestScore)
	assert.InDelta(t, 1.3, *it.BestScore, 1e-9)

	c0 := it.FindCandidate(0)
	require.NotNil(t, c0.AggregatedFeedback)
	assert.Equal(t, []string{"crisp subject"}, c0.AggregatedFeedback.Strengths)
	require.NotNil(t, c0.Critique)
	assert.Equal(t, models.DimensionWhat, c0.Critique.Dimension)
}

func TestEnrichRequiresCompletedCandidate(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()
	require.NoError(t, tr.RecordAttempt(ctx, attempt(0, 0, nil)))

	err := tr.EnrichCandidateWithRankingData(ctx, 0, 0, RankingData{})
	assert.Equal(t, fault.InvalidArgument, fault.KindOf(err))
}

func TestMarkSurvivorsFlagsOnlyCompleted(t *testing.T) {
	tr, paths := newTestTracker(t)
	ctx := context.Background()

	for id := 0; id < 3; id++ {
		require.NoError(t, tr.RecordAttempt(ctx, attempt(0, id, nil)))
	}
	require.NoError(t, tr.UpdateAttemptWithResults(ctx, 0, 0, generated(paths, 0, 0)))
	require.NoError(t, tr.UpdateAttemptWithResults(ctx, 0, 1, generated(paths, 0, 1)))
	require.NoError(t, tr.MarkCandidateFailed(ctx, 0, 2, "image generation failed"))

	require.NoError(t, tr.MarkSurvivors(ctx, 0, []int{0}))

	sess, err := LoadSession(paths.Metadata())
	require.NoError(t, err)
	it := sess.Iterations[0]

	require.NotNil(t, it.FindCandidate(0).Survived)
	assert.True(t, *it.FindCandidate(0).Survived)
	require.NotNil(t, it.FindCandidate(1).Survived)
	assert.False(t, *it.FindCandidate(1).Survived)
	assert.Nil(t, it.FindCandidate(2).Survived)
	assert.Equal(t, models.CandidateStatusFailed, it.FindCandidate(2).Status)
	assert.Equal(t, "image generation failed", it.FindCandidate(2).FailureReason)

	t.Run("unknown survivor", func(t *testing.T) {
		err := tr.MarkSurvivors(ctx, 0, []int{9})
		assert.Equal(t, fault.InvalidArgument, fault.KindOf(err))
	})

	t.Run("failed survivor", func(t *testing.T) {
		err := tr.MarkSurvivors(ctx, 0, []int{2})
		assert.Equal(t, fault.InvalidArgument, fault.KindOf(err))
	})
}

func TestScoreModeBestUsesHighestTotal(t *testing.T) {
	tr, paths := newTestTracker(t)
	ctx := context.Background()

	scores := []float64{7.2, 8.1}
	for id, score := range scores {
		require.NoError(t, tr.RecordAttempt(ctx, attempt(0, id, nil)))
		res := generated(paths, 0, id)
		res.Evaluation = &models.Evaluation{Alignment: 85, Aesthetic: 8, Analysis: "solid"}
		s := score
		res.TotalScore = &s
		require.NoError(t, tr.UpdateAttemptWithResults(ctx, 0, id, res))
	}

	sess, err := LoadSession(paths.Metadata())
	require.NoError(t, err)
	it := sess.Iterations[0]
	require.NotNil(t, it.BestCandidateID)
	assert.Equal(t, 1, *it.BestCandidateID)
	assert.InDelta(t, 8.1, *it.BestScore, 1e-9)
}

func TestMarkFinalWinnerComputesLineage(t *testing.T) {
	tr, paths := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.RecordAttempt(ctx, attempt(0, 0, nil)))
	require.NoError(t, tr.RecordAttempt(ctx, attempt(0, 1, nil)))
	require.NoError(t, tr.UpdateAttemptWithResults(ctx, 0, 1, generated(paths, 0, 1)))
	require.NoError(t, tr.RecordAttempt(ctx, attempt(1, 3, intPtr(1))))
	require.NoError(t, tr.UpdateAttemptWithResults(ctx, 1, 3, generated(paths, 1, 3)))
	require.NoError(t, tr.RecordAttempt(ctx, attempt(2, 2, intPtr(3))))
	require.NoError(t, tr.UpdateAttemptWithResults(ctx, 2, 2, generated(paths, 2, 2)))

	require.NoError(t, tr.MarkFinalWinner(ctx, models.FinalWinner{Iteration: 2, CandidateID: 2}))

	sess, err := LoadSession(paths.Metadata())
	require.NoError(t, err)
	require.NotNil(t, sess.FinalWinner)
	assert.Equal(t, 2, sess.FinalWinner.Iteration)
	assert.Equal(t, 2, sess.FinalWinner.CandidateID)
	assert.Nil(t, sess.FinalWinner.TotalScore)

	want := []models.CandidateRef{
		{Iteration: 0, CandidateID: 1},
		{Iteration: 1, CandidateID: 3},
		{Iteration: 2, CandidateID: 2},
	}
	assert.Equal(t, want, sess.Lineage)
}

func TestRankingsSatellite(t *testing.T) {
	tr, paths := newTestTracker(t)
	ctx := context.Background()

	rows := []models.RankingRecord{
		{CandidateID: 1, Rank: 1, Wins: 3, Losses: 0},
		{CandidateID: 0, Rank: 2, Wins: 2, Losses: 1},
	}
	require.NoError(t, tr.RecordIterationRanking(ctx, 0, rows))
	require.NoError(t, tr.RecordFinalGlobalRanking(ctx, []models.GlobalRank{
		{Iteration: 1, CandidateID: 3, Rank: 1, Wins: 2},
		{Iteration: 0, CandidateID: 1, Rank: 2, Wins: 1, Losses: 1},
	}))

	doc, err := LoadRankings(paths.Rankings())
	require.NoError(t, err)
	assert.Equal(t, rows, doc.Iterations["0"])
	require.Len(t, doc.Final, 2)
	assert.Equal(t, 3, doc.Final[0].CandidateID)
}

func TestPersistTokensFromLedger(t *testing.T) {
	tr, paths := newTestTracker(t)
	ctx := context.Background()

	ledger := NewTokenLedger()
	ledger.Add("expand", 120, 30)
	ledger.Add("expand", 80, 20)
	ledger.Add("compare", 50, 5)

	require.NoError(t, tr.PersistTokens(ctx, ledger.Stats()))

	stats, err := LoadTokens(paths.Tokens())
	require.NoError(t, err)
	assert.Equal(t, models.OpTokens{Calls: 2, PromptTokens: 200, CompletionTokens: 50}, stats.Operations["expand"])
	assert.Equal(t, models.OpTokens{Calls: 1, PromptTokens: 50, CompletionTokens: 5}, stats.Operations["compare"])
	assert.Equal(t, models.OpTokens{Calls: 3, PromptTokens: 250, CompletionTokens: 55}, stats.Totals)
}

func TestMarkSessionFailedRecordsStructuredError(t *testing.T) {
	tr, paths := newTestTracker(t)
	ctx := context.Background()

	cause := fault.Wrap(fault.ServiceUnavailable, "gpu.ensure", errors.New("connection refused"))
	require.NoError(t, tr.MarkSessionFailed(ctx, cause))

	sess, err := LoadSession(paths.Metadata())
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusFailed, sess.Status)
	require.NotNil(t, sess.Error)
	assert.Equal(t, "service_unavailable", sess.Error.Kind)
	assert.Equal(t, "gpu.ensure", sess.Error.Op)
	assert.Contains(t, sess.Error.Message, "connection refused")
}

func TestConcurrentAttemptsAllLand(t *testing.T) {
	tr, paths := newTestTracker(t)
	ctx := context.Background()

	const workers = 8
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			errs <- tr.RecordAttempt(ctx, attempt(0, id, nil))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	sess, err := LoadSession(paths.Metadata())
	require.NoError(t, err)
	require.Len(t, sess.Iterations, 1)
	require.Len(t, sess.Iterations[0].Candidates, workers)

	seen := map[int]bool{}
	for _, c := range sess.Iterations[0].Candidates {
		seen[c.CandidateID] = true
	}
	assert.Len(t, seen, workers)
}

func TestTrackerClosedRejectsOps(t *testing.T) {
	tr, _ := newTestTracker(t)
	tr.Close()

	err := tr.RecordAttempt(context.Background(), attempt(0, 0, nil))
	require.Error(t, err)
	assert.Equal(t, fault.Fatal, fault.KindOf(err))
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.RecordAttempt(ctx, attempt(0, 0, nil)))
	snap, err := tr.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Iterations, 1)

	// Mutating the snapshot must not leak into the tracked document.
	snap.Iterations[0].Candidates[0].WhatPrompt = "tampered"

	again, err := tr.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "what-0-0", again.Iterations[0].Candidates[0].WhatPrompt)
}

func TestTrackerCancelledContext(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := tr.RecordAttempt(ctx, attempt(0, 0, nil))
	require.ErrorIs(t, err, context.Canceled)
}
