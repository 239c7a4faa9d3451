package ranking

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelierlabs/atelier/internal/domain/models"
	"github.com/atelierlabs/atelier/internal/fault"
	"github.com/atelierlabs/atelier/internal/ports"
)

// scriptedComparator answers ComparePair from a decide func and counts
// calls. Safe for the parallel ensemble dispatch.
type scriptedComparator struct {
	mu     sync.Mutex
	calls  int
	decide func(first, second string) *ports.PairResult
	err    error
}

func (s *scriptedComparator) ComparePair(ctx context.Context, imageA, imageB, referencePrompt string, opts ports.CompareOptions) (*ports.PairResult, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.decide(imageA, imageB), nil
}

func (s *scriptedComparator) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func winA() *ports.PairResult {
	return &ports.PairResult{
		Winner: "A",
		RanksA: models.Ranks{Alignment: 1, Aesthetics: 1, Combined: 1},
		RanksB: models.Ranks{Alignment: 2, Aesthetics: 2, Combined: 2},
	}
}

func winB() *ports.PairResult {
	return &ports.PairResult{
		Winner: "B",
		RanksA: models.Ranks{Alignment: 2, Aesthetics: 2, Combined: 2},
		RanksB: models.Ranks{Alignment: 1, Aesthetics: 1, Combined: 1},
	}
}

func noFlip(e *Engine) { e.flip = func() bool { return false } }

func img(key string) Image { return Image{Key: key, Path: "/tmp/" + key + ".png"} }

func TestRankAllPairsUsesInference(t *testing.T) {
	// a beats b, then c beats a: the b-vs-c verdict must come from the
	// closure, not a third model call.
	comp := &scriptedComparator{decide: func(first, second string) *ports.PairResult {
		if strings.HasSuffix(second, "c.png") {
			return winB() // c wins its duel with a
		}
		return winA() // a vs b: a wins
	}}

	engine := NewEngine(comp, Options{EnsembleSize: 1})
	noFlip(engine)

	res, err := engine.Rank(context.Background(), []Image{img("a"), img("b"), img("c")}, "a fox")
	require.NoError(t, err)

	assert.Equal(t, 2, comp.callCount(), "third pair must be inferred")
	require.Len(t, res.Ranked, 3)
	assert.Equal(t, "c", res.Ranked[0].Key)
	assert.Equal(t, "a", res.Ranked[1].Key)
	assert.Equal(t, "b", res.Ranked[2].Key)

	winner, inferred, ok := res.Graph.CanInfer("c", "b")
	require.True(t, ok)
	assert.Equal(t, "c", winner)
	assert.True(t, inferred)
	assert.Len(t, res.Graph.DirectFacts(), 2)
	assert.Empty(t, res.Errors)
}

func TestRankCompleteOrderAndFeedback(t *testing.T) {
	// First image presented always wins; keys a < b < c by pair order.
	comp := &scriptedComparator{decide: func(first, second string) *ports.PairResult {
		r := winA()
		r.WinnerStrengths = []string{"sharp focus", "sharp focus", "strong palette"}
		r.LoserWeaknesses = []string{"muddy lighting"}
		return r
	}}

	engine := NewEngine(comp, Options{EnsembleSize: 1})
	noFlip(engine)

	res, err := engine.Rank(context.Background(), []Image{img("a"), img("b"), img("c")}, "ref")
	require.NoError(t, err)
	require.Len(t, res.Ranked, 3)

	for i, want := range []string{"a", "b", "c"} {
		assert.Equal(t, want, res.Ranked[i].Key)
		assert.Equal(t, i+1, res.Ranked[i].Rank)
	}

	// Strengths deduplicated for the repeat winner.
	assert.Equal(t, []string{"sharp focus", "strong palette"}, res.Ranked[0].Strengths)
	assert.Equal(t, []string{"muddy lighting"}, res.Ranked[2].Weaknesses)
	assert.Equal(t, 2, res.Ranked[0].Stats.Comparisons)
}

func TestEnsembleMapsFlippedVotesBack(t *testing.T) {
	// A comparator that always prefers the first image shown. With flips
	// [false, true, false], its positional bias yields a 2/3 majority for
	// the original first image, not a sweep.
	comp := &scriptedComparator{decide: func(first, second string) *ports.PairResult {
		return winA()
	}}

	engine := NewEngine(comp, Options{EnsembleSize: 3, Alpha: 0.7})
	flips := []bool{false, true, false}
	i := 0
	var mu sync.Mutex
	engine.flip = func() bool {
		mu.Lock()
		defer mu.Unlock()
		f := flips[i%len(flips)]
		i++
		return f
	}

	out, err := engine.compareWithEnsemble(context.Background(), img("a"), img("b"), "ref")
	require.NoError(t, err)
	assert.Equal(t, 3, comp.callCount())

	assert.Equal(t, "a", out.winnerKey)
	assert.InDelta(t, 2.0/3.0, out.confidence, 1e-9)

	// a won votes 0 and 2 (rank 1) and lost vote 1 (rank 2).
	assert.InDelta(t, 4.0/3.0, out.ranksA.Alignment, 1e-9)
	assert.InDelta(t, 5.0/3.0, out.ranksB.Alignment, 1e-9)
}

func TestEnsembleAlwaysSecondBiasAlsoDiluted(t *testing.T) {
	comp := &scriptedComparator{decide: func(first, second string) *ports.PairResult {
		return winB()
	}}

	engine := NewEngine(comp, Options{EnsembleSize: 3})
	flips := []bool{false, true, false}
	i := 0
	var mu sync.Mutex
	engine.flip = func() bool {
		mu.Lock()
		defer mu.Unlock()
		f := flips[i%len(flips)]
		i++
		return f
	}

	out, err := engine.compareWithEnsemble(context.Background(), img("a"), img("b"), "ref")
	require.NoError(t, err)

	// Mapped winners: b, a, b.
	assert.Equal(t, "b", out.winnerKey)
	assert.InDelta(t, 2.0/3.0, out.confidence, 1e-9)
}

func TestEnsembleCombinedRecomputedFromAveragedFactors(t *testing.T) {
	comp := &scriptedComparator{decide: func(first, second string) *ports.PairResult {
		return &ports.PairResult{
			Winner: "A",
			RanksA: models.Ranks{Alignment: 1, Aesthetics: 2, Combined: 99},
			RanksB: models.Ranks{Alignment: 2, Aesthetics: 1, Combined: 99},
		}
	}}

	engine := NewEngine(comp, Options{EnsembleSize: 3, Alpha: 0.7})
	flips := []bool{false, true, false}
	i := 0
	var mu sync.Mutex
	engine.flip = func() bool {
		mu.Lock()
		defer mu.Unlock()
		f := flips[i%len(flips)]
		i++
		return f
	}

	out, err := engine.compareWithEnsemble(context.Background(), img("a"), img("b"), "ref")
	require.NoError(t, err)

	// a: alignment (1+2+1)/3, aesthetics (2+1+2)/3; combined rebuilt with
	// alpha, ignoring the bogus pre-combined 99s.
	wantAlign := 4.0 / 3.0
	wantAesth := 5.0 / 3.0
	assert.InDelta(t, wantAlign, out.ranksA.Alignment, 1e-9)
	assert.InDelta(t, wantAesth, out.ranksA.Aesthetics, 1e-9)
	assert.InDelta(t, 0.7*wantAlign+0.3*wantAesth, out.ranksA.Combined, 1e-9)
}

func TestEnsembleEvenTiePrefersOriginalA(t *testing.T) {
	var mu sync.Mutex
	call := 0
	comp := &scriptedComparator{}
	comp.decide = func(first, second string) *ports.PairResult {
		mu.Lock()
		defer mu.Unlock()
		call++
		if call%2 == 1 {
			return winA()
		}
		return winB()
	}

	engine := NewEngine(comp, Options{EnsembleSize: 2})
	noFlip(engine)

	out, err := engine.compareWithEnsemble(context.Background(), img("a"), img("b"), "ref")
	require.NoError(t, err)
	assert.Equal(t, "a", out.winnerKey)
	assert.InDelta(t, 0.5, out.confidence, 1e-9)
}

func TestTournamentLeansOnTransitivity(t *testing.T) {
	// Higher-numbered image always wins. Round one walks the chain
	// c0<c1<...<c8, and the closure then implies the entire order, so no
	// further model calls are needed.
	decide := func(first, second string) *ports.PairResult {
		fi, _ := strconv.Atoi(strings.TrimPrefix(strings.TrimSuffix(first[strings.LastIndex(first, "/")+1:], ".png"), "c"))
		si, _ := strconv.Atoi(strings.TrimPrefix(strings.TrimSuffix(second[strings.LastIndex(second, "/")+1:], ".png"), "c"))
		if fi > si {
			return winA()
		}
		return winB()
	}
	comp := &scriptedComparator{decide: decide}

	images := make([]Image, 9)
	for i := range images {
		images[i] = img("c" + strconv.Itoa(i))
	}

	var mu sync.Mutex
	var events []ports.ProgressEvent
	notifier := ports.ProgressNotifierFunc(func(ctx context.Context, ev ports.ProgressEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})

	engine := NewEngine(comp, Options{EnsembleSize: 1, Notifier: notifier})
	noFlip(engine)

	res, err := engine.Rank(context.Background(), images, "ref")
	require.NoError(t, err)

	assert.Equal(t, 8, comp.callCount(), "one chain of duels should settle everything")
	require.Len(t, res.Ranked, 9)
	for i := 0; i < 9; i++ {
		assert.Equal(t, "c"+strconv.Itoa(8-i), res.Ranked[i].Key)
		assert.Equal(t, i+1, res.Ranked[i].Rank)
	}

	// Later rounds revisit already-settled duels; those stay silent. The
	// trailing event closes progress at 1.0 even though only 8 of the 36
	// pairs were settled directly.
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 9, "one event per settled pair plus completion")
	assert.Less(t, events[7].Progress, 1.0)
	assert.InDelta(t, 1.0, events[8].Progress, 1e-9)
	assert.Contains(t, events[8].Message, "ranking complete")
}

func TestKnownComparisonsSeedTheGraph(t *testing.T) {
	comp := &scriptedComparator{decide: func(first, second string) *ports.PairResult {
		return winA()
	}}

	known := []models.ComparisonFact{
		{IDA: "a", IDB: "b", Winner: "A"},
	}

	var mu sync.Mutex
	var events []ports.ProgressEvent
	notifier := ports.ProgressNotifierFunc(func(ctx context.Context, ev ports.ProgressEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})

	engine := NewEngine(comp, Options{EnsembleSize: 1, Known: known, Notifier: notifier})
	noFlip(engine)

	res, err := engine.Rank(context.Background(), []Image{img("a"), img("b")}, "ref")
	require.NoError(t, err)

	assert.Equal(t, 0, comp.callCount(), "seeded pair needs no call")
	assert.Equal(t, "a", res.Ranked[0].Key)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Message, "inferred")
	assert.InDelta(t, 1.0, events[0].Progress, 1e-9)
}

func TestGracefulDegradationSkipsFailedPairs(t *testing.T) {
	comp := &scriptedComparator{err: errors.New("vlm exploded")}

	engine := NewEngine(comp, Options{EnsembleSize: 1, GracefulDegradation: true})
	noFlip(engine)

	res, err := engine.Rank(context.Background(), []Image{img("a"), img("b"), img("c")}, "ref")
	require.NoError(t, err)

	require.Len(t, res.Errors, 3)
	for _, e := range res.Errors {
		assert.Equal(t, fault.ComparisonFailure, fault.KindOf(e))
	}
	// No edges recorded; ties broken by key for a deterministic order.
	require.Len(t, res.Ranked, 3)
	assert.Equal(t, "a", res.Ranked[0].Key)
	assert.Empty(t, res.Graph.DirectFacts())
}

func TestStrictModePropagatesFirstFailure(t *testing.T) {
	comp := &scriptedComparator{err: errors.New("vlm exploded")}

	engine := NewEngine(comp, Options{EnsembleSize: 1, GracefulDegradation: false})
	noFlip(engine)

	_, err := engine.Rank(context.Background(), []Image{img("a"), img("b")}, "ref")
	require.Error(t, err)
	assert.Equal(t, fault.ComparisonFailure, fault.KindOf(err))
}

func TestRankEmitsProgressPerComparison(t *testing.T) {
	comp := &scriptedComparator{decide: func(first, second string) *ports.PairResult {
		if strings.Contains(second, "c") && strings.Contains(first, "a") {
			return winB()
		}
		return winA()
	}}

	var mu sync.Mutex
	var events []ports.ProgressEvent
	notifier := ports.ProgressNotifierFunc(func(ctx context.Context, ev ports.ProgressEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})

	engine := NewEngine(comp, Options{
		EnsembleSize: 1,
		Notifier:     notifier,
		SessionID:    "ses-120000",
		Iteration:    2,
	})
	noFlip(engine)

	_, err := engine.Rank(context.Background(), []Image{img("a"), img("b"), img("c")}, "ref")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 3, "one event per settled pair")

	direct, inferred := 0, 0
	for _, ev := range events {
		assert.Equal(t, "ses-120000", ev.SessionID)
		assert.Equal(t, ports.StatusProgress, ev.Status)
		assert.Equal(t, "ranking", ev.Stage)
		assert.Equal(t, 2, ev.Iteration)
		if strings.Contains(ev.Message, "inferred") {
			inferred++
		} else {
			direct++
		}
	}
	assert.Equal(t, 2, direct)
	assert.Equal(t, 1, inferred)
	assert.InDelta(t, 1.0, events[2].Progress, 1e-9)
}

func TestRankSingleImage(t *testing.T) {
	comp := &scriptedComparator{decide: func(first, second string) *ports.PairResult {
		t.Fatal("comparator must not be called for a single image")
		return nil
	}}

	engine := NewEngine(comp, Options{EnsembleSize: 1})
	res, err := engine.Rank(context.Background(), []Image{img("solo")}, "ref")
	require.NoError(t, err)
	require.Len(t, res.Ranked, 1)
	assert.Equal(t, 1, res.Ranked[0].Rank)
	assert.Equal(t, 0, comp.callCount())
}

func TestRankCancelledContext(t *testing.T) {
	comp := &scriptedComparator{decide: func(first, second string) *ports.PairResult {
		return winA()
	}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	engine := NewEngine(comp, Options{EnsembleSize: 1})
	_, err := engine.Rank(ctx, []Image{img("a"), img("b")}, "ref")
	require.ErrorIs(t, err, context.Canceled)
}

func TestRankInferredFactIsAttributable(t *testing.T) {
	comp := &scriptedComparator{decide: func(first, second string) *ports.PairResult {
		if strings.HasSuffix(first, "a.png") && strings.HasSuffix(second, "c.png") {
			return winB()
		}
		return winA()
	}}

	engine := NewEngine(comp, Options{EnsembleSize: 1})
	noFlip(engine)

	res, err := engine.Rank(context.Background(), []Image{img("a"), img("b"), img("c")}, "x")
	require.NoError(t, err)

	for _, f := range res.Graph.DirectFacts() {
		assert.False(t, f.Inferred)
		assert.NotNil(t, f.RanksA)
		assert.NotNil(t, f.RanksB)
		assert.False(t, f.Timestamp.IsZero())
	}
}

func TestEnsembleVoteFailureFailsThePair(t *testing.T) {
	failing := &scriptedComparator{err: fmt.Errorf("boom")}
	engine := NewEngine(failing, Options{EnsembleSize: 3, GracefulDegradation: true})
	noFlip(engine)

	res, err := engine.Rank(context.Background(), []Image{img("a"), img("b")}, "ref")
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, fault.ComparisonFailure, fault.KindOf(res.Errors[0]))
}
