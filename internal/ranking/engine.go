package ranking

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/atelierlabs/atelier/internal/adapters/metrics"
	"github.com/atelierlabs/atelier/internal/domain/models"
	"github.com/atelierlabs/atelier/internal/fault"
	"github.com/atelierlabs/atelier/internal/ports"
)

// allPairsThreshold is the set size up to which every pair is compared
// directly. Above it the engine switches to tournament rounds, leaning on
// transitive inference to keep the call count near linear.
const allPairsThreshold = 8

// Image is one ranking participant: a graph key plus the path the
// comparator loads.
type Image struct {
	Key  string
	Path string
}

// RankedImage is one position in a completed ranking.
type RankedImage struct {
	Key        string
	Rank       int
	Wins       int
	Losses     int
	Stats      models.AggregateStats
	Strengths  []string
	Weaknesses []string
}

// Result is a complete order over the input set plus the graph that
// produced it. Errors collects skipped-pair failures when degradation is
// allowed.
type Result struct {
	Ranked []RankedImage
	Graph  *Graph
	Errors []error
}

// Options tune one ranking run.
type Options struct {
	Alpha               float64
	EnsembleSize        int
	Temperature         float64
	GracefulDegradation bool
	Known               []models.ComparisonFact
	Notifier            ports.ProgressNotifier
	Rand                *rand.Rand
	SessionID           string
	Iteration           int
}

// Engine ranks one image set through the comparator. An Engine is built per
// ranking call; it owns its graph and error list for that call.
type Engine struct {
	comparator ports.ComparatorService
	notifier   ports.ProgressNotifier
	opts       Options
	graph      *Graph
	flip       func() bool

	errs       []error
	strengths  map[string][]string
	weaknesses map[string][]string
	seenS      map[string]map[string]struct{}
	seenW      map[string]map[string]struct{}
	settled    map[string]struct{}
	done       int
	totalPairs int
}

// NewEngine creates an engine for a single ranking call.
func NewEngine(comparator ports.ComparatorService, opts Options) *Engine {
	if opts.Alpha <= 0 {
		opts.Alpha = 0.7
	}
	if opts.EnsembleSize <= 0 {
		opts.EnsembleSize = 3
	}
	if opts.Temperature <= 0 {
		opts.Temperature = 0.2
	}
	if opts.Notifier == nil {
		opts.Notifier = ports.NopNotifier{}
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &Engine{
		comparator: comparator,
		notifier:   opts.Notifier,
		opts:       opts,
		graph:      NewGraph(),
		flip:       func() bool { return rng.Intn(2) == 1 },
		strengths:  make(map[string][]string),
		weaknesses: make(map[string][]string),
		seenS:      make(map[string]map[string]struct{}),
		seenW:      make(map[string]map[string]struct{}),
		settled:    make(map[string]struct{}),
	}
}

// Rank produces a complete order over images. Every participant gets a
// position, not just the eventual survivors. Prior facts from
// Options.Known seed the graph first so already-decided pairs cost nothing.
func (e *Engine) Rank(ctx context.Context, images []Image, referencePrompt string) (*Result, error) {
	for _, f := range e.opts.Known {
		if _, _, ok := e.graph.CanInfer(f.IDA, f.IDB); ok {
			continue
		}
		if err := e.graph.Record(f.IDA, f.IDB, f.WinnerKey(), f.RanksA, f.RanksB); err != nil {
			e.errs = append(e.errs, fmt.Errorf("seeding known comparison: %w", err))
		}
	}

	if len(images) == 0 {
		return &Result{Graph: e.graph, Errors: e.errs}, nil
	}

	e.totalPairs = len(images) * (len(images) - 1) / 2

	var ranks []KeyRank
	if len(images) <= allPairsThreshold {
		if err := e.allPairs(ctx, images, referencePrompt); err != nil {
			return nil, err
		}
		keys := make([]string, len(images))
		for i, img := range images {
			keys[i] = img.Key
		}
		ranks = e.graph.Rankings(keys)
	} else {
		order, err := e.tournament(ctx, images, referencePrompt)
		if err != nil {
			return nil, err
		}
		ranks = make([]KeyRank, len(order))
		for i, key := range order {
			ranks[i] = KeyRank{Key: key, Rank: i + 1, Wins: e.graph.Wins(key), Losses: e.graph.Losses(key)}
		}
	}

	ranked := make([]RankedImage, len(ranks))
	for i, kr := range ranks {
		ranked[i] = RankedImage{
			Key:        kr.Key,
			Rank:       kr.Rank,
			Wins:       kr.Wins,
			Losses:     kr.Losses,
			Stats:      e.graph.AggregateStats(kr.Key),
			Strengths:  e.strengths[kr.Key],
			Weaknesses: e.weaknesses[kr.Key],
		}
	}

	// The tournament path settles fewer than all C(n,2) pairs, so the
	// per-pair progress never reaches the full denominator on its own.
	if e.done < e.totalPairs {
		e.notifyDone(ctx)
	}

	return &Result{Ranked: ranked, Graph: e.graph, Errors: e.errs}, nil
}

func (e *Engine) allPairs(ctx context.Context, images []Image, referencePrompt string) error {
	for i := 0; i < len(images); i++ {
		for j := i + 1; j < len(images); j++ {
			if _, err := e.resolvePair(ctx, images[i], images[j], referencePrompt); err != nil {
				return err
			}
		}
	}
	return nil
}

// tournament runs selection rounds: each round scans the remaining images
// once, dueling the current champion against every challenger, and retires
// the round winner at the next rank. The graph is consulted before every
// duel, so later rounds are mostly inference.
func (e *Engine) tournament(ctx context.Context, images []Image, referencePrompt string) ([]string, error) {
	remaining := make([]Image, len(images))
	copy(remaining, images)

	order := make([]string, 0, len(images))
	for len(remaining) > 0 {
		champ := 0
		for i := 1; i < len(remaining); i++ {
			winner, err := e.resolvePair(ctx, remaining[champ], remaining[i], referencePrompt)
			if err != nil {
				return nil, err
			}
			if winner == remaining[i].Key {
				champ = i
			}
			// A skipped pair (winner == "") keeps the current champion.
		}
		order = append(order, remaining[champ].Key)
		remaining = append(remaining[:champ], remaining[champ+1:]...)
	}
	return order, nil
}

// resolvePair settles one pair, preferring graph inference over a model
// call. A failed comparison is recorded in the error list and reported as
// winner "" unless degradation is disabled, in which case it propagates.
// Each unordered pair is notified and counted at most once, however many
// times tournament rounds revisit it.
func (e *Engine) resolvePair(ctx context.Context, a, b Image, referencePrompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if winner, _, ok := e.graph.CanInfer(a.Key, b.Key); ok {
		if !e.markSettled(a.Key, b.Key) {
			return winner, nil
		}
		metrics.ComparisonsTotal.WithLabelValues("inferred").Inc()
		e.notifyComparison(ctx, a, b, winner, "inferred", 0, 0)
		return winner, nil
	}

	start := time.Now()
	out, err := e.compareWithEnsemble(ctx, a, b, referencePrompt)
	latency := time.Since(start)
	if err == nil {
		err = e.graph.Record(a.Key, b.Key, out.winnerKey, &out.ranksA, &out.ranksB)
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		cerr := fault.Wrapf(fault.ComparisonFailure, "ranking.compare", err, "%s vs %s", a.Key, b.Key)
		e.errs = append(e.errs, cerr)
		if !e.opts.GracefulDegradation {
			return "", cerr
		}
		return "", nil
	}

	for key, items := range out.strengths {
		appendUnique(e.strengths, e.seenS, key, items)
	}
	for key, items := range out.weaknesses {
		appendUnique(e.weaknesses, e.seenW, key, items)
	}

	e.markSettled(a.Key, b.Key)
	metrics.ComparisonsTotal.WithLabelValues("direct").Inc()
	metrics.VLMComparisonDuration.Observe(latency.Seconds())
	e.notifyComparison(ctx, a, b, out.winnerKey, "direct", latency, out.confidence)
	return out.winnerKey, nil
}

// markSettled records the unordered pair and reports whether this was its
// first settlement.
func (e *Engine) markSettled(a, b string) bool {
	key := pairKey(a, b)
	if _, ok := e.settled[key]; ok {
		return false
	}
	e.settled[key] = struct{}{}
	return true
}

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

func (e *Engine) notifyComparison(ctx context.Context, a, b Image, winner, kind string, latency time.Duration, confidence float64) {
	e.done++
	progress := float64(e.done) / float64(e.totalPairs)
	if progress > 1 {
		progress = 1
	}

	msg := fmt.Sprintf("%s vs %s: %s wins (%s)", a.Key, b.Key, winner, kind)
	if kind == "direct" {
		msg = fmt.Sprintf("%s vs %s: %s wins (direct, %.1fs, confidence %.2f)", a.Key, b.Key, winner, latency.Seconds(), confidence)
	}

	e.notifier.Publish(ctx, ports.ProgressEvent{
		SessionID: e.opts.SessionID,
		Status:    ports.StatusProgress,
		Stage:     "ranking",
		Message:   msg,
		Iteration: e.opts.Iteration,
		Progress:  progress,
		Timestamp: time.Now().UTC(),
	})
}

// notifyDone closes out the progress stream at 1.0 once the order is
// complete, whatever fraction of pairs the strategy actually settled.
func (e *Engine) notifyDone(ctx context.Context) {
	e.notifier.Publish(ctx, ports.ProgressEvent{
		SessionID: e.opts.SessionID,
		Status:    ports.StatusProgress,
		Stage:     "ranking",
		Message:   fmt.Sprintf("ranking complete: %d of %d pairs settled", e.done, e.totalPairs),
		Iteration: e.opts.Iteration,
		Progress:  1,
		Timestamp: time.Now().UTC(),
	})
}

// Errors returns the failures tolerated so far.
func (e *Engine) Errors() []error {
	return e.errs
}
