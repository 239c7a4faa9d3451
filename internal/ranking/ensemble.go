package ranking

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/atelierlabs/atelier/internal/adapters/metrics"
	"github.com/atelierlabs/atelier/internal/domain/models"
	"github.com/atelierlabs/atelier/internal/fault"
	"github.com/atelierlabs/atelier/internal/ports"
)

// ensembleOutcome is one pair resolved by majority vote, with per-factor
// ranks averaged across the ensemble and feedback grouped by candidate key.
type ensembleOutcome struct {
	winnerKey  string
	confidence float64
	ranksA     models.Ranks
	ranksB     models.Ranks
	strengths  map[string][]string
	weaknesses map[string][]string
}

// compareWithEnsemble runs k presentation-randomised comparator calls for
// the pair (a, b). Each vote independently flips whether the pair is shown
// as (a,b) or (b,a); winners are mapped back to the original identities
// before tallying. The flips are drawn before dispatch so scheduling order
// cannot perturb them.
func (e *Engine) compareWithEnsemble(ctx context.Context, a, b Image, referencePrompt string) (*ensembleOutcome, error) {
	k := e.opts.EnsembleSize
	if k < 1 {
		k = 1
	}

	flips := make([]bool, k)
	for i := range flips {
		flips[i] = e.flip()
	}

	results := make([]*ports.PairResult, k)

	g, gCtx := errgroup.WithContext(ctx)
	for i := 0; i < k; i++ {
		g.Go(func() error {
			first, second := a, b
			if flips[i] {
				first, second = b, a
			}
			res, err := e.comparator.ComparePair(gCtx, first.Path, second.Path, referencePrompt, ports.CompareOptions{
				Temperature: e.opts.Temperature,
			})
			if err != nil {
				return fmt.Errorf("vote %d: %w", i, err)
			}
			if res.Winner != "A" && res.Winner != "B" {
				return fault.Newf(fault.ParseFailure, "ranking.ensemble", "vote %d returned winner %q", i, res.Winner)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	metrics.EnsembleVotesTotal.Add(float64(k))

	out := &ensembleOutcome{
		strengths:  make(map[string][]string),
		weaknesses: make(map[string][]string),
	}

	votesA := 0
	var sumA, sumB models.Ranks
	seenStrength := make(map[string]map[string]struct{})
	seenWeakness := make(map[string]map[string]struct{})

	for i, res := range results {
		// Map the presented sides back to the original identities.
		winnerKey, loserKey := a.Key, b.Key
		ranksForA, ranksForB := res.RanksA, res.RanksB
		if flips[i] {
			ranksForA, ranksForB = res.RanksB, res.RanksA
			if res.Winner == "A" {
				winnerKey, loserKey = b.Key, a.Key
			}
		} else if res.Winner == "B" {
			winnerKey, loserKey = b.Key, a.Key
		}

		if winnerKey == a.Key {
			votesA++
		}

		sumA.Alignment += ranksForA.Alignment
		sumA.Aesthetics += ranksForA.Aesthetics
		sumB.Alignment += ranksForB.Alignment
		sumB.Aesthetics += ranksForB.Aesthetics

		appendUnique(out.strengths, seenStrength, winnerKey, res.WinnerStrengths)
		appendUnique(out.weaknesses, seenWeakness, loserKey, res.LoserWeaknesses)
	}

	n := float64(k)
	out.ranksA = models.Ranks{Alignment: sumA.Alignment / n, Aesthetics: sumA.Aesthetics / n}
	out.ranksB = models.Ranks{Alignment: sumB.Alignment / n, Aesthetics: sumB.Aesthetics / n}
	// Recompute combined from the averaged factors rather than averaging
	// pre-combined values, so the alpha weighting survives aggregation.
	out.ranksA.Combined = e.opts.Alpha*out.ranksA.Alignment + (1-e.opts.Alpha)*out.ranksA.Aesthetics
	out.ranksB.Combined = e.opts.Alpha*out.ranksB.Alignment + (1-e.opts.Alpha)*out.ranksB.Aesthetics

	majority := votesA
	out.winnerKey = a.Key
	if votesA*2 < k {
		out.winnerKey = b.Key
		majority = k - votesA
	}
	// Exact tie keeps the original A with confidence 0.5.
	out.confidence = float64(majority) / n

	return out, nil
}

func appendUnique(dst map[string][]string, seen map[string]map[string]struct{}, key string, items []string) {
	for _, item := range items {
		if item == "" {
			continue
		}
		if seen[key] == nil {
			seen[key] = make(map[string]struct{})
		}
		if _, dup := seen[key][item]; dup {
			continue
		}
		seen[key][item] = struct{}{}
		dst[key] = append(dst[key], item)
	}
}
