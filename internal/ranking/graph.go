// Package ranking orders generated images without absolute scores. A
// comparison graph accumulates pairwise verdicts and their transitive
// consequences; the engine decides which pairs actually need a model call
// and runs each one as a small presentation-randomised ensemble.
package ranking

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/atelierlabs/atelier/internal/domain/models"
)

// Graph is the in-memory comparison structure keyed by "i{n}:c{m}" strings.
// It maintains the full transitive closure of every recorded fact, so
// reachability questions are O(1) set lookups. A Graph is owned by a single
// ranking call and is not safe for concurrent mutation.
type Graph struct {
	beats           map[string]map[string]struct{}
	losesTo         map[string]map[string]struct{}
	directEdges     map[string]map[string]struct{}
	direct          []models.ComparisonFact
	candidateScores map[string][]models.Ranks
}

// NewGraph creates an empty comparison graph.
func NewGraph() *Graph {
	return &Graph{
		beats:           make(map[string]map[string]struct{}),
		losesTo:         make(map[string]map[string]struct{}),
		directEdges:     make(map[string]map[string]struct{}),
		candidateScores: make(map[string][]models.Ranks),
	}
}

// Record appends a direct comparison fact and eagerly propagates the
// transitive closure: everything known to beat the winner now beats the
// loser and everything the loser beats, and so does the winner. Reflexive
// facts and facts contradicting an existing edge are rejected; ties on
// individual factors are fine, but a fact always names one winner.
func (g *Graph) Record(a, b, winnerKey string, ranksA, ranksB *models.Ranks) error {
	if a == b {
		return fmt.Errorf("reflexive comparison %q", a)
	}

	var loserKey string
	switch winnerKey {
	case a:
		loserKey = b
	case b:
		loserKey = a
	default:
		return fmt.Errorf("winner %q is neither %q nor %q", winnerKey, a, b)
	}

	if g.hasEdge(loserKey, winnerKey) {
		return fmt.Errorf("%q already beats %q, refusing contradictory fact", loserKey, winnerKey)
	}

	winnerSide := "A"
	if winnerKey == b {
		winnerSide = "B"
	}
	g.direct = append(g.direct, models.ComparisonFact{
		IDA:       a,
		IDB:       b,
		Winner:    winnerSide,
		RanksA:    ranksA,
		RanksB:    ranksB,
		Timestamp: time.Now().UTC(),
	})
	g.addDirectEdge(winnerKey, loserKey)

	if ranksA != nil {
		g.candidateScores[a] = append(g.candidateScores[a], *ranksA)
	}
	if ranksB != nil {
		g.candidateScores[b] = append(g.candidateScores[b], *ranksB)
	}

	// Closure over ancestors(winner) x descendants(loser), both inclusive.
	uppers := []string{winnerKey}
	for x := range g.losesTo[winnerKey] {
		uppers = append(uppers, x)
	}
	lowers := []string{loserKey}
	for y := range g.beats[loserKey] {
		lowers = append(lowers, y)
	}
	for _, x := range uppers {
		for _, y := range lowers {
			if x != y {
				g.addEdge(x, y)
			}
		}
	}

	return nil
}

// CanInfer reports the winner between a and b if the graph already knows
// one. inferred is true when the verdict comes from closure rather than a
// direct comparison.
func (g *Graph) CanInfer(a, b string) (winner string, inferred bool, ok bool) {
	if g.hasEdge(a, b) {
		return a, !g.isDirect(a, b), true
	}
	if g.hasEdge(b, a) {
		return b, !g.isDirect(b, a), true
	}
	return "", false, false
}

// Wins returns how many keys this key beats, counting closure edges.
func (g *Graph) Wins(key string) int {
	return len(g.beats[key])
}

// Losses returns how many keys beat this key, counting closure edges.
func (g *Graph) Losses(key string) int {
	return len(g.losesTo[key])
}

// AggregateStats averages the per-factor ranks over every direct comparison
// the key took part in.
func (g *Graph) AggregateStats(key string) models.AggregateStats {
	scores := g.candidateScores[key]
	stats := models.AggregateStats{Comparisons: len(scores)}
	if len(scores) == 0 {
		return stats
	}

	for _, r := range scores {
		stats.MeanAlignment += r.Alignment
		stats.MeanAesthetics += r.Aesthetics
		stats.MeanCombined += r.Combined
	}
	n := float64(len(scores))
	stats.MeanAlignment /= n
	stats.MeanAesthetics /= n
	stats.MeanCombined /= n
	return stats
}

// KeyRank is one position in a graph-derived order.
type KeyRank struct {
	Key    string
	Rank   int
	Wins   int
	Losses int
}

// Rankings sorts the given keys by (wins desc, losses asc) and assigns ranks
// 1..N. Remaining ties break on key order so the result is deterministic.
func (g *Graph) Rankings(keys []string) []KeyRank {
	out := make([]KeyRank, len(keys))
	for i, k := range keys {
		out[i] = KeyRank{Key: k, Wins: g.Wins(k), Losses: g.Losses(k)}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Wins != out[j].Wins {
			return out[i].Wins > out[j].Wins
		}
		if out[i].Losses != out[j].Losses {
			return out[i].Losses < out[j].Losses
		}
		return out[i].Key < out[j].Key
	})

	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// DirectFacts returns the recorded direct comparisons in insertion order.
func (g *Graph) DirectFacts() []models.ComparisonFact {
	facts := make([]models.ComparisonFact, len(g.direct))
	copy(facts, g.direct)
	return facts
}

// FactsInvolving returns the direct facts in which key took part.
func (g *Graph) FactsInvolving(key string) []models.ComparisonFact {
	var facts []models.ComparisonFact
	for _, f := range g.direct {
		if f.IDA == key || f.IDB == key {
			facts = append(facts, f)
		}
	}
	return facts
}

type graphDoc struct {
	DirectComparisons []models.ComparisonFact `json:"direct_comparisons"`
}

// MarshalJSON persists only the direct facts; the closure is cheap to
// replay and storing it would let the two drift apart.
func (g *Graph) MarshalJSON() ([]byte, error) {
	return json.Marshal(graphDoc{DirectComparisons: g.DirectFacts()})
}

// UnmarshalJSON rebuilds the graph by replaying the direct facts in order.
func (g *Graph) UnmarshalJSON(data []byte) error {
	var doc graphDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	*g = *NewGraph()
	for _, f := range doc.DirectComparisons {
		if err := g.Record(f.IDA, f.IDB, f.WinnerKey(), f.RanksA, f.RanksB); err != nil {
			return fmt.Errorf("replaying fact %s vs %s: %w", f.IDA, f.IDB, err)
		}
	}
	// Replay resets timestamps; restore the persisted ones.
	copy(g.direct, doc.DirectComparisons)
	return nil
}

func (g *Graph) hasEdge(winner, loser string) bool {
	_, ok := g.beats[winner][loser]
	return ok
}

func (g *Graph) isDirect(winner, loser string) bool {
	_, ok := g.directEdges[winner][loser]
	return ok
}

func (g *Graph) addEdge(winner, loser string) {
	if g.beats[winner] == nil {
		g.beats[winner] = make(map[string]struct{})
	}
	g.beats[winner][loser] = struct{}{}

	if g.losesTo[loser] == nil {
		g.losesTo[loser] = make(map[string]struct{})
	}
	g.losesTo[loser][winner] = struct{}{}
}

func (g *Graph) addDirectEdge(winner, loser string) {
	if g.directEdges[winner] == nil {
		g.directEdges[winner] = make(map[string]struct{})
	}
	g.directEdges[winner][loser] = struct{}{}
	g.addEdge(winner, loser)
}
