package models

import (
	"fmt"
	"time"
)

// Ranks holds per-factor ordinal ranks from one pairwise comparison: 1 is
// better, a tie gives both sides 1. Ensemble averaging can make the values
// fractional. Combined is alpha*alignment + (1-alpha)*aesthetics, lower
// better.
type Ranks struct {
	Alignment  float64 `json:"alignment"`
	Aesthetics float64 `json:"aesthetics"`
	Combined   float64 `json:"combined"`
}

// ComparisonFact records one resolved pairwise comparison between two graph
// keys. Winner is "A" or "B" relative to IDA/IDB. Inferred facts were derived
// by transitive closure rather than a model call and are never serialised by
// the graph.
type ComparisonFact struct {
	IDA       string    `json:"id_a"`
	IDB       string    `json:"id_b"`
	Winner    string    `json:"winner"`
	RanksA    *Ranks    `json:"ranks_a,omitempty"`
	RanksB    *Ranks    `json:"ranks_b,omitempty"`
	Inferred  bool      `json:"inferred,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// WinnerKey returns the graph key of the winning side.
func (f ComparisonFact) WinnerKey() string {
	if f.Winner == "B" {
		return f.IDB
	}
	return f.IDA
}

// LoserKey returns the graph key of the losing side.
func (f ComparisonFact) LoserKey() string {
	if f.Winner == "B" {
		return f.IDA
	}
	return f.IDB
}

// RanksFor returns the ranks recorded for the given key, or nil.
func (f ComparisonFact) RanksFor(key string) *Ranks {
	switch key {
	case f.IDA:
		return f.RanksA
	case f.IDB:
		return f.RanksB
	}
	return nil
}

// GraphKey encodes a candidate position as "i{iteration}:c{candidate}", the
// value-semantic identity used by the comparison graph.
func GraphKey(iteration, candidateID int) string {
	return fmt.Sprintf("i%d:c%d", iteration, candidateID)
}

// ParseGraphKey decodes a graph key back into its iteration and candidate id.
func ParseGraphKey(key string) (iteration, candidateID int, err error) {
	if _, err = fmt.Sscanf(key, "i%d:c%d", &iteration, &candidateID); err != nil {
		return 0, 0, fmt.Errorf("malformed graph key %q: %w", key, err)
	}
	return iteration, candidateID, nil
}
