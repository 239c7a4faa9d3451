package models

import "strconv"

// AggregateStats summarises every comparison a candidate took part in.
// Means are over per-factor ranks, so lower is better.
type AggregateStats struct {
	MeanAlignment  float64 `json:"mean_alignment"`
	MeanAesthetics float64 `json:"mean_aesthetics"`
	MeanCombined   float64 `json:"mean_combined"`
	Comparisons    int     `json:"comparisons"`
}

// RankingRecord is one row of an iteration ranking. Rank 1 is best.
type RankingRecord struct {
	CandidateID    int             `json:"candidate_id"`
	Rank           int             `json:"rank"`
	Wins           int             `json:"wins"`
	Losses         int             `json:"losses"`
	AggregateStats *AggregateStats `json:"aggregate_stats,omitempty"`
}

// GlobalRank is one row of the final cross-iteration ranking.
type GlobalRank struct {
	Iteration   int `json:"iteration"`
	CandidateID int `json:"candidate_id"`
	Rank        int `json:"rank"`
	Wins        int `json:"wins"`
	Losses      int `json:"losses"`
}

// RankingsDoc is the shape of rankings.json: per-iteration rankings keyed by
// iteration number plus the final global ranking.
type RankingsDoc struct {
	Iterations map[string][]RankingRecord `json:"iterations"`
	Final      []GlobalRank               `json:"final,omitempty"`
}

func NewRankingsDoc() *RankingsDoc {
	return &RankingsDoc{Iterations: map[string][]RankingRecord{}}
}

// SetIteration stores the ranking rows for one iteration.
func (d *RankingsDoc) SetIteration(number int, records []RankingRecord) {
	if d.Iterations == nil {
		d.Iterations = map[string][]RankingRecord{}
	}
	d.Iterations[strconv.Itoa(number)] = records
}
