package models

import "time"

// Evaluation is an absolute scoring result from the vision service:
// alignment on a 0-100 scale, aesthetic on 0-10.
type Evaluation struct {
	Alignment  float64  `json:"alignment"`
	Aesthetic  float64  `json:"aesthetic"`
	Analysis   string   `json:"analysis"`
	Strengths  []string `json:"strengths"`
	Weaknesses []string `json:"weaknesses"`
}

// TotalScore folds the two factors into one 0-10 value, higher better.
// Alignment is rescaled to 0-10 before weighting.
func (e *Evaluation) TotalScore(alpha float64) float64 {
	return alpha*e.Alignment/10.0 + (1-alpha)*e.Aesthetic
}

// HumanEvaluation is an out-of-band preference record submitted by a person
// reviewing a finished session. Stored as evaluation-{id}.json next to the
// session metadata.
type HumanEvaluation struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	CreatedAt time.Time     `json:"created_at"`
	Rater     string        `json:"rater,omitempty"`
	Preferred *CandidateRef `json:"preferred,omitempty"`
	Rating    int           `json:"rating,omitempty"`
	Notes     string        `json:"notes,omitempty"`
}
