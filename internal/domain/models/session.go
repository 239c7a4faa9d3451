package models

import "time"

type SessionStatus string

const (
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusCancelled SessionStatus = "cancelled"
)

type RankingMode string

const (
	// RankingModePairwise ranks candidates by pairwise VLM comparison.
	RankingModePairwise RankingMode = "ranking"
	// RankingModeScore scores each candidate absolutely via the vision service.
	RankingModeScore RankingMode = "score"
)

// SearchConfig is the search configuration captured at session start.
// It is immutable for the lifetime of the session.
type SearchConfig struct {
	BeamWidth      int         `json:"beam_width"`
	Survivors      int         `json:"survivors"`
	MaxIterations  int         `json:"max_iterations"`
	Alpha          float64     `json:"alpha"`
	EnsembleSize   int         `json:"ensemble_size"`
	RankingMode    RankingMode `json:"ranking_mode"`
	WorkerPoolSize int         `json:"worker_pool_size"`
}

// FinalWinner identifies the globally best candidate of a finished session.
// TotalScore is nil in ranking mode.
type FinalWinner struct {
	Iteration   int      `json:"iteration"`
	CandidateID int      `json:"candidate_id"`
	TotalScore  *float64 `json:"total_score"`
}

// CandidateRef points at one candidate of one iteration.
type CandidateRef struct {
	Iteration   int `json:"iteration"`
	CandidateID int `json:"candidate_id"`
}

// SessionError is the structured failure recorded on a failed session.
type SessionError struct {
	Kind    string `json:"kind"`
	Op      string `json:"op,omitempty"`
	Message string `json:"message"`
}

// Session is the root of the metadata document. It is mutated only through
// the session tracker and persisted as metadata.json.
type Session struct {
	SessionID      string         `json:"session_id"`
	CreatedAt      time.Time      `json:"created_at"`
	OriginalPrompt string         `json:"original_prompt"`
	Config         SearchConfig   `json:"config"`
	Status         SessionStatus  `json:"status"`
	Error          *SessionError  `json:"error,omitempty"`
	Iterations     []*Iteration   `json:"iterations"`
	FinalWinner    *FinalWinner   `json:"final_winner,omitempty"`
	Lineage        []CandidateRef `json:"lineage,omitempty"`
}

func NewSession(id string, createdAt time.Time, prompt string, cfg SearchConfig) *Session {
	return &Session{
		SessionID:      id,
		CreatedAt:      createdAt,
		OriginalPrompt: prompt,
		Config:         cfg,
		Status:         SessionStatusRunning,
		Iterations:     []*Iteration{},
	}
}

// FindIteration returns the iteration with the given number, or nil.
func (s *Session) FindIteration(number int) *Iteration {
	for _, it := range s.Iterations {
		if it.Number == number {
			return it
		}
	}
	return nil
}

// EnsureIteration returns the iteration with the given number, appending an
// empty one if it does not exist yet.
func (s *Session) EnsureIteration(number int, dimension Dimension) *Iteration {
	if it := s.FindIteration(number); it != nil {
		return it
	}
	it := &Iteration{Number: number, Dimension: dimension, Candidates: []*Candidate{}}
	s.Iterations = append(s.Iterations, it)
	return it
}

// SurvivorRefs returns every candidate marked survived, in iteration order.
func (s *Session) SurvivorRefs() []CandidateRef {
	var refs []CandidateRef
	for _, it := range s.Iterations {
		for _, c := range it.Candidates {
			if c.Survived != nil && *c.Survived {
				refs = append(refs, CandidateRef{Iteration: it.Number, CandidateID: c.CandidateID})
			}
		}
	}
	return refs
}

// ComputeLineage walks parent links backwards from the winner and returns the
// chain root first. The walk is deterministic: each candidate has at most one
// parent in the previous iteration.
func (s *Session) ComputeLineage(winner CandidateRef) []CandidateRef {
	var reversed []CandidateRef
	cur := &winner
	for cur != nil {
		reversed = append(reversed, *cur)
		it := s.FindIteration(cur.Iteration)
		if it == nil {
			break
		}
		c := it.FindCandidate(cur.CandidateID)
		if c == nil || c.ParentID == nil {
			break
		}
		cur = &CandidateRef{Iteration: cur.Iteration - 1, CandidateID: *c.ParentID}
	}
	lineage := make([]CandidateRef, 0, len(reversed))
	for i := len(reversed) - 1; i >= 0; i-- {
		lineage = append(lineage, reversed[i])
	}
	return lineage
}
