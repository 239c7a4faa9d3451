package models

// Dimension selects which half of the prompt an iteration refines.
type Dimension string

const (
	// DimensionWhat is the content half: subject, scene, composition.
	DimensionWhat Dimension = "what"
	// DimensionHow is the style half: medium, palette, lighting, technique.
	DimensionHow Dimension = "how"
)

func (d Dimension) Valid() bool {
	return d == DimensionWhat || d == DimensionHow
}

// DimensionFor is the default alternation policy: even iterations refine
// content, odd iterations refine style.
func DimensionFor(iteration int) Dimension {
	if iteration%2 == 0 {
		return DimensionWhat
	}
	return DimensionHow
}

// Iteration is one generation of the beam search. The recorded dimension is
// authoritative metadata for the iteration, whatever policy produced it.
// BestScore is higher-better in score mode and a lower-better combined rank
// in ranking mode.
type Iteration struct {
	Number          int          `json:"number"`
	Dimension       Dimension    `json:"dimension"`
	Candidates      []*Candidate `json:"candidates"`
	BestCandidateID *int         `json:"best_candidate_id"`
	BestScore       *float64     `json:"best_score"`
}

// FindCandidate returns the candidate with the given id, or nil.
func (it *Iteration) FindCandidate(id int) *Candidate {
	for _, c := range it.Candidates {
		if c.CandidateID == id {
			return c
		}
	}
	return nil
}

// CompletedCandidates returns candidates that finished generation, in
// candidate id order as stored.
func (it *Iteration) CompletedCandidates() []*Candidate {
	var out []*Candidate
	for _, c := range it.Candidates {
		if c.Status == CandidateStatusCompleted {
			out = append(out, c)
		}
	}
	return out
}
