package moderation

import (
	"math"
	"strings"
	"sync"
	"time"
)

// DefaultHistoryLimit caps tracker entries when no limit is configured.
const DefaultHistoryLimit = 200

// Record is one finished refinement loop: how a flagged prompt ended up,
// after how many attempts, and whether the filter eventually let it pass.
type Record struct {
	Original string    `json:"original"`
	Final    string    `json:"final"`
	Attempts int       `json:"attempts"`
	Success  bool      `json:"success"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

type trackedRecord struct {
	Record
	vec map[string]float64
}

// ViolationTracker remembers past moderation outcomes. Successful rewrites
// double as exemplars: the most similar past success is offered to the
// rewriter so it can steer toward phrasing the filter already accepted.
// Similarity is cosine over term-frequency vectors; no model call, so the
// index keeps working while the provider is busy refusing things.
type ViolationTracker struct {
	mu      sync.Mutex
	limit   int
	entries []trackedRecord
}

func NewViolationTracker(limit int) *ViolationTracker {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &ViolationTracker{limit: limit}
}

// Add stores a finished loop, dropping the oldest entry beyond the cap.
func (t *ViolationTracker) Add(rec Record) {
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, trackedRecord{Record: rec, vec: termVector(rec.Original)})
	if len(t.entries) > t.limit {
		t.entries = t.entries[len(t.entries)-t.limit:]
	}
}

// BestExemplar returns the final prompt of the most similar past success.
// Ties prefer the most recent entry.
func (t *ViolationTracker) BestExemplar(prompt string) (string, bool) {
	query := termVector(prompt)
	t.mu.Lock()
	defer t.mu.Unlock()

	best, bestSim := "", 0.0
	for i := len(t.entries) - 1; i >= 0; i-- {
		e := t.entries[i]
		if !e.Success {
			continue
		}
		if sim := cosine(query, e.vec); sim > bestSim {
			best, bestSim = e.Final, sim
		}
	}
	return best, best != ""
}

// History returns a copy of the stored records, oldest first.
func (t *ViolationTracker) History() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.Record
	}
	return out
}

func termVector(s string) map[string]float64 {
	vec := make(map[string]float64)
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		tok = strings.Trim(tok, `.,;:!?"'()[]`)
		if tok == "" {
			continue
		}
		vec[tok]++
	}
	return vec
}

func cosine(a, b map[string]float64) float64 {
	var dot, na, nb float64
	for k, va := range a {
		if vb, ok := b[k]; ok {
			dot += va * vb
		}
		na += va * va
	}
	for _, vb := range b {
		nb += vb * vb
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
