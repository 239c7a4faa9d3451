package session

import (
	"sync"

	"github.com/atelierlabs/atelier/internal/domain/models"
)

// TokenLedger accumulates model usage per operation across one session.
// Safe for concurrent use by candidate workers; the scheduler persists a
// snapshot through the tracker when the session ends.
type TokenLedger struct {
	mu  sync.Mutex
	ops map[string]models.OpTokens
}

func NewTokenLedger() *TokenLedger {
	return &TokenLedger{ops: make(map[string]models.OpTokens)}
}

// Add records one call's usage under an operation label (expand, refine,
// combine, critique, compare, moderation_rewrite).
func (l *TokenLedger) Add(op string, promptTokens, completionTokens int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.ops[op]
	t.Calls++
	t.PromptTokens += promptTokens
	t.CompletionTokens += completionTokens
	l.ops[op] = t
}

// Stats snapshots the ledger with per-operation counts and totals.
func (l *TokenLedger) Stats() models.TokenStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := models.TokenStats{Operations: make(map[string]models.OpTokens, len(l.ops))}
	for op, t := range l.ops {
		out.Operations[op] = t
		out.Totals.Calls += t.Calls
		out.Totals.PromptTokens += t.PromptTokens
		out.Totals.CompletionTokens += t.CompletionTokens
	}
	return out
}
