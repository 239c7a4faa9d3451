package ports

import "context"

// TokenRecorder accumulates model usage per operation class. The session
// token ledger implements it; providers record through whatever recorder
// rides the context so accounting follows the session, not the process.
type TokenRecorder interface {
	Add(op string, promptTokens, completionTokens int)
}

type tokenRecorderKey struct{}

// WithTokenRecorder attaches a recorder to ctx for downstream providers.
func WithTokenRecorder(ctx context.Context, r TokenRecorder) context.Context {
	return context.WithValue(ctx, tokenRecorderKey{}, r)
}

// RecordTokens charges usage to the recorder on ctx, if any.
func RecordTokens(ctx context.Context, op string, promptTokens, completionTokens int) {
	if r, ok := ctx.Value(tokenRecorderKey{}).(TokenRecorder); ok && r != nil {
		r.Add(op, promptTokens, completionTokens)
	}
}
