package moderation

import (
	"context"
	"errors"
	"fmt"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelierlabs/atelier/internal/config"
	"github.com/atelierlabs/atelier/internal/fault"
	"github.com/atelierlabs/atelier/internal/llm"
)

func refusal() error {
	return &llm.APIError{StatusCode: 400, Body: `{"error": "content_policy_violation"}`}
}

func newTestRefiner(t *testing.T) *Refiner {
	t.Helper()
	r := NewRefiner(config.ModerationConfig{MaxAttempts: 3, HistoryLimit: 10}, nil)
	r.rewrite = func(_ context.Context, flagged, _, _ string) (string, error) {
		return "", fmt.Errorf("unexpected rewrite of %q", flagged)
	}
	return r
}

func TestRefusedTwiceThenAccepted(t *testing.T) {
	r := newTestRefiner(t)
	rewrites := 0
	r.rewrite = func(_ context.Context, _, reason, _ string) (string, error) {
		require.Contains(t, reason, "content_policy_violation")
		rewrites++
		return fmt.Sprintf("safe variant %d", rewrites), nil
	}

	calls := 0
	final, err := r.Run(context.Background(), "the flagged original", func(_ context.Context, p string) error {
		calls++
		if calls <= 2 {
			return refusal()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "safe variant 2", final)
	assert.Equal(t, 3, calls)

	history := r.Tracker().History()
	require.Len(t, history, 1)
	assert.True(t, history[0].Success)
	assert.Equal(t, 3, history[0].Attempts)
	assert.Equal(t, "the flagged original", history[0].Original)
	assert.Equal(t, "safe variant 2", history[0].Final)
}

func TestFirstTrySuccessLeavesNoTrace(t *testing.T) {
	r := newTestRefiner(t)
	final, err := r.Run(context.Background(), "an innocent prompt", func(context.Context, string) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "an innocent prompt", final)
	assert.Empty(t, r.Tracker().History())
}

func TestNonPolicyErrorsPassThrough(t *testing.T) {
	r := newTestRefiner(t)
	boom := fault.New(fault.ServiceUnavailable, "image.generate", "connection refused")

	_, err := r.Run(context.Background(), "a prompt", func(context.Context, string) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Empty(t, r.Tracker().History())
}

func TestBudgetExhausted(t *testing.T) {
	r := newTestRefiner(t)
	rewrites := 0
	r.rewrite = func(context.Context, string, string, string) (string, error) {
		rewrites++
		return fmt.Sprintf("still flagged %d", rewrites), nil
	}

	calls := 0
	_, err := r.Run(context.Background(), "hopeless prompt", func(context.Context, string) error {
		calls++
		return refusal()
	})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.ContentPolicyExhausted), "got %v", err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, rewrites, "the final attempt must not trigger another rewrite")

	history := r.Tracker().History()
	require.Len(t, history, 1)
	assert.False(t, history[0].Success)
	assert.Equal(t, 3, history[0].Attempts)
}

func TestRewriteFailureSurfaces(t *testing.T) {
	r := newTestRefiner(t)
	r.rewrite = func(context.Context, string, string, string) (string, error) {
		return "", fault.New(fault.ServiceUnavailable, "prompt.rewrite", "no text generator bound")
	}

	calls := 0
	_, err := r.Run(context.Background(), "a prompt", func(context.Context, string) error {
		calls++
		return refusal()
	})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.ServiceUnavailable), "got %v", err)
	assert.Equal(t, 1, calls)
}

func TestExemplarFromPastSuccessReachesRewriter(t *testing.T) {
	r := newTestRefiner(t)
	r.Tracker().Add(Record{
		Original: "a violent battlefield scene with blood",
		Final:    "a dramatic battlefield aftermath at dawn",
		Attempts: 2,
		Success:  true,
	})

	var seenExemplar string
	r.rewrite = func(_ context.Context, _, _, exemplar string) (string, error) {
		seenExemplar = exemplar
		return "acceptable prompt", nil
	}

	calls := 0
	_, err := r.Run(context.Background(), "a brutal battlefield scene", func(context.Context, string) error {
		calls++
		if calls == 1 {
			return refusal()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "a dramatic battlefield aftermath at dawn", seenExemplar)
}

func TestIsViolationShapes(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"tagged content policy fault", fault.New(fault.ContentPolicy, "openai.image", "refused"), true},
		{"openai 400 with policy message", &openai.APIError{HTTPStatusCode: 400, Message: "Rejected: Content Policy Violation"}, true},
		{"openai 400 unrelated message", &openai.APIError{HTTPStatusCode: 400, Message: "invalid size parameter"}, false},
		{"openai 500 with policy message", &openai.APIError{HTTPStatusCode: 500, Message: "content policy violation"}, false},
		{"local 400 inappropriate", &llm.APIError{StatusCode: 400, Body: "prompt contains INAPPROPRIATE content"}, true},
		{"local 503", &llm.APIError{StatusCode: 503, Body: "loading weights"}, false},
		{"wrapped provider error", fmt.Errorf("generate: %w", refusal()), true},
		{"plain error", errors.New("content policy violation"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsViolation(tc.err))
		})
	}
}
