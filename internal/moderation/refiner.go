// Package moderation keeps the pipeline moving past content-policy
// refusals. A flagged prompt is rewritten by a dedicated sub-model and
// retried under a fixed attempt budget; outcomes feed a similarity index
// that steers later rewrites toward phrasings the filter has accepted.
package moderation

import (
	"context"
	"errors"
	"log/slog"
	"regexp"

	openai "github.com/sashabaranov/go-openai"

	"github.com/atelierlabs/atelier/internal/adapters/metrics"
	"github.com/atelierlabs/atelier/internal/config"
	"github.com/atelierlabs/atelier/internal/fault"
	"github.com/atelierlabs/atelier/internal/llm"
	"github.com/atelierlabs/atelier/internal/prompt"
)

var violationRe = regexp.MustCompile(`(?i)content policy violation|content_policy_violation|inappropriate`)

// IsViolation reports whether err is a content-policy refusal: a tagged
// ContentPolicy fault, or a 4xx provider response whose body matches the
// known refusal phrasings.
func IsViolation(err error) bool {
	if err == nil {
		return false
	}
	if fault.IsKind(err, fault.ContentPolicy) {
		return true
	}
	var oaiErr *openai.APIError
	if errors.As(err, &oaiErr) {
		return oaiErr.HTTPStatusCode >= 400 && oaiErr.HTTPStatusCode < 500 && violationRe.MatchString(oaiErr.Message)
	}
	var apiErr *llm.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 && violationRe.MatchString(apiErr.Body)
	}
	return false
}

// Refiner runs an operation under the moderation retry policy.
type Refiner struct {
	tracker     *ViolationTracker
	maxAttempts int
	rewrite     func(ctx context.Context, flagged, reason, exemplar string) (string, error)
}

func NewRefiner(cfg config.ModerationConfig, tracker *ViolationTracker) *Refiner {
	if tracker == nil {
		tracker = NewViolationTracker(cfg.HistoryLimit)
	}
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 3
	}
	return &Refiner{
		tracker:     tracker,
		maxAttempts: attempts,
		rewrite:     prompt.Rewrite,
	}
}

// Tracker exposes the violation history for diagnostics.
func (r *Refiner) Tracker() *ViolationTracker { return r.tracker }

// Run invokes op with the prompt, rewriting and retrying on policy
// refusals until the attempt budget (which counts the first call) runs
// out. It returns the prompt that finally passed so callers can persist
// what was actually generated. Non-policy errors pass through untouched.
func (r *Refiner) Run(ctx context.Context, original string, op func(ctx context.Context, prompt string) error) (string, error) {
	current := original
	var lastReason string

	for attempt := 1; ; attempt++ {
		err := op(ctx, current)
		if err == nil {
			if attempt > 1 {
				r.tracker.Add(Record{
					Original: original,
					Final:    current,
					Attempts: attempt,
					Success:  true,
					Reason:   lastReason,
				})
				slog.Info("moderation: prompt accepted after rewriting",
					"attempts", attempt)
			}
			return current, nil
		}
		if !IsViolation(err) {
			return current, err
		}

		lastReason = reasonFrom(err)
		if attempt == r.maxAttempts {
			r.tracker.Add(Record{
				Original: original,
				Final:    current,
				Attempts: attempt,
				Success:  false,
				Reason:   lastReason,
			})
			metrics.ModerationExhaustedTotal.Inc()
			return current, fault.Wrapf(fault.ContentPolicyExhausted, "moderation.refine", err,
				"prompt still refused after %d attempts", attempt)
		}

		metrics.ModerationRetriesTotal.Inc()
		slog.Warn("moderation: prompt refused, rewriting",
			"attempt", attempt, "reason", lastReason)

		exemplar, _ := r.tracker.BestExemplar(current)
		rewritten, rerr := r.rewrite(ctx, current, lastReason, exemplar)
		if rerr != nil {
			return current, fault.Wrap(fault.KindOf(rerr), "moderation.rewrite", rerr)
		}
		current = rewritten
	}
}

func reasonFrom(err error) string {
	var oaiErr *openai.APIError
	if errors.As(err, &oaiErr) {
		return oaiErr.Message
	}
	var apiErr *llm.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Body
	}
	var f *fault.Error
	if errors.As(err, &f) && f.Message != "" {
		return f.Message
	}
	return err.Error()
}
