// Package ports holds the capability contracts the search engine depends on.
// Providers (openai, local, mock) implement them; the scheduler, ranking
// engine and moderation refiner consume them. Every call is context-first
// with an explicit error return; error kinds follow internal/fault.
package ports

import (
	"context"
	"time"

	"github.com/atelierlabs/atelier/internal/domain/models"
)

// CallMeta carries accounting data for one provider call.
type CallMeta struct {
	Model            string        `json:"model,omitempty"`
	PromptTokens     int           `json:"prompt_tokens,omitempty"`
	CompletionTokens int           `json:"completion_tokens,omitempty"`
	Latency          time.Duration `json:"latency,omitempty"`
}

// LLMResult is the outcome of a text operation. Text is non-empty and
// whitespace-trimmed.
type LLMResult struct {
	Text string   `json:"text"`
	Meta CallMeta `json:"meta"`
}

// ExpandOptions shapes a cold-start expansion of the user prompt on one
// dimension. Style and Descriptiveness are free-form hints passed through to
// the model.
type ExpandOptions struct {
	Dimension       models.Dimension
	Style           string
	Descriptiveness string
	MaxTokens       int
}

// RefineOptions shapes a critique-driven refinement. Critique must be
// complete (critique, recommendation, reason all non-empty) and
// OriginalUserPrompt must be supplied so refinement never drifts from the
// user's intent.
type RefineOptions struct {
	Dimension          models.Dimension
	Critique           *models.Critique
	OriginalUserPrompt string
	Style              string
	MaxTokens          int
}

// CombineOptions shapes the fusion of a WHAT/HOW pair into one generation
// prompt. Style and Descriptiveness are free-form hints passed through to
// the model, as in ExpandOptions. MaxTokens of zero means the variant's
// default; variants with an internal reasoning budget raise the effective
// limit so a full answer fits.
type CombineOptions struct {
	Style           string
	Descriptiveness string
	MaxTokens       int
}

// CombineResult is the fused generation prompt. NegativePrompt is empty
// when the variant offers none.
type CombineResult struct {
	Text           string   `json:"text"`
	NegativePrompt string   `json:"negative_prompt,omitempty"`
	Meta           CallMeta `json:"meta"`
}

// LLMService produces and refines prompt text.
type LLMService interface {
	Expand(ctx context.Context, prompt string, opts ExpandOptions) (*LLMResult, error)
	Refine(ctx context.Context, prompt string, opts RefineOptions) (*LLMResult, error)
	Combine(ctx context.Context, whatPrompt, howPrompt string, opts CombineOptions) (*CombineResult, error)
}

// ImageOptions shapes one image generation.
type ImageOptions struct {
	Width          int
	Height         int
	Steps          int
	Guidance       float64
	Seed           *int64
	NegativePrompt string
	SessionID      string
	Iteration      int
	CandidateID    int
}

// ImageResult locates the generated image. LocalPath may point at provider
// scratch space; the caller copies it into the session directory.
// BaseImagePath is a provider-declared extension (img2img source) passed
// through opaquely.
type ImageResult struct {
	URL           string   `json:"url,omitempty"`
	LocalPath     string   `json:"local_path"`
	BaseImagePath string   `json:"base_image_path,omitempty"`
	RevisedPrompt string   `json:"revised_prompt,omitempty"`
	Meta          CallMeta `json:"meta"`
}

// ImageService renders a combined prompt into an image.
type ImageService interface {
	Generate(ctx context.Context, prompt string, opts ImageOptions) (*ImageResult, error)
}

// VisionService is the legacy absolute scorer: one image, one evaluation.
type VisionService interface {
	Analyze(ctx context.Context, imagePath, referencePrompt string) (*models.Evaluation, error)
}

// CompareOptions shapes one pairwise VLM comparison.
type CompareOptions struct {
	Temperature float64
}

// PairResult is a resolved pairwise comparison. Winner is "A" or "B"
// relative to the argument order; ranks are ordinal per factor (tie gives
// both 1) with combined = alpha*alignment + (1-alpha)*aesthetics, lower
// better.
type PairResult struct {
	Winner          string       `json:"winner"`
	Reason          string       `json:"reason,omitempty"`
	RanksA          models.Ranks `json:"ranks_a"`
	RanksB          models.Ranks `json:"ranks_b"`
	WinnerStrengths []string     `json:"winner_strengths,omitempty"`
	LoserWeaknesses []string     `json:"loser_weaknesses,omitempty"`
	Meta            CallMeta     `json:"meta"`
}

// ComparatorService judges which of two images better serves the reference
// prompt.
type ComparatorService interface {
	ComparePair(ctx context.Context, imageA, imageB, referencePrompt string, opts CompareOptions) (*PairResult, error)
}
