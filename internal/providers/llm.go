package providers

import (
	"context"
	"time"

	"github.com/atelierlabs/atelier/internal/fault"
	"github.com/atelierlabs/atelier/internal/ports"
	"github.com/atelierlabs/atelier/internal/prompt"
)

// promptLLM implements ports.LLMService on top of the prompt modules. The
// openai and local variants share it; only the bound text transport
// differs. Mock bypasses it entirely so no-network runs never depend on a
// generator being installed.
type promptLLM struct{}

// NewPromptLLM returns the LLM service backed by whatever text generator
// is currently bound.
func NewPromptLLM() ports.LLMService { return promptLLM{} }

func (promptLLM) Expand(ctx context.Context, userPrompt string, opts ports.ExpandOptions) (*ports.LLMResult, error) {
	if !opts.Dimension.Valid() {
		return nil, fault.Newf(fault.InvalidArgument, "llm.expand", "dimension %q", opts.Dimension)
	}
	ctx = prompt.WithMaxTokens(ctx, opts.MaxTokens)

	start := time.Now()
	text, err := prompt.Expand(ctx, prompt.ExpandInputs{
		UserPrompt:      userPrompt,
		Dimension:       opts.Dimension,
		Style:           opts.Style,
		Descriptiveness: opts.Descriptiveness,
	})
	if err != nil {
		return nil, err
	}
	return &ports.LLMResult{Text: text, Meta: ports.CallMeta{Latency: time.Since(start)}}, nil
}

func (promptLLM) Refine(ctx context.Context, current string, opts ports.RefineOptions) (*ports.LLMResult, error) {
	if !opts.Dimension.Valid() {
		return nil, fault.Newf(fault.InvalidArgument, "llm.refine", "dimension %q", opts.Dimension)
	}
	if !opts.Critique.Complete() {
		return nil, fault.New(fault.InvalidArgument, "llm.refine", "refinement requires a complete critique")
	}
	if opts.OriginalUserPrompt == "" {
		return nil, fault.New(fault.InvalidArgument, "llm.refine", "original user prompt is required")
	}
	ctx = prompt.WithMaxTokens(ctx, opts.MaxTokens)

	start := time.Now()
	text, err := prompt.Refine(ctx, prompt.RefineInputs{
		CurrentPrompt:  current,
		Dimension:      opts.Dimension,
		Critique:       *opts.Critique,
		OriginalPrompt: opts.OriginalUserPrompt,
	})
	if err != nil {
		return nil, err
	}
	return &ports.LLMResult{Text: text, Meta: ports.CallMeta{Latency: time.Since(start)}}, nil
}

func (promptLLM) Combine(ctx context.Context, whatPrompt, howPrompt string, opts ports.CombineOptions) (*ports.CombineResult, error) {
	if whatPrompt == "" || howPrompt == "" {
		return nil, fault.New(fault.InvalidArgument, "llm.combine", "both prompts are required")
	}
	ctx = prompt.WithMaxTokens(ctx, opts.MaxTokens)

	start := time.Now()
	out, err := prompt.Combine(ctx, prompt.CombineInputs{
		WhatPrompt:      whatPrompt,
		HowPrompt:       howPrompt,
		Style:           opts.Style,
		Descriptiveness: opts.Descriptiveness,
	})
	if err != nil {
		return nil, err
	}
	return &ports.CombineResult{
		Text:           out.CombinedPrompt,
		NegativePrompt: out.NegativePrompt,
		Meta:           ports.CallMeta{Latency: time.Since(start)},
	}, nil
}
