package prompt

import (
	"context"
	"fmt"
	"strings"

	"github.com/XiaoConstantine/dspy-go/pkg/modules"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/atelierlabs/atelier/internal/domain/models"
	"github.com/atelierlabs/atelier/internal/fault"
	"github.com/atelierlabs/atelier/internal/prompt/baselines"
)

var tracer = otel.Tracer("atelier/prompt")

// DimensionGuidance maps a search dimension to its baseline description.
func DimensionGuidance(dim models.Dimension) string {
	if dim == models.DimensionHow {
		return baselines.HowGuidance
	}
	return baselines.WhatGuidance
}

// DescriptivenessGuidance maps a verbosity hint to baseline text. Unknown
// values pass through so callers can supply free-form hints.
func DescriptivenessGuidance(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "balanced":
		return baselines.DescriptivenessBalanced
	case "brief":
		return baselines.DescriptivenessBrief
	case "lush", "detailed":
		return baselines.DescriptivenessLush
	default:
		return level
	}
}

// ExpandInputs drive one cold-start expansion.
type ExpandInputs struct {
	UserPrompt      string
	Dimension       models.Dimension
	Style           string
	Descriptiveness string
}

// Expand rewrites the user prompt along one dimension.
func Expand(ctx context.Context, in ExpandInputs) (string, error) {
	style := in.Style
	if style == "" {
		style = baselines.DefaultStyle
	}

	outputs, err := run(ctx, "expand", ExpandPromptSig, map[string]any{
		"user_prompt":     in.UserPrompt,
		"dimension":       DimensionGuidance(in.Dimension),
		"style":           style,
		"descriptiveness": DescriptivenessGuidance(in.Descriptiveness),
	})
	if err != nil {
		return "", err
	}
	return stringField("expand", outputs, "expanded_prompt")
}

// RefineInputs drive one critique-guided refinement.
type RefineInputs struct {
	CurrentPrompt  string
	Dimension      models.Dimension
	Critique       models.Critique
	OriginalPrompt string
}

// Refine revises the current prompt following a critique. The original user
// prompt is passed alongside so revisions cannot drift from intent.
func Refine(ctx context.Context, in RefineInputs) (string, error) {
	outputs, err := run(ctx, "refine", RefinePromptSig, map[string]any{
		"current_prompt":  in.CurrentPrompt,
		"dimension":       DimensionGuidance(in.Dimension),
		"critique":        in.Critique.Critique,
		"recommendation":  in.Critique.Recommendation,
		"reason":          in.Critique.Reason,
		"original_prompt": in.OriginalPrompt,
	})
	if err != nil {
		return "", err
	}
	return stringField("refine", outputs, "refined_prompt")
}

// CombineInputs drive one WHAT/HOW fusion.
type CombineInputs struct {
	WhatPrompt      string
	HowPrompt       string
	Style           string
	Descriptiveness string
}

// CombineOutputs is the fused generation prompt plus an optional negative
// prompt.
type CombineOutputs struct {
	CombinedPrompt string
	NegativePrompt string
}

// Combine fuses a WHAT/HOW pair into a single generation prompt.
func Combine(ctx context.Context, in CombineInputs) (CombineOutputs, error) {
	style := in.Style
	if style == "" {
		style = baselines.DefaultStyle
	}

	outputs, err := run(ctx, "combine", CombinePromptsSig, map[string]any{
		"what_prompt":     in.WhatPrompt,
		"how_prompt":      in.HowPrompt,
		"style":           style,
		"descriptiveness": DescriptivenessGuidance(in.Descriptiveness),
	})
	if err != nil {
		return CombineOutputs{}, err
	}

	combined, err := stringField("combine", outputs, "combined_prompt")
	if err != nil {
		return CombineOutputs{}, err
	}

	return CombineOutputs{
		CombinedPrompt: combined,
		NegativePrompt: optionalField(outputs, "negative_prompt"),
	}, nil
}

// CritiqueInputs drive one critique generation. Context carries the composed
// evaluation data; Strengths and Weaknesses come from comparison feedback.
type CritiqueInputs struct {
	Context    string
	Dimension  models.Dimension
	Strengths  []string
	Weaknesses []string
}

// CritiqueOutputs is a complete critique triple.
type CritiqueOutputs struct {
	Critique       string
	Recommendation string
	Reason         string
}

// RunCritique produces a critique triple for one candidate.
func RunCritique(ctx context.Context, in CritiqueInputs) (CritiqueOutputs, error) {
	outputs, err := run(ctx, "critique", CritiqueSig, map[string]any{
		"critique_context": baselines.CritiqueFraming + "\n\n" + in.Context,
		"dimension":        DimensionGuidance(in.Dimension),
		"strengths":        joinOrNone(in.Strengths),
		"weaknesses":       joinOrNone(in.Weaknesses),
	})
	if err != nil {
		return CritiqueOutputs{}, err
	}

	out := CritiqueOutputs{}
	if out.Critique, err = stringField("critique", outputs, "critique"); err != nil {
		return CritiqueOutputs{}, err
	}
	if out.Recommendation, err = stringField("critique", outputs, "recommendation"); err != nil {
		return CritiqueOutputs{}, err
	}
	if out.Reason, err = stringField("critique", outputs, "reason"); err != nil {
		return CritiqueOutputs{}, err
	}
	return out, nil
}

// Rewrite rewords a prompt that tripped a content filter, keeping the
// creative intent. An exemplar of a rewrite that previously cleared the
// filter steers phrasing; when the caller has none, the baseline exemplar
// is used.
func Rewrite(ctx context.Context, flaggedPrompt, violationReason, exemplar string) (string, error) {
	if exemplar == "" {
		exemplar = baselines.RewriteExemplar
	}
	outputs, err := run(ctx, "rewrite", RewriteSig, map[string]any{
		"prompt":           flaggedPrompt,
		"violation_reason": violationReason,
		"exemplar":         exemplar,
	})
	if err != nil {
		return "", err
	}
	return stringField("rewrite", outputs, "rewritten_prompt")
}

func run(ctx context.Context, op string, sig Signature, inputs map[string]any) (map[string]any, error) {
	if !Bound() {
		return nil, fault.New(fault.ServiceUnavailable, "prompt."+op, "no text generator bound")
	}

	ctx = WithOperation(ctx, op)
	ctx, span := tracer.Start(ctx, "prompt."+op)
	defer span.End()
	span.SetAttributes(attribute.String("signature", sig.Name))

	// A fresh Predict per call keeps module state off the shared path while
	// expansions fan out in parallel.
	predict := modules.NewPredict(sig.Signature)
	outputs, err := predict.Process(ctx, inputs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return outputs, nil
}

func stringField(op string, outputs map[string]any, key string) (string, error) {
	v, ok := outputs[key]
	if !ok {
		return "", fault.Newf(fault.ParseFailure, "prompt."+op, "output %q missing", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fault.Newf(fault.ParseFailure, "prompt."+op, "output %q is %T, want string", key, v)
	}
	s = trimWrapping(s)
	if s == "" {
		return "", fault.Newf(fault.ParseFailure, "prompt."+op, "output %q empty", key)
	}
	return s, nil
}

func optionalField(outputs map[string]any, key string) string {
	s, _ := outputs[key].(string)
	return trimWrapping(s)
}

// trimWrapping strips whitespace plus one layer of quotes that smaller
// models like to wrap answers in.
func trimWrapping(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') || (first == '`' && last == '`') {
			s = strings.TrimSpace(s[1 : len(s)-1])
		}
	}
	return s
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "none noted"
	}
	return strings.Join(items, "; ")
}
