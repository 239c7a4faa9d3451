// Package critique turns ranking outcomes into refinement guidance. The
// primary path asks the bound text model for a structured critique; when no
// model answers, or the answer cannot be parsed, a rule-based grader
// produces a serviceable one so the search never stalls on feedback.
package critique

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/atelierlabs/atelier/internal/domain/models"
	"github.com/atelierlabs/atelier/internal/fault"
	"github.com/atelierlabs/atelier/internal/prompt"
)

type severity string

const (
	sevMinor    severity = "minor"
	sevModerate severity = "moderate"
	sevMajor    severity = "major"
)

// Inputs carries everything known about one candidate after ranking.
// Rank/Ranked describe its place in the round's pairwise ranking; Evaluation
// is the legacy absolute score. Either signal grades the revision; with
// neither, the grader defaults to a moderate pass.
type Inputs struct {
	Dimension     models.Dimension
	UserPrompt    string
	CurrentPrompt string
	Rank          int
	Ranked        int
	Evaluation    *models.Evaluation
	Feedback      *models.AggregatedFeedback
}

// Generator produces one critique per surviving candidate.
type Generator struct {
	run func(ctx context.Context, in prompt.CritiqueInputs) (prompt.CritiqueOutputs, error)
}

func NewGenerator() *Generator {
	return &Generator{run: prompt.RunCritique}
}

// Generate asks the bound model for a critique and falls back to the
// rule-based grader on any failure except cancellation. The result is
// always complete: three non-empty fields plus the dimension.
func (g *Generator) Generate(ctx context.Context, in Inputs) (*models.Critique, error) {
	if !in.Dimension.Valid() {
		return nil, fault.Newf(fault.InvalidArgument, "critique.generate", "dimension %q", in.Dimension)
	}

	sev, why := grade(in)

	out, err := g.run(ctx, prompt.CritiqueInputs{
		Context:    composeContext(in, why),
		Dimension:  in.Dimension,
		Strengths:  in.strengths(),
		Weaknesses: in.weaknesses(),
	})
	if err == nil {
		return &models.Critique{
			Critique:       out.Critique,
			Recommendation: out.Recommendation,
			Reason:         out.Reason,
			Dimension:      in.Dimension,
			Metadata:       metadata("llm", sev, in),
		}, nil
	}
	if ctx.Err() != nil || fault.IsKind(err, fault.Cancelled) {
		return nil, err
	}

	slog.Warn("critique: falling back to rule-based guidance", "dimension", in.Dimension, "error", err)
	return g.ruleBased(in, sev, why), nil
}

// grade picks a revision scale from the available signals. Pairwise rank is
// the primary signal; the absolute evaluation covers the legacy score mode.
func grade(in Inputs) (severity, string) {
	if in.Rank > 0 && in.Ranked > 0 {
		switch {
		case in.Rank == 1:
			return sevMinor, fmt.Sprintf("Placed 1 of %d in the round's pairwise ranking.", in.Ranked)
		case in.Rank == in.Ranked:
			return sevMajor, fmt.Sprintf("Placed last of %d in the round's pairwise ranking.", in.Ranked)
		default:
			return sevModerate, fmt.Sprintf("Placed %d of %d in the round's pairwise ranking.", in.Rank, in.Ranked)
		}
	}
	if in.Evaluation != nil {
		score, scale := in.Evaluation.Alignment, "Alignment"
		if in.Dimension == models.DimensionHow {
			score, scale = in.Evaluation.Aesthetic*10, "Aesthetic quality"
		}
		why := fmt.Sprintf("%s scored %.0f/100.", scale, score)
		switch {
		case score >= 80:
			return sevMinor, why
		case score >= 60:
			return sevModerate, why
		default:
			return sevMajor, why
		}
	}
	return sevModerate, "No grading signal was recorded for this candidate."
}

func (g *Generator) ruleBased(in Inputs, sev severity, why string) *models.Critique {
	focus, target, other := "content alignment", "content", "style"
	if in.Dimension == models.DimensionHow {
		focus, target, other = "visual style", "style", "content"
	}

	crit := fmt.Sprintf("A %s revision of the %s is needed.", sev, focus)
	if ws := in.weaknesses(); len(ws) > 0 {
		crit += " Noted weaknesses: " + strings.Join(ws, "; ") + "."
	}

	var rec strings.Builder
	switch sev {
	case sevMinor:
		fmt.Fprintf(&rec, "Make one small %s adjustment", target)
	case sevModerate:
		fmt.Fprintf(&rec, "Rework the weaker %s elements", target)
	default:
		fmt.Fprintf(&rec, "Rebuild the %s description from the original intent", target)
	}
	if ws := in.weaknesses(); len(ws) > 0 {
		fmt.Fprintf(&rec, ", starting with: %s", ws[0])
	}
	fmt.Fprintf(&rec, ". Leave %s terms untouched.", other)
	if st := in.strengths(); len(st) > 0 {
		fmt.Fprintf(&rec, " Preserve what already works: %s.", strings.Join(st, "; "))
	}

	return &models.Critique{
		Critique:       crit,
		Recommendation: rec.String(),
		Reason:         why,
		Dimension:      in.Dimension,
		Metadata:       metadata("rules", sev, in),
	}
}

// composeContext lays out the model's working material: the intent, the
// prompt being revised, the grading signal and any analysis text.
func composeContext(in Inputs, why string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User intent: %s\n", in.UserPrompt)
	if in.CurrentPrompt != "" {
		fmt.Fprintf(&b, "Prompt under revision: %s\n", in.CurrentPrompt)
	}
	b.WriteString(why)
	if in.Evaluation != nil && in.Evaluation.Analysis != "" {
		b.WriteString("\nAnalysis: " + in.Evaluation.Analysis)
	}
	return b.String()
}

func metadata(source string, sev severity, in Inputs) map[string]any {
	meta := map[string]any{
		"source":   source,
		"severity": string(sev),
	}
	if in.Rank > 0 {
		meta["rank"] = in.Rank
		meta["ranked"] = in.Ranked
	}
	return meta
}

func (in Inputs) strengths() []string {
	var out []string
	if in.Feedback != nil {
		out = append(out, in.Feedback.Strengths...)
	}
	if in.Evaluation != nil {
		out = append(out, in.Evaluation.Strengths...)
	}
	return out
}

func (in Inputs) weaknesses() []string {
	var out []string
	if in.Feedback != nil {
		out = append(out, in.Feedback.Weaknesses...)
	}
	if in.Evaluation != nil {
		out = append(out, in.Evaluation.Weaknesses...)
	}
	return out
}
