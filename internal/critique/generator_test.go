package critique

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelierlabs/atelier/internal/domain/models"
	"github.com/atelierlabs/atelier/internal/fault"
	"github.com/atelierlabs/atelier/internal/prompt"
)

func stubbed(fn func(ctx context.Context, in prompt.CritiqueInputs) (prompt.CritiqueOutputs, error)) *Generator {
	return &Generator{run: fn}
}

func TestGenerateUsesBoundModel(t *testing.T) {
	var seen prompt.CritiqueInputs
	g := stubbed(func(_ context.Context, in prompt.CritiqueInputs) (prompt.CritiqueOutputs, error) {
		seen = in
		return prompt.CritiqueOutputs{
			Critique:       "The fox reads as a generic canine.",
			Recommendation: "Name the species and its winter coat explicitly.",
			Reason:         "Both comparison losses cited subject ambiguity.",
		}, nil
	})

	c, err := g.Generate(context.Background(), Inputs{
		Dimension:     models.DimensionWhat,
		UserPrompt:    "a red fox in snow",
		CurrentPrompt: "a canine in a winter landscape",
		Rank:          2,
		Ranked:        4,
		Feedback: &models.AggregatedFeedback{
			Strengths:  []string{"strong composition"},
			Weaknesses: []string{"subject ambiguity"},
		},
	})
	require.NoError(t, err)
	require.True(t, c.Complete())
	assert.Equal(t, models.DimensionWhat, c.Dimension)
	assert.Equal(t, "llm", c.Metadata["source"])
	assert.Equal(t, "moderate", c.Metadata["severity"])
	assert.Equal(t, 2, c.Metadata["rank"])

	assert.Contains(t, seen.Context, "a red fox in snow")
	assert.Contains(t, seen.Context, "a canine in a winter landscape")
	assert.Contains(t, seen.Context, "Placed 2 of 4")
	assert.Equal(t, []string{"strong composition"}, seen.Strengths)
	assert.Equal(t, []string{"subject ambiguity"}, seen.Weaknesses)
}

func TestGenerateFallsBackWhenModelUnavailable(t *testing.T) {
	g := stubbed(func(context.Context, prompt.CritiqueInputs) (prompt.CritiqueOutputs, error) {
		return prompt.CritiqueOutputs{}, fault.New(fault.ServiceUnavailable, "prompt.critique", "no text generator bound")
	})

	c, err := g.Generate(context.Background(), Inputs{
		Dimension:  models.DimensionWhat,
		UserPrompt: "a lighthouse at dusk",
		Rank:       3,
		Ranked:     4,
	})
	require.NoError(t, err)
	require.True(t, c.Complete())
	assert.Equal(t, "rules", c.Metadata["source"])
}

func TestGenerateFallsBackOnUnparseableBody(t *testing.T) {
	g := stubbed(func(context.Context, prompt.CritiqueInputs) (prompt.CritiqueOutputs, error) {
		return prompt.CritiqueOutputs{}, fault.New(fault.ParseFailure, "prompt.critique", `output "critique" empty`)
	})

	c, err := g.Generate(context.Background(), Inputs{
		Dimension: models.DimensionHow,
		Rank:      1,
		Ranked:    3,
	})
	require.NoError(t, err)
	require.True(t, c.Complete())
	assert.Equal(t, "rules", c.Metadata["source"])
	assert.Equal(t, "minor", c.Metadata["severity"])
}

func TestCancellationIsNotMaskedByFallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g := stubbed(func(ctx context.Context, _ prompt.CritiqueInputs) (prompt.CritiqueOutputs, error) {
		return prompt.CritiqueOutputs{}, ctx.Err()
	})

	_, err := g.Generate(ctx, Inputs{Dimension: models.DimensionWhat, Rank: 1, Ranked: 2})
	require.ErrorIs(t, err, context.Canceled)
}

func TestRuleBasedSeverityFromScoreBands(t *testing.T) {
	cases := []struct {
		name      string
		alignment float64
		severity  string
	}{
		{"high score needs a light touch", 86, "minor"},
		{"band edge eighty is still minor", 80, "minor"},
		{"mid band", 72, "moderate"},
		{"band edge sixty", 60, "moderate"},
		{"low score", 40, "major"},
	}
	g := stubbed(func(context.Context, prompt.CritiqueInputs) (prompt.CritiqueOutputs, error) {
		return prompt.CritiqueOutputs{}, errors.New("model offline")
	})

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := g.Generate(context.Background(), Inputs{
				Dimension:  models.DimensionWhat,
				Evaluation: &models.Evaluation{Alignment: tc.alignment, Aesthetic: 5},
			})
			require.NoError(t, err)
			assert.Equal(t, tc.severity, c.Metadata["severity"])
			assert.Contains(t, c.Reason, "Alignment scored")
		})
	}
}

func TestRuleBasedSeverityFromRank(t *testing.T) {
	g := stubbed(func(context.Context, prompt.CritiqueInputs) (prompt.CritiqueOutputs, error) {
		return prompt.CritiqueOutputs{}, errors.New("model offline")
	})

	for _, tc := range []struct {
		rank, ranked int
		severity     string
	}{
		{1, 4, "minor"},
		{2, 4, "moderate"},
		{3, 4, "moderate"},
		{4, 4, "major"},
		{1, 1, "minor"},
	} {
		c, err := g.Generate(context.Background(), Inputs{
			Dimension: models.DimensionWhat,
			Rank:      tc.rank,
			Ranked:    tc.ranked,
		})
		require.NoError(t, err)
		assert.Equal(t, tc.severity, c.Metadata["severity"], "rank %d of %d", tc.rank, tc.ranked)
	}
}

func TestHowDimensionGradesOnAesthetics(t *testing.T) {
	g := stubbed(func(context.Context, prompt.CritiqueInputs) (prompt.CritiqueOutputs, error) {
		return prompt.CritiqueOutputs{}, errors.New("model offline")
	})

	// Poor alignment must not drag down a style critique when the
	// aesthetic factor is strong.
	c, err := g.Generate(context.Background(), Inputs{
		Dimension:  models.DimensionHow,
		Evaluation: &models.Evaluation{Alignment: 30, Aesthetic: 8.6},
	})
	require.NoError(t, err)
	assert.Equal(t, "minor", c.Metadata["severity"])
	assert.Contains(t, c.Critique, "visual style")
	assert.Contains(t, c.Recommendation, "Leave content terms untouched")
}

func TestRuleBasedPreservesStrengthsVerbatim(t *testing.T) {
	g := stubbed(func(context.Context, prompt.CritiqueInputs) (prompt.CritiqueOutputs, error) {
		return prompt.CritiqueOutputs{}, errors.New("model offline")
	})

	c, err := g.Generate(context.Background(), Inputs{
		Dimension: models.DimensionWhat,
		Rank:      2,
		Ranked:    3,
		Feedback: &models.AggregatedFeedback{
			Strengths:  []string{"crisp rim lighting", "believable snow texture"},
			Weaknesses: []string{"fox looks like a dog"},
		},
	})
	require.NoError(t, err)
	assert.Contains(t, c.Recommendation, "crisp rim lighting")
	assert.Contains(t, c.Recommendation, "believable snow texture")
	assert.Contains(t, c.Recommendation, "starting with: fox looks like a dog")
	assert.Contains(t, c.Critique, "fox looks like a dog")
}

func TestNoSignalDefaultsToModerate(t *testing.T) {
	g := stubbed(func(context.Context, prompt.CritiqueInputs) (prompt.CritiqueOutputs, error) {
		return prompt.CritiqueOutputs{}, errors.New("model offline")
	})

	c, err := g.Generate(context.Background(), Inputs{Dimension: models.DimensionHow})
	require.NoError(t, err)
	require.True(t, c.Complete())
	assert.Equal(t, "moderate", c.Metadata["severity"])
	assert.False(t, strings.Contains(c.Reason, "%"), "reason must be rendered text")
}

func TestInvalidDimensionRejected(t *testing.T) {
	g := NewGenerator()
	_, err := g.Generate(context.Background(), Inputs{Dimension: "vibes"})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.InvalidArgument))
}
