package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelierlabs/atelier/internal/fault"
)

func TestExtractJSON(t *testing.T) {
	t.Run("bare object", func(t *testing.T) {
		out, err := ExtractJSON(`{"winner": "A"}`)
		require.NoError(t, err)
		assert.Equal(t, `{"winner": "A"}`, out)
	})

	t.Run("fenced with language tag", func(t *testing.T) {
		out, err := ExtractJSON("Here you go:\n```json\n{\"winner\": \"B\"}\n```\nHope that helps.")
		require.NoError(t, err)
		assert.Equal(t, `{"winner": "B"}`, out)
	})

	t.Run("fenced without language tag", func(t *testing.T) {
		out, err := ExtractJSON("```\n{\"x\": 1}\n```")
		require.NoError(t, err)
		assert.Equal(t, `{"x": 1}`, out)
	})

	t.Run("object buried in prose", func(t *testing.T) {
		out, err := ExtractJSON(`After careful consideration, {"winner": "A", "reason": "sharper"} is my verdict.`)
		require.NoError(t, err)
		assert.Equal(t, `{"winner": "A", "reason": "sharper"}`, out)
	})

	t.Run("no object at all", func(t *testing.T) {
		_, err := ExtractJSON("I cannot compare these images.")
		require.Error(t, err)
		assert.True(t, fault.IsKind(err, fault.ParseFailure))
	})
}

func TestParsePairResult(t *testing.T) {
	t.Run("full reply", func(t *testing.T) {
		raw := `{
			"winner": "B",
			"reason": "better palette",
			"ranks_a": {"alignment": 2, "aesthetics": 1},
			"ranks_b": {"alignment": 1, "aesthetics": 1},
			"winner_strengths": ["coherent palette"],
			"loser_weaknesses": [" muddy background "]
		}`
		res, err := ParsePairResult(raw, 0.7)
		require.NoError(t, err)
		assert.Equal(t, "B", res.Winner)
		assert.Equal(t, "better palette", res.Reason)
		assert.InDelta(t, 0.7*2+0.3*1, res.RanksA.Combined, 1e-9)
		assert.InDelta(t, 1.0, res.RanksB.Combined, 1e-9)
		assert.Equal(t, []string{"coherent palette"}, res.WinnerStrengths)
		assert.Equal(t, []string{"muddy background"}, res.LoserWeaknesses)
	})

	t.Run("winner spelled out", func(t *testing.T) {
		res, err := ParsePairResult(`{"winner": "image b"}`, 0.5)
		require.NoError(t, err)
		assert.Equal(t, "B", res.Winner)
	})

	t.Run("missing ranks derived from winner", func(t *testing.T) {
		res, err := ParsePairResult(`{"winner": "A", "reason": "x"}`, 0.5)
		require.NoError(t, err)
		assert.Equal(t, 1.0, res.RanksA.Alignment)
		assert.Equal(t, 1.0, res.RanksA.Aesthetics)
		assert.Equal(t, 2.0, res.RanksB.Alignment)
		assert.Equal(t, 2.0, res.RanksB.Aesthetics)
	})

	t.Run("quoted numbers tolerated", func(t *testing.T) {
		raw := `{"winner": "A", "ranks_a": {"alignment": "1", "aesthetics": "2"}, "ranks_b": {"alignment": "2", "aesthetics": "1"}}`
		res, err := ParsePairResult(raw, 1)
		require.NoError(t, err)
		assert.Equal(t, 1.0, res.RanksA.Alignment)
		assert.Equal(t, 2.0, res.RanksA.Aesthetics)
	})

	t.Run("unknown winner", func(t *testing.T) {
		_, err := ParsePairResult(`{"winner": "both"}`, 0.5)
		require.Error(t, err)
		assert.True(t, fault.IsKind(err, fault.ParseFailure))
	})

	t.Run("not json", func(t *testing.T) {
		_, err := ParsePairResult(`{"winner": }`, 0.5)
		require.Error(t, err)
		assert.True(t, fault.IsKind(err, fault.ParseFailure))
	})
}

func TestParseEvaluation(t *testing.T) {
	t.Run("full reply", func(t *testing.T) {
		raw := "```json\n" + `{
			"alignment": 87,
			"aesthetic": 7.5,
			"analysis": "Strong subject, weak background.",
			"strengths": ["subject"],
			"weaknesses": ["background"]
		}` + "\n```"
		ev, err := ParseEvaluation(raw)
		require.NoError(t, err)
		assert.Equal(t, 87.0, ev.Alignment)
		assert.Equal(t, 7.5, ev.Aesthetic)
		assert.Equal(t, "Strong subject, weak background.", ev.Analysis)
	})

	t.Run("scores clamped to their scales", func(t *testing.T) {
		ev, err := ParseEvaluation(`{"alignment": 150, "aesthetic": -3}`)
		require.NoError(t, err)
		assert.Equal(t, 100.0, ev.Alignment)
		assert.Equal(t, 0.0, ev.Aesthetic)
	})
}
