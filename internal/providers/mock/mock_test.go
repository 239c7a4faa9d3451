package mock

import (
	"context"
	"image/png"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelierlabs/atelier/internal/domain/models"
	"github.com/atelierlabs/atelier/internal/fault"
	"github.com/atelierlabs/atelier/internal/ports"
)

type recordingLedger struct {
	prompt     map[string]int
	completion map[string]int
}

func newRecordingLedger() *recordingLedger {
	return &recordingLedger{prompt: map[string]int{}, completion: map[string]int{}}
}

func (r *recordingLedger) Add(op string, promptTokens, completionTokens int) {
	r.prompt[op] += promptTokens
	r.completion[op] += completionTokens
}

func TestExpandVariesAcrossCalls(t *testing.T) {
	p := New(0.7)
	ctx := context.Background()

	first, err := p.Expand(ctx, "a lighthouse in a storm", ports.ExpandOptions{Dimension: models.DimensionWhat})
	require.NoError(t, err)
	second, err := p.Expand(ctx, "a lighthouse in a storm", ports.ExpandOptions{Dimension: models.DimensionWhat})
	require.NoError(t, err)

	assert.NotEqual(t, first.Text, second.Text)
	assert.Contains(t, first.Text, "a lighthouse in a storm")
	assert.Contains(t, second.Text, "a lighthouse in a storm")
}

func TestExpandRejectsBadDimension(t *testing.T) {
	p := New(0.7)
	_, err := p.Expand(context.Background(), "x", ports.ExpandOptions{Dimension: "where"})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.InvalidArgument))
}

func TestRefineRequiresCompleteCritique(t *testing.T) {
	p := New(0.7)
	_, err := p.Refine(context.Background(), "current", ports.RefineOptions{
		Dimension:          models.DimensionHow,
		Critique:           &models.Critique{Critique: "too dark"},
		OriginalUserPrompt: "a lighthouse",
	})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.InvalidArgument))
}

func TestRefineKeepsCurrentPromptVisible(t *testing.T) {
	p := New(0.7)
	out, err := p.Refine(context.Background(), "a lighthouse, wide shot", ports.RefineOptions{
		Dimension: models.DimensionWhat,
		Critique: &models.Critique{
			Critique:       "the beam is lost",
			Recommendation: "Brighten the beam. Keep the rest.",
			Reason:         "the beam carries the scene",
		},
		OriginalUserPrompt: "a lighthouse in a storm",
	})
	require.NoError(t, err)
	assert.Contains(t, out.Text, "a lighthouse, wide shot")
	assert.Contains(t, out.Text, "Brighten the beam")
}

func TestCombineJoinsBothHalves(t *testing.T) {
	p := New(0.7)
	out, err := p.Combine(context.Background(), "a lighthouse", "oil painting", ports.CombineOptions{})
	require.NoError(t, err)
	assert.Equal(t, "a lighthouse. oil painting", out.Text)
	assert.NotEmpty(t, out.NegativePrompt)

	styled, err := p.Combine(context.Background(), "a lighthouse", "wide shot", ports.CombineOptions{Style: "watercolor"})
	require.NoError(t, err)
	assert.Equal(t, "a lighthouse. wide shot, watercolor", styled.Text)

	_, err = p.Combine(context.Background(), "", "oil painting", ports.CombineOptions{})
	assert.True(t, fault.IsKind(err, fault.InvalidArgument))
}

func TestGenerateWritesDecodablePNG(t *testing.T) {
	p := New(0.7).WithDir(t.TempDir())

	res, err := p.Generate(context.Background(), "a lighthouse", ports.ImageOptions{Width: 512, Height: 512})
	require.NoError(t, err)

	f, err := os.Open(res.LocalPath)
	require.NoError(t, err)
	defer f.Close()

	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())
	assert.Equal(t, "a lighthouse", res.RevisedPrompt)
}

func TestGenerateSamePromptSameColor(t *testing.T) {
	p := New(0.7).WithDir(t.TempDir())

	a, err := p.Generate(context.Background(), "a lighthouse", ports.ImageOptions{})
	require.NoError(t, err)
	b, err := p.Generate(context.Background(), "a lighthouse", ports.ImageOptions{})
	require.NoError(t, err)

	pixel := func(path string) [4]uint32 {
		f, err := os.Open(path)
		require.NoError(t, err)
		defer f.Close()
		img, err := png.Decode(f)
		require.NoError(t, err)
		r, g, bl, al := img.At(0, 0).RGBA()
		return [4]uint32{r, g, bl, al}
	}
	assert.Equal(t, pixel(a.LocalPath), pixel(b.LocalPath))
}

func TestAnalyzeIsDeterministicAndBounded(t *testing.T) {
	p := New(0.7)

	first, err := p.Analyze(context.Background(), "/img/a.png", "a lighthouse")
	require.NoError(t, err)
	second, err := p.Analyze(context.Background(), "/img/a.png", "a lighthouse")
	require.NoError(t, err)

	assert.Equal(t, first.Alignment, second.Alignment)
	assert.GreaterOrEqual(t, first.Alignment, 60.0)
	assert.LessOrEqual(t, first.Alignment, 95.0)
	assert.GreaterOrEqual(t, first.Aesthetic, 5.0)
	assert.LessOrEqual(t, first.Aesthetic, 9.5)
}

func TestComparePairMirrorsUnderSwappedPresentation(t *testing.T) {
	p := New(0.7)
	ctx := context.Background()

	fwd, err := p.ComparePair(ctx, "/img/a.png", "/img/b.png", "a lighthouse", ports.CompareOptions{})
	require.NoError(t, err)
	rev, err := p.ComparePair(ctx, "/img/b.png", "/img/a.png", "a lighthouse", ports.CompareOptions{})
	require.NoError(t, err)

	winnerPath := func(res *ports.PairResult, first, second string) string {
		if res.Winner == "A" {
			return first
		}
		return second
	}
	assert.Equal(t,
		winnerPath(fwd, "/img/a.png", "/img/b.png"),
		winnerPath(rev, "/img/b.png", "/img/a.png"))
	assert.Equal(t, fwd.RanksA, rev.RanksB)
	assert.Equal(t, fwd.RanksB, rev.RanksA)
}

func TestTokenRecording(t *testing.T) {
	p := New(0.7)
	ledger := newRecordingLedger()
	ctx := ports.WithTokenRecorder(context.Background(), ledger)

	_, err := p.Expand(ctx, "a lighthouse in a storm", ports.ExpandOptions{Dimension: models.DimensionWhat})
	require.NoError(t, err)
	_, err = p.Combine(ctx, "a lighthouse", "oil painting", ports.CombineOptions{})
	require.NoError(t, err)
	_, err = p.ComparePair(ctx, "/a.png", "/b.png", "a lighthouse", ports.CompareOptions{})
	require.NoError(t, err)

	assert.Positive(t, ledger.prompt["expand"])
	assert.Positive(t, ledger.completion["expand"])
	assert.Positive(t, ledger.prompt["combine"])
	assert.Positive(t, ledger.prompt["compare"])
}

func TestCancelledContextRefused(t *testing.T) {
	p := New(0.7)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Expand(ctx, "x", ports.ExpandOptions{Dimension: models.DimensionWhat})
	assert.True(t, fault.IsKind(err, fault.Cancelled))

	_, err = p.Generate(ctx, "x", ports.ImageOptions{})
	assert.True(t, fault.IsKind(err, fault.Cancelled))
}

func TestFirstClause(t *testing.T) {
	assert.Equal(t, "Brighten the beam", firstClause("Brighten the beam. Keep the rest."))
	assert.Equal(t, "tighten the composition", firstClause("tighten the composition"))
	assert.Equal(t, "no trailing period", firstClause("no trailing period."))
}

func TestExpandStyleAppended(t *testing.T) {
	p := New(0.7)
	out, err := p.Expand(context.Background(), "a lighthouse", ports.ExpandOptions{
		Dimension: models.DimensionHow,
		Style:     "storybook illustration",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(out.Text, "storybook illustration"))
}
