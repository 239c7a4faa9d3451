// Package mock implements deterministic in-process providers. Everything
// derives from FNV hashes of the inputs plus a call counter, so a full
// search runs without network, GPU or API keys, and a single-threaded run
// reproduces its outputs exactly. Images are tiny solid-color PNGs whose
// color encodes the prompt hash.
package mock

import (
	"context"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"os"
	"strings"
	"sync/atomic"

	"github.com/atelierlabs/atelier/internal/domain/models"
	"github.com/atelierlabs/atelier/internal/fault"
	"github.com/atelierlabs/atelier/internal/ports"
	"github.com/atelierlabs/atelier/internal/providers"
)

const mockModel = "mock"

// Provider serves all four capabilities without leaving the process.
type Provider struct {
	alpha float64
	dir   string
	seq   atomic.Uint64
}

var (
	_ ports.LLMService        = (*Provider)(nil)
	_ ports.ImageService      = (*Provider)(nil)
	_ ports.VisionService     = (*Provider)(nil)
	_ ports.ComparatorService = (*Provider)(nil)
)

// New builds a mock provider. Alpha weights combined pairwise ranks, same
// as the real comparators.
func New(alpha float64) *Provider {
	return &Provider{alpha: alpha}
}

// WithDir stages images under dir instead of the system temp directory.
func (p *Provider) WithDir(dir string) *Provider {
	p.dir = dir
	return p
}

// Bundle wraps the Provider as a registry bundle. Text stays nil: the mock
// implements LLMService directly, so no generator needs binding and the
// prompt pipeline is bypassed entirely.
func Bundle(alpha float64) providers.Bundle {
	p := New(alpha)
	return providers.Bundle{LLM: p, Image: p, Vision: p, Comparator: p}
}

func hash(parts ...string) uint64 {
	h := fnv.New64a()
	for _, s := range parts {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	return h.Sum64()
}

func words(s string) int {
	return len(strings.Fields(s))
}

func (p *Provider) record(ctx context.Context, op, in, out string) {
	ports.RecordTokens(ctx, op, words(in), words(out))
}

var whatAngles = []string{
	"a tight close-up on the main subject",
	"a wide shot grounding the subject in its setting",
	"the subject caught mid-action",
	"the subject framed by strong foreground shapes",
}

var howAngles = []string{
	"painterly texture with soft directional light",
	"crisp photographic detail under golden-hour light",
	"high-contrast cinematic grading",
	"a muted palette with atmospheric haze",
}

// Expand produces a dimension-specific variation. The call counter rotates
// the angle so parallel cold-start expansions of the same prompt still
// yield distinct candidates.
func (p *Provider) Expand(ctx context.Context, userPrompt string, opts ports.ExpandOptions) (*ports.LLMResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(fault.Cancelled, "mock.expand", err)
	}
	if !opts.Dimension.Valid() {
		return nil, fault.Newf(fault.InvalidArgument, "mock.expand", "dimension %q", opts.Dimension)
	}

	angles := whatAngles
	if opts.Dimension == models.DimensionHow {
		angles = howAngles
	}
	n := p.seq.Add(1)
	angle := angles[(hash(userPrompt)+n)%uint64(len(angles))]

	// The take number keeps concurrent expansions of the same prompt
	// textually distinct even when they land on the same angle.
	text := fmt.Sprintf("%s, %s (take %d)", userPrompt, angle, n)
	if opts.Style != "" {
		text += ", " + opts.Style
	}
	p.record(ctx, "expand", userPrompt, text)
	return &ports.LLMResult{Text: text, Meta: ports.CallMeta{Model: mockModel}}, nil
}

// Refine appends the critique's leading directive, preserving the current
// prompt so lineage stays visible in the text itself.
func (p *Provider) Refine(ctx context.Context, current string, opts ports.RefineOptions) (*ports.LLMResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(fault.Cancelled, "mock.refine", err)
	}
	if !opts.Dimension.Valid() {
		return nil, fault.Newf(fault.InvalidArgument, "mock.refine", "dimension %q", opts.Dimension)
	}
	if !opts.Critique.Complete() {
		return nil, fault.New(fault.InvalidArgument, "mock.refine", "refinement requires a complete critique")
	}
	if opts.OriginalUserPrompt == "" {
		return nil, fault.New(fault.InvalidArgument, "mock.refine", "original user prompt is required")
	}

	directive := firstClause(opts.Critique.Recommendation)
	text := fmt.Sprintf("%s (refined: %s)", current, directive)
	p.record(ctx, "refine", current, text)
	return &ports.LLMResult{Text: text, Meta: ports.CallMeta{Model: mockModel}}, nil
}

// Combine joins the two halves, folds in the style hint, and supplies a
// fixed negative prompt.
func (p *Provider) Combine(ctx context.Context, whatPrompt, howPrompt string, opts ports.CombineOptions) (*ports.CombineResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(fault.Cancelled, "mock.combine", err)
	}
	if whatPrompt == "" || howPrompt == "" {
		return nil, fault.New(fault.InvalidArgument, "mock.combine", "both prompts are required")
	}

	text := whatPrompt + ". " + howPrompt
	if opts.Style != "" {
		text += ", " + opts.Style
	}
	p.record(ctx, "combine", whatPrompt+" "+howPrompt, text)
	return &ports.CombineResult{
		Text:           text,
		NegativePrompt: "blurry, low quality, watermark, deformed",
		Meta:           ports.CallMeta{Model: mockModel},
	}, nil
}

func firstClause(s string) string {
	for _, sep := range []string{". ", "; ", ", starting with: "} {
		if i := strings.Index(s, sep); i > 0 {
			return strings.TrimSuffix(s[:i], ".")
		}
	}
	return strings.TrimSuffix(strings.TrimSpace(s), ".")
}

// Generate writes a small solid-color PNG whose color is the prompt hash.
// Distinct prompts get visibly distinct files, which keeps all-mock
// sessions inspectable by eye.
func (p *Provider) Generate(ctx context.Context, promptText string, opts ports.ImageOptions) (*ports.ImageResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(fault.Cancelled, "mock.image", err)
	}
	if promptText == "" {
		return nil, fault.New(fault.InvalidArgument, "mock.image", "prompt is required")
	}

	h := hash(promptText, opts.NegativePrompt)
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	c := color.RGBA{R: uint8(h), G: uint8(h >> 8), B: uint8(h >> 16), A: 255}
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
	}

	f, err := os.CreateTemp(p.dir, "mock-*.png")
	if err != nil {
		return nil, fault.Wrap(fault.Fatal, "mock.image", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		os.Remove(f.Name())
		return nil, fault.Wrap(fault.Fatal, "mock.image", err)
	}

	return &ports.ImageResult{
		LocalPath:     f.Name(),
		RevisedPrompt: promptText,
		Meta:          ports.CallMeta{Model: mockModel},
	}, nil
}

// Analyze scores deterministically from the image path and prompt:
// alignment lands in 60-95, aesthetic in 5.0-9.5.
func (p *Provider) Analyze(ctx context.Context, imagePath, referencePrompt string) (*models.Evaluation, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(fault.Cancelled, "mock.analyze", err)
	}

	alignment, aesthetic := scoresFor(imagePath, referencePrompt)
	p.record(ctx, "analyze", referencePrompt, "scored")
	return &models.Evaluation{
		Alignment:  alignment,
		Aesthetic:  aesthetic,
		Analysis:   fmt.Sprintf("Deterministic assessment: alignment %.0f, aesthetic %.1f.", alignment, aesthetic),
		Strengths:  []string{"subject is clearly legible"},
		Weaknesses: []string{"background detail is thin"},
	}, nil
}

func scoresFor(imagePath, referencePrompt string) (alignment, aesthetic float64) {
	h := hash(imagePath, referencePrompt)
	alignment = 60 + float64(h%36)
	aesthetic = 5 + float64((h>>8)%10)*0.5
	return alignment, aesthetic
}

// ComparePair scores each side independently and ranks from the scores, so
// swapping presentation order always yields the mirrored result. Combined
// ranks use alpha, lower better; a tied factor gives both sides rank 1.
func (p *Provider) ComparePair(ctx context.Context, imageA, imageB, referencePrompt string, opts ports.CompareOptions) (*ports.PairResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(fault.Cancelled, "mock.compare", err)
	}

	alignA, aesA := scoresFor(imageA, referencePrompt)
	alignB, aesB := scoresFor(imageB, referencePrompt)

	ranksA := models.Ranks{Alignment: rankOf(alignA, alignB), Aesthetics: rankOf(aesA, aesB)}
	ranksB := models.Ranks{Alignment: rankOf(alignB, alignA), Aesthetics: rankOf(aesB, aesA)}
	ranksA.Combined = p.alpha*ranksA.Alignment + (1-p.alpha)*ranksA.Aesthetics
	ranksB.Combined = p.alpha*ranksB.Alignment + (1-p.alpha)*ranksB.Aesthetics

	winner := "A"
	switch {
	case ranksB.Combined < ranksA.Combined:
		winner = "B"
	case ranksB.Combined == ranksA.Combined && strings.Compare(imageB, imageA) < 0:
		// Full tie: the lexicographically smaller path wins, which keeps
		// the verdict stable across presentation orders.
		winner = "B"
	}

	p.record(ctx, "compare", referencePrompt, "judged")
	return &ports.PairResult{
		Winner:          winner,
		Reason:          "deterministic comparison of hashed scores",
		RanksA:          ranksA,
		RanksB:          ranksB,
		WinnerStrengths: []string{"stronger prompt coverage"},
		LoserWeaknesses: []string{"weaker prompt coverage"},
		Meta:            ports.CallMeta{Model: mockModel},
	}, nil
}

func rankOf(own, other float64) float64 {
	if own < other {
		return 2
	}
	return 1
}
