package local

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelierlabs/atelier/internal/adapters/retry"
	"github.com/atelierlabs/atelier/internal/config"
	"github.com/atelierlabs/atelier/internal/fault"
	"github.com/atelierlabs/atelier/internal/gpu"
	"github.com/atelierlabs/atelier/internal/moderation"
	"github.com/atelierlabs/atelier/internal/ports"
	"github.com/atelierlabs/atelier/internal/prompt"
)

type fakeGate struct {
	base     map[string]string
	ops      []string
	restarts []string
}

func (g *fakeGate) with(op string, ctx context.Context, fn func(ctx context.Context) error) error {
	g.ops = append(g.ops, op)
	return fn(ctx)
}

func (g *fakeGate) WithLLMOperation(ctx context.Context, fn func(ctx context.Context) error) error {
	return g.with(gpu.ServiceLLM, ctx, fn)
}

func (g *fakeGate) WithImageGenOperation(ctx context.Context, fn func(ctx context.Context) error) error {
	return g.with(gpu.ServiceImage, ctx, fn)
}

func (g *fakeGate) WithVLMOperation(ctx context.Context, fn func(ctx context.Context) error) error {
	return g.with(gpu.ServiceVLM, ctx, fn)
}

func (g *fakeGate) WithVisionOperation(ctx context.Context, fn func(ctx context.Context) error) error {
	return g.with(gpu.ServiceVision, ctx, fn)
}

func (g *fakeGate) RestartService(ctx context.Context, service string) error {
	g.restarts = append(g.restarts, service)
	return nil
}

func (g *fakeGate) BaseURL(service string) string {
	return g.base[service]
}

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

func fastRetry() retry.BackoffConfig {
	return retry.BackoffConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		MaxRetries:      1,
		Multiplier:      1,
	}
}

func newTestProvider(gate *fakeGate) *Provider {
	p := New(gate, config.DefaultConfig())
	p.retryCfg = fastRetry()
	return p
}

func chatHandler(content string, promptTokens, completionTokens int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": content}},
			},
			"usage": map[string]any{
				"prompt_tokens":     promptTokens,
				"completion_tokens": completionTokens,
			},
		})
	}
}

func TestGenerateTextReturnsCompletion(t *testing.T) {
	srv := httptest.NewServer(chatHandler("a lighthouse on a basalt cliff", 12, 7))
	defer srv.Close()

	gate := &fakeGate{base: map[string]string{gpu.ServiceLLM: srv.URL}}
	p := newTestProvider(gate)

	ledger := newRecordingLedger()
	ctx := ports.WithTokenRecorder(context.Background(), ledger)
	ctx = prompt.WithOperation(ctx, "expand")

	text, err := p.GenerateText(ctx, "expand: a lighthouse")
	require.NoError(t, err)
	assert.Equal(t, "a lighthouse on a basalt cliff", text)
	assert.Equal(t, []string{gpu.ServiceLLM}, gate.ops, "text runs under the llm combinator")
	assert.Equal(t, 12, ledger.prompt["expand"])
	assert.Equal(t, 7, ledger.completion["expand"])
}

func TestGenerateTextRestartsOnceThenGivesUp(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, `{"error": "cuda device lost"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	gate := &fakeGate{base: map[string]string{gpu.ServiceLLM: srv.URL}}
	p := newTestProvider(gate)

	_, err := p.GenerateText(context.Background(), "hello")
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.ServiceUnavailable))
	assert.Equal(t, []string{gpu.ServiceLLM}, gate.restarts, "exactly one restart attempt")
	assert.GreaterOrEqual(t, hits.Load(), int64(4), "both rounds run their HTTP retries")
}

func TestGenerateTextRefusalIsNotRestarted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "Content policy violation: restricted subject"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	gate := &fakeGate{base: map[string]string{gpu.ServiceLLM: srv.URL}}
	p := newTestProvider(gate)

	_, err := p.GenerateText(context.Background(), "hello")
	require.Error(t, err)
	assert.True(t, moderation.IsViolation(err))
	assert.Empty(t, gate.restarts, "refusals must not trigger a restart")
}

func TestGenerateRendersThroughShim(t *testing.T) {
	var got imageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(imageResponse{ImagePath: "/scratch/out.png"})
	}))
	defer srv.Close()

	gate := &fakeGate{base: map[string]string{gpu.ServiceImage: srv.URL}}
	p := newTestProvider(gate)

	seed := int64(7)
	res, err := p.Generate(context.Background(), "a lighthouse", ports.ImageOptions{
		Width: 1024, Height: 768, Steps: 28, Guidance: 3.5,
		NegativePrompt: "blurry", Seed: &seed,
	})
	require.NoError(t, err)
	assert.Equal(t, "/scratch/out.png", res.LocalPath)
	assert.Equal(t, "a lighthouse", got.Prompt)
	assert.Equal(t, "blurry", got.NegativePrompt)
	assert.Equal(t, 28, got.Steps)
	require.NotNil(t, got.Seed)
	assert.Equal(t, seed, *got.Seed)
	assert.Equal(t, []string{gpu.ServiceImage}, gate.ops)
}

func TestGenerateSurfacesContentRefusal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "content_policy_violation"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	gate := &fakeGate{base: map[string]string{gpu.ServiceImage: srv.URL}}
	p := newTestProvider(gate)

	_, err := p.Generate(context.Background(), "something off-limits", ports.ImageOptions{})
	require.Error(t, err)
	assert.True(t, moderation.IsViolation(err))
	assert.Empty(t, gate.restarts)
}

func writeTestImage(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("not a real png"), 0o644))
	return path
}

func TestComparePairParsesVerdict(t *testing.T) {
	verdict := `{"winner": "B", "reason": "cleaner horizon",
		"ranks_a": {"alignment": 2, "aesthetics": 2},
		"ranks_b": {"alignment": 1, "aesthetics": 1}}`
	srv := httptest.NewServer(chatHandler(verdict, 300, 40))
	defer srv.Close()

	gate := &fakeGate{base: map[string]string{gpu.ServiceVLM: srv.URL}}
	p := newTestProvider(gate)

	ledger := newRecordingLedger()
	ctx := ports.WithTokenRecorder(context.Background(), ledger)

	res, err := p.ComparePair(ctx,
		writeTestImage(t, "a.png"), writeTestImage(t, "b.png"),
		"a lighthouse", ports.CompareOptions{Temperature: 0.2})
	require.NoError(t, err)
	assert.Equal(t, "B", res.Winner)
	assert.Equal(t, 1.0, res.RanksB.Combined)
	assert.Equal(t, []string{gpu.ServiceVLM}, gate.ops, "comparison runs under the vlm combinator")
	assert.Equal(t, 300, ledger.prompt["compare"])
}

func TestAnalyzeParsesEvaluation(t *testing.T) {
	eval := `{"alignment": 82, "aesthetic": 7, "analysis": "solid", "strengths": ["beam"], "weaknesses": ["sky"]}`
	srv := httptest.NewServer(chatHandler(eval, 200, 30))
	defer srv.Close()

	gate := &fakeGate{base: map[string]string{gpu.ServiceVision: srv.URL}}
	p := newTestProvider(gate)

	out, err := p.Analyze(context.Background(), writeTestImage(t, "a.png"), "a lighthouse")
	require.NoError(t, err)
	assert.Equal(t, 82.0, out.Alignment)
	assert.Equal(t, 7.0, out.Aesthetic)
	assert.Equal(t, []string{gpu.ServiceVision}, gate.ops, "analysis runs under the vision combinator")
}

func TestTransientClassification(t *testing.T) {
	assert.False(t, transient(context.Canceled))
	assert.False(t, transient(fault.New(fault.ContentPolicy, "x", "refused")))
	assert.False(t, transient(fault.New(fault.ParseFailure, "x", "garbled")))
	assert.True(t, transient(fault.New(fault.ServiceUnavailable, "x", "down")))
}
