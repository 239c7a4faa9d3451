package prompt

import (
	"context"
	"errors"
	"testing"

	"github.com/atelierlabs/atelier/internal/domain/models"
	"github.com/atelierlabs/atelier/internal/fault"
	"github.com/atelierlabs/atelier/internal/prompt/baselines"
)

func TestDimensionGuidance(t *testing.T) {
	if got := DimensionGuidance(models.DimensionWhat); got != baselines.WhatGuidance {
		t.Errorf("DimensionGuidance(what) = %q", got)
	}
	if got := DimensionGuidance(models.DimensionHow); got != baselines.HowGuidance {
		t.Errorf("DimensionGuidance(how) = %q", got)
	}
}

func TestDescriptivenessGuidance(t *testing.T) {
	tests := []struct {
		level string
		want  string
	}{
		{"", baselines.DescriptivenessBalanced},
		{"balanced", baselines.DescriptivenessBalanced},
		{"brief", baselines.DescriptivenessBrief},
		{"Brief", baselines.DescriptivenessBrief},
		{"lush", baselines.DescriptivenessLush},
		{"detailed", baselines.DescriptivenessLush},
		{"exactly three adjectives", "exactly three adjectives"},
	}

	for _, tt := range tests {
		if got := DescriptivenessGuidance(tt.level); got != tt.want {
			t.Errorf("DescriptivenessGuidance(%q) = %q, want %q", tt.level, got, tt.want)
		}
	}
}

func TestOperationContext(t *testing.T) {
	ctx := context.Background()
	if got := OperationFrom(ctx); got != "" {
		t.Errorf("OperationFrom(background) = %q, want empty", got)
	}

	ctx = WithOperation(ctx, "expand")
	if got := OperationFrom(ctx); got != "expand" {
		t.Errorf("OperationFrom() = %q, want expand", got)
	}
}

type fakeGenerator struct {
	lastOp string
}

func (f *fakeGenerator) GenerateText(ctx context.Context, prompt string) (string, error) {
	f.lastOp = OperationFrom(ctx)
	return "ok", nil
}

func TestBindUnbind(t *testing.T) {
	t.Cleanup(Unbind)

	Unbind()
	if Bound() {
		t.Fatal("Bound() = true after Unbind")
	}

	gen := &fakeGenerator{}
	Bind(gen)
	if !Bound() {
		t.Fatal("Bound() = false after Bind")
	}

	Unbind()
	if Bound() {
		t.Fatal("Bound() = true after second Unbind")
	}
}

func TestOpsFailUnbound(t *testing.T) {
	t.Cleanup(Unbind)
	Unbind()

	_, err := Expand(context.Background(), ExpandInputs{UserPrompt: "a fox", Dimension: models.DimensionWhat})
	if err == nil {
		t.Fatal("Expand() error = nil with no generator bound")
	}
	if fault.KindOf(err) != fault.ServiceUnavailable {
		t.Errorf("Expand() kind = %v, want service_unavailable", fault.KindOf(err))
	}

	_, err = Rewrite(context.Background(), "flagged", "reason", "")
	if fault.KindOf(err) != fault.ServiceUnavailable {
		t.Errorf("Rewrite() kind = %v, want service_unavailable", fault.KindOf(err))
	}
}

func TestGeneratorAdapterGenerate(t *testing.T) {
	gen := &fakeGenerator{}
	adapter := NewGeneratorAdapter(gen)

	resp, err := adapter.Generate(WithOperation(context.Background(), "refine"), "prompt text")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("Generate() content = %q, want ok", resp.Content)
	}
	if gen.lastOp != "refine" {
		t.Errorf("generator saw operation %q, want refine", gen.lastOp)
	}

	nilAdapter := NewGeneratorAdapter(nil)
	if _, err := nilAdapter.Generate(context.Background(), "x"); err == nil {
		t.Error("Generate() with nil generator should fail")
	}
}

type failingGenerator struct{}

func (failingGenerator) GenerateText(ctx context.Context, prompt string) (string, error) {
	return "", errors.New("backend down")
}

func TestGeneratorAdapterPropagatesError(t *testing.T) {
	adapter := NewGeneratorAdapter(failingGenerator{})
	_, err := adapter.Generate(context.Background(), "x")
	if err == nil {
		t.Fatal("Generate() error = nil, want propagated failure")
	}
}

func TestTrimWrapping(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`  plain text  `, "plain text"},
		{`"quoted answer"`, "quoted answer"},
		{`'single quoted'`, "single quoted"},
		{"`backticked`", "backticked"},
		{`"inner "quotes" stay"`, `inner "quotes" stay`},
		{`"`, `"`},
		{"", ""},
	}

	for _, tt := range tests {
		if got := trimWrapping(tt.in); got != tt.want {
			t.Errorf("trimWrapping(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestJoinOrNone(t *testing.T) {
	if got := joinOrNone(nil); got != "none noted" {
		t.Errorf("joinOrNone(nil) = %q", got)
	}
	if got := joinOrNone([]string{"sharp focus", "good framing"}); got != "sharp focus; good framing" {
		t.Errorf("joinOrNone() = %q", got)
	}
}
