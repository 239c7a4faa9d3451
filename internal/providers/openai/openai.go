// Package openai implements the cloud provider variant on the official
// API: chat completions for text, the images API for generation,
// multi-image chat for visual judgment. One Provider serves every
// capability so the clients share a connection pool.
package openai

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"

	"github.com/atelierlabs/atelier/internal/adapters/metrics"
	"github.com/atelierlabs/atelier/internal/config"
	"github.com/atelierlabs/atelier/internal/fault"
	"github.com/atelierlabs/atelier/internal/moderation"
	"github.com/atelierlabs/atelier/internal/ports"
	"github.com/atelierlabs/atelier/internal/prompt"
	"github.com/atelierlabs/atelier/internal/providers"
)

var tracer = otel.Tracer("atelier/providers/openai")

// Provider talks to the OpenAI API. It implements the text generator
// behind the prompt modules plus the image, vision and comparator
// contracts.
type Provider struct {
	client  *openai.Client
	cfg     config.ProvidersConfig
	alpha   float64
	httpc   *http.Client
	scratch string
}

var (
	_ prompt.TextGenerator    = (*Provider)(nil)
	_ ports.ImageService      = (*Provider)(nil)
	_ ports.VisionService     = (*Provider)(nil)
	_ ports.ComparatorService = (*Provider)(nil)
)

// New builds a Provider from the providers configuration. Alpha is the
// alignment weight used for combined pairwise ranks.
func New(cfg config.ProvidersConfig, alpha float64) *Provider {
	cc := openai.DefaultConfig(cfg.OpenAIAPIKey)
	if cfg.OpenAIBaseURL != "" {
		cc.BaseURL = strings.TrimSuffix(cfg.OpenAIBaseURL, "/")
	}
	return &Provider{
		client: openai.NewClientWithConfig(cc),
		cfg:    cfg,
		alpha:  alpha,
		httpc:  &http.Client{Timeout: 120 * time.Second},
	}
}

// Bundle wraps the Provider as a registry bundle. Text operations route
// through the prompt modules; the rest bind directly.
func Bundle(cfg config.ProvidersConfig, alpha float64) providers.Bundle {
	p := New(cfg, alpha)
	return providers.Bundle{
		Text:       p,
		LLM:        providers.NewPromptLLM(),
		Image:      p,
		Vision:     p,
		Comparator: p,
	}
}

// reasoningFloors lists per-family output minimums. These models spend
// completion tokens on hidden reasoning first; a budget sized for the
// visible answer alone gets truncated or comes back empty.
var reasoningFloors = []struct {
	prefix string
	floor  int
}{
	{"gpt-5", 16384},
	{"o1", 8192},
	{"o3", 8192},
	{"o4", 8192},
}

func reasoningFloor(model string) int {
	for _, rf := range reasoningFloors {
		if strings.HasPrefix(model, rf.prefix) {
			return rf.floor
		}
	}
	return 0
}

// modelFor picks the chat model for a pipeline operation. Critique and
// rewrite ride the refine model; they shape the same revision step.
func (p *Provider) modelFor(op string) string {
	switch op {
	case "expand":
		return p.cfg.ModelExpand
	case "refine", "critique", "rewrite":
		return p.cfg.ModelRefine
	case "combine":
		return p.cfg.ModelCombine
	}
	return p.cfg.ModelExpand
}

// GenerateText implements prompt.TextGenerator. The operation label on ctx
// selects the model and the token-accounting bucket.
func (p *Provider) GenerateText(ctx context.Context, promptText string) (string, error) {
	op := prompt.OperationFrom(ctx)
	model := p.modelFor(op)

	req := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: promptText},
		},
	}

	budget := prompt.MaxTokensFrom(ctx)
	if budget <= 0 {
		budget = p.cfg.MaxTokens
	}
	if floor := reasoningFloor(model); floor > 0 {
		if budget < floor {
			budget = floor
		}
		// Reasoning models read the budget from max_completion_tokens and
		// reject temperature overrides.
		req.MaxCompletionTokens = budget
	} else {
		req.MaxTokens = budget
		req.Temperature = float32(p.cfg.Temperature)
	}

	start := time.Now()
	resp, err := p.client.CreateChatCompletion(ctx, req)
	metrics.LLMRequestDuration.WithLabelValues(metricOp(op)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.LLMRequestsTotal.WithLabelValues(metricOp(op), "error").Inc()
		return "", classify("openai.chat", err)
	}
	metrics.LLMRequestsTotal.WithLabelValues(metricOp(op), "ok").Inc()
	ports.RecordTokens(ctx, providers.TokenOp(op), resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	if len(resp.Choices) == 0 {
		return "", fault.New(fault.ParseFailure, "openai.chat", "completion has no choices")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", fault.New(fault.ParseFailure, "openai.chat", "empty completion")
	}
	return text, nil
}

func metricOp(op string) string {
	if op == "" {
		return "chat"
	}
	return op
}

// classify maps API failures onto fault kinds: content refusals to
// ContentPolicy, credential problems to Fatal, rate limits and server
// errors to ServiceUnavailable.
func classify(op string, err error) error {
	if moderation.IsViolation(err) {
		return fault.Wrap(fault.ContentPolicy, op, err)
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusUnauthorized || apiErr.HTTPStatusCode == http.StatusForbidden:
			return fault.Wrap(fault.Fatal, op, err)
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500:
			return fault.Wrap(fault.ServiceUnavailable, op, err)
		}
	}
	return fault.Wrap(fault.KindOf(err), op, err)
}
