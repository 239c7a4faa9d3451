package local

import (
	"context"
	"strings"
	"time"

	"github.com/atelierlabs/atelier/internal/adapters/metrics"
	"github.com/atelierlabs/atelier/internal/fault"
	"github.com/atelierlabs/atelier/internal/gpu"
	"github.com/atelierlabs/atelier/internal/llm"
	"github.com/atelierlabs/atelier/internal/ports"
	"github.com/atelierlabs/atelier/internal/prompt"
	"github.com/atelierlabs/atelier/internal/providers"
)

// GenerateText implements prompt.TextGenerator against the local text
// service. The model stays resident for the whole call; the endpoint is
// re-resolved per call so port-file changes take effect without a restart.
func (p *Provider) GenerateText(ctx context.Context, promptText string) (string, error) {
	op := prompt.OperationFrom(ctx)

	var text string
	err := p.gate.WithLLMOperation(ctx, func(ctx context.Context) error {
		return p.callWithRecovery(ctx, gpu.ServiceLLM, func(ctx context.Context) error {
			callCtx, cancel := context.WithTimeout(ctx, p.llmTO)
			defer cancel()

			client := llm.NewClient(
				p.gate.BaseURL(gpu.ServiceLLM), "", defaultLocalModel,
				p.prov.MaxTokens, p.prov.Temperature,
				llm.WithTimeout(p.llmTO), llm.WithRetryConfig(p.retryCfg),
			)

			start := time.Now()
			resp, err := client.ChatWithOptions(callCtx,
				[]llm.ChatMessage{{Role: "user", Content: promptText}},
				llm.ChatRequestOptions{MaxTokens: prompt.MaxTokensFrom(ctx)},
			)
			metrics.LLMRequestDuration.WithLabelValues(metricOp(op)).Observe(time.Since(start).Seconds())
			if err != nil {
				metrics.LLMRequestsTotal.WithLabelValues(metricOp(op), "error").Inc()
				return err
			}
			metrics.LLMRequestsTotal.WithLabelValues(metricOp(op), "ok").Inc()
			ports.RecordTokens(ctx, providers.TokenOp(op), resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

			text = resp.Text()
			if text == "" {
				return fault.New(fault.ParseFailure, "local.chat", "empty completion")
			}
			return nil
		})
	})
	if err != nil {
		return "", err
	}
	return text, nil
}

func metricOp(op string) string {
	if op == "" {
		return "chat"
	}
	return strings.ToLower(op)
}
