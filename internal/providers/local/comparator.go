package local

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/atelierlabs/atelier/internal/gpu"
	"github.com/atelierlabs/atelier/internal/llm"
	"github.com/atelierlabs/atelier/internal/ports"
	"github.com/atelierlabs/atelier/internal/providers"
)

var tracer = otel.Tracer("atelier/providers/local")

const compareMaxTokens = 1500

// ComparePair judges two images on the local VLM service. Images are
// presented in argument order; the ranking engine owns presentation
// randomisation.
func (p *Provider) ComparePair(ctx context.Context, imageA, imageB, referencePrompt string, opts ports.CompareOptions) (*ports.PairResult, error) {
	ctx, span := tracer.Start(ctx, "local.compare", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	imgA, err := providers.ImageDataURL(imageA)
	if err != nil {
		return nil, err
	}
	imgB, err := providers.ImageDataURL(imageB)
	if err != nil {
		return nil, err
	}

	var out *ports.PairResult
	err = p.gate.WithVLMOperation(ctx, func(ctx context.Context) error {
		return p.callWithRecovery(ctx, gpu.ServiceVLM, func(ctx context.Context) error {
			callCtx, cancel := context.WithTimeout(ctx, p.vlmTO)
			defer cancel()

			client := llm.NewClient(
				p.gate.BaseURL(gpu.ServiceVLM), "", defaultLocalModel,
				compareMaxTokens, opts.Temperature,
				llm.WithTimeout(p.vlmTO), llm.WithRetryConfig(p.retryCfg),
			)
			start := time.Now()
			resp, err := client.Chat(callCtx, []llm.ChatMessage{{
				Role: "user",
				Parts: []llm.ContentPart{
					llm.TextPart(providers.ComparePrompt(referencePrompt)),
					llm.ImagePart(imgA),
					llm.ImagePart(imgB),
				},
			}})
			if err != nil {
				return err
			}
			ports.RecordTokens(ctx, "compare", resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

			res, err := providers.ParsePairResult(resp.Text(), p.alpha)
			if err != nil {
				return err
			}
			res.Meta = ports.CallMeta{
				Model:            resp.Model,
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				Latency:          time.Since(start),
			}
			out = res
			return nil
		})
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("compare.winner", out.Winner))
	return out, nil
}
