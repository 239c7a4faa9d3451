package local

import (
	"context"

	"github.com/atelierlabs/atelier/internal/domain/models"
	"github.com/atelierlabs/atelier/internal/gpu"
	"github.com/atelierlabs/atelier/internal/llm"
	"github.com/atelierlabs/atelier/internal/ports"
	"github.com/atelierlabs/atelier/internal/providers"
)

const visionMaxTokens = 1500

// Analyze scores one image absolutely on the local vision service.
func (p *Provider) Analyze(ctx context.Context, imagePath, referencePrompt string) (*models.Evaluation, error) {
	img, err := providers.ImageDataURL(imagePath)
	if err != nil {
		return nil, err
	}

	var out *models.Evaluation
	err = p.gate.WithVisionOperation(ctx, func(ctx context.Context) error {
		return p.callWithRecovery(ctx, gpu.ServiceVision, func(ctx context.Context) error {
			callCtx, cancel := context.WithTimeout(ctx, p.vlmTO)
			defer cancel()

			client := llm.NewClient(
				p.gate.BaseURL(gpu.ServiceVision), "", defaultLocalModel,
				visionMaxTokens, 0.1,
				llm.WithTimeout(p.vlmTO), llm.WithRetryConfig(p.retryCfg),
			)
			resp, err := client.Chat(callCtx, []llm.ChatMessage{{
				Role: "user",
				Parts: []llm.ContentPart{
					llm.TextPart(providers.AnalyzePrompt(referencePrompt)),
					llm.ImagePart(img),
				},
			}})
			if err != nil {
				return err
			}
			ports.RecordTokens(ctx, "analyze", resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

			out, err = providers.ParseEvaluation(resp.Text())
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
