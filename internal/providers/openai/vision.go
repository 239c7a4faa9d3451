package openai

import (
	"context"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/atelierlabs/atelier/internal/domain/models"
	"github.com/atelierlabs/atelier/internal/fault"
	"github.com/atelierlabs/atelier/internal/ports"
	"github.com/atelierlabs/atelier/internal/providers"
)

const visionMaxTokens = 1500

// Analyze scores one image absolutely against the reference prompt.
func (p *Provider) Analyze(ctx context.Context, imagePath, referencePrompt string) (*models.Evaluation, error) {
	img, err := providers.ImageDataURL(imagePath)
	if err != nil {
		return nil, err
	}

	resp, err := p.visionChat(ctx, "openai.analyze", []openai.ChatMessagePart{
		textPart(providers.AnalyzePrompt(referencePrompt)),
		imagePart(img),
	}, 0)
	if err != nil {
		return nil, err
	}
	ports.RecordTokens(ctx, "analyze", resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	return providers.ParseEvaluation(replyText(resp))
}

// ComparePair judges two images against the reference prompt. Images are
// presented in argument order; the caller owns presentation randomisation.
func (p *Provider) ComparePair(ctx context.Context, imageA, imageB, referencePrompt string, opts ports.CompareOptions) (*ports.PairResult, error) {
	ctx, span := tracer.Start(ctx, "openai.compare", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	imgA, err := providers.ImageDataURL(imageA)
	if err != nil {
		return nil, err
	}
	imgB, err := providers.ImageDataURL(imageB)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := p.visionChat(ctx, "openai.compare", []openai.ChatMessagePart{
		textPart(providers.ComparePrompt(referencePrompt)),
		imagePart(imgA),
		imagePart(imgB),
	}, opts.Temperature)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	ports.RecordTokens(ctx, "compare", resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	out, err := providers.ParsePairResult(replyText(resp), p.alpha)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	out.Meta = ports.CallMeta{
		Model:            p.cfg.ModelVision,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		Latency:          time.Since(start),
	}
	span.SetAttributes(attribute.String("compare.winner", out.Winner))
	return out, nil
}

func (p *Provider) visionChat(ctx context.Context, op string, parts []openai.ChatMessagePart, temperature float64) (*openai.ChatCompletionResponse, error) {
	req := openai.ChatCompletionRequest{
		Model: p.cfg.ModelVision,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, MultiContent: parts},
		},
		MaxTokens: visionMaxTokens,
	}
	if temperature > 0 {
		req.Temperature = float32(temperature)
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, classify(op, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fault.New(fault.ParseFailure, op, "completion has no choices")
	}
	return &resp, nil
}

func textPart(text string) openai.ChatMessagePart {
	return openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: text}
}

func imagePart(url string) openai.ChatMessagePart {
	return openai.ChatMessagePart{
		Type:     openai.ChatMessagePartTypeImageURL,
		ImageURL: &openai.ChatMessageImageURL{URL: url, Detail: openai.ImageURLDetailAuto},
	}
}

func replyText(resp *openai.ChatCompletionResponse) string {
	return strings.TrimSpace(resp.Choices[0].Message.Content)
}
