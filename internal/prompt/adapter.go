package prompt

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/XiaoConstantine/dspy-go/pkg/core"
)

// TextGenerator is the transport the prompt modules run on. Providers supply
// one; the active generator is installed through Bind when the provider
// registry switches variants. Implementations read the operation label from
// the context (OperationFrom) to pick per-operation models and to attribute
// token usage.
type TextGenerator interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
}

type generatorHolder struct {
	gen TextGenerator
}

var boundGenerator atomic.Pointer[generatorHolder]

// Bind installs gen as the generator behind every prompt module. Only one
// generator is active at a time; the registry calls this on every provider
// switch before any module runs on the new variant.
func Bind(gen TextGenerator) {
	boundGenerator.Store(&generatorHolder{gen: gen})
	core.SetDefaultLLM(NewGeneratorAdapter(gen))
}

// Unbind clears the active generator. Subsequent module runs fail with
// service_unavailable instead of reaching a stale transport.
func Unbind() {
	boundGenerator.Store(nil)
}

// Bound reports whether a generator is installed.
func Bound() bool {
	h := boundGenerator.Load()
	return h != nil && h.gen != nil
}

type operationKey struct{}

// WithOperation tags ctx with the pipeline operation name (expand, refine,
// combine, critique, rewrite) for the generator underneath.
func WithOperation(ctx context.Context, op string) context.Context {
	return context.WithValue(ctx, operationKey{}, op)
}

// OperationFrom returns the operation label set by WithOperation, or "".
func OperationFrom(ctx context.Context) string {
	op, _ := ctx.Value(operationKey{}).(string)
	return op
}

type maxTokensKey struct{}

// WithMaxTokens carries an explicit output budget to the generator. Zero
// or absent means the variant's own default.
func WithMaxTokens(ctx context.Context, n int) context.Context {
	if n <= 0 {
		return ctx
	}
	return context.WithValue(ctx, maxTokensKey{}, n)
}

// MaxTokensFrom returns the explicit output budget, or 0.
func MaxTokensFrom(ctx context.Context) int {
	n, _ := ctx.Value(maxTokensKey{}).(int)
	return n
}

// GeneratorAdapter exposes a TextGenerator as dspy-go's core.LLM. Only plain
// text generation is wired; the pipeline never asks dspy-go for embeddings,
// streaming or tool calls.
type GeneratorAdapter struct {
	gen TextGenerator
}

// NewGeneratorAdapter creates the adapter.
func NewGeneratorAdapter(gen TextGenerator) *GeneratorAdapter {
	return &GeneratorAdapter{gen: gen}
}

// Generate implements the dspy-go LLM interface.
func (a *GeneratorAdapter) Generate(ctx context.Context, prompt string, opts ...core.GenerateOption) (*core.LLMResponse, error) {
	if a.gen == nil {
		return nil, fmt.Errorf("no text generator bound")
	}

	text, err := a.gen.GenerateText(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("text generation failed: %w", err)
	}

	return &core.LLMResponse{
		Content: text,
	}, nil
}

// GenerateWithJSON is not used by the pipeline modules.
func (a *GeneratorAdapter) GenerateWithJSON(ctx context.Context, prompt string, opts ...core.GenerateOption) (map[string]interface{}, error) {
	return nil, fmt.Errorf("GenerateWithJSON not implemented")
}

// GenerateWithFunctions is not used by the pipeline modules.
func (a *GeneratorAdapter) GenerateWithFunctions(ctx context.Context, prompt string, functions []map[string]interface{}, opts ...core.GenerateOption) (map[string]interface{}, error) {
	return nil, fmt.Errorf("GenerateWithFunctions not implemented")
}

// CreateEmbedding is not used by the pipeline modules.
func (a *GeneratorAdapter) CreateEmbedding(ctx context.Context, input string, opts ...core.EmbeddingOption) (*core.EmbeddingResult, error) {
	return nil, fmt.Errorf("CreateEmbedding not implemented")
}

// CreateEmbeddings is not used by the pipeline modules.
func (a *GeneratorAdapter) CreateEmbeddings(ctx context.Context, inputs []string, opts ...core.EmbeddingOption) (*core.BatchEmbeddingResult, error) {
	return nil, fmt.Errorf("CreateEmbeddings not implemented")
}

// StreamGenerate is not used by the pipeline modules.
func (a *GeneratorAdapter) StreamGenerate(ctx context.Context, prompt string, opts ...core.GenerateOption) (*core.StreamResponse, error) {
	return nil, fmt.Errorf("StreamGenerate not implemented")
}

// GenerateWithContent is not used by the pipeline modules; image comparison
// goes through the comparator service, not dspy-go.
func (a *GeneratorAdapter) GenerateWithContent(ctx context.Context, content []core.ContentBlock, opts ...core.GenerateOption) (*core.LLMResponse, error) {
	return nil, fmt.Errorf("GenerateWithContent not implemented")
}

// StreamGenerateWithContent is not used by the pipeline modules.
func (a *GeneratorAdapter) StreamGenerateWithContent(ctx context.Context, content []core.ContentBlock, opts ...core.GenerateOption) (*core.StreamResponse, error) {
	return nil, fmt.Errorf("StreamGenerateWithContent not implemented")
}

// ProviderName returns the provider name.
func (a *GeneratorAdapter) ProviderName() string {
	return "atelier"
}

// ModelID returns the model identifier.
func (a *GeneratorAdapter) ModelID() string {
	return "atelier-text-generator"
}

// Capabilities returns the capabilities of this LLM.
func (a *GeneratorAdapter) Capabilities() []core.Capability {
	return []core.Capability{core.CapabilityChat, core.CapabilityCompletion}
}
