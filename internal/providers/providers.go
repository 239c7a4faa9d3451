// Package providers selects and assembles the concrete services behind the
// capability contracts in internal/ports. Three variants exist: openai
// (cloud), local (HTTP shims to per-model services under the GPU
// coordinator) and mock (deterministic, zero network). The active
// selection lives in a process-wide registry and is switched at runtime
// through a validation gate.
package providers

import (
	"fmt"

	"github.com/atelierlabs/atelier/internal/fault"
	"github.com/atelierlabs/atelier/internal/ports"
)

// Variant names one provider implementation family.
type Variant string

const (
	VariantOpenAI Variant = "openai"
	VariantLocal  Variant = "local"
	VariantMock   Variant = "mock"
)

func (v Variant) valid() bool {
	return v == VariantOpenAI || v == VariantLocal || v == VariantMock
}

// Selection assigns a variant to each capability. Ranking names the
// pairwise comparator.
type Selection struct {
	LLM     Variant `json:"llm"`
	Image   Variant `json:"image"`
	Vision  Variant `json:"vision"`
	Ranking Variant `json:"ranking"`
}

// Validate rejects unknown variants and capabilities a variant does not
// implement.
func (s Selection) Validate() error {
	for capability, v := range map[string]Variant{
		"llm": s.LLM, "image": s.Image, "vision": s.Vision, "ranking": s.Ranking,
	} {
		if !v.valid() {
			return fault.Newf(fault.InvalidArgument, "providers.select",
				"unknown variant %q for %s", v, capability)
		}
	}
	return nil
}

func (s Selection) String() string {
	return fmt.Sprintf("llm=%s image=%s vision=%s ranking=%s", s.LLM, s.Image, s.Vision, s.Ranking)
}

// Set is one assembled bundle of services matching a Selection.
type Set struct {
	Selection  Selection
	LLM        ports.LLMService
	Image      ports.ImageService
	Vision     ports.VisionService
	Comparator ports.ComparatorService
}

// TokenOp maps a prompt-pipeline operation label onto its token-accounting
// bucket in tokens.json. The rewrite op is charged as moderation_rewrite;
// an unlabeled call lands under chat.
func TokenOp(op string) string {
	switch op {
	case "rewrite":
		return "moderation_rewrite"
	case "":
		return "chat"
	}
	return op
}
