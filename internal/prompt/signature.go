package prompt

import (
	"fmt"
	"strings"

	"github.com/XiaoConstantine/dspy-go/pkg/core"
)

// Signature wraps dspy-go's signature with a stable name for tracing.
type Signature struct {
	core.Signature
	Name        string
	Description string
	Version     int
}

// MustParseSignature creates a signature from a string or panics
func MustParseSignature(sig string) Signature {
	s, err := ParseSignature(sig)
	if err != nil {
		panic(fmt.Sprintf("failed to parse signature: %v", err))
	}
	return s
}

// ParseSignature creates a signature from a string like "input1, input2 -> output1, output2"
func ParseSignature(sig string) (Signature, error) {
	parts := strings.Split(sig, "->")
	if len(parts) != 2 {
		return Signature{}, fmt.Errorf("invalid signature format: %s", sig)
	}

	inputFields := parseFields(strings.TrimSpace(parts[0]))
	outputFields := parseFields(strings.TrimSpace(parts[1]))

	inputs := make([]core.InputField, len(inputFields))
	for i, f := range inputFields {
		inputs[i] = core.InputField{Field: f}
	}

	outputs := make([]core.OutputField, len(outputFields))
	for i, f := range outputFields {
		outputs[i] = core.OutputField{Field: f}
	}

	coreSig := core.NewSignature(inputs, outputs)

	return Signature{
		Signature: coreSig,
		Name:      generateName(sig),
		Version:   1,
	}, nil
}

// parseFields converts comma-separated field definitions into core fields
func parseFields(fieldStr string) []core.Field {
	if fieldStr == "" {
		return nil
	}

	parts := strings.Split(fieldStr, ",")
	fields := make([]core.Field, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		// Field format: "name: type" or just "name"
		var name string
		if strings.Contains(part, ":") {
			fieldParts := strings.SplitN(part, ":", 2)
			name = strings.TrimSpace(fieldParts[0])
		} else {
			name = part
		}

		fields = append(fields, core.NewField(name))
	}

	return fields
}

// generateName creates a name from the signature string
func generateName(sig string) string {
	name := strings.ReplaceAll(sig, "->", "_to_")
	name = strings.ReplaceAll(name, ",", "_")
	name = strings.ReplaceAll(name, " ", "_")
	name = strings.ReplaceAll(name, ":", "_")
	return name
}

// Predefined signatures for the search pipeline. The dimension field always
// receives the guidance text from the baselines package, not the bare
// dimension name, so the model knows what each axis means.
var (
	ExpandPromptSig = MustParseSignature(
		"user_prompt, dimension, style, descriptiveness -> expanded_prompt",
	)

	RefinePromptSig = MustParseSignature(
		"current_prompt, dimension, critique, recommendation, reason, original_prompt -> refined_prompt",
	)

	CombinePromptsSig = MustParseSignature(
		"what_prompt, how_prompt, style, descriptiveness -> combined_prompt, negative_prompt",
	)

	CritiqueSig = MustParseSignature(
		"critique_context, dimension, strengths, weaknesses -> critique, recommendation, reason",
	)

	RewriteSig = MustParseSignature(
		"prompt, violation_reason, exemplar -> rewritten_prompt",
	)
)
