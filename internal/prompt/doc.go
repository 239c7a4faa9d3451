// Package prompt runs the text side of the search pipeline on dspy-go
// modules: expanding the user prompt along the WHAT and HOW dimensions,
// refining survivors from critiques, fusing dimension pairs into generation
// prompts, writing critiques, and rewording prompts that tripped a content
// filter.
//
// Signatures are declarative input/output specifications:
//
//	sig := prompt.MustParseSignature("user_prompt, dimension -> expanded_prompt")
//	sig := prompt.ExpandPromptSig // predefined
//
// Modules run on whichever TextGenerator is bound. The provider registry
// binds the active provider's generator on every switch:
//
//	prompt.Bind(generator)
//	expanded, err := prompt.Expand(ctx, prompt.ExpandInputs{...})
//
// Generators receive the operation label through the context
// (prompt.OperationFrom) and use it for per-operation model selection and
// token accounting.
//
// The baselines subpackage holds the hand-written guidance text the
// signatures are fed: dimension descriptions, descriptiveness levels, the
// critique framing and the moderation rewrite exemplar.
package prompt
