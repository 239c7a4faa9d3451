package models

// OpTokens counts model usage for one operation class.
type OpTokens struct {
	Calls            int `json:"calls"`
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// TokenStats is the shape of tokens.json: usage per operation (expand,
// refine, combine, critique, compare, moderation_rewrite, analyze, chat)
// plus totals. The key set is open; providers may add labels.
type TokenStats struct {
	Operations map[string]OpTokens `json:"operations"`
	Totals     OpTokens            `json:"totals"`
}
