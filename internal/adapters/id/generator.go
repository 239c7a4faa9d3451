package id

import (
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Generator mints prefixed nanoid identifiers. Session ids are not minted
// here: they are time-derived (ses-HHMMSS) by the session layout.
type Generator struct{}

func New() *Generator {
	return &Generator{}
}

func (g *Generator) generate(prefix string) string {
	id, err := gonanoid.New(21)
	if err != nil {
		return prefix + "_fallback"
	}
	return prefix + "_" + id
}

// GenerateEvaluationID identifies a stored human-evaluation record.
func (g *Generator) GenerateEvaluationID() string {
	return g.generate("ev")
}

// GenerateComparisonID identifies one pairwise comparison event.
func (g *Generator) GenerateComparisonID() string {
	return g.generate("cmp")
}
