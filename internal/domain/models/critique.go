package models

// Critique is structured refinement guidance for one candidate on one
// dimension. A complete critique has all three text fields non-empty.
type Critique struct {
	Critique       string         `json:"critique"`
	Recommendation string         `json:"recommendation"`
	Reason         string         `json:"reason"`
	Dimension      Dimension      `json:"dimension"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Complete reports whether the critique carries all three required fields.
func (c *Critique) Complete() bool {
	return c != nil && c.Critique != "" && c.Recommendation != "" && c.Reason != ""
}

// AggregatedFeedback collects deduplicated strengths and weaknesses gathered
// across every comparison a candidate took part in.
type AggregatedFeedback struct {
	Strengths  []string `json:"strengths"`
	Weaknesses []string `json:"weaknesses"`
}
