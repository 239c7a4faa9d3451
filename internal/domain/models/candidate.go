package models

type CandidateStatus string

const (
	// CandidateStatusAttempted is written before any risky work starts, so a
	// crash leaves a recoverable record of what was being tried.
	CandidateStatusAttempted CandidateStatus = "attempted"
	CandidateStatusCompleted CandidateStatus = "completed"
	CandidateStatusFailed    CandidateStatus = "failed"
)

// ImageRef locates the generated image for a candidate. BaseImagePath is a
// provider-declared extension (img2img source) stored opaquely.
type ImageRef struct {
	URL           string `json:"url,omitempty"`
	LocalPath     string `json:"local_path"`
	BaseImagePath string `json:"base_image_path,omitempty"`
}

// Candidate is one point in the search space: a WHAT/HOW prompt pair plus
// everything produced from it. CandidateID is unique within its iteration;
// ParentID refers to a candidate of the previous iteration.
type Candidate struct {
	CandidateID        int                 `json:"candidate_id"`
	ParentID           *int                `json:"parent_id,omitempty"`
	WhatPrompt         string              `json:"what_prompt"`
	HowPrompt          string              `json:"how_prompt"`
	Combined           *string             `json:"combined"`
	NegativePrompt     *string             `json:"negative_prompt,omitempty"`
	Critique           *Critique           `json:"critique,omitempty"`
	Image              *ImageRef           `json:"image"`
	Evaluation         *Evaluation         `json:"evaluation"`
	TotalScore         *float64            `json:"total_score"`
	Status             CandidateStatus     `json:"status"`
	Survived           *bool               `json:"survived,omitempty"`
	Comparisons        []ComparisonFact    `json:"comparisons,omitempty"`
	AggregatedFeedback *AggregatedFeedback `json:"aggregated_feedback,omitempty"`
	FailureReason      string              `json:"failure_reason,omitempty"`
}

// IsComplete reports whether the candidate finished generation: completed
// status with both a combined prompt and an image.
func (c *Candidate) IsComplete() bool {
	return c.Status == CandidateStatusCompleted && c.Combined != nil && c.Image != nil
}
