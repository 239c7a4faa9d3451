// Package baselines holds the hand-written prompt material fed into the
// pipeline signatures. These are starting points, tuned by eye against local
// models; the search loop itself never edits them.
package baselines

// WhatGuidance describes the content dimension for expansion and refinement.
var WhatGuidance = `WHAT: the subject matter of the image.
Cover the main subject, secondary elements, setting, spatial composition and
any narrative moment. Stay concrete and visual; do not mention artistic style,
medium, camera or lighting here.`

// HowGuidance describes the style dimension for expansion and refinement.
var HowGuidance = `HOW: the visual treatment of the image.
Cover artistic style, medium, color palette, lighting, mood, camera framing
and rendering technique. Do not change what is depicted; only how it looks.`

// DescriptivenessBrief through DescriptivenessLush pick the verbosity of an
// expansion. Plain labels work better here than numeric scales.
var (
	DescriptivenessBrief = "brief: one or two tight sentences, essentials only"

	DescriptivenessBalanced = "balanced: a short paragraph with the key visual details"

	DescriptivenessLush = "lush: a rich paragraph layering fine-grained visual detail"
)

// DefaultStyle seeds the style hint when the caller supplies none.
var DefaultStyle = "high quality, coherent, visually striking"

// RewriteExemplar shows the moderation rewriter what an acceptable rewording
// looks like: preserve the creative intent, drop the flagged framing.
var RewriteExemplar = `Original: "a brutal medieval battle, blood everywhere, severed limbs"
Rewritten: "a dramatic medieval battle at dusk, clashing armored knights,
fallen banners and churned mud, intense and somber"`

// CritiqueFraming introduces the critique task. The evaluation data is
// appended by the caller.
var CritiqueFraming = `You are reviewing one candidate image from an iterative
refinement search. Using the comparative evaluation below, write a critique of
the current prompt, a concrete recommendation for the next revision, and the
reason the recommendation should help.`

// ComparisonInstructions asks a VLM to judge two images against a reference
// prompt and answer in strict JSON. The reference prompt is appended by the
// caller; the two images follow as message parts in A, B order.
var ComparisonInstructions = `Two images follow, in order: image A, then
image B. Judge which one better realizes the reference prompt below on two
factors: alignment (how faithfully the content matches the prompt) and
aesthetics (how well the image works visually).

Answer with a single JSON object and nothing else:
{
  "winner": "A" or "B",
  "reason": "one or two sentences",
  "ranks_a": {"alignment": 1 or 2, "aesthetics": 1 or 2},
  "ranks_b": {"alignment": 1 or 2, "aesthetics": 1 or 2},
  "winner_strengths": ["..."],
  "loser_weaknesses": ["..."]
}
Rank 1 is better; give both sides rank 1 on a factor you cannot separate.

Reference prompt:`

// AnalysisInstructions asks a VLM to score one image absolutely against a
// reference prompt. Same JSON-only discipline as the comparison.
var AnalysisInstructions = `One image follows. Score how well it realizes the
reference prompt below: alignment on a 0-100 scale, aesthetic quality on a
0-10 scale.

Answer with a single JSON object and nothing else:
{
  "alignment": 0-100,
  "aesthetic": 0-10,
  "analysis": "two or three sentences",
  "strengths": ["..."],
  "weaknesses": ["..."]
}

Reference prompt:`
