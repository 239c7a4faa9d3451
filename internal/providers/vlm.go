package providers

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/atelierlabs/atelier/internal/domain/models"
	"github.com/atelierlabs/atelier/internal/fault"
	"github.com/atelierlabs/atelier/internal/ports"
	"github.com/atelierlabs/atelier/internal/prompt/baselines"
)

// ComparePrompt composes the pairwise-judgment instructions for one
// reference prompt. The two images travel as message parts after it.
func ComparePrompt(referencePrompt string) string {
	return baselines.ComparisonInstructions + "\n" + referencePrompt
}

// ImageDataURL reads an image file into a base64 data URL for a chat
// message part.
func ImageDataURL(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fault.Wrapf(fault.InvalidArgument, "providers.image", err, "read %s", path)
	}
	mime := "image/png"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		mime = "image/jpeg"
	case ".webp":
		mime = "image/webp"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// AnalyzePrompt composes the absolute-scoring instructions for one
// reference prompt.
func AnalyzePrompt(referencePrompt string) string {
	return baselines.AnalysisInstructions + "\n" + referencePrompt
}

// looseNumber tolerates models that quote numbers ("87" instead of 87).
type looseNumber float64

func (n *looseNumber) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	s = strings.Trim(s, `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*n = looseNumber(f)
	return nil
}

// ExtractJSON pulls the JSON object out of a model reply that may wrap it
// in markdown fences or prose. Returns ParseFailure when no object is
// found.
func ExtractJSON(raw string) (string, error) {
	s := strings.TrimSpace(raw)

	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		if j := strings.Index(rest, "\n"); j >= 0 && strings.EqualFold(strings.TrimSpace(rest[:j]), "json") {
			rest = rest[j+1:]
		}
		if j := strings.Index(rest, "```"); j >= 0 {
			s = strings.TrimSpace(rest[:j])
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", fault.Newf(fault.ParseFailure, "providers.extract_json", "no JSON object in %d-byte reply", len(raw))
	}
	return s[start : end+1], nil
}

type rankPairJSON struct {
	Alignment  looseNumber `json:"alignment"`
	Aesthetics looseNumber `json:"aesthetics"`
}

type pairResultJSON struct {
	Winner          string       `json:"winner"`
	Reason          string       `json:"reason"`
	RanksA          rankPairJSON `json:"ranks_a"`
	RanksB          rankPairJSON `json:"ranks_b"`
	WinnerStrengths []string     `json:"winner_strengths"`
	LoserWeaknesses []string     `json:"loser_weaknesses"`
}

// ParsePairResult decodes one comparator reply. Winner normalisation
// accepts "a", "B", "image A" and friends; anything else is ParseFailure.
// When the model omits per-factor ranks, the winner takes 1 on both
// factors. Combined ranks use alpha as the alignment weight, lower better.
func ParsePairResult(raw string, alpha float64) (*ports.PairResult, error) {
	body, err := ExtractJSON(raw)
	if err != nil {
		return nil, err
	}

	var decoded pairResultJSON
	if err := json.Unmarshal([]byte(body), &decoded); err != nil {
		return nil, fault.Wrap(fault.ParseFailure, "providers.parse_pair", err)
	}

	winner := strings.ToUpper(strings.TrimSpace(decoded.Winner))
	winner = strings.TrimPrefix(winner, "IMAGE ")
	winner = strings.TrimPrefix(winner, "IMAGE_")
	if winner != "A" && winner != "B" {
		return nil, fault.Newf(fault.ParseFailure, "providers.parse_pair", "winner %q", decoded.Winner)
	}

	ranksA := normalizeRanks(decoded.RanksA, winner == "A", alpha)
	ranksB := normalizeRanks(decoded.RanksB, winner == "B", alpha)

	return &ports.PairResult{
		Winner:          winner,
		Reason:          strings.TrimSpace(decoded.Reason),
		RanksA:          ranksA,
		RanksB:          ranksB,
		WinnerStrengths: trimAll(decoded.WinnerStrengths),
		LoserWeaknesses: trimAll(decoded.LoserWeaknesses),
	}, nil
}

func normalizeRanks(r rankPairJSON, won bool, alpha float64) models.Ranks {
	alignment := clampRank(float64(r.Alignment), won)
	aesthetics := clampRank(float64(r.Aesthetics), won)
	return models.Ranks{
		Alignment:  alignment,
		Aesthetics: aesthetics,
		Combined:   alpha*alignment + (1-alpha)*aesthetics,
	}
}

// clampRank forces a factor rank into {1, 2}. Zero means the model left it
// out; the winner gets 1, the loser 2.
func clampRank(v float64, won bool) float64 {
	switch {
	case v <= 0:
		if won {
			return 1
		}
		return 2
	case v < 1.5:
		return 1
	default:
		return 2
	}
}

type evaluationJSON struct {
	Alignment  looseNumber `json:"alignment"`
	Aesthetic  looseNumber `json:"aesthetic"`
	Analysis   string      `json:"analysis"`
	Strengths  []string    `json:"strengths"`
	Weaknesses []string    `json:"weaknesses"`
}

// ParseEvaluation decodes one absolute-scoring reply. Scores are clamped to
// their scales (alignment 0-100, aesthetic 0-10).
func ParseEvaluation(raw string) (*models.Evaluation, error) {
	body, err := ExtractJSON(raw)
	if err != nil {
		return nil, err
	}

	var decoded evaluationJSON
	if err := json.Unmarshal([]byte(body), &decoded); err != nil {
		return nil, fault.Wrap(fault.ParseFailure, "providers.parse_evaluation", err)
	}

	return &models.Evaluation{
		Alignment:  clampScale(float64(decoded.Alignment), 100),
		Aesthetic:  clampScale(float64(decoded.Aesthetic), 10),
		Analysis:   strings.TrimSpace(decoded.Analysis),
		Strengths:  trimAll(decoded.Strengths),
		Weaknesses: trimAll(decoded.Weaknesses),
	}, nil
}

func clampScale(v, upper float64) float64 {
	if v < 0 {
		return 0
	}
	if v > upper {
		return upper
	}
	return v
}

func trimAll(items []string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if t := strings.TrimSpace(it); t != "" {
			out = append(out, t)
		}
	}
	return out
}
