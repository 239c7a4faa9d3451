package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/atelierlabs/atelier/internal/domain/models"
)

// LoadSession reads a metadata document from disk.
func LoadSession(path string) (*models.Session, error) {
	var sess models.Session
	if err := readJSON(path, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// LoadRankings reads a rankings satellite. A missing file is an empty doc.
func LoadRankings(path string) (*models.RankingsDoc, error) {
	doc := models.NewRankingsDoc()
	if err := readJSON(path, doc); err != nil {
		if os.IsNotExist(err) {
			return models.NewRankingsDoc(), nil
		}
		return nil, err
	}
	return doc, nil
}

// LoadTokens reads a token-usage satellite. A missing file is an empty doc.
func LoadTokens(path string) (*models.TokenStats, error) {
	var stats models.TokenStats
	if err := readJSON(path, &stats); err != nil {
		if os.IsNotExist(err) {
			return &models.TokenStats{Operations: map[string]models.OpTokens{}}, nil
		}
		return nil, err
	}
	if stats.Operations == nil {
		stats.Operations = map[string]models.OpTokens{}
	}
	return &stats, nil
}

// SaveEvaluation writes one human-evaluation record into the session
// directory. The record must already carry its id.
func SaveEvaluation(p Paths, eval *models.HumanEvaluation) error {
	return writeJSONAtomic(p.Evaluation(eval.ID), eval)
}

// LoadEvaluations reads every human-evaluation record of a session,
// oldest first.
func LoadEvaluations(p Paths) ([]*models.HumanEvaluation, error) {
	matches, err := filepath.Glob(filepath.Join(p.Dir(), "evaluation-*.json"))
	if err != nil {
		return nil, err
	}
	evals := make([]*models.HumanEvaluation, 0, len(matches))
	for _, path := range matches {
		var ev models.HumanEvaluation
		if err := readJSON(path, &ev); err != nil {
			return nil, err
		}
		evals = append(evals, &ev)
	}
	sort.SliceStable(evals, func(i, j int) bool {
		if !evals[i].CreatedAt.Equal(evals[j].CreatedAt) {
			return evals[i].CreatedAt.Before(evals[j].CreatedAt)
		}
		return evals[i].ID < evals[j].ID
	})
	return evals, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeJSONAtomic marshals v and replaces path in one atomic step: the
// bytes land in a temp file in the same directory, are fsynced, and the
// temp file is renamed over the target. Readers see either the old document
// or the new one, never a torn write.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing %s: %w", filepath.Base(path), err)
	}
	// The directory entry must be durable too, or the rename itself can be
	// lost on power failure.
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}
