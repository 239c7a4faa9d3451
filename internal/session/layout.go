// Package session owns everything a search session leaves on disk: the
// date-partitioned directory layout, the crash-consistent metadata tracker,
// and the satellite documents (rankings, token usage, human evaluations).
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/atelierlabs/atelier/internal/domain/models"
	"github.com/atelierlabs/atelier/internal/fault"
)

const (
	MetadataFile = "metadata.json"
	RankingsFile = "rankings.json"
	TokensFile   = "tokens.json"
)

const datePartitionFormat = "2006-01-02"

// NewSessionID derives a session id from its creation time.
func NewSessionID(t time.Time) string {
	return "ses-" + t.Format("150405")
}

// Layout maps sessions onto the output tree: {root}/{YYYY-MM-DD}/{id}/.
type Layout struct {
	root string
}

func NewLayout(root string) Layout {
	return Layout{root: root}
}

func (l Layout) Root() string { return l.root }

// For resolves the path set of one session from its identity.
func (l Layout) For(sessionID string, createdAt time.Time) Paths {
	return Paths{dir: filepath.Join(l.root, createdAt.Format(datePartitionFormat), sessionID)}
}

// PathsIn wraps an already-located session directory.
func PathsIn(dir string) Paths {
	return Paths{dir: dir}
}

// Paths resolves every file of one session directory.
type Paths struct {
	dir string
}

func (p Paths) Dir() string      { return p.dir }
func (p Paths) Metadata() string { return filepath.Join(p.dir, MetadataFile) }
func (p Paths) Rankings() string { return filepath.Join(p.dir, RankingsFile) }
func (p Paths) Tokens() string   { return filepath.Join(p.dir, TokensFile) }

// Image is the canonical location of a candidate's generated image.
func (p Paths) Image(iteration, candidateID int) string {
	return filepath.Join(p.dir, fmt.Sprintf("iter%d-cand%d.png", iteration, candidateID))
}

// BaseImage is the img2img source a provider may have declared for a
// candidate.
func (p Paths) BaseImage(iteration, candidateID int) string {
	return filepath.Join(p.dir, fmt.Sprintf("iter%d-cand%d-base.png", iteration, candidateID))
}

// Evaluation is the location of one stored human-evaluation record.
func (p Paths) Evaluation(evaluationID string) string {
	return filepath.Join(p.dir, "evaluation-"+evaluationID+".json")
}

// Info summarises one stored session for listings.
type Info struct {
	SessionID      string
	Date           string
	Dir            string
	CreatedAt      time.Time
	Status         models.SessionStatus
	OriginalPrompt string
}

// FindSessionDir locates a session by id, scanning date partitions newest
// first so recent sessions win when an HHMMSS id recurs across days.
func (l Layout) FindSessionDir(sessionID string) (Paths, error) {
	dates, err := l.datePartitions()
	if err != nil {
		return Paths{}, err
	}
	for _, date := range dates {
		dir := filepath.Join(l.root, date, sessionID)
		if _, err := os.Stat(filepath.Join(dir, MetadataFile)); err == nil {
			return Paths{dir: dir}, nil
		}
	}
	return Paths{}, fault.Newf(fault.InvalidArgument, "session.layout", "unknown session %q", sessionID)
}

// ListSessions walks the date partitions newest first and summarises every
// session whose metadata is readable. Unreadable entries are skipped.
func (l Layout) ListSessions() ([]Info, error) {
	dates, err := l.datePartitions()
	if err != nil {
		return nil, err
	}

	var infos []Info
	for _, date := range dates {
		entries, err := os.ReadDir(filepath.Join(l.root, date))
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			dir := filepath.Join(l.root, date, e.Name())
			sess, err := LoadSession(filepath.Join(dir, MetadataFile))
			if err != nil {
				continue
			}
			infos = append(infos, Info{
				SessionID:      sess.SessionID,
				Date:           date,
				Dir:            dir,
				CreatedAt:      sess.CreatedAt,
				Status:         sess.Status,
				OriginalPrompt: sess.OriginalPrompt,
			})
		}
	}

	sort.SliceStable(infos, func(i, j int) bool {
		return infos[i].CreatedAt.After(infos[j].CreatedAt)
	})
	return infos, nil
}

// datePartitions returns the YYYY-MM-DD directories under the root, newest
// first. A missing root is an empty store, not an error.
func (l Layout) datePartitions() ([]string, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading sessions root: %w", err)
	}

	var dates []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := time.Parse(datePartitionFormat, e.Name()); err != nil {
			continue
		}
		dates = append(dates, e.Name())
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	return dates, nil
}

// IsSessionID reports whether s looks like a time-derived session id.
func IsSessionID(s string) bool {
	if !strings.HasPrefix(s, "ses-") {
		return false
	}
	_, err := time.Parse("150405", strings.TrimPrefix(s, "ses-"))
	return err == nil
}
