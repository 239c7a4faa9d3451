package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/atelierlabs/atelier/internal/adapters/id"
	"github.com/atelierlabs/atelier/internal/domain/models"
	"github.com/atelierlabs/atelier/internal/fault"
	"github.com/atelierlabs/atelier/internal/ports"
	"github.com/atelierlabs/atelier/internal/search"
	"github.com/atelierlabs/atelier/internal/session"
)

// SearchService owns the lifecycle of search sessions: it admits requests,
// runs each session in the background, and answers cancel/inspect calls
// against both the live set and the on-disk store.
type SearchService struct {
	sched  *search.Scheduler
	layout session.Layout
	hub    *ProgressHub
	ids    *id.Generator
	now    func() time.Time

	mu      sync.Mutex
	running map[string]*activeSession
}

type activeSession struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSearchService(sched *search.Scheduler, layout session.Layout, hub *ProgressHub) *SearchService {
	return &SearchService{
		sched:   sched,
		layout:  layout,
		hub:     hub,
		ids:     id.New(),
		now:     time.Now,
		running: make(map[string]*activeSession),
	}
}

// Start validates and admits one session, runs it in the background, and
// returns its id. The id is immediately pollable via Get and streamable
// via Stream; the final document lands in the session directory.
func (s *SearchService) Start(ctx context.Context, req search.Request) (string, error) {
	if err := s.sched.ValidateRequest(req); err != nil {
		return "", err
	}
	if req.SessionID == "" {
		req.SessionID = session.NewSessionID(s.now())
	}

	// The session must outlive the admitting request; only values (trace
	// linkage) carry over from its context.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	entry := &activeSession{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if _, exists := s.running[req.SessionID]; exists {
		s.mu.Unlock()
		cancel()
		return "", fault.Newf(fault.InvalidArgument, "service.search", "session %s is already running", req.SessionID)
	}
	s.running[req.SessionID] = entry
	s.mu.Unlock()

	go s.run(runCtx, req, entry)
	return req.SessionID, nil
}

func (s *SearchService) run(ctx context.Context, req search.Request, entry *activeSession) {
	defer close(entry.done)
	defer func() {
		s.mu.Lock()
		delete(s.running, req.SessionID)
		s.mu.Unlock()
		s.hub.CloseSession(req.SessionID)
		entry.cancel()
	}()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("service: search session panicked", "session_id", req.SessionID, "panic", r)
			s.hub.Publish(ctx, ports.ProgressEvent{
				SessionID: req.SessionID,
				Status:    ports.StatusError,
				Stage:     "session",
				Message:   fmt.Sprintf("session panicked: %v", r),
				Timestamp: s.now().UTC(),
			})
		}
	}()

	if _, err := s.sched.Run(ctx, req); err != nil {
		slog.Error("service: search session ended with error", "session_id", req.SessionID, "error", err)
	}
}

// Cancel asks a running session to stop. Cancellation is asynchronous: the
// session transitions to cancelled once in-flight provider calls unwind.
func (s *SearchService) Cancel(sessionID string) error {
	s.mu.Lock()
	entry, ok := s.running[sessionID]
	s.mu.Unlock()
	if !ok {
		return fault.Newf(fault.InvalidArgument, "service.search", "session %s is not running", sessionID)
	}
	entry.cancel()
	return nil
}

// Wait blocks until the named session finishes, or until ctx is done. A
// session that is not running has already finished.
func (s *SearchService) Wait(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	entry, ok := s.running[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-entry.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether this process is currently driving the session.
func (s *SearchService) IsRunning(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[sessionID]
	return ok
}

// Running lists the ids of live sessions, sorted.
func (s *SearchService) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.running))
	for sid := range s.running {
		ids = append(ids, sid)
	}
	sort.Strings(ids)
	return ids
}

// Stream subscribes to a running session's progress. The release func ends
// the subscription. Sessions that are not running fail here so callers
// fall back to the stored document.
func (s *SearchService) Stream(sessionID string) (<-chan ports.ProgressEvent, func(), error) {
	s.mu.Lock()
	_, ok := s.running[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil, nil, fault.Newf(fault.InvalidArgument, "service.search", "session %s is not running", sessionID)
	}

	ch := s.hub.Subscribe(sessionID)
	release := func() { s.hub.Unsubscribe(sessionID, ch) }
	return ch, release, nil
}

// Get loads the stored metadata document of one session.
func (s *SearchService) Get(sessionID string) (*models.Session, error) {
	paths, err := s.layout.FindSessionDir(sessionID)
	if err != nil {
		return nil, err
	}
	sess, err := session.LoadSession(paths.Metadata())
	if err != nil {
		return nil, fault.Wrapf(fault.ParseFailure, "service.search", err, "loading session %s", sessionID)
	}
	return sess, nil
}

// SessionSummary is one row of List: the stored summary plus whether this
// process is still driving the session. A stored status of "running"
// without Active means the driving process died.
type SessionSummary struct {
	session.Info
	Active bool
}

// List summarises every stored session, newest first.
func (s *SearchService) List() ([]SessionSummary, error) {
	infos, err := s.layout.ListSessions()
	if err != nil {
		return nil, err
	}
	out := make([]SessionSummary, 0, len(infos))
	for _, info := range infos {
		out = append(out, SessionSummary{Info: info, Active: s.IsRunning(info.SessionID)})
	}
	return out, nil
}

// Evaluate stores a human-evaluation record next to the session metadata
// and returns it with id and timestamps filled in.
func (s *SearchService) Evaluate(sessionID string, eval models.HumanEvaluation) (*models.HumanEvaluation, error) {
	paths, err := s.layout.FindSessionDir(sessionID)
	if err != nil {
		return nil, err
	}
	if eval.Preferred == nil && eval.Rating == 0 && eval.Notes == "" {
		return nil, fault.New(fault.InvalidArgument, "service.evaluate", "evaluation must carry a preference, rating, or notes")
	}
	if eval.Rating != 0 && (eval.Rating < 1 || eval.Rating > 5) {
		return nil, fault.Newf(fault.InvalidArgument, "service.evaluate", "rating %d out of range 1-5", eval.Rating)
	}
	if eval.Preferred != nil {
		sess, err := session.LoadSession(paths.Metadata())
		if err != nil {
			return nil, fault.Wrapf(fault.ParseFailure, "service.evaluate", err, "loading session %s", sessionID)
		}
		it := sess.FindIteration(eval.Preferred.Iteration)
		if it == nil || it.FindCandidate(eval.Preferred.CandidateID) == nil {
			return nil, fault.Newf(fault.InvalidArgument, "service.evaluate",
				"preferred candidate i%d:c%d does not exist in session %s",
				eval.Preferred.Iteration, eval.Preferred.CandidateID, sessionID)
		}
	}

	eval.ID = s.ids.GenerateEvaluationID()
	eval.SessionID = sessionID
	eval.CreatedAt = s.now().UTC()
	if err := session.SaveEvaluation(paths, &eval); err != nil {
		return nil, fault.Wrapf(fault.Unknown, "service.evaluate", err, "storing evaluation for %s", sessionID)
	}
	return &eval, nil
}
