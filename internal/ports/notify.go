package ports

import (
	"context"
	"time"
)

type ProgressStatus string

const (
	StatusStarted  ProgressStatus = "started"
	StatusInfo     ProgressStatus = "info"
	StatusProgress ProgressStatus = "progress"
	StatusComplete ProgressStatus = "complete"
	StatusError    ProgressStatus = "error"
)

// ProgressEvent is one progress update from a long-running operation. The
// same payload flows over SSE (JSON) and the monitor WebSocket (msgpack
// envelope).
type ProgressEvent struct {
	SessionID   string         `json:"session_id,omitempty"`
	Status      ProgressStatus `json:"status"`
	Stage       string         `json:"stage,omitempty"`
	Message     string         `json:"message,omitempty"`
	Iteration   int            `json:"iteration"`
	CandidateID *int           `json:"candidate_id,omitempty"`
	Progress    float64        `json:"progress,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// ProgressNotifier receives progress events. Publish must not block on slow
// consumers; implementations drop rather than stall the search.
type ProgressNotifier interface {
	Publish(ctx context.Context, event ProgressEvent)
}

// ProgressNotifierFunc adapts a function to the ProgressNotifier interface.
type ProgressNotifierFunc func(ctx context.Context, event ProgressEvent)

func (f ProgressNotifierFunc) Publish(ctx context.Context, event ProgressEvent) {
	f(ctx, event)
}

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) Publish(context.Context, ProgressEvent) {}

// ProgressBroadcaster pushes events to connected monitor clients. Called
// synchronously on the publishing path, so implementations must not block.
type ProgressBroadcaster interface {
	BroadcastProgress(sessionID string, event ProgressEvent)
}
