// Package protocol defines the wire format shared by the control server's
// monitor WebSocket and the atelier-monitor tool. Messages are msgpack
// envelopes; the progress payload mirrors what the SSE stream carries as
// JSON so both consumers see the same events.
package protocol

// MessageType is the numeric discriminator of an envelope body.
type MessageType uint16

const (
	// TypeError carries ErrorBody: a failure the server wants monitors to see.
	TypeError MessageType = 1

	// TypeProgress carries ProgressBody: one search progress event.
	TypeProgress MessageType = 2

	// TypeSessionComplete carries SessionCompleteBody: a session reached a
	// terminal status.
	TypeSessionComplete MessageType = 3

	// TypeSubscribe is sent by a monitor after connecting. Body is
	// SubscribeBody; an empty session id subscribes to everything.
	TypeSubscribe MessageType = 10

	// TypeSubscribeAck confirms a subscription. Body is SubscribeAckBody.
	TypeSubscribeAck MessageType = 11

	// TypeHeartbeat is sent periodically by the server so monitors can
	// distinguish an idle engine from a dead connection. Empty body.
	TypeHeartbeat MessageType = 12
)

// Name returns a short human-readable label for a message type.
func (t MessageType) Name() string {
	switch t {
	case TypeError:
		return "Error"
	case TypeProgress:
		return "Progress"
	case TypeSessionComplete:
		return "SessionComplete"
	case TypeSubscribe:
		return "Subscribe"
	case TypeSubscribeAck:
		return "SubscribeAck"
	case TypeHeartbeat:
		return "Heartbeat"
	default:
		return "Unknown"
	}
}

// ProgressBody is one progress event as broadcast to monitors. Status uses
// the SSE vocabulary: started, info, progress, complete, error.
type ProgressBody struct {
	Status      string  `msgpack:"status" json:"status"`
	Stage       string  `msgpack:"stage,omitempty" json:"stage,omitempty"`
	Message     string  `msgpack:"message,omitempty" json:"message,omitempty"`
	Iteration   int     `msgpack:"iteration" json:"iteration"`
	CandidateID *int    `msgpack:"candidate_id,omitempty" json:"candidate_id,omitempty"`
	Progress    float64 `msgpack:"progress,omitempty" json:"progress,omitempty"`
	Timestamp   int64   `msgpack:"timestamp" json:"timestamp"` // unix milliseconds
}

// ErrorBody describes a failure delivered over the monitor socket.
type ErrorBody struct {
	Code    string `msgpack:"code" json:"code"`
	Message string `msgpack:"message" json:"message"`
}

// SessionCompleteBody announces a session's terminal status.
type SessionCompleteBody struct {
	Status          string `msgpack:"status" json:"status"`
	WinnerIteration *int   `msgpack:"winner_iteration,omitempty" json:"winner_iteration,omitempty"`
	WinnerCandidate *int   `msgpack:"winner_candidate,omitempty" json:"winner_candidate,omitempty"`
	IterationsRun   int    `msgpack:"iterations_run" json:"iterations_run"`
	DurationMillis  int64  `msgpack:"duration_ms,omitempty" json:"duration_ms,omitempty"`
	FailureKind     string `msgpack:"failure_kind,omitempty" json:"failure_kind,omitempty"`
	FailureMessage  string `msgpack:"failure_message,omitempty" json:"failure_message,omitempty"`
}

// SubscribeBody selects which sessions a monitor wants. An empty SessionID
// means all sessions.
type SubscribeBody struct {
	SessionID string `msgpack:"session_id,omitempty" json:"session_id,omitempty"`
}

// SubscribeAckBody confirms what the server registered.
type SubscribeAckBody struct {
	SessionID string `msgpack:"session_id,omitempty" json:"session_id,omitempty"`
	All       bool   `msgpack:"all" json:"all"`
}
