package protocol

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Envelope wraps every monitor message with routing metadata. Envelopes
// are serialized with MessagePack and sent as binary WebSocket frames.
type Envelope struct {
	// SessionID names the search session the message belongs to. Empty for
	// connection-level messages (subscribe, heartbeat).
	SessionID string `msgpack:"session_id,omitempty" json:"session_id,omitempty"`

	// Type is the numeric message type.
	Type MessageType `msgpack:"type" json:"type"`

	// Meta carries optional metadata such as tracing fields.
	Meta map[string]any `msgpack:"meta,omitempty" json:"meta,omitempty"`

	// Body is the message-specific payload.
	Body any `msgpack:"body" json:"body"`
}

// Common meta keys.
const (
	MetaKeyTimestamp = "timestamp"
	MetaKeyTraceID   = "trace_id"
	MetaKeySpanID    = "span_id"
)

func NewEnvelope(sessionID string, msgType MessageType, body any) *Envelope {
	return &Envelope{
		SessionID: sessionID,
		Type:      msgType,
		Body:      body,
	}
}

func (e *Envelope) WithMeta(key string, value any) *Envelope {
	if e.Meta == nil {
		e.Meta = make(map[string]any)
	}
	e.Meta[key] = value
	return e
}

// WithTracing adds OpenTelemetry trace linkage to the envelope.
func (e *Envelope) WithTracing(traceID, spanID string) *Envelope {
	return e.WithMeta(MetaKeyTraceID, traceID).WithMeta(MetaKeySpanID, spanID)
}

// Encode serializes the envelope for one WebSocket frame.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := msgpack.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope type %d: %w", e.Type, err)
	}
	return data, nil
}

// Decode parses one WebSocket frame into an envelope. The body is left as
// msgpack's generic decoding (map[string]any); DecodeBody re-decodes it
// into a typed struct.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	return &env, nil
}

// DecodeBody re-decodes a generically decoded body into target, which must
// be a pointer to the type matching the envelope's Type.
func (e *Envelope) DecodeBody(target any) error {
	raw, err := msgpack.Marshal(e.Body)
	if err != nil {
		return fmt.Errorf("re-encoding body: %w", err)
	}
	if err := msgpack.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("decoding body of type %s: %w", e.Type.Name(), err)
	}
	return nil
}
