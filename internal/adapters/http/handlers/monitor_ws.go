package handlers

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atelierlabs/atelier/internal/adapters/metrics"
	"github.com/atelierlabs/atelier/internal/ports"
	"github.com/atelierlabs/atelier/pkg/protocol"
)

const (
	monitorWriteTimeout = 10 * time.Second
	heartbeatInterval   = 30 * time.Second
)

// monitorConn is one connected monitor. Writes are serialised per
// connection: broadcasts and heartbeats come from different goroutines.
type monitorConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	sessionID string // empty = all sessions
}

func (m *monitorConn) send(data []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.conn.SetWriteDeadline(time.Now().Add(monitorWriteTimeout))
	return m.conn.WriteMessage(websocket.BinaryMessage, data)
}

// MonitorBroadcaster mirrors every progress event to the connected monitor
// WebSocket clients as msgpack protocol envelopes. It satisfies the
// progress hub's broadcaster port; publishing never blocks on a slow
// client beyond the write deadline.
type MonitorBroadcaster struct {
	mu    sync.RWMutex
	conns map[*monitorConn]struct{}

	upgrader websocket.Upgrader
}

var _ ports.ProgressBroadcaster = (*MonitorBroadcaster)(nil)

func NewMonitorBroadcaster(allowedOrigins []string) *MonitorBroadcaster {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = true
	}
	return &MonitorBroadcaster{
		conns: make(map[*monitorConn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// Non-browser clients (the monitor CLI) send no Origin.
				return origin == "" || allowed[origin]
			},
		},
	}
}

// Handle serves GET /api/monitor/ws. The client's first frame must be a
// Subscribe envelope; everything after the ack flows server to client.
func (b *MonitorBroadcaster) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("monitor: upgrade failed", "error", err)
		return
	}

	sub, err := b.awaitSubscribe(conn)
	if err != nil {
		slog.Warn("monitor: subscribe failed", "error", err)
		conn.Close()
		return
	}

	mc := &monitorConn{conn: conn, sessionID: sub.SessionID}
	ack := protocol.NewEnvelope("", protocol.TypeSubscribeAck, protocol.SubscribeAckBody{
		SessionID: sub.SessionID,
		All:       sub.SessionID == "",
	})
	if data, err := ack.Encode(); err == nil {
		if err := mc.send(data); err != nil {
			conn.Close()
			return
		}
	}

	b.mu.Lock()
	b.conns[mc] = struct{}{}
	count := len(b.conns)
	b.mu.Unlock()
	metrics.MonitorClientsActive.Set(float64(count))
	slog.Info("monitor: client subscribed", "session_id", sub.SessionID, "clients", count)

	stop := make(chan struct{})
	go b.heartbeat(mc, stop)

	// Drain the connection so pings and closes are processed; monitors
	// send nothing else after subscribing.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	close(stop)
	b.drop(mc)
}

func (b *MonitorBroadcaster) awaitSubscribe(conn *websocket.Conn) (*protocol.SubscribeBody, error) {
	conn.SetReadDeadline(time.Now().Add(monitorWriteTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	env, err := protocol.Decode(raw)
	if err != nil {
		return nil, err
	}
	var sub protocol.SubscribeBody
	if env.Type == protocol.TypeSubscribe {
		if err := env.DecodeBody(&sub); err != nil {
			return nil, err
		}
	}
	return &sub, nil
}

func (b *MonitorBroadcaster) heartbeat(mc *monitorConn, stop <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			data, err := protocol.NewEnvelope("", protocol.TypeHeartbeat, nil).Encode()
			if err != nil {
				continue
			}
			if err := mc.send(data); err != nil {
				return
			}
		}
	}
}

func (b *MonitorBroadcaster) drop(mc *monitorConn) {
	b.mu.Lock()
	delete(b.conns, mc)
	count := len(b.conns)
	b.mu.Unlock()
	mc.conn.Close()
	metrics.MonitorClientsActive.Set(float64(count))
	slog.Info("monitor: client disconnected", "clients", count)
}

// BroadcastProgress delivers one event to every monitor watching its
// session. Terminal session events additionally emit a SessionComplete
// envelope so monitors can close out their view.
func (b *MonitorBroadcaster) BroadcastProgress(sessionID string, event ports.ProgressEvent) {
	frames := make([][]byte, 0, 2)

	progress := protocol.NewEnvelope(sessionID, protocol.TypeProgress, protocol.ProgressBody{
		Status:      string(event.Status),
		Stage:       event.Stage,
		Message:     event.Message,
		Iteration:   event.Iteration,
		CandidateID: event.CandidateID,
		Progress:    event.Progress,
		Timestamp:   event.Timestamp.UnixMilli(),
	})
	if data, err := progress.Encode(); err == nil {
		frames = append(frames, data)
	}

	if event.Stage == "session" && (event.Status == ports.StatusComplete || event.Status == ports.StatusError) {
		status := "completed"
		if event.Status == ports.StatusError {
			status = "failed"
		}
		complete := protocol.NewEnvelope(sessionID, protocol.TypeSessionComplete, protocol.SessionCompleteBody{
			Status:         status,
			IterationsRun:  event.Iteration,
			FailureMessage: failureMessage(event),
		})
		if data, err := complete.Encode(); err == nil {
			frames = append(frames, data)
		}
	}

	b.mu.RLock()
	targets := make([]*monitorConn, 0, len(b.conns))
	for mc := range b.conns {
		if mc.sessionID == "" || mc.sessionID == sessionID {
			targets = append(targets, mc)
		}
	}
	b.mu.RUnlock()

	for _, mc := range targets {
		for _, frame := range frames {
			if err := mc.send(frame); err != nil {
				b.drop(mc)
				break
			}
		}
	}
}

func failureMessage(event ports.ProgressEvent) string {
	if event.Status != ports.StatusError {
		return ""
	}
	return event.Message
}

// ClientCount reports the connected monitors.
func (b *MonitorBroadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.conns)
}
