// Package services glues the search engine to its callers: the cobra CLI
// and the HTTP control surface share one session lifecycle (admit, run in
// the background, cancel, inspect) and one progress fan-out.
package services

import (
	"context"
	"sort"
	"sync"

	"github.com/atelierlabs/atelier/internal/ports"
)

// subscriberBuffer bounds how far a subscriber may fall behind before it
// starts losing events.
const subscriberBuffer = 100

// ProgressHub fans progress events out to per-session subscribers. The
// scheduler publishes into it; SSE streams subscribe, and an optional
// broadcaster mirrors every event to WebSocket monitor clients.
type ProgressHub struct {
	mu       sync.RWMutex
	channels map[string][]chan ports.ProgressEvent

	broadcaster ports.ProgressBroadcaster
}

var _ ports.ProgressNotifier = (*ProgressHub)(nil)

// NewProgressHub builds a hub. broadcaster may be nil when no WebSocket
// delivery is wanted.
func NewProgressHub(broadcaster ports.ProgressBroadcaster) *ProgressHub {
	return &ProgressHub{
		channels:    make(map[string][]chan ports.ProgressEvent),
		broadcaster: broadcaster,
	}
}

// Subscribe opens a buffered event channel for one session. The channel is
// closed when the subscription is released or the session finishes.
func (h *ProgressHub) Subscribe(sessionID string) <-chan ports.ProgressEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan ports.ProgressEvent, subscriberBuffer)
	h.channels[sessionID] = append(h.channels[sessionID], ch)
	return ch
}

// Unsubscribe removes one subscriber and closes its channel. Unknown
// channels are ignored, so releasing after CloseSession is safe.
func (h *ProgressHub) Unsubscribe(sessionID string, ch <-chan ports.ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.channels[sessionID]
	for i, sub := range subs {
		if sub == ch {
			h.channels[sessionID] = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}
	if len(h.channels[sessionID]) == 0 {
		delete(h.channels, sessionID)
	}
}

// Publish delivers the event to every subscriber of its session and to the
// broadcaster. Sends never block: a subscriber with a full buffer misses
// this event instead of stalling the search.
func (h *ProgressHub) Publish(_ context.Context, event ports.ProgressEvent) {
	if h.broadcaster != nil {
		h.broadcaster.BroadcastProgress(event.SessionID, event)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.channels[event.SessionID] {
		select {
		case ch <- event:
		default:
		}
	}
}

// CloseSession closes every subscriber channel of a finished session.
// Buffered events stay readable; subscribers see the closure after
// draining them.
func (h *ProgressHub) CloseSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.channels[sessionID] {
		close(ch)
	}
	delete(h.channels, sessionID)
}

// SubscriberCount reports the active subscribers of one session.
func (h *ProgressHub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[sessionID])
}

// ActiveSessions lists the sessions that currently have subscribers,
// sorted for stable output.
func (h *ProgressHub) ActiveSessions() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.channels))
	for id := range h.channels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
