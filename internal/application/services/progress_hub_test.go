package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelierlabs/atelier/internal/ports"
)

func event(sessionID string, status ports.ProgressStatus, msg string) ports.ProgressEvent {
	return ports.ProgressEvent{
		SessionID: sessionID,
		Status:    status,
		Message:   msg,
		Timestamp: time.Now().UTC(),
	}
}

func TestHubDeliversToSessionSubscribers(t *testing.T) {
	hub := NewProgressHub(nil)
	first := hub.Subscribe("ses-100000")
	second := hub.Subscribe("ses-100000")
	other := hub.Subscribe("ses-222222")

	hub.Publish(context.Background(), event("ses-100000", ports.StatusInfo, "expanding"))

	for _, ch := range []<-chan ports.ProgressEvent{first, second} {
		select {
		case ev := <-ch:
			assert.Equal(t, "ses-100000", ev.SessionID)
			assert.Equal(t, "expanding", ev.Message)
		default:
			t.Fatal("subscriber did not receive the event")
		}
	}
	select {
	case ev := <-other:
		t.Fatalf("event leaked across sessions: %+v", ev)
	default:
	}

	assert.Equal(t, 2, hub.SubscriberCount("ses-100000"))
	assert.Equal(t, []string{"ses-100000", "ses-222222"}, hub.ActiveSessions())
}

func TestHubDropsEventsForLaggingSubscriber(t *testing.T) {
	hub := NewProgressHub(nil)
	ch := hub.Subscribe("ses-100000")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer+10; i++ {
			hub.Publish(context.Background(), event("ses-100000", ports.StatusProgress, "tick"))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber buffer")
	}

	received := 0
	for drained := false; !drained; {
		select {
		case <-ch:
			received++
		default:
			drained = true
		}
	}
	assert.Equal(t, subscriberBuffer, received)
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	hub := NewProgressHub(nil)
	ch := hub.Subscribe("ses-100000")

	hub.Unsubscribe("ses-100000", ch)
	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, hub.SubscriberCount("ses-100000"))
	assert.Empty(t, hub.ActiveSessions())

	// Releasing twice must not panic.
	hub.Unsubscribe("ses-100000", ch)
}

func TestHubCloseSessionClosesAllSubscribers(t *testing.T) {
	hub := NewProgressHub(nil)
	first := hub.Subscribe("ses-100000")
	second := hub.Subscribe("ses-100000")

	hub.Publish(context.Background(), event("ses-100000", ports.StatusComplete, "search complete"))
	hub.CloseSession("ses-100000")

	for _, ch := range []<-chan ports.ProgressEvent{first, second} {
		ev, open := <-ch
		require.True(t, open, "buffered event must survive the close")
		assert.Equal(t, ports.StatusComplete, ev.Status)
		_, open = <-ch
		assert.False(t, open)
	}

	// Publishing to a closed session is a no-op.
	hub.Publish(context.Background(), event("ses-100000", ports.StatusInfo, "late"))
	assert.Empty(t, hub.ActiveSessions())
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []ports.ProgressEvent
}

func (b *recordingBroadcaster) BroadcastProgress(_ string, ev ports.ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *recordingBroadcaster) all() []ports.ProgressEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ports.ProgressEvent, len(b.events))
	copy(out, b.events)
	return out
}

func TestHubMirrorsEverythingToBroadcaster(t *testing.T) {
	bc := &recordingBroadcaster{}
	hub := NewProgressHub(bc)

	// No subscription needed: the broadcaster sees every event.
	hub.Publish(context.Background(), event("ses-100000", ports.StatusStarted, "session started"))
	hub.Publish(context.Background(), event("ses-222222", ports.StatusError, "boom"))

	got := bc.all()
	require.Len(t, got, 2)
	assert.Equal(t, "ses-100000", got[0].SessionID)
	assert.Equal(t, ports.StatusError, got[1].Status)
}
