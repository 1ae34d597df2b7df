package server

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/storefront-session/internal/identity"
)

func TestRealtimeDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "browser-1")
	defer cleanup()

	dispatcher.Publish(identity.Event{
		BrowserID: "browser-1",
		Kind:      identity.EventIdentityChanged,
		Snapshot:  identity.Snapshot{Email: "ann@example.com", Role: identity.RoleCreator},
		At:        time.Now().UTC(),
	})

	select {
	case received := <-stream:
		if received.Kind != identity.EventIdentityChanged {
			t.Fatalf("expected event kind %s, got %s", identity.EventIdentityChanged, received.Kind)
		}
		if received.Snapshot.Role != identity.RoleCreator {
			t.Fatalf("expected creator snapshot, got %+v", received.Snapshot)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime event within deadline")
	}
}

func TestRealtimeDispatcherIsolatedByBrowser(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	browserStream, cleanup := dispatcher.Subscribe(ctx, "browser-2")
	defer cleanup()

	otherStream, otherCleanup := dispatcher.Subscribe(ctx, "browser-3")
	defer otherCleanup()

	dispatcher.Publish(identity.Event{
		BrowserID: "browser-3",
		Kind:      identity.EventSignedOut,
		Reason:    "user",
	})

	select {
	case <-browserStream:
		t.Fatal("did not expect realtime event for unrelated browser")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case event := <-otherStream:
		if event.BrowserID != "browser-3" || event.Kind != identity.EventSignedOut {
			t.Fatalf("unexpected event %+v", event)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime event for subscribed browser")
	}
}

func TestRealtimeDispatcherUnsubscribesOnContextDone(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, _ = dispatcher.Subscribe(ctx, "browser-4")
	if dispatcher.SubscriberCount("browser-4") != 1 {
		t.Fatalf("expected one subscriber")
	}
	cancel()

	deadline := time.Now().Add(time.Second)
	for dispatcher.SubscriberCount("browser-4") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber was not removed after context cancellation")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRealtimeDispatcherKeepsNewestEventWhenBufferFull(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "browser-5")
	defer cleanup()

	for index := 0; index < realtimeBufferSize+4; index++ {
		dispatcher.Publish(identity.Event{
			BrowserID:   "browser-5",
			Kind:        identity.EventIdentityChanged,
			Snapshot:    identity.Snapshot{Email: "ann@example.com", Role: identity.RoleCustomer},
			Provisional: true,
		})
	}
	dispatcher.Publish(identity.Event{
		BrowserID: "browser-5",
		Kind:      identity.EventIdentityChanged,
		Snapshot:  identity.Snapshot{Email: "ann@example.com", Role: identity.RoleAdmin},
	})

	if got := len(stream); got != realtimeBufferSize {
		t.Fatalf("expected a full buffer of %d events, got %d", realtimeBufferSize, got)
	}
	var last identity.Event
	for len(stream) > 0 {
		last = <-stream
	}
	if last.Provisional || last.Snapshot.Role != identity.RoleAdmin {
		t.Fatalf("expected final admin event last, got %+v", last)
	}
}
