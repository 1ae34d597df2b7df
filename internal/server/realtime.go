package server

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/storefront-session/internal/identity"
)

const (
	realtimeEventHeartbeat = "heartbeat"
	realtimeBufferSize     = 16
)

// RealtimeDispatcher fans identity events out to the observers of one browser.
// A slow subscriber loses its oldest buffered events, never the newest one,
// and never blocks a commit.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	mu     sync.Mutex
	stream chan identity.Event
}

// deliver enqueues event, evicting the oldest buffered event when full.
func (s *realtimeSubscriber) deliver(event identity.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		select {
		case s.stream <- event:
			return
		default:
		}
		select {
		case <-s.stream:
		default:
		}
	}
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  realtimeBufferSize,
	}
}

// Subscribe registers an observer for browserID until ctx ends or cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, browserID string) (<-chan identity.Event, func()) {
	if browserID == "" {
		ch := make(chan identity.Event)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan identity.Event, d.bufferSize),
	}
	d.registerSubscriber(browserID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(browserID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the event to every observer of its browser.
func (d *RealtimeDispatcher) Publish(event identity.Event) {
	if event.BrowserID == "" || event.Kind == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.BrowserID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		subscriber.deliver(event)
	}
}

// SubscriberCount reports the observers registered for browserID.
func (d *RealtimeDispatcher) SubscriberCount(browserID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[browserID])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(browserID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[browserID]; !ok {
		d.subscribers[browserID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[browserID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(browserID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[browserID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, browserID)
		}
	}
	d.mu.Unlock()
}
