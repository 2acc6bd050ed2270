// Package realtime fans accepted alerts out to currently connected clients.
// Delivery is fire-and-forget: a publish with no subscribers is dropped, and
// a slow subscriber loses messages rather than blocking the pipeline.
package realtime

import (
	"context"
	"sync"
	"time"
)

const defaultBufferSize = 16

// AlertEvent is the payload delivered to live subscribers. It mirrors the
// persisted notification record so clients need no follow-up fetch.
type AlertEvent struct {
	NotificationID string    `json:"notification_id"`
	OwnerID        string    `json:"owner_id"`
	FarmID         string    `json:"farm_id"`
	Severity       string    `json:"severity"`
	Category       string    `json:"category"`
	Message        string    `json:"message"`
	Advice         string    `json:"advice"`
	CreatedAt      time.Time `json:"created_at"`
}

// Broadcaster maintains a registry of per-owner subscriber channels.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
	onDrop      func()
}

type subscriber struct {
	id     int64
	stream chan AlertEvent
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithBufferSize overrides the per-subscriber channel capacity.
func WithBufferSize(size int) Option {
	return func(b *Broadcaster) {
		if size > 0 {
			b.bufferSize = size
		}
	}
}

// WithDropCallback registers a hook invoked whenever a message is dropped
// because a subscriber's buffer is full. Used to feed the drop counter.
func WithDropCallback(onDrop func()) Option {
	return func(b *Broadcaster) {
		b.onDrop = onDrop
	}
}

// NewBroadcaster constructs an empty broadcaster.
func NewBroadcaster(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  defaultBufferSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a stream scoped to the owner. The stream is removed
// when ctx is cancelled or the returned cleanup runs; either way other
// subscribers are unaffected.
func (b *Broadcaster) Subscribe(ctx context.Context, ownerID string) (<-chan AlertEvent, func()) {
	if ownerID == "" {
		closed := make(chan AlertEvent)
		close(closed)
		return closed, func() {}
	}
	sub := &subscriber{
		id:     b.nextSequence(),
		stream: make(chan AlertEvent, b.bufferSize),
	}
	b.register(ownerID, sub)
	cleanup := func() {
		b.unregister(ownerID, sub.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers the event to every live subscriber of its owner without
// blocking: a full buffer drops the event for that subscriber only.
func (b *Broadcaster) Publish(event AlertEvent) {
	if event.OwnerID == "" {
		return
	}
	b.mu.RLock()
	registered := b.subscribers[event.OwnerID]
	if len(registered) == 0 {
		b.mu.RUnlock()
		return
	}
	targets := make([]*subscriber, 0, len(registered))
	for _, sub := range registered {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.stream <- event:
		default:
			if b.onDrop != nil {
				b.onDrop()
			}
		}
	}
}

// SubscriberCount reports the number of live streams for the owner.
func (b *Broadcaster) SubscriberCount(ownerID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[ownerID])
}

func (b *Broadcaster) nextSequence() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return b.nextID
}

func (b *Broadcaster) register(ownerID string, sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ownerID]; !ok {
		b.subscribers[ownerID] = make(map[int64]*subscriber)
	}
	b.subscribers[ownerID][sub.id] = sub
}

func (b *Broadcaster) unregister(ownerID string, subscriberID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	registered := b.subscribers[ownerID]
	if registered == nil {
		return
	}
	delete(registered, subscriberID)
	if len(registered) == 0 {
		delete(b.subscribers, ownerID)
	}
}
