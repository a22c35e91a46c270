// Package bus fans bridge events out to in-process observers such as the
// status endpoint and metrics.
package bus

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 100

// EventBus delivers each published event to every subscriber whose filter
// matches. Delivery never blocks: a full subscriber buffer drops the event.
type EventBus struct {
	mu     sync.RWMutex
	subs   []*subscription
	closed bool

	dropped atomic.Uint64
}

type subscription struct {
	ch    chan Event
	types []EventType
	stop  func() bool
}

func (s *subscription) wants(t EventType) bool {
	return len(s.types) == 0 || slices.Contains(s.types, t)
}

func New() *EventBus {
	return &EventBus{}
}

// Dropped returns how many deliveries were skipped because a subscriber
// buffer was full.
func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscription channel. Publishing after Close fails.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, sub := range b.subs {
		sub.stop()
		close(sub.ch)
	}
	b.subs = nil
}

// SubscribeEvents registers a subscriber for the given event types, or for
// all events when types is empty. The channel closes on unsubscribe, when ctx
// is done, or on Close.
func (b *EventBus) SubscribeEvents(ctx context.Context, buffer int, types ...EventType) (<-chan Event, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	sub := &subscription{
		ch:    make(chan Event, buffer),
		types: slices.Clone(types),
	}

	b.mu.Lock()
	if b.closed || ctx.Err() != nil {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs = append(b.subs, sub)
	unsubscribe := func() { b.remove(sub) }
	sub.stop = context.AfterFunc(ctx, unsubscribe)
	b.mu.Unlock()

	return sub.ch, unsubscribe
}

func (b *EventBus) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := slices.Index(b.subs, sub)
	if i < 0 {
		return
	}
	b.subs = slices.Delete(b.subs, i, i+1)
	sub.stop()
	close(sub.ch)
}
