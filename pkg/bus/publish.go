package bus

import (
	"context"
	"time"

	"mailbridge/pkg/metrics"
)

type discard struct{}

func (discard) PublishEvent(context.Context, Event) bool { return true }

// Discard drops every event.
var Discard Publisher = discard{}

// PublishEvent stamps the event and hands it to matching subscribers. It
// reports false when ctx is done or the bus is closed.
func (b *EventBus) PublishEvent(ctx context.Context, event Event) bool {
	if ctx != nil && ctx.Err() != nil {
		return false
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return false
	}

	for _, sub := range b.subs {
		if !sub.wants(event.Type) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
			metrics.RecordDroppedEvent(string(event.Type))
		}
	}

	return true
}
