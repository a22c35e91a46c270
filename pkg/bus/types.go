package bus

import (
	"context"
	"time"
)

type EventType string

const (
	EventCycleStarted        EventType = "cycle_started"
	EventCycleCompleted      EventType = "cycle_completed"
	EventChannelDelivered    EventType = "channel_delivered"
	EventChannelFailed       EventType = "channel_failed"
	EventDispatchCompleted   EventType = "dispatch_completed"
	EventSubscriptionChanged EventType = "subscription_changed"
	EventWebhookRegistered   EventType = "webhook_registered"
	EventStepFailed          EventType = "step_failed"
)

type Event struct {
	Type       EventType         `json:"type"`
	At         time.Time         `json:"at"`
	CycleID    string            `json:"cycle_id,omitempty"`
	Dispatcher string            `json:"dispatcher,omitempty"`
	Channel    string            `json:"channel,omitempty"`
	Payload    map[string]string `json:"payload,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// Publisher is the publishing half of the bus. Components take it so a nil
// bus can be replaced by Discard.
type Publisher interface {
	PublishEvent(ctx context.Context, event Event) bool
}
