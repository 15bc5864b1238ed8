// Package bus distributes fleet lifecycle events (instance and session state
// transitions, health checks, discovery diffs) from the components that make
// them to observers such as the SSE stream and the metrics handler.
package bus

// Publisher accepts events. Components depend on this narrow interface.
type Publisher interface {
	Publish(event Event)
}

// EventBus distributes events to subscribers.
type EventBus interface {
	Publisher

	// Subscribe registers a subscriber for one tool's events.
	// Returns a Subscription that must be closed when done.
	Subscribe(tool string) Subscription

	// SubscribeAll registers a subscriber that receives every event.
	// Returns a Subscription that must be closed when done.
	SubscribeAll() Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives events.
type Subscription interface {
	// Events returns a channel of events for this subscription.
	Events() <-chan Event

	// Close unsubscribes and releases resources.
	Close() error
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// OrDiscard returns p, or Discard when p is nil.
func OrDiscard(p Publisher) Publisher {
	if p == nil {
		return Discard
	}
	return p
}
