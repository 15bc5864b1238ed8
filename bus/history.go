package bus

import "github.com/petal-labs/mcpfleet/ring"

// History keeps the most recent events for replay to late subscribers.
type History struct {
	events *ring.Buffer[Event]
}

// NewHistory creates a history holding up to capacity events (default 1024).
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 1024
	}
	return &History{events: ring.New[Event](capacity)}
}

// Handle records one event.
func (h *History) Handle(event Event) {
	h.events.Add(event)
}

// List returns held events with Seq > afterSeq, optionally filtered to one
// tool ("" means every tool). limit <= 0 means no limit.
func (h *History) List(tool string, afterSeq uint64, limit int) []Event {
	var out []Event
	for _, event := range h.events.Snapshot() {
		if event.Seq <= afterSeq {
			continue
		}
		if tool != "" && event.Tool != tool {
			continue
		}
		out = append(out, event)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Pump feeds every event from sub to the handlers until the subscription is
// closed.
func Pump(sub Subscription, handlers ...func(Event)) {
	for event := range sub.Events() {
		for _, handle := range handlers {
			handle(event)
		}
	}
}
