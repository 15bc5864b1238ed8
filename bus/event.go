package bus

import "time"

// EventKind identifies what changed.
type EventKind string

const (
	// EventInstanceState is published on every tool instance state transition.
	EventInstanceState EventKind = "instance.state"
	// EventRestartScheduled is published when a crashed instance is queued
	// for a backoff restart.
	EventRestartScheduled EventKind = "instance.restart_scheduled"
	// EventSessionState is published on every session state transition.
	EventSessionState EventKind = "session.state"
	// EventHealthCheck is published after each health probe.
	EventHealthCheck EventKind = "health.check"
	// EventDiscovery is published when a discovery scan changes the registry.
	EventDiscovery EventKind = "registry.discovery"
)

// Event is one fleet lifecycle event. Seq is assigned by the bus.
type Event struct {
	Seq       uint64         `json:"seq"`
	Kind      EventKind      `json:"kind"`
	Tool      string         `json:"tool,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	From      string         `json:"from,omitempty"`
	To        string         `json:"to,omitempty"`
	Time      time.Time      `json:"time"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// NewEvent creates an event stamped with the current time.
func NewEvent(kind EventKind, tool string) Event {
	return Event{Kind: kind, Tool: tool, Time: time.Now()}
}

// Transition creates a state transition event.
func Transition(kind EventKind, tool, from, to string) Event {
	e := NewEvent(kind, tool)
	e.From = from
	e.To = to
	return e
}

// WithDetail returns a copy of e with key set in Detail.
func (e Event) WithDetail(key string, value any) Event {
	detail := make(map[string]any, len(e.Detail)+1)
	for k, v := range e.Detail {
		detail[k] = v
	}
	detail[key] = value
	e.Detail = detail
	return e
}
