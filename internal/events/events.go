package events

import (
	"time"
)

// Kind enumerates the event kinds the gateway emits. Sinks switch on
// these constants; there is no string-pattern subscription.
type Kind string

const (
	CanaryStarted  Kind = "canary:started"
	CanaryPromote  Kind = "canary:promote"
	CanaryComplete Kind = "canary:complete"
	CanaryRollback Kind = "canary:rollback"
	CanaryPaused   Kind = "canary:paused"
	CanaryResumed  Kind = "canary:resumed"

	CircuitOpen     Kind = "circuit:open"
	CircuitHalfOpen Kind = "circuit:half-open"
	CircuitClose    Kind = "circuit:close"

	RateLimitExceeded Kind = "rate-limit:exceeded"

	RouteError   Kind = "route:error"
	RouteTimeout Kind = "route:timeout"
)

// Event is a structured notification emitted by gateway components.
type Event struct {
	Kind      Kind                   `json:"kind"`
	Timestamp time.Time              `json:"timestamp"`
	Route     string                 `json:"route,omitempty"`
	Service   string                 `json:"service,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// New creates an Event stamped with the current time.
func New(kind Kind, route, service string, data map[string]interface{}) Event {
	return Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Route:     route,
		Service:   service,
		Data:      data,
	}
}

// Sink receives gateway events. Publish is called on request and control
// paths, so implementations must not block.
type Sink interface {
	Publish(Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Publish(Event) {}
