package history

import (
	"context"
	"time"
)

// EventType defines the kind of engine event.
type EventType string

const (
	EventDriverStart EventType = "driver_start"
	EventDriverStop  EventType = "driver_stop"
	EventDriverCrash EventType = "driver_crash"
	EventRunStart    EventType = "run_start"
	EventRunFinish   EventType = "run_finish"
	EventIteration   EventType = "iteration"
)

// Event represents one engine event to be exported to external systems.
// Driver events fill Capability and PID; run events fill Goal, Iteration and
// Outcome. Detail carries free-form context such as an error message.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Capability string    `json:"capability,omitempty"`
	PID        int       `json:"pid,omitempty"`
	Goal       string    `json:"goal,omitempty"`
	Iteration  int       `json:"iteration,omitempty"`
	Outcome    string    `json:"outcome,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
