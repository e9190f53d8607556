// Package history journals worker lifecycle events so a user can
// reconstruct why the supervisor is in the state it is in.
package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart      EventType = "start"
	EventStop       EventType = "stop"
	EventCrash      EventType = "crash"
	EventTransition EventType = "transition"
)

// Event is one recorded lifecycle occurrence.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	PID        int       `json:"pid"`
	State      string    `json:"state"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for lifecycle events. Implementations must be
// safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}
