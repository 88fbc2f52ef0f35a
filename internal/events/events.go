package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobEvent describes a single status transition of a job. It carries a
// flattened snapshot of the job taken right after the transition.
type JobEvent struct {
	// ID is a unique identifier for this event
	ID uuid.UUID `json:"id"`

	JobID      uuid.UUID `json:"job_id"`
	JobType    string    `json:"job_type"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Terminal   bool      `json:"terminal"`
	Priority   int       `json:"priority"`
	Attempt    int       `json:"attempt"`
	MaxRetries int       `json:"max_retries"`
	Error      string    `json:"error,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// OccurredAt is when the transition was applied
	OccurredAt time.Time `json:"occurred_at"`
}

// EventHandler defines an interface for components that can handle events.
type EventHandler interface {
	// HandleEvent processes the given event. Implementations are called
	// synchronously from queue code paths and must not block on I/O.
	HandleEvent(ctx context.Context, event *JobEvent) error
}

// EventHandlerFunc adapts a plain function to EventHandler.
type EventHandlerFunc func(ctx context.Context, event *JobEvent) error

// HandleEvent calls f.
func (f EventHandlerFunc) HandleEvent(ctx context.Context, event *JobEvent) error {
	return f(ctx, event)
}

// EventEmitter defines an interface for components that can emit events.
// This allows the queue to publish transitions without knowledge of handlers.
type EventEmitter interface {
	// EmitEvent publishes the given event to all registered handlers.
	EmitEvent(ctx context.Context, event *JobEvent) error
}
