// Package events provides the generic event infrastructure for pipeline
// lifecycle events. It defines the Envelope type for wrapping domain events
// with consistent metadata and the EventSink interface for delivering them.
package events

import (
	"context"
	"encoding/json"
	"time"
)

// Envelope wraps a lifecycle event with consistent metadata for routing,
// deduplication and correlation.
type Envelope struct {
	// ID uniquely identifies this event instance.
	ID string `json:"id"`

	// Type identifies the event for routing and processing.
	// Examples: "evaluation.completed", "batch.completed"
	Type string `json:"type"`

	// Source identifies the component that emitted this event.
	// Examples: "processor", "ranking", "queue"
	Source string `json:"source"`

	// Version enables schema evolution. Start at "1.0.0".
	Version string `json:"version"`

	// Timestamp records when the event was emitted.
	Timestamp time.Time `json:"timestamp"`

	// IdempotencyKey lets consumers drop duplicates caused by at-least-once
	// redelivery. Derived deterministically from the job and outcome.
	IdempotencyKey string `json:"idempotency_key"`

	// SubjectID and BatchID correlate the event with stored records.
	SubjectID string `json:"subject_id,omitempty"`
	BatchID   string `json:"batch_id,omitempty"`

	// WorkflowID and RunID are set when the event was emitted from a
	// Temporal activity.
	WorkflowID string `json:"workflow_id,omitempty"`
	RunID      string `json:"run_id,omitempty"`

	// Payload contains the event-specific data as JSON.
	Payload json.RawMessage `json:"payload"`
}

// EventSink defines the interface for emitting events to downstream consumers.
//
// Callers must not fail their primary operation because of sink errors.
// Events are important for observability but not critical for correctness.
type EventSink interface {
	// Append adds an event to the sink with best-effort delivery.
	Append(ctx context.Context, envelope Envelope) error
}

// NoOpEventSink is a null implementation of EventSink for testing or when events are disabled.
type NoOpEventSink struct{}

// Append implements EventSink.Append with no-op behavior.
func (n *NoOpEventSink) Append(_ context.Context, _ Envelope) error {
	return nil // Always succeeds
}

// NewNoOpEventSink creates a new no-op event sink.
func NewNoOpEventSink() EventSink {
	return &NoOpEventSink{}
}
