package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is stamped on every envelope built by an Emitter.
const SchemaVersion = "1.0.0"

// Emitter builds envelopes for one source component and delivers them
// best-effort: one short retry, failures logged and swallowed.
type Emitter struct {
	sink   EventSink
	source string
	now    func() time.Time
	logger *slog.Logger
}

// NewEmitter creates an emitter. A nil sink disables emission.
func NewEmitter(sink EventSink, source string) *Emitter {
	if sink == nil {
		sink = NewNoOpEventSink()
	}
	return &Emitter{
		sink:   sink,
		source: source,
		now:    time.Now,
		logger: slog.Default().With("component", "events", "source", source),
	}
}

// Event describes one emission.
type Event struct {
	Type           string
	SubjectID      string
	BatchID        string
	IdempotencyKey string
	WorkflowID     string
	RunID          string
	Payload        any
}

// Emit wraps ev in an envelope and appends it to the sink.
func (e *Emitter) Emit(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		e.logger.Warn("event payload not serializable", "event_type", ev.Type, "error", err)
		return
	}

	env := Envelope{
		ID:             uuid.NewString(),
		Type:           ev.Type,
		Source:         e.source,
		Version:        SchemaVersion,
		Timestamp:      e.now().UTC(),
		IdempotencyKey: ev.IdempotencyKey,
		SubjectID:      ev.SubjectID,
		BatchID:        ev.BatchID,
		WorkflowID:     ev.WorkflowID,
		RunID:          ev.RunID,
		Payload:        payload,
	}

	const maxAttempts = 2
	const retryDelay = 200 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				e.logger.Warn("event emission cancelled", "event_type", ev.Type)
				return
			}
		}
		if lastErr = e.sink.Append(ctx, env); lastErr == nil {
			e.logger.Debug("event emitted", "event_type", ev.Type, "idempotency_key", ev.IdempotencyKey)
			return
		}
	}

	e.logger.Warn("event emission failed",
		"event_type", ev.Type,
		"attempts", maxAttempts,
		"error", lastErr)
}
