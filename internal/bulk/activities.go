package bulk

import (
	"context"
	"errors"
	"strconv"

	"github.com/ahrav/go-evalpipe/internal/domain"
	"github.com/ahrav/go-evalpipe/pkg/activity"
	"github.com/ahrav/go-evalpipe/pkg/events"
)

// EventChunkDispatched is emitted after each non-empty chunk.
const EventChunkDispatched = "bulk.chunk_dispatched"

// Activities exposes the dispatcher to Temporal.
type Activities struct {
	activity.BaseActivities
	dispatcher *Dispatcher
}

// NewActivities creates the bulk activities.
func NewActivities(base activity.BaseActivities, d *Dispatcher) *Activities {
	return &Activities{BaseActivities: base, dispatcher: d}
}

// DispatchChunk is the Temporal activity wrapping Dispatcher.DispatchChunk.
// An unknown batch is non-retryable; everything else is left to the
// activity retry policy.
func (a *Activities) DispatchChunk(ctx context.Context, in ChunkInput) (*ChunkResult, error) {
	if in.BatchID == "" || in.Offset < 0 {
		return nil, activity.NonRetryable("Validation", domain.ErrInvalidBatch, "invalid chunk input")
	}

	a.RecordHeartbeat(ctx, in.Offset)
	res, err := a.dispatcher.DispatchChunk(ctx, in)
	if errors.Is(err, domain.ErrBatchNotFound) {
		return nil, activity.NonRetryable("BatchNotFound", err, "batch not found")
	}
	if err != nil {
		activity.SafeLogError(ctx, "bulk chunk dispatch failed", "batch_id", in.BatchID, "offset", in.Offset, "error", err)
		return nil, activity.Retryable("Dispatch", err, "dispatch chunk at offset %d", in.Offset)
	}

	activity.SafeLog(ctx, "bulk chunk dispatched",
		"batch_id", in.BatchID,
		"dispatched", res.Dispatched,
		"next", res.Next,
		"throttled", res.Throttled)

	if res.Dispatched > 0 {
		a.EmitEvent(ctx, events.Event{
			Type:           EventChunkDispatched,
			BatchID:        in.BatchID,
			IdempotencyKey: chunkKey(in),
			Payload:        res,
		})
	}
	return &res, nil
}

func chunkKey(in ChunkInput) string {
	return "bulk:" + in.BatchID + ":" + strconv.Itoa(in.Offset)
}
