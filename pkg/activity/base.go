// Package activity provides common infrastructure for Temporal activity
// implementations: workflow context extraction, safe logging, heartbeats and
// best-effort event emission that work both inside an activity and in plain
// unit tests.
package activity

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/ahrav/go-evalpipe/pkg/events"
)

// WorkflowContext contains metadata extracted from the Temporal activity context.
type WorkflowContext struct {
	WorkflowID string
	RunID      string
	ActivityID string
	Attempt    int32
}

// BaseActivities provides common infrastructure for all activity types.
type BaseActivities struct {
	emitter *events.Emitter
}

// NewBaseActivities creates a BaseActivities emitting as source. The sink
// can be nil when event emission is not needed.
func NewBaseActivities(sink events.EventSink, source string) BaseActivities {
	return BaseActivities{emitter: events.NewEmitter(sink, source)}
}

// GetWorkflowContext safely extracts workflow context from the activity context.
// Outside an activity (where activity.GetInfo panics) it returns test IDs.
func (b *BaseActivities) GetWorkflowContext(ctx context.Context) WorkflowContext {
	var wfCtx WorkflowContext

	func() {
		defer func() {
			if r := recover(); r != nil {
				wfCtx.WorkflowID = "test-workflow"
				wfCtx.RunID = "test-run-" + uuid.New().String()[:8]
				wfCtx.ActivityID = "test-activity"
				wfCtx.Attempt = 1
			}
		}()

		info := activity.GetInfo(ctx)
		wfCtx.WorkflowID = info.WorkflowExecution.ID
		wfCtx.RunID = info.WorkflowExecution.RunID
		wfCtx.ActivityID = info.ActivityID
		wfCtx.Attempt = info.Attempt
	}()

	return wfCtx
}

// EmitEvent stamps ev with the workflow identifiers and emits it
// best-effort. Failures are logged, never returned.
func (b *BaseActivities) EmitEvent(ctx context.Context, ev events.Event) {
	wf := b.GetWorkflowContext(ctx)
	ev.WorkflowID = wf.WorkflowID
	ev.RunID = wf.RunID
	b.emitter.Emit(ctx, ev)
}

// RecordHeartbeat safely records a heartbeat in the Temporal activity context.
func (b *BaseActivities) RecordHeartbeat(ctx context.Context, details ...any) {
	RecordHeartbeat(ctx, details...)
}

// NonRetryable wraps cause as a Temporal application error that stops retries.
// tag categorizes the error for the workflow.
func NonRetryable(tag string, cause error, msg string) error {
	return temporal.NewNonRetryableApplicationError(msg, tag, cause)
}

// Retryable wraps cause as a Temporal application error eligible for retry.
func Retryable(tag string, cause error, format string, args ...any) error {
	return temporal.NewApplicationErrorWithCause(fmt.Sprintf(format, args...), tag, cause)
}

// SafeLog logs through the activity logger; outside an activity it is a no-op.
func SafeLog(ctx context.Context, msg string, keyvals ...any) {
	defer func() {
		if recover() != nil {
			// Not an activity context, ignore
		}
	}()
	activity.GetLogger(ctx).Info(msg, keyvals...)
}

// SafeLogError logs at error level through the activity logger; outside an
// activity it is a no-op.
func SafeLogError(ctx context.Context, msg string, keyvals ...any) {
	defer func() {
		if recover() != nil {
			// Not an activity context, ignore
		}
	}()
	activity.GetLogger(ctx).Error(msg, keyvals...)
}

// RecordHeartbeat safely records activity heartbeat with details.
func RecordHeartbeat(ctx context.Context, details ...any) {
	defer func() {
		if recover() != nil {
			// Not an activity context, ignore
		}
	}()
	activity.RecordHeartbeat(ctx, details...)
}
