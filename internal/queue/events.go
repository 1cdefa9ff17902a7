package queue

import (
	"context"

	"github.com/ahrav/go-evalpipe/pkg/events"
)

// EventJobDeadLettered is emitted when a job exhausts its retries.
const EventJobDeadLettered = "queue.job_dead_lettered"

// JobDeadLettered is the payload of EventJobDeadLettered.
type JobDeadLettered struct {
	JobID      string `json:"job_id"`
	Queue      string `json:"queue"`
	RetryCount int    `json:"retry_count"`
	Reason     string `json:"reason"`
}

func (b *Broker) emitDeadLettered(ctx context.Context, d *Delivery, reason string) {
	ev := events.Event{
		Type:           EventJobDeadLettered,
		SubjectID:      d.Job.SubjectID,
		IdempotencyKey: "dlq:" + d.MessageID,
		Payload: JobDeadLettered{
			JobID:      d.Job.ID,
			Queue:      d.Queue,
			RetryCount: d.Job.RetryCount,
			Reason:     reason,
		},
	}
	if d.Job.Batch != nil {
		ev.BatchID = d.Job.Batch.BatchID
	}
	b.emitter.Emit(ctx, ev)
}
