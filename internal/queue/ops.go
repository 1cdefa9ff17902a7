package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ahrav/go-evalpipe/internal/domain"
)

// Enqueue durably stores job on queue at the given priority and returns the
// message ID. The message body and its pending index are written in one
// transaction, so a returned message is never lost or half-visible.
func (b *Broker) Enqueue(ctx context.Context, queue string, job domain.Job, priority int) (string, error) {
	if err := b.checkQueue(queue); err != nil {
		return "", err
	}
	job.Priority = clampPriority(priority)
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = b.now().UTC()
	}
	if err := job.Validate(); err != nil {
		return "", err
	}

	msg := &message{ID: uuid.NewString(), Queue: queue, Job: job, EnqueuedAt: b.now().UTC()}
	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}

	k := b.keys(queue)
	err = b.withConn(ctx, func(c *redis.Client) error {
		seq, err := c.Incr(ctx, b.seqKey()).Result()
		if err != nil {
			return err
		}
		_, err = c.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, k.messages, msg.ID, body)
			p.ZAdd(ctx, k.pending, redis.Z{Score: pendingScore(job.Priority, seq), Member: msg.ID})
			return nil
		})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", queue, err)
	}

	b.logger.Debug("job enqueued",
		"queue", queue,
		"message_id", msg.ID,
		"job_id", job.ID,
		"priority", job.Priority)
	return msg.ID, nil
}

// reserve leases the next message on queue. It returns nil, nil when the
// queue is empty.
func (b *Broker) reserve(ctx context.Context, queue string) (*Delivery, error) {
	k := b.keys(queue)
	deadline := b.now().Add(b.cfg.LeaseTimeout).UnixMilli()

	var res []any
	err := b.withConn(ctx, func(c *redis.Client) error {
		out, err := reserveScript.Run(ctx, c, []string{k.pending, k.inflight, k.messages}, deadline).Slice()
		if errors.Is(err, redis.Nil) {
			res = nil
			return nil
		}
		res = out
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(res) != 2 {
		return nil, nil
	}

	id, _ := res[0].(string)
	body, _ := res[1].(string)
	msg, err := decodeMessage(body)
	if err != nil {
		// Unreadable bodies can never succeed; drop them.
		b.logger.Error("dropping undecodable message", "queue", queue, "message_id", id, "error", err)
		_ = b.ack(ctx, queue, id)
		return nil, nil
	}

	return &Delivery{
		MessageID: id,
		Queue:     queue,
		Job:       msg.Job,
		Attempt:   msg.Job.RetryCount + 1,
	}, nil
}

// ack removes a message permanently.
func (b *Broker) ack(ctx context.Context, queue, messageID string) error {
	k := b.keys(queue)
	return b.withConn(ctx, func(c *redis.Client) error {
		_, err := c.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.ZRem(ctx, k.inflight, messageID)
			p.HDel(ctx, k.messages, messageID)
			return nil
		})
		return err
	})
}

// fail applies the retry policy to a failed delivery: resubmit a copy with
// RetryCount+1 at the original priority while retries remain, otherwise
// dead-letter it. Either way the original message is acknowledged in the
// same transaction.
func (b *Broker) fail(ctx context.Context, d *Delivery, cause error) error {
	if d.Job.RetryCount < b.cfg.MaxRetries {
		return b.resubmit(ctx, d, cause)
	}
	return b.deadLetter(ctx, d, cause)
}

func (b *Broker) resubmit(ctx context.Context, d *Delivery, cause error) error {
	job := d.Job
	job.RetryCount++

	msg := &message{ID: uuid.NewString(), Queue: d.Queue, Job: job, EnqueuedAt: b.now().UTC()}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	k := b.keys(d.Queue)
	err = b.withConn(ctx, func(c *redis.Client) error {
		seq, err := c.Incr(ctx, b.seqKey()).Result()
		if err != nil {
			return err
		}
		_, err = c.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, k.messages, msg.ID, body)
			p.ZAdd(ctx, k.pending, redis.Z{Score: pendingScore(job.Priority, seq), Member: msg.ID})
			p.ZRem(ctx, k.inflight, d.MessageID)
			p.HDel(ctx, k.messages, d.MessageID)
			return nil
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("resubmit %s: %w", d.MessageID, err)
	}

	b.logger.Warn("job failed, resubmitted",
		"queue", d.Queue,
		"job_id", job.ID,
		"retry_count", job.RetryCount,
		"max_retries", b.cfg.MaxRetries,
		"error", cause)
	return nil
}

func (b *Broker) deadLetter(ctx context.Context, d *Delivery, cause error) error {
	payload, err := json.Marshal(d.Job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	reason := ErrJobRetryExceeded.Error()
	if cause != nil {
		reason = fmt.Sprintf("%s: %s", ErrJobRetryExceeded, errorClass(cause))
	}

	fields := map[string]any{
		"original_message_id": d.MessageID,
		"original_queue":      d.Queue,
		"reason":              reason,
		"moved_at":            b.now().UTC().Format(time.RFC3339),
		"worker_id":           b.workerID,
		"jobId":               d.Job.ID,
		"retry_count":         d.Job.RetryCount,
		"payload":             string(payload),
	}

	k := b.keys(d.Queue)
	err = b.withConn(ctx, func(c *redis.Client) error {
		_, err := c.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.XAdd(ctx, &redis.XAddArgs{Stream: k.dlq, Values: fields})
			p.ZRem(ctx, k.inflight, d.MessageID)
			p.HDel(ctx, k.messages, d.MessageID)
			return nil
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("dead-letter %s: %w", d.MessageID, err)
	}

	b.logger.Error("job dead-lettered",
		"queue", d.Queue,
		"job_id", d.Job.ID,
		"subject_id", d.Job.SubjectID,
		"retry_count", d.Job.RetryCount,
		"reason", reason)
	b.emitDeadLettered(ctx, d, reason)
	return nil
}

// Reclaim returns messages whose lease has expired to the pending set so
// another consumer can pick them up. It returns how many were reclaimed.
func (b *Broker) Reclaim(ctx context.Context, queue string) (int, error) {
	if err := b.checkQueue(queue); err != nil {
		return 0, err
	}

	const batch = 100
	k := b.keys(queue)

	var ids []string
	err := b.withConn(ctx, func(c *redis.Client) error {
		out, err := reclaimScript.Run(ctx, c,
			[]string{k.inflight, k.pending, k.messages, b.seqKey()},
			b.nowMs(), batch, int64(priorityScale)).StringSlice()
		ids = out
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("reclaim %s: %w", queue, err)
	}

	if len(ids) > 0 {
		b.logger.Warn("expired leases reclaimed", "queue", queue, "count", len(ids))
	}
	return len(ids), nil
}

// errorClass names a failure without leaking its message.
func errorClass(err error) string {
	type classifier interface{ Class() string }
	var c classifier
	if errors.As(err, &c) {
		return c.Class()
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "processing_failed"
	}
}
