package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ahrav/go-evalpipe/internal/domain"
)

// Depth is a point-in-time view of a queue.
type Depth struct {
	Queue        string `json:"queue"`
	Pending      int64  `json:"pending"`
	InFlight     int64  `json:"in_flight"`
	Consumers    int64  `json:"consumers"`
	DeadLettered int64  `json:"dead_lettered"`
}

// QueueDepth reports pending, in-flight and dead-lettered counts plus the
// number of consumers that heartbeated within the consumer TTL.
func (b *Broker) QueueDepth(ctx context.Context, queue string) (Depth, error) {
	if err := b.checkQueue(queue); err != nil {
		return Depth{}, err
	}

	k := b.keys(queue)
	since := b.now().Add(-b.cfg.ConsumerTTL).UnixMilli()
	d := Depth{Queue: queue}

	err := b.withConn(ctx, func(c *redis.Client) error {
		var pending, inflight, consumers, dlq *redis.IntCmd
		_, err := c.Pipelined(ctx, func(p redis.Pipeliner) error {
			pending = p.ZCard(ctx, k.pending)
			inflight = p.ZCard(ctx, k.inflight)
			consumers = p.ZCount(ctx, k.consumers, strconv.FormatInt(since, 10), "+inf")
			dlq = p.XLen(ctx, k.dlq)
			return nil
		})
		if err != nil {
			return err
		}
		d.Pending = pending.Val()
		d.InFlight = inflight.Val()
		d.Consumers = consumers.Val()
		d.DeadLettered = dlq.Val()
		return nil
	})
	if err != nil {
		return Depth{}, fmt.Errorf("queue depth %s: %w", queue, err)
	}
	return d, nil
}

// DeadLetter is one dead-lettered job as recorded in the DLQ stream.
type DeadLetter struct {
	ID                string     `json:"id"`
	OriginalMessageID string     `json:"original_message_id"`
	OriginalQueue     string     `json:"original_queue"`
	Reason            string     `json:"reason"`
	MovedAt           time.Time  `json:"moved_at"`
	WorkerID          string     `json:"worker_id"`
	JobID             string     `json:"job_id"`
	RetryCount        int        `json:"retry_count"`
	Job               domain.Job `json:"job"`
}

// DeadLetters returns up to count of the most recent dead letters on queue,
// newest first.
func (b *Broker) DeadLetters(ctx context.Context, queue string, count int64) ([]DeadLetter, error) {
	if err := b.checkQueue(queue); err != nil {
		return nil, err
	}

	var msgs []redis.XMessage
	err := b.withConn(ctx, func(c *redis.Client) error {
		out, err := c.XRevRangeN(ctx, b.keys(queue).dlq, "+", "-", count).Result()
		msgs = out
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("dead letters %s: %w", queue, err)
	}

	out := make([]DeadLetter, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, parseDeadLetter(m))
	}
	return out, nil
}

// ReplayDeadLetter re-enqueues a dead-lettered job with its retry count
// reset and removes the entry from the DLQ stream.
func (b *Broker) ReplayDeadLetter(ctx context.Context, queue, id string) (string, error) {
	if err := b.checkQueue(queue); err != nil {
		return "", err
	}

	dlq := b.keys(queue).dlq
	var msgs []redis.XMessage
	err := b.withConn(ctx, func(c *redis.Client) error {
		out, err := c.XRange(ctx, dlq, id, id).Result()
		msgs = out
		return err
	})
	if err != nil {
		return "", fmt.Errorf("replay %s: %w", id, err)
	}
	if len(msgs) == 0 {
		return "", fmt.Errorf("%w: %s", ErrDeadLetterNotFound, id)
	}

	dl := parseDeadLetter(msgs[0])
	job := dl.Job
	job.RetryCount = 0

	msgID, err := b.Enqueue(ctx, queue, job, job.Priority)
	if err != nil {
		return "", err
	}

	if err := b.withConn(ctx, func(c *redis.Client) error {
		return c.XDel(ctx, dlq, id).Err()
	}); err != nil {
		b.logger.Warn("replayed dead letter not removed", "id", id, "error", err)
	}

	b.logger.Info("dead letter replayed", "queue", queue, "id", id, "job_id", job.ID, "message_id", msgID)
	return msgID, nil
}

func parseDeadLetter(m redis.XMessage) DeadLetter {
	str := func(k string) string {
		s, _ := m.Values[k].(string)
		return s
	}

	dl := DeadLetter{
		ID:                m.ID,
		OriginalMessageID: str("original_message_id"),
		OriginalQueue:     str("original_queue"),
		Reason:            str("reason"),
		WorkerID:          str("worker_id"),
		JobID:             str("jobId"),
	}
	dl.MovedAt, _ = time.Parse(time.RFC3339, str("moved_at"))
	dl.RetryCount, _ = strconv.Atoi(str("retry_count"))
	_ = json.Unmarshal([]byte(str("payload")), &dl.Job)
	return dl
}
