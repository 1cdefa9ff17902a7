// Package bulk dispatches large batches to the bulk_processing queue in
// bounded chunks. Dispatch applies backpressure on the queue's pending depth
// and runs either in-process (Run, LocalStarter) or as Temporal activities
// driven by a durable workflow.
package bulk

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ahrav/go-evalpipe/internal/configuration"
	"github.com/ahrav/go-evalpipe/internal/domain"
	"github.com/ahrav/go-evalpipe/internal/queue"
	"github.com/ahrav/go-evalpipe/internal/store"
)

// Broker is the subset of the queue broker the dispatcher uses.
type Broker interface {
	Enqueue(ctx context.Context, queue string, job domain.Job, priority int) (string, error)
	QueueDepth(ctx context.Context, queue string) (queue.Depth, error)
}

// ChunkInput selects the members [Offset, Offset+Limit) of a batch. A zero
// Limit uses the configured chunk size.
type ChunkInput struct {
	BatchID string `json:"batch_id"`
	Offset  int    `json:"offset"`
	Limit   int    `json:"limit,omitempty"`
}

// ChunkResult reports what one dispatch did.
type ChunkResult struct {
	BatchID    string `json:"batch_id"`
	Offset     int    `json:"offset"`
	Next       int    `json:"next"`
	Dispatched int    `json:"dispatched"`
	Skipped    int    `json:"skipped"`
	Total      int    `json:"total"`

	// Throttled is set when the queue was too deep to accept any job; Next
	// equals Offset and the caller should wait before retrying.
	Throttled bool `json:"throttled"`

	Done bool `json:"done"`
}

// Dispatcher enqueues batch members chunk by chunk.
type Dispatcher struct {
	store  store.Store
	broker Broker
	cfg    configuration.BulkConfig
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error
	logger *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(s store.Store, b Broker, cfg configuration.BulkConfig) *Dispatcher {
	return &Dispatcher{
		store:  s,
		broker: b,
		cfg:    cfg,
		now:    time.Now,
		sleep:  sleepCtx,
		logger: slog.Default().With("component", "bulk_dispatcher"),
	}
}

// DispatchChunk enqueues up to one chunk of members starting at Offset.
// The chunk shrinks to fit under the bulk queue's pending ceiling. Members
// that are already terminal are skipped, so re-dispatching a range after a
// crash does not redo finished work.
func (d *Dispatcher) DispatchChunk(ctx context.Context, in ChunkInput) (ChunkResult, error) {
	batch, err := d.store.LoadBatch(ctx, in.BatchID)
	if err != nil {
		return ChunkResult{}, fmt.Errorf("load batch %s: %w", in.BatchID, err)
	}

	res := ChunkResult{BatchID: in.BatchID, Offset: in.Offset, Next: in.Offset, Total: batch.TotalCount}
	if in.Offset >= batch.TotalCount {
		res.Next = batch.TotalCount
		res.Done = true
		return res, nil
	}

	depth, err := d.broker.QueueDepth(ctx, domain.QueueBulk)
	if err != nil {
		return ChunkResult{}, fmt.Errorf("bulk queue depth: %w", err)
	}
	room := d.cfg.MaxPending - depth.Pending
	if room <= 0 {
		res.Throttled = true
		d.logger.Info("bulk queue saturated, chunk deferred",
			"batch_id", in.BatchID, "offset", in.Offset, "pending", depth.Pending)
		return res, nil
	}

	limit := in.Limit
	if limit <= 0 {
		limit = d.cfg.ChunkSize
	}
	limit = min(limit, batch.TotalCount-in.Offset, int(room))

	members, err := d.store.LoadBatchMembers(ctx, in.BatchID)
	if err != nil {
		return ChunkResult{}, fmt.Errorf("load members %s: %w", in.BatchID, err)
	}

	now := d.now().UTC()
	for pos := in.Offset; pos < in.Offset+limit; pos++ {
		if pos < len(members) && members[pos].Status.Terminal() {
			res.Skipped++
			res.Next = pos + 1
			continue
		}

		subjectID := batch.SubjectIDs[pos]
		subject, err := d.store.LoadSubject(ctx, subjectID)
		if err != nil {
			return res, fmt.Errorf("load subject %s: %w", subjectID, err)
		}

		job := batch.MemberJob(subjectID, subject.Document, pos, now)
		if _, err := d.broker.Enqueue(ctx, domain.QueueBulk, job, batch.Priority); err != nil {
			return res, fmt.Errorf("enqueue member %d of %s: %w", pos, in.BatchID, err)
		}
		res.Dispatched++
		res.Next = pos + 1
	}

	res.Done = res.Next >= batch.TotalCount
	d.logger.Debug("bulk chunk dispatched",
		"batch_id", in.BatchID,
		"offset", in.Offset,
		"dispatched", res.Dispatched,
		"skipped", res.Skipped,
		"next", res.Next)
	return res, nil
}

// Run dispatches chunks from offset until the batch is exhausted, ctx ends
// or MaxChunksPerRun chunks have been attempted, waiting ChunkDelay between
// chunks. It returns the offset to resume from.
func (d *Dispatcher) Run(ctx context.Context, batchID string, offset int) (next int, done bool, err error) {
	next = offset
	for chunk := 0; chunk < d.cfg.MaxChunksPerRun; chunk++ {
		res, err := d.DispatchChunk(ctx, ChunkInput{BatchID: batchID, Offset: next})
		if err != nil {
			return max(next, res.Next), false, err
		}
		next = res.Next
		if res.Done {
			d.logger.Info("bulk dispatch finished", "batch_id", batchID, "total", res.Total)
			return next, true, nil
		}

		if err := d.sleep(ctx, d.cfg.ChunkDelay); err != nil {
			return next, false, err
		}
	}
	return next, false, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
