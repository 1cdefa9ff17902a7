package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Handler processes one delivery. A nil return acknowledges the message;
// an error triggers the retry policy.
type Handler interface {
	Handle(ctx context.Context, d *Delivery) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, d *Delivery) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, d *Delivery) error { return f(ctx, d) }

// Consume runs one consumer slot on queue until ctx is cancelled. The slot
// holds at most one unacknowledged message at a time: it reserves, runs the
// handler to completion and acks or fails the message before reserving the
// next. Consume returns nil on cancellation and ErrBrokerUnavailable if the
// connection cannot be recovered.
func (b *Broker) Consume(ctx context.Context, queue string, h Handler) error {
	if err := b.checkQueue(queue); err != nil {
		return err
	}

	consumerID := b.workerID + ":" + uuid.NewString()[:8]
	logger := b.logger.With("queue", queue, "consumer", consumerID)
	logger.Info("consumer started")
	defer logger.Info("consumer stopped")

	stopBeat := b.startHeartbeat(ctx, queue, consumerID)
	defer stopBeat()

	for {
		if ctx.Err() != nil {
			return nil
		}

		d, err := b.reserve(ctx, queue)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrBrokerUnavailable) {
				logger.Error("consumer giving up", "error", err)
				return err
			}
			logger.Warn("reserve failed", "error", err)
			if sleepCtx(ctx, b.cfg.PollInterval) != nil {
				return nil
			}
			continue
		}
		if d == nil {
			if sleepCtx(ctx, b.cfg.PollInterval) != nil {
				return nil
			}
			continue
		}

		b.dispatch(ctx, h, d)
	}
}

// dispatch runs the handler and settles the delivery. Settlement uses a
// context detached from cancellation so a shutdown mid-job still records
// the outcome.
func (b *Broker) dispatch(ctx context.Context, h Handler, d *Delivery) {
	logger := b.logger.With("queue", d.Queue, "message_id", d.MessageID, "job_id", d.Job.ID, "attempt", d.Attempt)

	herr := safeHandle(ctx, h, d)

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if herr == nil {
		if err := b.ack(settleCtx, d.Queue, d.MessageID); err != nil {
			logger.Error("ack failed, message will be redelivered after lease expiry", "error", err)
		}
		return
	}

	if err := b.fail(settleCtx, d, herr); err != nil {
		logger.Error("failure settlement failed, message will be redelivered after lease expiry", "error", err)
	}
}

func safeHandle(ctx context.Context, h Handler, d *Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, d)
}

// startHeartbeat registers the consumer and keeps its heartbeat fresh for
// the life of the slot, including while a handler runs. The returned
// function stops the heartbeat and deregisters the consumer.
func (b *Broker) startHeartbeat(ctx context.Context, queue, consumerID string) func() {
	b.heartbeat(ctx, queue, consumerID)

	beatCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(b.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-beatCtx.Done():
				return
			case <-ticker.C:
				b.heartbeat(beatCtx, queue, consumerID)
			}
		}
	}()

	return func() {
		cancel()
		<-done
		b.removeConsumer(queue, consumerID)
	}
}

func (b *Broker) heartbeat(ctx context.Context, queue, consumerID string) {
	c, err := b.conn()
	if err != nil {
		return
	}
	if err := c.ZAdd(ctx, b.keys(queue).consumers, redis.Z{Score: float64(b.nowMs()), Member: consumerID}).Err(); err != nil {
		b.logger.Debug("heartbeat failed", "queue", queue, "error", err)
	}
}

func (b *Broker) removeConsumer(queue, consumerID string) {
	c, err := b.conn()
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	_ = c.ZRem(ctx, b.keys(queue).consumers, consumerID).Err()
}
