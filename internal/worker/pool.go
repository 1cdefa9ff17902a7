package worker

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ahrav/go-evalpipe/internal/configuration"
	"github.com/ahrav/go-evalpipe/internal/queue"
)

// Consumer is the broker surface the pool drives.
type Consumer interface {
	Queues() []string
	Consume(ctx context.Context, queue string, h queue.Handler) error
	Reclaim(ctx context.Context, queue string) (int, error)
}

// Pool runs the configured number of consumer slots on every queue plus a
// lease reclaimer. Slots are sequential: each handles one job at a time.
type Pool struct {
	consumer Consumer
	handler  queue.Handler
	cfg      configuration.QueueConfig
	logger   *slog.Logger
}

// NewPool creates a pool dispatching deliveries to h.
func NewPool(c Consumer, h queue.Handler, cfg configuration.QueueConfig) *Pool {
	return &Pool{
		consumer: c,
		handler:  h,
		cfg:      cfg,
		logger:   slog.Default().With("component", "worker_pool"),
	}
}

// Run blocks until ctx is cancelled or a consumer gives up on the broker.
// In the latter case every other slot is stopped and the error is returned.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, q := range p.consumer.Queues() {
		n := p.cfg.Workers(q)
		p.logger.Info("starting consumers", "queue", q, "slots", n)
		for range n {
			g.Go(func() error { return p.consumer.Consume(gctx, q, p.handler) })
		}
	}
	g.Go(func() error {
		p.reclaimLoop(gctx)
		return nil
	})

	err := g.Wait()
	p.logger.Info("worker pool stopped", "error", err)
	return err
}

// reclaimLoop returns expired leases to their pending sets so jobs held by a
// crashed or stalled worker are redelivered.
func (p *Pool) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reclaimOnce(ctx)
		}
	}
}

func (p *Pool) reclaimOnce(ctx context.Context) {
	for _, q := range p.consumer.Queues() {
		n, err := p.consumer.Reclaim(ctx, q)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn("lease reclaim failed", "queue", q, "error", err)
			}
			continue
		}
		if n > 0 {
			p.logger.Info("expired leases reclaimed", "queue", q, "count", n)
		}
	}
}
