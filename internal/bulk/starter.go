package bulk

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// LocalStarter runs bulk dispatch on goroutines inside the current process.
// Work in flight is lost on exit; Temporal-backed dispatch survives restarts.
type LocalStarter struct {
	dispatcher *Dispatcher
	base       context.Context
	wg         sync.WaitGroup
	logger     *slog.Logger
}

// NewLocalStarter creates a starter whose runs stop when base is cancelled.
func NewLocalStarter(base context.Context, d *Dispatcher) *LocalStarter {
	return &LocalStarter{
		dispatcher: d,
		base:       base,
		logger:     slog.Default().With("component", "bulk_local"),
	}
}

// StartBulk begins dispatching batchID in the background and returns
// immediately. Throttled chunks are retried after the chunk delay until the
// batch is exhausted or the starter's context ends.
func (s *LocalStarter) StartBulk(_ context.Context, batchID string) error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		offset := 0
		for {
			next, done, err := s.dispatcher.Run(s.base, batchID, offset)
			switch {
			case done:
				return
			case errors.Is(err, context.Canceled), s.base.Err() != nil:
				s.logger.Warn("bulk dispatch interrupted", "batch_id", batchID, "offset", next)
				return
			case err != nil:
				s.logger.Error("bulk dispatch failed", "batch_id", batchID, "offset", next, "error", err)
				return
			}
			offset = next
		}
	}()
	return nil
}

// Wait blocks until every started run has returned.
func (s *LocalStarter) Wait() { s.wg.Wait() }
