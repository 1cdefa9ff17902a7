// Package ranking converges independently completing batch members into a
// leaderboard.
package ranking

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/ahrav/go-evalpipe/internal/domain"
	"github.com/ahrav/go-evalpipe/internal/store"
	"github.com/ahrav/go-evalpipe/pkg/events"
)

// EventBatchCompleted is emitted once, when the last member turns terminal.
const EventBatchCompleted = "batch.completed"

// Leaderboard is the outcome of one recompute.
type Leaderboard struct {
	BatchID        string               `json:"batch_id"`
	Members        []domain.MemberState `json:"members"`
	CompletedCount int                  `json:"completed_count"`
	TotalCount     int                  `json:"total_count"`
	Complete       bool                 `json:"complete"`
}

// Top returns ranked members in rank order.
func (l *Leaderboard) Top() []domain.MemberState {
	out := make([]domain.MemberState, 0, len(l.Members))
	for _, m := range l.Members {
		if m.Rank > 0 {
			out = append(out, m)
		}
	}
	slices.SortFunc(out, func(a, b domain.MemberState) int { return cmp.Compare(a.Rank, b.Rank) })
	return out
}

// Aggregator recomputes batch rankings from persisted member state.
type Aggregator struct {
	store   store.Store
	emitter *events.Emitter
	now     func() time.Time
	logger  *slog.Logger
}

// New creates an Aggregator. sink may be nil.
func New(s store.Store, sink events.EventSink) *Aggregator {
	return &Aggregator{
		store:   s,
		emitter: events.NewEmitter(sink, "ranking"),
		now:     time.Now,
		logger:  slog.Default().With("component", "ranking"),
	}
}

// Recompute rebuilds the batch's ranks from scratch and refreshes its
// completed count, marking the batch complete once every member is
// terminal. It reads only persisted state, so repeated or concurrent calls
// converge on the same leaderboard.
func (a *Aggregator) Recompute(ctx context.Context, batchID string) (*Leaderboard, error) {
	var (
		board       *Leaderboard
		newlyClosed bool
	)
	err := a.store.WithBatchLock(ctx, batchID, func(ctx context.Context, s store.Store) error {
		var err error
		board, newlyClosed, err = a.recompute(ctx, s, batchID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if newlyClosed {
		a.logger.Info("batch complete", "batch_id", batchID, "total", board.TotalCount, "ranked", len(board.Top()))
		a.emitter.Emit(ctx, events.Event{
			Type:           EventBatchCompleted,
			BatchID:        batchID,
			IdempotencyKey: "batch-complete:" + batchID,
			Payload:        board,
		})
	}

	a.logger.Debug("batch recomputed",
		"batch_id", batchID,
		"completed", board.CompletedCount,
		"total", board.TotalCount)
	return board, nil
}

// recompute does the locked part of Recompute. It reports whether this call
// moved the batch to complete.
func (a *Aggregator) recompute(ctx context.Context, s store.Store, batchID string) (*Leaderboard, bool, error) {
	batch, err := s.LoadBatch(ctx, batchID)
	if err != nil {
		return nil, false, fmt.Errorf("load batch %s: %w", batchID, err)
	}
	members, err := s.LoadBatchMembers(ctx, batchID)
	if err != nil {
		return nil, false, fmt.Errorf("load members %s: %w", batchID, err)
	}

	ranked := domain.RankMembers(members)
	completed := domain.CountTerminal(ranked)

	if err := s.SaveBatchProgress(ctx, batchID, ranked, completed); err != nil {
		return nil, false, fmt.Errorf("save progress %s: %w", batchID, err)
	}

	board := &Leaderboard{
		BatchID:        batchID,
		Members:        ranked,
		CompletedCount: min(completed, batch.TotalCount),
		TotalCount:     batch.TotalCount,
	}
	if board.CompletedCount < batch.TotalCount {
		return board, false, nil
	}

	board.Complete = true
	if batch.Status == domain.BatchComplete {
		return board, false, nil
	}
	if err := s.MarkBatchComplete(ctx, batchID, a.now().UTC()); err != nil {
		return nil, false, fmt.Errorf("mark batch complete %s: %w", batchID, err)
	}
	return board, true, nil
}

// Snapshot returns the persisted leaderboard without recomputing it.
func (a *Aggregator) Snapshot(ctx context.Context, batchID string) (*Leaderboard, error) {
	batch, err := a.store.LoadBatch(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("load batch %s: %w", batchID, err)
	}
	members, err := a.store.LoadBatchMembers(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("load members %s: %w", batchID, err)
	}
	return &Leaderboard{
		BatchID:        batchID,
		Members:        members,
		CompletedCount: batch.CompletedCount,
		TotalCount:     batch.TotalCount,
		Complete:       batch.IsComplete(),
	}, nil
}
