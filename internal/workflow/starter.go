package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"go.temporal.io/sdk/client"

	"github.com/ahrav/go-evalpipe/internal/configuration"
)

// TemporalStarter starts BulkDispatchWorkflow for submitted bulk batches.
type TemporalStarter struct {
	client    client.Client
	taskQueue string
	bulk      configuration.BulkConfig
	logger    *slog.Logger
}

// NewTemporalStarter creates a starter submitting to taskQueue.
func NewTemporalStarter(c client.Client, taskQueue string, cfg configuration.BulkConfig) *TemporalStarter {
	return &TemporalStarter{
		client:    c,
		taskQueue: taskQueue,
		bulk:      cfg,
		logger:    slog.Default().With("component", "bulk_temporal"),
	}
}

// BulkWorkflowID is the workflow ID used for a batch. Starting the same batch
// twice while a run is open attaches to the existing run.
func BulkWorkflowID(batchID string) string { return "bulk-dispatch-" + batchID }

// StartBulk starts the dispatch workflow for batchID.
func (s *TemporalStarter) StartBulk(ctx context.Context, batchID string) error {
	opts := client.StartWorkflowOptions{
		ID:        BulkWorkflowID(batchID),
		TaskQueue: s.taskQueue,
	}
	run, err := s.client.ExecuteWorkflow(ctx, opts, BulkDispatchWorkflow, NewBulkDispatchInput(batchID, s.bulk))
	if err != nil {
		return fmt.Errorf("start bulk dispatch for %s: %w", batchID, err)
	}
	s.logger.Info("bulk dispatch workflow started",
		"batch_id", batchID,
		"workflow_id", run.GetID(),
		"run_id", run.GetRunID())
	return nil
}
