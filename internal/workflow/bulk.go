package workflow

import (
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/ahrav/go-evalpipe/internal/bulk"
	"github.com/ahrav/go-evalpipe/internal/configuration"
)

// BulkDispatchInput is the workflow argument. Dispatched and Skipped carry
// running totals across continue-as-new.
type BulkDispatchInput struct {
	BatchID         string        `json:"batch_id"`
	Offset          int           `json:"offset"`
	ChunkSize       int           `json:"chunk_size"`
	ChunkDelay      time.Duration `json:"chunk_delay"`
	ThrottleDelay   time.Duration `json:"throttle_delay"`
	MaxChunksPerRun int           `json:"max_chunks_per_run"`

	Dispatched int `json:"dispatched"`
	Skipped    int `json:"skipped"`
}

// BulkDispatchResult summarizes a finished dispatch.
type BulkDispatchResult struct {
	BatchID    string `json:"batch_id"`
	Total      int    `json:"total"`
	Dispatched int    `json:"dispatched"`
	Skipped    int    `json:"skipped"`
}

// NewBulkDispatchInput builds the initial input for batchID from cfg.
func NewBulkDispatchInput(batchID string, cfg configuration.BulkConfig) BulkDispatchInput {
	return BulkDispatchInput{
		BatchID:         batchID,
		ChunkSize:       cfg.ChunkSize,
		ChunkDelay:      cfg.ChunkDelay,
		ThrottleDelay:   max(cfg.ChunkDelay, time.Second),
		MaxChunksPerRun: cfg.MaxChunksPerRun,
	}
}

func (in BulkDispatchInput) validate() error {
	switch {
	case in.BatchID == "":
		return errors.New("batch id is required")
	case in.Offset < 0:
		return errors.New("offset must not be negative")
	case in.MaxChunksPerRun < 1:
		return errors.New("max chunks per run must be positive")
	}
	return nil
}

// BulkDispatchWorkflow dispatches a batch to the bulk queue one chunk at a
// time. It sleeps ChunkDelay between chunks and ThrottleDelay after a chunk
// was deferred for backpressure. After MaxChunksPerRun chunks it continues as
// new from the current offset.
func BulkDispatchWorkflow(ctx workflow.Context, in BulkDispatchInput) (*BulkDispatchResult, error) {
	const currentVersion = 1
	_ = workflow.GetVersion(ctx, "bulk_dispatch.v", workflow.DefaultVersion, currentVersion)

	if err := in.validate(); err != nil {
		return nil, temporal.NewNonRetryableApplicationError("invalid bulk dispatch input", "Validation", err)
	}

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		HeartbeatTimeout:    30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        time.Minute,
			MaximumAttempts:        10,
			NonRetryableErrorTypes: []string{"Validation", "BatchNotFound"},
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)
	logger := workflow.GetLogger(ctx)

	var acts *bulk.Activities
	for chunk := 0; chunk < in.MaxChunksPerRun; chunk++ {
		var res bulk.ChunkResult
		err := workflow.ExecuteActivity(ctx, acts.DispatchChunk, bulk.ChunkInput{
			BatchID: in.BatchID,
			Offset:  in.Offset,
			Limit:   in.ChunkSize,
		}).Get(ctx, &res)
		if err != nil {
			return nil, err
		}

		in.Offset = res.Next
		in.Dispatched += res.Dispatched
		in.Skipped += res.Skipped

		if res.Done {
			logger.Info("bulk dispatch complete",
				"batch_id", in.BatchID,
				"dispatched", in.Dispatched,
				"skipped", in.Skipped)
			return &BulkDispatchResult{
				BatchID:    in.BatchID,
				Total:      res.Total,
				Dispatched: in.Dispatched,
				Skipped:    in.Skipped,
			}, nil
		}

		delay := in.ChunkDelay
		if res.Throttled {
			delay = in.ThrottleDelay
		}
		if delay > 0 {
			if err := workflow.Sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
	}

	logger.Info("bulk dispatch continuing as new", "batch_id", in.BatchID, "offset", in.Offset)
	return nil, workflow.NewContinueAsNewError(ctx, BulkDispatchWorkflow, in)
}
