package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/go-evalpipe/internal/admin"
	"github.com/ahrav/go-evalpipe/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run queue consumers, the lease reclaimer and the admin server",
	Long: `Start an evaluation node. The node consumes every queue with the configured
number of slots, reclaims expired leases, serves the admin API when enabled and,
with bulk.use_temporal set, runs the bulk dispatch Temporal worker.

SIGINT or SIGTERM stops reserving new jobs; jobs in flight finish or are
redelivered after their lease expires.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := worker.Build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to build runtime: %w", err)
	}
	defer func() {
		if err := rt.Close(); err != nil {
			slog.Warn("runtime close", "error", err)
		}
	}()

	stopTemporal, err := rt.StartTemporalWorker()
	if err != nil {
		return err
	}
	defer stopTemporal()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.Pool().Run(gctx) })

	if cfg.Admin.Enabled {
		srv := admin.New(cfg.Admin, admin.Deps{
			Broker:  rt.Broker,
			Health:  rt,
			Cache:   rt.Cache,
			Store:   rt.Store,
			Ranking: rt.Ranking,
		})
		g.Go(func() error { return srv.Run(gctx) })
	}

	slog.Info("worker running", "worker_id", rt.Broker.WorkerID(), "queues", rt.Broker.Queues())
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	slog.Info("worker stopped")
	return nil
}

// withRuntime builds a runtime for a one-shot command and closes it after fn.
func withRuntime(cmd *cobra.Command, fn func(context.Context, *worker.Runtime) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := worker.Build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to build runtime: %w", err)
	}
	runErr := fn(ctx, rt)
	if err := rt.Close(); err != nil {
		slog.Warn("runtime close", "error", err)
	}
	return runErr
}
