package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ahrav/go-evalpipe/internal/domain"
	"github.com/ahrav/go-evalpipe/internal/queue"
	"github.com/ahrav/go-evalpipe/internal/ranking"
	"github.com/ahrav/go-evalpipe/internal/store"
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	goodColor   = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow)
	badColor    = color.New(color.FgRed)
)

func applyColorFlag() {
	if noColor {
		color.NoColor = true
	}
}

// withBroker connects a broker for a one-shot command.
func withBroker(cmd *cobra.Command, fn func(context.Context, *queue.Broker) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := queue.New(cfg.Queue, cfg.Redis)
	if err := b.Connect(ctx); err != nil {
		return err
	}
	defer b.Close()
	return fn(ctx, b)
}

// withStore opens the configured store for a one-shot command.
func withStore(cmd *cobra.Command, fn func(context.Context, store.Store) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

var queuesCmd = &cobra.Command{
	Use:   "queues",
	Short: "Show pending, in-flight and dead-lettered counts per queue",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withBroker(cmd, func(ctx context.Context, b *queue.Broker) error {
			depths := make([]queue.Depth, 0, len(b.Queues()))
			for _, name := range b.Queues() {
				d, err := b.QueueDepth(ctx, name)
				if err != nil {
					return err
				}
				depths = append(depths, d)
			}
			printDepths(cmd.OutOrStdout(), depths)
			return nil
		})
	},
}

func printDepths(out io.Writer, depths []queue.Depth) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()

	headerColor.Fprintln(w, "QUEUE\tPENDING\tIN FLIGHT\tCONSUMERS\tDEAD")
	for _, d := range depths {
		dead := goodColor.Sprint(d.DeadLettered)
		if d.DeadLettered > 0 {
			dead = badColor.Sprint(d.DeadLettered)
		}
		consumers := goodColor.Sprint(d.Consumers)
		if d.Consumers == 0 {
			consumers = warnColor.Sprint(d.Consumers)
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n", d.Queue, d.Pending, d.InFlight, consumers, dead)
	}
}

var dlqLimit int64

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay dead-lettered jobs",
}

var dlqListCmd = &cobra.Command{
	Use:   "list QUEUE",
	Short: "List the most recent dead letters on a queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBroker(cmd, func(ctx context.Context, b *queue.Broker) error {
			entries, err := b.DeadLetters(ctx, args[0], dlqLimit)
			if err != nil {
				return err
			}
			printDeadLetters(cmd.OutOrStdout(), entries)
			return nil
		})
	},
}

func printDeadLetters(out io.Writer, entries []queue.DeadLetter) {
	if len(entries) == 0 {
		goodColor.Fprintln(out, "no dead letters")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()

	headerColor.Fprintln(w, "ID\tJOB\tSUBJECT\tRETRIES\tMOVED\tREASON")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			e.ID, e.JobID, e.Job.SubjectID, e.RetryCount,
			e.MovedAt.Local().Format(time.DateTime), badColor.Sprint(e.Reason))
	}
}

var dlqReplayCmd = &cobra.Command{
	Use:   "replay QUEUE ID",
	Short: "Re-enqueue a dead-lettered job with its retry count reset",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBroker(cmd, func(ctx context.Context, b *queue.Broker) error {
			msgID, err := b.ReplayDeadLetter(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			goodColor.Fprintf(cmd.OutOrStdout(), "replayed %s as message %s\n", args[1], msgID)
			return nil
		})
	},
}

var resultCmd = &cobra.Command{
	Use:   "result SUBJECT",
	Short: "Show the evaluation record of a subject",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, s store.Store) error {
			rec, err := s.LoadResult(ctx, args[0])
			if err != nil {
				return err
			}
			printRecord(cmd.OutOrStdout(), rec)
			return nil
		})
	},
}

func printRecord(out io.Writer, rec *domain.EvaluationRecord) {
	status := goodColor.Sprint(rec.Status)
	if rec.Status == domain.StatusFailed {
		status = badColor.Sprintf("%s (%s)", rec.Status, rec.ErrorClass)
	}
	fmt.Fprintf(out, "subject:  %s\nstatus:   %s\n", rec.SubjectID, status)
	if rec.Status != domain.StatusCompleted {
		return
	}
	fmt.Fprintf(out, "overall:  %.2f\nrelevant: %t\ncached:   %t\n", rec.Overall, rec.Relevant, rec.CacheHit)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	headerColor.Fprintln(w, "CRITERION\tSCORE\tWEIGHT")
	for _, s := range rec.Scores {
		fmt.Fprintf(w, "%s\t%.1f\t%.0f\n", s.Name, s.Score, s.Weight)
	}
	w.Flush()

	if v := rec.Validation; v != nil {
		fmt.Fprintf(out, "template: tier=%s theme=%.1f structure=%.1f\n", v.Tier, v.ThemeMatch, v.StructureAdherence)
		for _, d := range v.Deviations {
			warnColor.Fprintf(out, "  - %s\n", d)
		}
	}
}

var leaderboardCmd = &cobra.Command{
	Use:   "leaderboard BATCH",
	Short: "Show the ranked members of a batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, s store.Store) error {
			board, err := ranking.New(s, nil).Snapshot(ctx, args[0])
			if err != nil {
				return err
			}
			printLeaderboard(cmd.OutOrStdout(), board)
			return nil
		})
	},
}

func printLeaderboard(out io.Writer, board *ranking.Leaderboard) {
	progress := warnColor.Sprintf("%d/%d", board.CompletedCount, board.TotalCount)
	if board.Complete {
		progress = goodColor.Sprintf("%d/%d complete", board.CompletedCount, board.TotalCount)
	}
	fmt.Fprintf(out, "batch %s: %s\n", board.BatchID, progress)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()
	headerColor.Fprintln(w, "RANK\tSUBJECT\tOVERALL")
	for _, m := range board.Top() {
		fmt.Fprintf(w, "%d\t%s\t%.2f\n", m.Rank, m.SubjectID, m.Overall)
	}
}

func init() {
	dlqListCmd.Flags().Int64Var(&dlqLimit, "limit", 20, "maximum entries to show")
	dlqCmd.AddCommand(dlqListCmd, dlqReplayCmd)
	rootCmd.AddCommand(queuesCmd, dlqCmd, resultCmd, leaderboardCmd)
}
