package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ahrav/go-evalpipe/internal/configuration"
)

var (
	cfgFile  string
	envFile  string
	logLevel string
	noColor  bool

	// cfg is populated by the root PersistentPreRunE.
	cfg *configuration.Config
)

var rootCmd = &cobra.Command{
	Use:   "evald",
	Short: "Asynchronous document evaluation pipeline",
	Long: `evald scores documents with an external analysis oracle, validates them
against reference templates and ranks batches of submissions.

Run "evald worker" on every processing node. The remaining commands submit
work and inspect queues, dead letters, results and leaderboards. Submissions
are only visible to workers when both share the postgres store.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		applyColorFlag()
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}

		loaded, err := configuration.Load(cfgFile)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			loaded.Log.Level = logLevel
		}
		cfg = loaded

		slog.SetDefault(cfg.Log.NewLogger(os.Stderr))
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./evald.yaml or /etc/evald/evald.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before configuration")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
}
