package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/autopost/am"
	"github.com/teranos/autopost/cmd/autopost/commands"
	"github.com/teranos/autopost/errors"
	"github.com/teranos/autopost/logger"
)

var (
	configFile string
	jsonLogs   bool
	verbosity  int
)

var rootCmd = &cobra.Command{
	Use:   "autopost",
	Short: "autopost - scheduled social posting from a durable queue",
	Long: `autopost - queue posts, place them in posting windows, publish them once.

Posts move draft → scheduled → posted. Failed posts are retried with backoff
and parked for review when they cannot go out.

Available commands:
  enqueue  - Add a post as a draft
  schedule - Place one draft in a slot
  plan     - Schedule every draft
  list     - Show the queue
  process  - Post what is due, once
  run      - Run the dispatch daemon
  review   - Resolve posts that need a human
  config   - Show and validate configuration

Examples:
  autopost enqueue --schedule "Shipping v2 today"
  autopost list --status scheduled
  autopost run --dry-run`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if configFile != "" {
			am.SetConfigFile(configFile)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default: nearest autopost.toml)")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Log JSON lines to stdout")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")

	rootCmd.AddCommand(commands.EnqueueCmd)
	rootCmd.AddCommand(commands.ScheduleCmd)
	rootCmd.AddCommand(commands.PlanCmd)
	rootCmd.AddCommand(commands.ListCmd)
	rootCmd.AddCommand(commands.StatsCmd)
	rootCmd.AddCommand(commands.ReflowCmd)
	rootCmd.AddCommand(commands.ProcessCmd)
	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.ReviewCmd)
	rootCmd.AddCommand(commands.ImportCmd)
	rootCmd.AddCommand(commands.ExportCmd)
	rootCmd.AddCommand(commands.BackfillCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if hint := errors.FlattenHints(err); hint != "" {
			fmt.Fprintln(os.Stderr, "Hint:", hint)
		}
		os.Exit(1)
	}
}
