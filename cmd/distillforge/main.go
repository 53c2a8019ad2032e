package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	configPath string
	envFile    string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "distillforge",
		Short: "distillforge - streaming LLM data generation",
		Long: `distillforge reads JSONL records, sends one model request per record using a
generation strategy, filters results through a quality gate and streams accepted
records to a JSONL dataset with checkpointed, resumable progress.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.toml", "Path to configuration file (.toml, .yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to environment file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(
		newRunCmd(),
		newResumeCmd(),
		newPauseCmd(),
		newCancelCmd(),
		newStatusCmd(),
		newWatchCmd(),
		newReportCmd(),
		newTasksCmd(),
		newStrategiesCmd(),
		newServeCmd(),
		newPublishCmd(),
		newCheckpointCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
