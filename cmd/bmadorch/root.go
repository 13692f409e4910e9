package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "bmadorch",
	Short: "Phase-gated orchestration of BMAD stories",
	Long: `bmadorch turns a BMAD story into a phased plan and drives it to completion.

Tasks are read from the story's Markdown checklist, routed to a specialist
sub-agent, grouped into phases so that every dependency finishes first, and
tracked in status files next to the story:

  .bmad-todos.json    plan and live task statuses
  .bmad-metrics.json  counts, progress and estimates
  .bmad-status.md     human-readable report

Progress can come from a dispatch hook run per task or from any process that
updates the todos file (see 'bmadorch task').`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: user and project config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output to the console")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(parseCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(signalCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
