package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/bmadorch/internal/planner"
	"github.com/ShayCichocki/bmadorch/internal/tui"
)

var (
	watchInterval time.Duration
	watchExit     bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live dashboard of the current run",
	Long: `Show a dashboard of the run in the status directory: overall progress,
one block per phase and recent task activity. The todos file is re-read on
every tick, so the dashboard follows runs driven by any process.

Press q to quit, r to reload.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		interval := cfg.Orchestrator.PollInterval
		if cmd.Flags().Changed("interval") {
			interval = watchInterval
		}
		dir := cfg.Orchestrator.StatusDir
		load := func() (*planner.Todos, error) { return planner.LoadTodos(dir) }
		return tui.Watch(cmd.Context(), load, interval, tui.WithExitOnFinish(watchExit))
	},
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", time.Second, "Refresh interval")
	watchCmd.Flags().BoolVar(&watchExit, "exit", false, "Exit when the run finishes")
}
