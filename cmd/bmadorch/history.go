package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/bmadorch/internal/state"
)

var (
	historyLimit int
	historyPurge bool
)

var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "List past runs",
	Long: `List recorded runs, most recent first. With a run ID, list that run's
tasks as last recorded.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum runs to list (0 for all)")
	historyCmd.Flags().BoolVar(&historyPurge, "purge", false, "Delete finished runs older than state.retain_days first")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := state.OpenAndMigrate(cfg.StatePath())
	if err != nil {
		return err
	}
	defer db.Close()

	out := cmd.OutOrStdout()
	if historyPurge && cfg.State.RetainDays > 0 {
		n, err := db.PurgeOldRuns(time.Duration(cfg.State.RetainDays) * 24 * time.Hour)
		if err != nil {
			return err
		}
		printStatus(out, "✓", fmt.Sprintf("Purged %d runs", n), color.FgGreen)
	}

	if len(args) == 1 {
		run, err := db.GetRun(args[0])
		if err != nil {
			return err
		}
		tasks, err := db.ListTasks(run.ID)
		if err != nil {
			return err
		}
		printRunTasks(out, run, tasks)
		return nil
	}

	runs, err := db.ListRuns(historyLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return nil
	}
	printRuns(out, runs)
	return nil
}

func printRuns(w io.Writer, runs []state.Run) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTORY\tSTATUS\tTASKS\tSTARTED\tDURATION")
	for _, r := range runs {
		duration := "-"
		if r.FinishedAt != nil {
			duration = formatDuration(r.FinishedAt.Sub(r.StartedAt))
		}
		story := r.Title
		if r.StoryID != "" {
			story = r.StoryID + " " + story
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			shortID(r.ID), story, r.Status, r.TaskCount,
			r.StartedAt.Local().Format("2006-01-02 15:04"), duration)
	}
	tw.Flush()
}

func printRunTasks(w io.Writer, run *state.Run, tasks []state.RunTask) {
	fmt.Fprintf(w, "%s %s\n", color.New(color.Bold).Sprint(run.ID), runStatusLabel(run.Status))
	fmt.Fprintf(w, "Story: %s (%s)\n\n", run.Title, run.StoryPath)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PHASE\tTASK\tSTATUS\tAGENT\tATTEMPTS\tERROR")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%d\t%s %s\t%s\t%s\t%d\t%s\n",
			t.Phase, t.TaskID, t.Title, t.Status, t.SubAgent, t.Attempts, t.Error)
	}
	tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
