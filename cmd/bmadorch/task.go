package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/bmadorch/internal/planner"
	"github.com/ShayCichocki/bmadorch/pkg/models"
)

var taskError string

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Update tasks of the current run",
	Long: `Update a task in the todos file. The metrics and Markdown report are
rewritten with it, and a running 'bmadorch run' picks the change up.

A task can only be started or marked done once all of its dependencies are
done.`,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks by phase",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		t, err := planner.LoadTodos(cfg.Orchestrator.StatusDir)
		if err != nil {
			return err
		}
		printTodos(cmd.OutOrStdout(), t)
		return nil
	},
}

func init() {
	for _, c := range []struct {
		use, short string
		status     models.TaskStatus
	}{
		{"start <id>", "Mark a task in progress", models.TaskStatusInProgress},
		{"done <id>", "Mark a task done", models.TaskStatusDone},
		{"fail <id>", "Mark a task failed", models.TaskStatusFailed},
		{"reset <id>", "Return a task to pending", models.TaskStatusPending},
	} {
		sub := &cobra.Command{
			Use:   c.use,
			Short: c.short,
			Args:  cobra.ExactArgs(1),
			RunE:  taskStatusRunE(c.status),
		}
		if c.status == models.TaskStatusFailed {
			sub.Flags().StringVar(&taskError, "error", "", "Failure reason")
		}
		taskCmd.AddCommand(sub)
	}
	taskCmd.AddCommand(taskListCmd)
}

func taskStatusRunE(status models.TaskStatus) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		errMsg := ""
		if status == models.TaskStatusFailed {
			errMsg = taskError
		}
		t, err := planner.UpdateTaskStatus(cfg.Orchestrator.StatusDir, args[0], status, errMsg)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		task := t.Task(args[0])
		printStatus(out, taskStatusSymbols[status], fmt.Sprintf("%s %s: %s", task.ID, task.Title, status), taskStatusColors[status])
		snap := t.Snapshot()
		fmt.Fprintf(out, "Progress: %.1f%% (%d/%d), run %s\n",
			snap.Progress(), snap.Counts[models.TaskStatusDone], snap.Total, runStatusLabel(t.Status))
		return nil
	}
}

// printTodos prints every phase with its tasks and statuses.
func printTodos(w io.Writer, t *planner.Todos) {
	bold := color.New(color.Bold)
	dim := color.New(color.Faint)
	snap := t.Snapshot()
	current := snap.CurrentPhase()

	for i, phase := range t.Phases {
		label := fmt.Sprintf("Phase %d", phase.Index)
		if phase.Index == current {
			label += " (current)"
		}
		state := ""
		if i < len(snap.Phases) {
			state = snap.Phases[i].State()
		}
		fmt.Fprintf(w, "%s %s\n", bold.Sprint(label), dim.Sprint(state))
		for _, id := range phase.TaskIDs {
			task := t.Task(id)
			if task == nil {
				continue
			}
			line := fmt.Sprintf("  %s %s %s %s", taskStatusLabel(task.Status), bold.Sprint(task.ID), task.Title, dim.Sprint(string(task.SubAgent)))
			if task.Error != "" {
				line += color.RedString(" (%s)", task.Error)
			}
			fmt.Fprintln(w, line)
		}
	}
}
