package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/bmadorch/internal/planner"
	"github.com/ShayCichocki/bmadorch/pkg/models"
)

var (
	planWrite bool
	planJSON  bool
)

var planCmd = &cobra.Command{
	Use:   "plan <story.md>",
	Short: "Show the phased plan for a story",
	Long: `Parse a story, route each task to a sub-agent and group the tasks into
phases. Every task's dependencies sit in an earlier phase.

With --write the status files are written as well, ready for 'bmadorch run'
or manual progress through 'bmadorch task'.`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

func init() {
	planCmd.Flags().BoolVar(&planWrite, "write", false, "Write the status files")
	planCmd.Flags().BoolVar(&planJSON, "json", false, "Print the plan as JSON")
}

func runPlan(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.parser().ParseFile(args[0])
	if err != nil {
		return err
	}
	a.classifier(cmd.Context()).ClassifyTasks(cmd.Context(), st.Tasks)

	manager := a.manager()
	plan, err := manager.BuildPlan(st)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if planJSON {
		if err := writeJSON(out, plan); err != nil {
			return err
		}
	} else {
		printPlan(out, plan, estimatesFrom(a.cfg))
	}

	if planWrite {
		if _, err := manager.WriteStatus(plan); err != nil {
			return err
		}
		if !planJSON {
			fmt.Fprintln(out)
			printStatus(out, "✓", "Status files written to "+manager.StatusDir(), color.FgGreen)
		}
	}
	return nil
}

// printPlan prints one block per phase.
func printPlan(w io.Writer, plan *models.Plan, est planner.Estimates) {
	bold := color.New(color.Bold)
	phaseColor := color.New(color.FgCyan, color.Bold)
	dim := color.New(color.Faint)

	fmt.Fprintf(w, "%s\n", bold.Sprint(planTitle(plan)))
	fmt.Fprintf(w, "Run %s: %d tasks in %d phases, estimated %s\n",
		plan.RunID, len(plan.Tasks), len(plan.Phases), formatMinutes(plan.EstimateMinutes))

	for _, phase := range plan.Phases {
		fmt.Fprintf(w, "\n%s %s\n",
			phaseColor.Sprintf("Phase %d", phase.Index),
			dim.Sprintf("(%d tasks, ~%s)", len(phase.TaskIDs), formatMinutes(phase.EstimateMinutes)))
		for _, id := range phase.TaskIDs {
			t := plan.Task(id)
			if t == nil {
				continue
			}
			fmt.Fprintf(w, "  %s %s %s %s\n",
				taskStatusLabel(t.Status),
				bold.Sprint(t.ID),
				t.Title,
				dim.Sprintf("[%s, %s]", t.SubAgent, formatMinutes(est.Task(t))))
		}
	}
}

func planTitle(plan *models.Plan) string {
	if plan.Story.ID != "" {
		return plan.Story.ID + " " + plan.Story.Title
	}
	if plan.Story.Title != "" {
		return plan.Story.Title
	}
	return plan.Story.Path
}
