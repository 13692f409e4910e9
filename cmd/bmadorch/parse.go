package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/bmadorch/pkg/models"
)

var parseJSON bool

var parseCmd = &cobra.Command{
	Use:   "parse <story.md>",
	Short: "Print the tasks parsed from a story",
	Long: `Parse a BMAD story and print its tasks, dependencies and subtasks.

Nothing is written. Use --json for machine-readable output.`,
	Args: cobra.ExactArgs(1),
	RunE: runParse,
}

func init() {
	parseCmd.Flags().BoolVar(&parseJSON, "json", false, "Print the parsed story as JSON")
}

func runParse(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.parser().ParseFile(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if parseJSON {
		return writeJSON(out, st)
	}
	printStory(out, st)
	return nil
}

// printStory lists a story's tasks in story order.
func printStory(w io.Writer, st *models.Story) {
	bold := color.New(color.Bold)
	title := st.Title
	if st.ID != "" {
		title = st.ID + " " + title
	}
	fmt.Fprintf(w, "%s\n", bold.Sprint(title))
	if st.Status != "" {
		fmt.Fprintf(w, "Status: %s\n", st.Status)
	}
	fmt.Fprintf(w, "Tasks: %d, acceptance criteria: %d\n\n", len(st.Tasks), len(st.AcceptanceCriteria))

	dim := color.New(color.Faint)
	for _, t := range st.Tasks {
		fmt.Fprintf(w, "%s %s %s\n", taskStatusLabel(t.Status), bold.Sprint(t.ID), t.Title)
		if len(t.DependsOn) > 0 {
			fmt.Fprintf(w, "    %s\n", dim.Sprint("depends on: "+strings.Join(t.DependsOn, ", ")))
		}
		if len(t.Subtasks) > 0 {
			fmt.Fprintf(w, "    %s\n", dim.Sprintf("subtasks: %d open of %d", t.OpenSubtasks(), len(t.Subtasks)))
		}
		if t.SubAgent != "" && t.PinnedAgent {
			fmt.Fprintf(w, "    %s\n", dim.Sprint("agent: "+string(t.SubAgent)))
		}
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
