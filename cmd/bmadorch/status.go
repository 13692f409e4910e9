package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/bmadorch/internal/planner"
)

var (
	statusRender bool
	statusJSON   bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show progress of the current run",
	Long: `Display the metrics of the run whose status files are in the status
directory: task counts, progress, phases and estimates.

With --render the Markdown report (.bmad-status.md) is rendered instead.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusRender, "render", false, "Render the Markdown status report")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the metrics as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	dir := cfg.Orchestrator.StatusDir
	out := cmd.OutOrStdout()

	if statusRender {
		return renderReport(out, dir)
	}

	m, err := planner.LoadMetrics(dir)
	if errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(out, "No run found. Run 'bmadorch run <story.md>' or 'bmadorch plan <story.md> --write' to start.")
		return nil
	}
	if err != nil {
		return err
	}
	if statusJSON {
		return writeJSON(out, m)
	}
	printMetrics(out, m)
	return nil
}

// printMetrics prints a metrics summary.
func printMetrics(w io.Writer, m *planner.Metrics) {
	fmt.Fprintf(w, "Story:    %s\n", m.Story)
	fmt.Fprintf(w, "Run:      %s (%s)\n", m.RunID, runStatusLabel(m.Status))
	fmt.Fprintf(w, "Progress: %.1f%% (%d/%d tasks done)\n", m.ProgressPercent, m.Done, m.TotalTasks)
	phase := "-"
	if m.CurrentPhase > 0 {
		phase = fmt.Sprintf("%d", m.CurrentPhase)
	}
	fmt.Fprintf(w, "Phases:   %d/%d completed, current %s\n", m.PhasesCompleted, m.TotalPhases, phase)
	fmt.Fprintf(w, "Tasks:    %d pending, %d in progress, %d blocked, %d done, %d failed\n",
		m.Pending, m.InProgress, m.Blocked, m.Done, m.Failed)
	fmt.Fprintf(w, "Estimate: %s total, %s remaining\n",
		formatMinutes(m.EstimateMinutes), formatMinutes(m.RemainingMinutes))
	if m.ElapsedSeconds > 0 {
		fmt.Fprintf(w, "Elapsed:  %s\n", formatDuration(time.Duration(m.ElapsedSeconds*float64(time.Second))))
	}

	if len(m.BySubAgent) > 0 {
		labels := make([]string, 0, len(m.BySubAgent))
		for label := range m.BySubAgent {
			labels = append(labels, label)
		}
		sort.Strings(labels)
		fmt.Fprintln(w, "\nSub-agents:")
		for _, label := range labels {
			fmt.Fprintf(w, "  %-22s %d\n", label, m.BySubAgent[label])
		}
	}
}

// renderReport renders the Markdown report for the terminal.
func renderReport(w io.Writer, dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, planner.ReportFileName))
	if errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(w, "No status report found.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("read report: %w", err)
	}

	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return fmt.Errorf("create renderer: %w", err)
	}
	rendered, err := r.Render(string(data))
	if err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	fmt.Fprint(w, rendered)
	return nil
}
