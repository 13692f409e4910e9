package planner

import (
	"fmt"
	"strings"
	"time"

	"github.com/ShayCichocki/bmadorch/pkg/models"
)

// RenderReport renders the Markdown status report.
func RenderReport(t *Todos, m *Metrics, est Estimates) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Orchestration Status: %s\n\n", storyLabel(t.Story))

	fmt.Fprintf(&b, "- **Run:** `%s`\n", t.RunID)
	fmt.Fprintf(&b, "- **Status:** %s\n", t.Status)
	fmt.Fprintf(&b, "- **Progress:** %d/%d tasks done (%.1f%%)\n", m.Done, m.TotalTasks, m.ProgressPercent)
	if m.Failed > 0 || m.Blocked > 0 {
		fmt.Fprintf(&b, "- **Problems:** %d failed, %d blocked\n", m.Failed, m.Blocked)
	}
	fmt.Fprintf(&b, "- **Phases:** %d/%d complete", m.PhasesCompleted, m.TotalPhases)
	if m.CurrentPhase > 0 {
		fmt.Fprintf(&b, ", current phase %d", m.CurrentPhase)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "- **Estimate:** %s (remaining %s)\n", formatMinutes(t.EstimateMinutes), formatMinutes(m.RemainingMinutes))
	if m.ElapsedSeconds > 0 {
		fmt.Fprintf(&b, "- **Elapsed:** %s\n", (time.Duration(m.ElapsedSeconds) * time.Second).String())
	}
	fmt.Fprintf(&b, "- **Updated:** %s\n", m.UpdatedAt.UTC().Format(time.RFC3339))

	snap := t.Snapshot()
	for i, phase := range t.Phases {
		state := "pending"
		if i < len(snap.Phases) {
			state = snap.Phases[i].State()
		}
		fmt.Fprintf(&b, "\n## Phase %d (%s, est. %s)\n\n", phase.Index, state, formatMinutes(phase.EstimateMinutes))
		for _, id := range phase.TaskIDs {
			task := t.Task(id)
			if task == nil {
				continue
			}
			writeTaskLine(&b, task, est)
		}
	}

	return b.String()
}

func writeTaskLine(b *strings.Builder, task *models.Task, est Estimates) {
	box := " "
	if task.Status == models.TaskStatusDone {
		box = "x"
	}
	agent := task.SubAgent
	if agent == "" {
		agent = models.DefaultSubAgent
	}

	fmt.Fprintf(b, "- [%s] **%s** %s `%s`", box, task.ID, task.Title, agent)
	if task.Status != models.TaskStatusDone {
		fmt.Fprintf(b, " (%s)", formatMinutes(est.Task(task)))
	}

	switch task.Status {
	case models.TaskStatusInProgress:
		b.WriteString(" _in progress_")
	case models.TaskStatusBlocked:
		b.WriteString(" _blocked_")
	case models.TaskStatusFailed:
		if task.Error != "" {
			fmt.Fprintf(b, " _failed: %s_", oneLine(task.Error))
		} else {
			b.WriteString(" _failed_")
		}
	}
	if len(task.DependsOn) > 0 {
		fmt.Fprintf(b, " (after %s)", strings.Join(task.DependsOn, ", "))
	}
	b.WriteString("\n")
}

func oneLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:117] + "..."
	}
	return s
}
