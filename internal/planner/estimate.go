package planner

import (
	"fmt"
	"sort"

	"github.com/ShayCichocki/bmadorch/pkg/models"
)

// Estimates holds the duration table used when a task has no explicit estimate.
type Estimates struct {
	// DefaultMinutes is the base for sub-agents missing from SubAgents.
	DefaultMinutes int `json:"default_minutes"`
	// PerSubtaskMinutes is added for every open subtask.
	PerSubtaskMinutes int `json:"per_subtask_minutes"`
	// SubAgents overrides the base per sub-agent.
	SubAgents map[models.SubAgent]int `json:"sub_agents,omitempty"`
}

// DefaultEstimates returns the built-in estimate table.
func DefaultEstimates() Estimates {
	return Estimates{
		DefaultMinutes:    30,
		PerSubtaskMinutes: 10,
	}
}

// Task returns the estimated minutes for a task. Done tasks cost nothing.
func (e Estimates) Task(t *models.Task) int {
	if t.Status == models.TaskStatusDone {
		return 0
	}
	if t.EstimateMinutes > 0 {
		return t.EstimateMinutes
	}
	base, ok := e.SubAgents[t.SubAgent]
	if !ok {
		base = e.DefaultMinutes
	}
	return base + e.PerSubtaskMinutes*t.OpenSubtasks()
}

// Makespan returns the finishing time of the busiest worker when the
// durations are assigned longest first, each to the least loaded of workers.
func Makespan(durations []int, workers int) int {
	if len(durations) == 0 {
		return 0
	}
	if workers < 1 {
		workers = 1
	}

	sorted := append([]int(nil), durations...)
	sort.Sort(sort.Reverse(sort.IntSlice(sorted)))

	if workers > len(sorted) {
		workers = len(sorted)
	}
	loads := make([]int, workers)
	for _, d := range sorted {
		least := 0
		for i := 1; i < workers; i++ {
			if loads[i] < loads[least] {
				least = i
			}
		}
		loads[least] += d
	}

	longest := 0
	for _, l := range loads {
		if l > longest {
			longest = l
		}
	}
	return longest
}

// formatMinutes renders minutes as "1h 30m", "45m" or "0m".
func formatMinutes(m int) string {
	if m <= 0 {
		return "0m"
	}
	h, mins := m/60, m%60
	switch {
	case h == 0:
		return fmt.Sprintf("%dm", mins)
	case mins == 0:
		return fmt.Sprintf("%dh", h)
	default:
		return fmt.Sprintf("%dh %dm", h, mins)
	}
}
