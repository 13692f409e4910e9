package planner

import (
	"time"

	"github.com/ShayCichocki/bmadorch/pkg/models"
)

// Metrics is the content of the metrics file.
type Metrics struct {
	RunID           string           `json:"run_id"`
	Story           string           `json:"story"`
	Status          models.RunStatus `json:"status"`
	TotalTasks      int              `json:"total_tasks"`
	Pending         int              `json:"pending"`
	InProgress      int              `json:"in_progress"`
	Blocked         int              `json:"blocked"`
	Done            int              `json:"done"`
	Failed          int              `json:"failed"`
	ProgressPercent float64          `json:"progress_percent"`
	TotalPhases     int              `json:"total_phases"`
	CurrentPhase    int              `json:"current_phase"`
	PhasesCompleted int              `json:"phases_completed"`
	// BySubAgent counts tasks per sub-agent label.
	BySubAgent map[string]int `json:"by_sub_agent"`
	// EstimateMinutes is the plan estimate.
	EstimateMinutes int `json:"estimate_minutes"`
	// RemainingMinutes re-estimates the unsettled phases.
	RemainingMinutes int       `json:"remaining_minutes"`
	ElapsedSeconds   float64   `json:"elapsed_seconds"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ComputeMetrics derives metrics from a todos document.
func ComputeMetrics(t *Todos, est Estimates, maxParallel int, now time.Time) *Metrics {
	snap := t.Snapshot()
	m := &Metrics{
		RunID:           t.RunID,
		Story:           storyLabel(t.Story),
		Status:          t.Status,
		TotalTasks:      snap.Total,
		Pending:         snap.Counts[models.TaskStatusPending],
		InProgress:      snap.Counts[models.TaskStatusInProgress],
		Blocked:         snap.Counts[models.TaskStatusBlocked],
		Done:            snap.Counts[models.TaskStatusDone],
		Failed:          snap.Counts[models.TaskStatusFailed],
		ProgressPercent: roundTenth(snap.Progress()),
		TotalPhases:     len(t.Phases),
		CurrentPhase:    snap.CurrentPhase(),
		PhasesCompleted: snap.PhasesCompleted(),
		BySubAgent:      make(map[string]int),
		EstimateMinutes: t.EstimateMinutes,
		UpdatedAt:       now,
	}

	for _, task := range t.Tasks {
		agent := task.SubAgent
		if agent == "" {
			agent = models.DefaultSubAgent
		}
		m.BySubAgent[string(agent)]++
	}

	for _, phase := range t.Phases {
		var durations []int
		for _, id := range phase.TaskIDs {
			task := t.Task(id)
			if task == nil || task.Status.Terminal() || task.Status == models.TaskStatusBlocked {
				continue
			}
			durations = append(durations, est.Task(task))
		}
		m.RemainingMinutes += Makespan(durations, maxParallel)
	}

	if t.StartedAt != nil {
		end := now
		if t.FinishedAt != nil {
			end = *t.FinishedAt
		}
		m.ElapsedSeconds = end.Sub(*t.StartedAt).Seconds()
	}
	return m
}

func storyLabel(s models.StoryRef) string {
	if s.ID == "" {
		return s.Title
	}
	if s.Title == "" {
		return "Story " + s.ID
	}
	return "Story " + s.ID + ": " + s.Title
}

func roundTenth(f float64) float64 {
	return float64(int(f*10+0.5)) / 10
}
