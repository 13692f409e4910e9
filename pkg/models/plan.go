package models

import "time"

// Phase is a batch of tasks whose dependencies are satisfied by earlier phases.
type Phase struct {
	// Index is the 1-based position of the phase.
	Index int `json:"index"`
	// TaskIDs are the tasks in the phase, in story order.
	TaskIDs []string `json:"task_ids"`
	// EstimateMinutes is the estimated wall-clock duration of the phase.
	EstimateMinutes int `json:"estimate_minutes"`
}

// Plan is a story laid out into phases.
type Plan struct {
	// RunID identifies the orchestration run built from this plan.
	RunID string `json:"run_id"`
	// Story identifies the source story.
	Story StoryRef `json:"story"`
	// Phases are the ordered phases.
	Phases []Phase `json:"phases"`
	// Tasks are all tasks with Phase and SubAgent filled in.
	Tasks []*Task `json:"tasks"`
	// EstimateMinutes is the sum of the phase estimates.
	EstimateMinutes int `json:"estimate_minutes"`
	// CreatedAt is when the plan was built.
	CreatedAt time.Time `json:"created_at"`
}

// Task returns the task with the given ID, or nil.
func (p *Plan) Task(id string) *Task {
	for _, t := range p.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// PhaseOf returns the phase containing the task, or nil.
func (p *Plan) PhaseOf(taskID string) *Phase {
	for i := range p.Phases {
		for _, id := range p.Phases[i].TaskIDs {
			if id == taskID {
				return &p.Phases[i]
			}
		}
	}
	return nil
}
