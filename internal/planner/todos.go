package planner

import (
	"time"

	"github.com/ShayCichocki/bmadorch/internal/graph"
	"github.com/ShayCichocki/bmadorch/pkg/models"
)

// todosVersion is bumped when the todos document layout changes.
const todosVersion = 1

// Todos is the content of the todos file: the plan plus live run state.
type Todos struct {
	Version int `json:"version"`
	models.Plan
	// Status is the run status.
	Status models.RunStatus `json:"status"`
	// StartedAt is when dispatch began.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// FinishedAt is when the run reached a terminal status.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	// UpdatedAt is the time of the last write.
	UpdatedAt time.Time `json:"updated_at"`
	// MaxParallel and Estimates let any process recompute metrics.
	MaxParallel int       `json:"max_parallel"`
	Estimates   Estimates `json:"estimates"`
}

// NewTodos wraps a plan in a todos document with status planned.
func NewTodos(plan *models.Plan, est Estimates, maxParallel int) *Todos {
	return &Todos{
		Version:     todosVersion,
		Plan:        *plan,
		Status:      models.RunStatusPlanned,
		UpdatedAt:   plan.CreatedAt,
		MaxParallel: maxParallel,
		Estimates:   est,
	}
}

// PhaseProgress summarizes one phase.
type PhaseProgress struct {
	Index      int
	Total      int
	Done       int
	Failed     int
	Blocked    int
	InProgress int
}

// Settled returns true when no task in the phase can still change on its own.
func (p PhaseProgress) Settled() bool {
	return p.Done+p.Failed+p.Blocked == p.Total
}

// State returns a one-word label for the phase.
func (p PhaseProgress) State() string {
	switch {
	case p.Total > 0 && p.Done == p.Total:
		return "done"
	case p.Settled():
		return "failed"
	case p.InProgress > 0 || p.Done > 0 || p.Failed > 0:
		return "active"
	default:
		return "pending"
	}
}

// Snapshot is a point-in-time summary of a todos document.
type Snapshot struct {
	Total  int
	Counts map[models.TaskStatus]int
	Phases []PhaseProgress
}

// Snapshot summarizes the task statuses.
func (t *Todos) Snapshot() Snapshot {
	s := Snapshot{
		Total:  len(t.Tasks),
		Counts: make(map[models.TaskStatus]int),
	}
	for _, task := range t.Tasks {
		s.Counts[task.Status]++
	}
	for _, phase := range t.Phases {
		pp := PhaseProgress{Index: phase.Index, Total: len(phase.TaskIDs)}
		for _, id := range phase.TaskIDs {
			task := t.Task(id)
			if task == nil {
				continue
			}
			switch task.Status {
			case models.TaskStatusDone:
				pp.Done++
			case models.TaskStatusFailed:
				pp.Failed++
			case models.TaskStatusBlocked:
				pp.Blocked++
			case models.TaskStatusInProgress:
				pp.InProgress++
			}
		}
		s.Phases = append(s.Phases, pp)
	}
	return s
}

// Progress returns the percentage of tasks done.
func (s Snapshot) Progress() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Counts[models.TaskStatusDone]) / float64(s.Total) * 100
}

// CurrentPhase returns the index of the first phase that is not settled,
// or 0 when every phase is settled.
func (s Snapshot) CurrentPhase() int {
	for _, p := range s.Phases {
		if !p.Settled() {
			return p.Index
		}
	}
	return 0
}

// PhasesCompleted counts phases whose tasks are all done.
func (s Snapshot) PhasesCompleted() int {
	n := 0
	for _, p := range s.Phases {
		if p.Total > 0 && p.Done == p.Total {
			n++
		}
	}
	return n
}

// Complete returns true when every task is done.
func (s Snapshot) Complete() bool {
	return s.Counts[models.TaskStatusDone] == s.Total
}

// Failed returns true when any task failed.
func (s Snapshot) Failed() bool {
	return s.Counts[models.TaskStatusFailed] > 0
}

// Settled returns true when no task can make further progress.
func (s Snapshot) Settled() bool {
	return s.Counts[models.TaskStatusPending]+s.Counts[models.TaskStatusInProgress] == 0
}

// Refresh marks tasks behind a failed dependency as blocked, releases
// blocked tasks whose dependencies recovered, and settles the run status.
// It returns the IDs that changed to blocked.
func (t *Todos) Refresh(now time.Time) []string {
	g := graph.New()
	if err := g.Build(t.Tasks); err != nil {
		// Plans are validated when built; a hand-edited file that no longer
		// forms a DAG is left as is.
		return nil
	}

	blocked := make(map[string]bool)
	for _, id := range g.Blocked() {
		blocked[id] = true
	}

	var newlyBlocked []string
	for _, task := range t.Tasks {
		switch {
		case blocked[task.ID] && task.Status == models.TaskStatusPending:
			task.Status = models.TaskStatusBlocked
			newlyBlocked = append(newlyBlocked, task.ID)
		case !blocked[task.ID] && task.Status == models.TaskStatusBlocked:
			task.Status = models.TaskStatusPending
		}
	}

	snap := t.Snapshot()
	switch {
	case snap.Complete():
		t.finish(models.RunStatusCompleted, now)
	case snap.Settled() && t.Status != models.RunStatusPlanned:
		t.finish(models.RunStatusFailed, now)
	case t.Status == models.RunStatusCompleted || t.Status == models.RunStatusFailed:
		// A retried task reopens the run.
		t.Status = models.RunStatusRunning
		t.FinishedAt = nil
	}
	return newlyBlocked
}

func (t *Todos) finish(status models.RunStatus, now time.Time) {
	if t.Status == status && t.FinishedAt != nil {
		return
	}
	t.Status = status
	finished := now
	t.FinishedAt = &finished
}

// Ready returns pending tasks of the current phase in phase order.
func (t *Todos) Ready() []*models.Task {
	current := t.Snapshot().CurrentPhase()
	if current == 0 {
		return nil
	}
	var ready []*models.Task
	for _, phase := range t.Phases {
		if phase.Index != current {
			continue
		}
		for _, id := range phase.TaskIDs {
			if task := t.Task(id); task != nil && task.Status == models.TaskStatusPending {
				ready = append(ready, task)
			}
		}
	}
	return ready
}
