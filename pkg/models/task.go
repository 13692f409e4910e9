package models

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has not started.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusInProgress indicates the task has been dispatched and is being worked on.
	TaskStatusInProgress TaskStatus = "in_progress"
	// TaskStatusBlocked indicates a dependency failed and the task cannot proceed.
	TaskStatusBlocked TaskStatus = "blocked"
	// TaskStatusDone indicates the task completed successfully.
	TaskStatusDone TaskStatus = "done"
	// TaskStatusFailed indicates the task failed.
	TaskStatusFailed TaskStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusBlocked, TaskStatusDone, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transitions are expected for the status.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusDone || s == TaskStatusFailed
}

// Subtask is a checklist item nested under a task in a story.
type Subtask struct {
	// ID is "<task>.<n>" unless the story names it explicitly.
	ID string `json:"id"`
	// Title is the checklist text.
	Title string `json:"title"`
	// Done is true when the checkbox is ticked.
	Done bool `json:"done"`
}

// Task represents a unit of work extracted from a story.
type Task struct {
	// ID is the unique identifier for this task within its story.
	ID string `json:"id"`
	// Title is the short description of the task.
	Title string `json:"title"`
	// Description holds free-form lines found under the task line.
	Description string `json:"description,omitempty"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// DependsOn lists task IDs that must complete before this task.
	DependsOn []string `json:"depends_on,omitempty"`
	// Subtasks are the nested checklist items.
	Subtasks []Subtask `json:"subtasks,omitempty"`
	// AcceptanceRefs are the acceptance criteria numbers the task covers.
	AcceptanceRefs []string `json:"acceptance_refs,omitempty"`
	// EstimateMinutes is an explicit estimate from the story, 0 when absent.
	EstimateMinutes int `json:"estimate_minutes,omitempty"`
	// SubAgent is the worker label assigned to this task.
	SubAgent SubAgent `json:"sub_agent,omitempty"`
	// PinnedAgent is true when the story pinned the sub-agent with an @label.
	PinnedAgent bool `json:"pinned_agent,omitempty"`
	// Phase is the 1-based phase the task was scheduled into, 0 before planning.
	Phase int `json:"phase,omitempty"`
	// Line is the 1-based source line of the task in the story file.
	Line int `json:"line,omitempty"`
	// CompletedAt is when the task reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// Error contains the failure reason if the task failed.
	Error string `json:"error,omitempty"`
	// Attempts is the number of times the task has been dispatched.
	Attempts int `json:"attempts,omitempty"`
}

// OpenSubtasks returns the number of subtasks not yet ticked.
func (t *Task) OpenSubtasks() int {
	n := 0
	for _, st := range t.Subtasks {
		if !st.Done {
			n++
		}
	}
	return n
}

// Text returns the title and description joined, used for classification.
func (t *Task) Text() string {
	if t.Description == "" {
		return t.Title
	}
	return t.Title + "\n" + t.Description
}
