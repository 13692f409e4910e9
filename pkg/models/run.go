package models

// RunStatus is the state of an orchestration run.
type RunStatus string

const (
	// RunStatusPlanned means status files exist but nothing was dispatched.
	RunStatusPlanned RunStatus = "planned"
	// RunStatusRunning means the monitor is active.
	RunStatusRunning RunStatus = "running"
	// RunStatusPaused means dispatch is suspended by a pause signal.
	RunStatusPaused RunStatus = "paused"
	// RunStatusCompleted means every task is done.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed means a failure left nothing runnable.
	RunStatusFailed RunStatus = "failed"
	// RunStatusKilled means a kill signal stopped the run.
	RunStatusKilled RunStatus = "killed"
	// RunStatusCancelled means the run's context was cancelled.
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal returns true if the run has stopped.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusKilled, RunStatusCancelled:
		return true
	default:
		return false
	}
}
