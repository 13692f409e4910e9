package state

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/ShayCichocki/bmadorch/pkg/models"
)

// InterruptedRun is a run still marked active whose driving process is gone.
type InterruptedRun struct {
	RunID     string
	StoryPath string
	StatusDir string
	StartedAt time.Time
	PID       int
	Status    models.RunStatus
	OpenTasks int
}

// RecoveryManager detects and cleans up runs left behind by a crashed or
// killed orchestrator.
type RecoveryManager struct {
	db      *DB
	alive   func(pid int) bool
	selfPID int
}

// NewRecoveryManager creates a RecoveryManager over db.
func NewRecoveryManager(db *DB) *RecoveryManager {
	return &RecoveryManager{db: db, alive: isProcessAlive, selfPID: os.Getpid()}
}

// CheckForInterrupted lists active runs whose process no longer exists.
// Runs owned by the current process are never reported.
func (rm *RecoveryManager) CheckForInterrupted() ([]InterruptedRun, error) {
	var out []InterruptedRun
	for _, status := range []models.RunStatus{models.RunStatusRunning, models.RunStatusPaused} {
		runs, err := rm.db.ListRunsByStatus(status)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		for _, r := range runs {
			if r.PID == rm.selfPID || (r.PID > 0 && rm.alive(r.PID)) {
				continue
			}
			tasks, err := rm.db.ListTasks(r.ID)
			if err != nil {
				return nil, err
			}
			open := 0
			for _, t := range tasks {
				if t.Status == models.TaskStatusInProgress {
					open++
				}
			}
			out = append(out, InterruptedRun{
				RunID:     r.ID,
				StoryPath: r.StoryPath,
				StatusDir: r.StatusDir,
				StartedAt: r.StartedAt,
				PID:       r.PID,
				Status:    r.Status,
				OpenTasks: open,
			})
		}
	}
	return out, nil
}

// Clean marks an interrupted run cancelled. Tasks it left in progress are
// recorded as failed so the history shows where the run stopped.
func (rm *RecoveryManager) Clean(runID string, now time.Time) error {
	if _, err := rm.db.GetRun(runID); err != nil {
		return err
	}
	tasks, err := rm.db.ListTasks(runID)
	if err != nil {
		return err
	}
	for i := range tasks {
		t := &tasks[i]
		if t.Status != models.TaskStatusInProgress {
			continue
		}
		t.Status = models.TaskStatusFailed
		t.Error = "interrupted"
		t.UpdatedAt = now
		if err := rm.db.UpsertTask(t); err != nil {
			return fmt.Errorf("fail task %s: %w", t.TaskID, err)
		}
	}
	if err := rm.db.UpdateRunStatus(runID, models.RunStatusCancelled, now); err != nil {
		return fmt.Errorf("cancel run: %w", err)
	}
	return nil
}

// RecoverInterrupted cleans every interrupted run and returns them.
func (rm *RecoveryManager) RecoverInterrupted(now time.Time) ([]InterruptedRun, error) {
	runs, err := rm.CheckForInterrupted()
	if err != nil {
		return nil, err
	}
	for _, r := range runs {
		if err := rm.Clean(r.RunID, now); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

// isProcessAlive checks if a process with the given PID is still running.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 only checks that the process exists.
	err = process.Signal(syscall.Signal(0))
	return err == nil
}
