package state

import (
	"io"
	"time"

	"github.com/ShayCichocki/bmadorch/pkg/models"
)

// RunStore handles run persistence.
type RunStore interface {
	CreateRun(r *Run) error
	GetRun(id string) (*Run, error)
	UpdateRunStatus(id string, status models.RunStatus, at time.Time) error
	ListRuns(limit int) ([]Run, error)
	PurgeOldRuns(olderThan time.Duration) (int64, error)
}

// TaskStore handles per-run task persistence.
type TaskStore interface {
	UpsertTask(t *RunTask) error
	ListTasks(runID string) ([]RunTask, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	Migrate() error
}

// Store is the full history backend used by the orchestrator.
type Store interface {
	io.Closer
	Migrator
	RunStore
	TaskStore
	RecordPlan(r *Run, tasks []*models.Task) error
}

// Compile-time verification that DB implements all interfaces.
var (
	_ Store     = (*DB)(nil)
	_ Migrator  = (*DB)(nil)
	_ RunStore  = (*DB)(nil)
	_ TaskStore = (*DB)(nil)
)
