package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/bmadorch/pkg/models"
)

// ErrRunNotFound is returned when a run ID is not in the database.
var ErrRunNotFound = errors.New("run not found")

// Run is one orchestration of a story.
type Run struct {
	ID              string           `json:"id"`
	StoryPath       string           `json:"story_path"`
	StoryID         string           `json:"story_id"`
	Title           string           `json:"title"`
	Status          models.RunStatus `json:"status"`
	TaskCount       int              `json:"task_count"`
	EstimateMinutes int              `json:"estimate_minutes"`
	StartedAt       time.Time        `json:"started_at"`
	FinishedAt      *time.Time       `json:"finished_at,omitempty"`
	// PID is the process driving the run, 0 when unknown.
	PID int `json:"pid,omitempty"`
	// StatusDir is where the run's status files live.
	StatusDir string `json:"status_dir,omitempty"`
}

// RunTask is the last recorded state of a task within a run.
type RunTask struct {
	RunID     string            `json:"run_id"`
	TaskID    string            `json:"task_id"`
	Title     string            `json:"title"`
	SubAgent  models.SubAgent   `json:"sub_agent"`
	Phase     int               `json:"phase"`
	Status    models.TaskStatus `json:"status"`
	Attempts  int               `json:"attempts"`
	Error     string            `json:"error,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// RunFromPlan builds a run record for a freshly planned story.
func RunFromPlan(plan *models.Plan, statusDir string, pid int) *Run {
	return &Run{
		ID:              plan.RunID,
		StoryPath:       plan.Story.Path,
		StoryID:         plan.Story.ID,
		Title:           plan.Story.Title,
		Status:          models.RunStatusPlanned,
		TaskCount:       len(plan.Tasks),
		EstimateMinutes: plan.EstimateMinutes,
		StartedAt:       plan.CreatedAt,
		PID:             pid,
		StatusDir:       statusDir,
	}
}

// RunTaskFromModel converts a task for storage.
func RunTaskFromModel(runID string, t *models.Task, now time.Time) *RunTask {
	return &RunTask{
		RunID:     runID,
		TaskID:    t.ID,
		Title:     t.Title,
		SubAgent:  t.SubAgent,
		Phase:     t.Phase,
		Status:    t.Status,
		Attempts:  t.Attempts,
		Error:     t.Error,
		UpdatedAt: now,
	}
}

// CreateRun inserts a run.
func (db *DB) CreateRun(r *Run) error {
	_, err := db.Exec(`
		INSERT INTO runs (id, story_path, story_id, title, status, task_count, estimate_minutes, started_at, pid, status_dir)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.StoryPath, r.StoryID, r.Title, string(r.Status), r.TaskCount, r.EstimateMinutes,
		formatTime(r.StartedAt), r.PID, r.StatusDir)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// UpdateRunStatus sets a run's status. Terminal statuses also record the
// finish time.
func (db *DB) UpdateRunStatus(id string, status models.RunStatus, at time.Time) error {
	var finished any
	if status.Terminal() {
		finished = formatTime(at)
	}
	res, err := db.Exec(`
		UPDATE runs SET status = ?, finished_at = ? WHERE id = ?
	`, string(status), finished, id)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

const runColumns = `id, story_path, story_id, title, status, task_count, estimate_minutes, started_at, finished_at, pid, status_dir`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var startedAt string
	var finishedAt sql.NullString
	if err := row.Scan(&r.ID, &r.StoryPath, &r.StoryID, &r.Title, &r.Status, &r.TaskCount,
		&r.EstimateMinutes, &startedAt, &finishedAt, &r.PID, &r.StatusDir); err != nil {
		return nil, err
	}
	r.StartedAt, _ = parseTime(startedAt)
	r.FinishedAt = parseNullableTime(finishedAt)
	return &r, nil
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(id string) (*Run, error) {
	row := db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns the most recent runs first. A limit of 0 or less
// returns every run.
func (db *DB) ListRuns(limit int) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return db.queryRuns(query, args...)
}

// ListRunsByStatus returns runs in the given status, most recent first.
func (db *DB) ListRunsByStatus(status models.RunStatus) ([]Run, error) {
	return db.queryRuns(`SELECT `+runColumns+` FROM runs WHERE status = ? ORDER BY started_at DESC, id`, string(status))
}

func (db *DB) queryRuns(query string, args ...any) ([]Run, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// UpsertTask inserts or replaces the recorded state of a task.
func (db *DB) UpsertTask(t *RunTask) error {
	_, err := db.Exec(`
		INSERT INTO run_tasks (run_id, task_id, title, sub_agent, phase, status, attempts, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, task_id) DO UPDATE SET
			title = excluded.title,
			sub_agent = excluded.sub_agent,
			phase = excluded.phase,
			status = excluded.status,
			attempts = excluded.attempts,
			error = excluded.error,
			updated_at = excluded.updated_at
	`, t.RunID, t.TaskID, t.Title, string(t.SubAgent), t.Phase, string(t.Status), t.Attempts, t.Error,
		formatTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", t.TaskID, err)
	}
	return nil
}

// RecordPlan stores a run and all of its tasks in one transaction.
func (db *DB) RecordPlan(r *Run, tasks []*models.Task) error {
	return db.Transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO runs (id, story_path, story_id, title, status, task_count, estimate_minutes, started_at, pid, status_dir)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, r.ID, r.StoryPath, r.StoryID, r.Title, string(r.Status), r.TaskCount, r.EstimateMinutes,
			formatTime(r.StartedAt), r.PID, r.StatusDir); err != nil {
			return fmt.Errorf("create run: %w", err)
		}
		for _, t := range tasks {
			if _, err := tx.Exec(`
				INSERT INTO run_tasks (run_id, task_id, title, sub_agent, phase, status, attempts, error, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, r.ID, t.ID, t.Title, string(t.SubAgent), t.Phase, string(t.Status), t.Attempts, t.Error,
				formatTime(r.StartedAt)); err != nil {
				return fmt.Errorf("record task %s: %w", t.ID, err)
			}
		}
		return nil
	})
}

// ListTasks returns the tasks of a run ordered by phase, then insertion.
func (db *DB) ListTasks(runID string) ([]RunTask, error) {
	rows, err := db.Query(`
		SELECT run_id, task_id, title, sub_agent, phase, status, attempts, error, updated_at
		FROM run_tasks WHERE run_id = ? ORDER BY phase, rowid
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []RunTask
	for rows.Next() {
		var t RunTask
		var updatedAt string
		if err := rows.Scan(&t.RunID, &t.TaskID, &t.Title, &t.SubAgent, &t.Phase, &t.Status,
			&t.Attempts, &t.Error, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.UpdatedAt, _ = parseTime(updatedAt)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// DeleteRun removes a run and its tasks.
func (db *DB) DeleteRun(id string) error {
	if _, err := db.Exec("DELETE FROM runs WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	return nil
}

// PurgeOldRuns deletes finished runs that started before now minus olderThan.
// Returns the number of runs deleted.
func (db *DB) PurgeOldRuns(olderThan time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().Add(-olderThan))

	result, err := db.Exec(`
		DELETE FROM runs WHERE started_at < ? AND finished_at IS NOT NULL
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge old runs: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return count, nil
}
