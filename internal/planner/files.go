package planner

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ShayCichocki/bmadorch/pkg/models"
)

// Status file names, relative to the status directory.
const (
	TodosFileName   = ".bmad-todos.json"
	MetricsFileName = ".bmad-metrics.json"
	ReportFileName  = ".bmad-status.md"
	lockFileName    = ".bmad-todos.lock"
)

var (
	// ErrTaskNotFound is returned when a task ID is not in the todos file.
	ErrTaskNotFound = errors.New("task not found")
	// ErrDependenciesOpen is returned when a task is started or finished
	// before all of its dependencies are done.
	ErrDependenciesOpen = errors.New("dependencies not done")
	// ErrInvalidStatus is returned for an unknown task status.
	ErrInvalidStatus = errors.New("invalid task status")
	// ErrLockTimeout is returned when the todos lock cannot be acquired.
	ErrLockTimeout = errors.New("timed out waiting for todos lock")
)

// Lock timing. A lock older than staleLockAge is assumed abandoned.
var (
	lockTimeout  = 5 * time.Second
	lockRetry    = 10 * time.Millisecond
	staleLockAge = 30 * time.Second
)

// LoadTodos reads the todos file from dir.
func LoadTodos(dir string) (*Todos, error) {
	data, err := os.ReadFile(filepath.Join(dir, TodosFileName))
	if err != nil {
		return nil, fmt.Errorf("read todos: %w", err)
	}
	var t Todos
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse todos: %w", err)
	}
	if t.Version > todosVersion {
		return nil, fmt.Errorf("todos version %d is newer than supported version %d", t.Version, todosVersion)
	}
	return &t, nil
}

// LoadMetrics reads the metrics file from dir.
func LoadMetrics(dir string) (*Metrics, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetricsFileName))
	if err != nil {
		return nil, fmt.Errorf("read metrics: %w", err)
	}
	var m Metrics
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse metrics: %w", err)
	}
	return &m, nil
}

// SaveTodos writes the todos, metrics and report files. Each file is
// replaced atomically; readers never see a partial write.
func SaveTodos(dir string, t *Todos, now time.Time) error {
	return withLock(dir, func() error {
		return saveLocked(dir, t, now)
	})
}

func saveLocked(dir string, t *Todos, now time.Time) error {
	t.UpdatedAt = now
	m := ComputeMetrics(t, t.Estimates, t.MaxParallel, now)

	todos, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("encode todos: %w", err)
	}
	metrics, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}

	// Metrics and report first so a watcher woken by the todos write sees
	// consistent companions.
	if err := writeAtomic(filepath.Join(dir, MetricsFileName), append(metrics, '\n')); err != nil {
		return err
	}
	if err := writeAtomic(filepath.Join(dir, ReportFileName), []byte(RenderReport(t, m, t.Estimates))); err != nil {
		return err
	}
	return writeAtomic(filepath.Join(dir, TodosFileName), append(todos, '\n'))
}

// UpdateTaskStatus sets a task's status in the todos file under dir and
// rewrites all status files. Starting or finishing a task requires its
// dependencies to be done. The updated document is returned.
func UpdateTaskStatus(dir, taskID string, status models.TaskStatus, errMsg string) (*Todos, error) {
	return Modify(dir, func(t *Todos, now time.Time) error {
		return t.SetTaskStatus(taskID, status, errMsg, now)
	})
}

// Modify runs fn on the todos file under the lock, refreshes derived state
// and writes the result.
func Modify(dir string, fn func(t *Todos, now time.Time) error) (*Todos, error) {
	var out *Todos
	err := withLock(dir, func() error {
		t, err := LoadTodos(dir)
		if err != nil {
			return err
		}
		now := time.Now()
		if err := fn(t, now); err != nil {
			return err
		}
		t.Refresh(now)
		out = t
		return saveLocked(dir, t, now)
	})
	return out, err
}

// SetTaskStatus changes one task's status in memory. It enforces the same
// dependency rules as UpdateTaskStatus; callers persist t themselves,
// usually from inside Modify.
func (t *Todos) SetTaskStatus(taskID string, status models.TaskStatus, errMsg string, now time.Time) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	task := t.Task(taskID)
	if task == nil {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	if status == models.TaskStatusInProgress || status == models.TaskStatusDone {
		var open []string
		for _, dep := range task.DependsOn {
			if d := t.Task(dep); d == nil || d.Status != models.TaskStatusDone {
				open = append(open, dep)
			}
		}
		if len(open) > 0 {
			return fmt.Errorf("task %s: %w: %v", taskID, ErrDependenciesOpen, open)
		}
	}

	task.Status = status
	switch status {
	case models.TaskStatusInProgress:
		task.Attempts++
		task.Error = ""
		task.CompletedAt = nil
	case models.TaskStatusDone:
		task.Error = ""
		completed := now
		task.CompletedAt = &completed
	case models.TaskStatusFailed:
		task.Error = errMsg
		completed := now
		task.CompletedAt = &completed
	default:
		task.Error = errMsg
		task.CompletedAt = nil
	}

	if t.Status == models.RunStatusPlanned {
		t.Status = models.RunStatusRunning
		if t.StartedAt == nil {
			started := now
			t.StartedAt = &started
		}
	}
	return nil
}

// writeAtomic writes data to a temp file in the same directory and renames
// it over path.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create status dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return fmt.Errorf("chmod %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

// withLock runs fn while holding the todos lock file in dir.
func withLock(dir string, fn func() error) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create status dir: %w", err)
	}
	path := filepath.Join(dir, lockFileName)
	deadline := time.Now().Add(lockTimeout)

	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			break
		}
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("acquire todos lock: %w", err)
		}
		if info, statErr := os.Stat(path); statErr == nil && time.Since(info.ModTime()) > staleLockAge {
			os.Remove(path)
			continue
		}
		if time.Now().After(deadline) {
			return ErrLockTimeout
		}
		time.Sleep(lockRetry)
	}
	defer os.Remove(path)

	return fn()
}
