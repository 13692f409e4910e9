// Package planner lays a story out into phases and keeps its status files.
//
// The Manager builds a Plan from a parsed story: tasks are grouped into
// sequential phases where every dependency of a task sits in an earlier
// phase, each phase is estimated, and the result is written to the todos,
// metrics and Markdown report files that other processes read and update.
package planner

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ShayCichocki/bmadorch/internal/graph"
	"github.com/ShayCichocki/bmadorch/internal/logging"
	"github.com/ShayCichocki/bmadorch/pkg/models"
)

// ErrNoTasks is returned when a story has nothing to plan.
var ErrNoTasks = errors.New("story has no tasks")

// Config configures a Manager.
type Config struct {
	// StatusDir is where status files are written.
	StatusDir string
	// MaxParallel is the number of workers assumed when estimating a phase.
	MaxParallel int
	// Estimates is the duration table.
	Estimates Estimates
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithIDGenerator overrides run ID generation.
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) {
		m.newID = fn
	}
}

// Manager builds plans and maintains status files.
type Manager struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

// NewManager creates a Manager.
func NewManager(cfg Config, opts ...Option) *Manager {
	if cfg.StatusDir == "" {
		cfg.StatusDir = "."
	}
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 1
	}
	m := &Manager{
		cfg:    cfg,
		logger: logging.Nop(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StatusDir returns the directory holding the status files.
func (m *Manager) StatusDir() string {
	return m.cfg.StatusDir
}

// BuildPlan groups the story's tasks into phases and estimates them.
// Tasks get their Phase set; SubAgent should already be assigned.
func (m *Manager) BuildPlan(story *models.Story) (*models.Plan, error) {
	if story == nil || len(story.Tasks) == 0 {
		return nil, ErrNoTasks
	}

	g := graph.New()
	g.SetDebugLog(logging.Debugf(m.logger))
	if err := g.Build(story.Tasks); err != nil {
		return nil, fmt.Errorf("build dependency graph: %w", err)
	}

	phaseIDs, err := g.Phases()
	if err != nil {
		return nil, fmt.Errorf("compute phases: %w", err)
	}

	plan := &models.Plan{
		RunID:     m.newID(),
		Story:     story.Summary(),
		Tasks:     story.Tasks,
		CreatedAt: m.now(),
	}

	for i, ids := range phaseIDs {
		phase := models.Phase{
			Index:   i + 1,
			TaskIDs: ids,
		}
		durations := make([]int, 0, len(ids))
		for _, id := range ids {
			task := g.GetTask(id)
			task.Phase = phase.Index
			durations = append(durations, m.cfg.Estimates.Task(task))
		}
		phase.EstimateMinutes = Makespan(durations, m.cfg.MaxParallel)
		plan.EstimateMinutes += phase.EstimateMinutes
		plan.Phases = append(plan.Phases, phase)
	}

	m.logger.Info("plan built",
		zap.String("run_id", plan.RunID),
		zap.String("story", storyLabel(plan.Story)),
		zap.Int("tasks", len(plan.Tasks)),
		zap.Int("phases", len(plan.Phases)),
		zap.Int("estimate_minutes", plan.EstimateMinutes),
	)
	return plan, nil
}

// WriteStatus writes fresh status files for a plan and returns the todos
// document.
func (m *Manager) WriteStatus(plan *models.Plan) (*Todos, error) {
	t := NewTodos(plan, m.cfg.Estimates, m.cfg.MaxParallel)
	t.Refresh(m.now())
	if err := SaveTodos(m.cfg.StatusDir, t, m.now()); err != nil {
		return nil, fmt.Errorf("write status: %w", err)
	}
	m.logger.Debug("status written", zap.String("dir", m.cfg.StatusDir), zap.String("run_id", plan.RunID))
	return t, nil
}

// Load reads the current todos document.
func (m *Manager) Load() (*Todos, error) {
	return LoadTodos(m.cfg.StatusDir)
}

// Save rewrites all status files from t.
func (m *Manager) Save(t *Todos) error {
	return SaveTodos(m.cfg.StatusDir, t, m.now())
}

// UpdateTaskStatus changes one task's status and rewrites the status files.
func (m *Manager) UpdateTaskStatus(taskID string, status models.TaskStatus, errMsg string) (*Todos, error) {
	t, err := UpdateTaskStatus(m.cfg.StatusDir, taskID, status, errMsg)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("task status updated",
		zap.String("task_id", taskID),
		zap.String("status", string(status)),
	)
	return t, nil
}

// Modify applies fn to the todos document under the status lock.
func (m *Manager) Modify(fn func(t *Todos, now time.Time) error) (*Todos, error) {
	return Modify(m.cfg.StatusDir, fn)
}

// Metrics computes metrics for t with the manager's settings.
func (m *Manager) Metrics(t *Todos) *Metrics {
	return ComputeMetrics(t, m.cfg.Estimates, m.cfg.MaxParallel, m.now())
}
