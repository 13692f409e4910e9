package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/bmadorch/internal/planner"
	"github.com/ShayCichocki/bmadorch/internal/state"
	"github.com/ShayCichocki/bmadorch/pkg/models"
)

// ErrRunMismatch is returned when the status files belong to another run.
var ErrRunMismatch = errors.New("status files belong to a different run")

// Result summarizes a finished run.
type Result struct {
	RunID           string
	Status          models.RunStatus
	TotalPhases     int
	PhasesCompleted int
	Total           int
	Done            int
	Failed          int
	Blocked         int
	Pending         int
	Elapsed         time.Duration
}

// Run monitors the plan's run until it completes, fails, is killed or ctx
// ends. Ready tasks of the current phase are dispatched as they appear.
// The returned error is only set when the run could not be monitored; the
// outcome of the tasks is in Result.Status.
func (b *Bridge) Run(ctx context.Context, plan *models.Plan) (*Result, error) {
	start := time.Now()

	sig, err := OpenSignals(b.cfg.SignalDir, b.logger)
	if err != nil {
		return nil, err
	}
	defer sig.Close()
	// A kill file left by an earlier run must not end this one.
	if err := Clear(b.cfg.SignalDir, SignalKill); err != nil {
		return nil, err
	}

	t, err := b.manager.Modify(func(t *planner.Todos, now time.Time) error {
		if t.RunID != plan.RunID {
			return fmt.Errorf("%w: %s", ErrRunMismatch, t.RunID)
		}
		if b.cfg.Hook != "" {
			// Hooks from a previous process are gone; run those tasks again.
			for _, task := range t.Tasks {
				if task.Status == models.TaskStatusInProgress {
					task.Status = models.TaskStatusPending
					task.Error = "interrupted"
				}
			}
		}
		if t.Status == models.RunStatusPlanned || t.Status == models.RunStatusPaused {
			t.Status = models.RunStatusRunning
		}
		if t.StartedAt == nil {
			started := now
			t.StartedAt = &started
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}

	watcher := newTodosWatcher(b.manager.StatusDir(), b.logger)
	defer watcher.Close()

	m := &monitor{
		b:           b,
		plan:        plan,
		signals:     sig,
		watcher:     watcher,
		wake:        make(chan struct{}, 1),
		inflight:    make(map[string]bool),
		hookResults: make(map[string]hookResult),
		statuses:    make(map[string]models.TaskStatus),
		phaseDone:   make(map[int]bool),
		phaseSeen:   make(map[int]bool),
		logger:      b.logger.With(zap.String("run_id", plan.RunID)),
	}
	for _, task := range t.Tasks {
		m.statuses[task.ID] = task.Status
	}
	m.group.SetLimit(b.cfg.MaxParallel)

	b.recordRunStatus(plan.RunID, t.Status)
	b.events.Emit(Event{Type: EventRunStarted, RunID: plan.RunID, Message: plan.Story.Title})
	m.logger.Info("run started",
		zap.Int("tasks", len(t.Tasks)),
		zap.Int("phases", len(t.Phases)),
		zap.Bool("hook", b.cfg.Hook != ""),
	)

	runCtx, cancel := context.WithCancel(ctx)
	status := m.loop(runCtx)
	cancel()
	m.group.Wait()

	return b.finish(m, status, start)
}

// finish writes the terminal status and builds the Result.
func (b *Bridge) finish(m *monitor, status models.RunStatus, start time.Time) (*Result, error) {
	t, err := m.modify(func(t *planner.Todos, now time.Time) error {
		if !t.Status.Terminal() || status == models.RunStatusKilled || status == models.RunStatusCancelled {
			t.Status = status
			finished := now
			t.FinishedAt = &finished
		}
		return nil
	})
	if errors.Is(err, ErrRunMismatch) {
		// The status files now belong to another run; leave them alone.
		m.logger.Warn("status files replaced, run abandoned", zap.Error(err))
		return b.abandon(m, start), nil
	}
	if err != nil {
		return nil, fmt.Errorf("finish run: %w", err)
	}
	m.observe(t, t.Snapshot())

	snap := t.Snapshot()
	elapsed := time.Since(start)
	if t.StartedAt != nil && t.FinishedAt != nil {
		elapsed = t.FinishedAt.Sub(*t.StartedAt)
	}
	res := &Result{
		RunID:           t.RunID,
		Status:          t.Status,
		TotalPhases:     len(t.Phases),
		PhasesCompleted: snap.PhasesCompleted(),
		Total:           snap.Total,
		Done:            snap.Counts[models.TaskStatusDone],
		Failed:          snap.Counts[models.TaskStatusFailed],
		Blocked:         snap.Counts[models.TaskStatusBlocked],
		Pending:         snap.Counts[models.TaskStatusPending],
		Elapsed:         elapsed,
	}

	b.recordRunStatus(t.RunID, t.Status)
	b.events.Emit(Event{
		Type:     EventRunFinished,
		RunID:    t.RunID,
		Message:  string(t.Status),
		Duration: elapsed,
	})
	m.logger.Info("run finished",
		zap.String("status", string(res.Status)),
		zap.Int("done", res.Done),
		zap.Int("failed", res.Failed),
		zap.Int("blocked", res.Blocked),
		zap.Duration("elapsed", elapsed),
	)
	return res, nil
}

// abandon ends a run whose status files were taken over. The result is
// built from the last observed task states.
func (b *Bridge) abandon(m *monitor, start time.Time) *Result {
	counts := make(map[models.TaskStatus]int)
	for _, s := range m.statuses {
		counts[s]++
	}
	elapsed := time.Since(start)
	res := &Result{
		RunID:           m.plan.RunID,
		Status:          models.RunStatusCancelled,
		TotalPhases:     len(m.plan.Phases),
		PhasesCompleted: len(m.phaseDone),
		Total:           len(m.plan.Tasks),
		Done:            counts[models.TaskStatusDone],
		Failed:          counts[models.TaskStatusFailed],
		Blocked:         counts[models.TaskStatusBlocked],
		Pending:         counts[models.TaskStatusPending],
		Elapsed:         elapsed,
	}
	b.recordRunStatus(m.plan.RunID, res.Status)
	b.events.Emit(Event{
		Type:     EventRunFinished,
		RunID:    m.plan.RunID,
		Message:  string(res.Status),
		Duration: elapsed,
	})
	return res
}

func (b *Bridge) recordRunStatus(runID string, status models.RunStatus) {
	if b.store == nil {
		return
	}
	if err := b.store.UpdateRunStatus(runID, status, time.Now()); err != nil {
		b.logger.Debug("record run status failed", zap.String("run_id", runID), zap.Error(err))
	}
}

// hookResult is what a finished hook leaves for the next status check.
type hookResult struct {
	duration time.Duration
	logFile  string
}

// monitor is the state of one Run call.
type monitor struct {
	b       *Bridge
	plan    *models.Plan
	signals *Signals
	watcher *todosWatcher
	wake    chan struct{}
	group   errgroup.Group
	logger  *zap.Logger

	mu          sync.Mutex
	inflight    map[string]bool
	hookResults map[string]hookResult

	// Owned by the loop goroutine.
	statuses  map[string]models.TaskStatus
	phaseDone map[int]bool
	phaseSeen map[int]bool
	paused    bool
}

func (m *monitor) loop(ctx context.Context) models.RunStatus {
	ticker := time.NewTicker(m.b.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return models.RunStatusCancelled
		}
		if status, done := m.check(ctx); done {
			return status
		}
		select {
		case <-ctx.Done():
			return models.RunStatusCancelled
		case <-ticker.C:
		case <-m.watcher.Changed():
		case <-m.signals.Changed():
		case <-m.wake:
		}
	}
}

// check is the status check: it re-reads the todos file, reports what
// changed and dispatches ready tasks. done is true when the run is over.
func (m *monitor) check(ctx context.Context) (status models.RunStatus, done bool) {
	if m.signals.ShouldStop() {
		m.logger.Warn("kill signal received")
		if err := Clear(m.b.cfg.SignalDir, SignalKill); err != nil {
			m.logger.Warn("clear kill signal", zap.Error(err))
		}
		return models.RunStatusKilled, true
	}

	t, err := m.b.manager.Load()
	if err != nil {
		m.logger.Warn("status check failed", zap.Error(err))
		return "", false
	}
	if t.RunID != m.plan.RunID {
		m.logger.Error("status files replaced by another run", zap.String("other_run_id", t.RunID))
		return models.RunStatusCancelled, true
	}

	snap := t.Snapshot()
	m.observe(t, snap)

	switch t.Status {
	case models.RunStatusCompleted, models.RunStatusFailed, models.RunStatusKilled, models.RunStatusCancelled:
		return t.Status, true
	}

	if paused := m.signals.ShouldPause(); paused != m.paused {
		m.setPaused(paused)
	}
	if m.paused {
		return "", false
	}

	m.dispatch(ctx, t, snap)
	return "", false
}

func (m *monitor) setPaused(paused bool) {
	m.paused = paused
	from, to, ev := models.RunStatusRunning, models.RunStatusPaused, EventRunPaused
	if !paused {
		from, to, ev = models.RunStatusPaused, models.RunStatusRunning, EventRunResumed
	}
	if _, err := m.modify(func(t *planner.Todos, _ time.Time) error {
		if t.Status == from {
			t.Status = to
		}
		return nil
	}); err != nil {
		m.logger.Warn("update run status", zap.Error(err))
		if errors.Is(err, ErrRunMismatch) {
			return
		}
	}
	m.b.recordRunStatus(m.plan.RunID, to)
	m.b.events.Emit(Event{Type: ev, RunID: m.plan.RunID})
	m.logger.Info("run "+string(to))
}

// modify applies fn to the todos file while it still belongs to this run.
func (m *monitor) modify(fn func(t *planner.Todos, now time.Time) error) (*planner.Todos, error) {
	return m.b.manager.Modify(func(t *planner.Todos, now time.Time) error {
		if t.RunID != m.plan.RunID {
			return fmt.Errorf("%w: %s", ErrRunMismatch, t.RunID)
		}
		return fn(t, now)
	})
}

// setTaskStatus is UpdateTaskStatus guarded by the run ID.
func (m *monitor) setTaskStatus(taskID string, status models.TaskStatus, errMsg string) error {
	_, err := m.modify(func(t *planner.Todos, now time.Time) error {
		return t.SetTaskStatus(taskID, status, errMsg, now)
	})
	if err == nil {
		m.logger.Debug("task status updated",
			zap.String("task_id", taskID),
			zap.String("status", string(status)),
		)
	}
	return err
}

// observe emits events and history updates for every task and phase whose
// state changed since the last check.
func (m *monitor) observe(t *planner.Todos, snap planner.Snapshot) {
	now := time.Now()
	for _, task := range t.Tasks {
		prev, seen := m.statuses[task.ID]
		if seen && prev == task.Status {
			continue
		}
		m.statuses[task.ID] = task.Status

		if m.b.store != nil {
			if err := m.b.store.UpsertTask(state.RunTaskFromModel(t.RunID, task, now)); err != nil {
				m.logger.Debug("record task failed", zap.String("task_id", task.ID), zap.Error(err))
			}
		}

		ev := Event{
			RunID:     t.RunID,
			Phase:     task.Phase,
			TaskID:    task.ID,
			TaskTitle: task.Title,
			SubAgent:  string(task.SubAgent),
		}
		m.mu.Lock()
		if r, ok := m.hookResults[task.ID]; ok {
			ev.Duration = r.duration
			ev.LogFile = r.logFile
		}
		m.mu.Unlock()

		switch task.Status {
		case models.TaskStatusDone:
			ev.Type = EventTaskCompleted
		case models.TaskStatusFailed:
			ev.Type = EventTaskFailed
			ev.Message = task.Error
			ev.Error = errors.New(task.Error)
		case models.TaskStatusBlocked:
			ev.Type = EventTaskBlocked
			ev.Message = "dependency failed"
		default:
			continue
		}
		m.b.events.Emit(ev)
	}

	current := snap.CurrentPhase()
	for _, p := range snap.Phases {
		if p.Settled() {
			if !m.phaseDone[p.Index] {
				m.phaseDone[p.Index] = true
				m.b.events.Emit(Event{
					Type:    EventPhaseCompleted,
					RunID:   t.RunID,
					Phase:   p.Index,
					Message: p.State(),
				})
				m.logger.Info("phase settled", zap.Int("phase", p.Index), zap.String("state", p.State()))
			}
			continue
		}
		// A retried task reopens its phase.
		delete(m.phaseDone, p.Index)
		if p.Index == current && !m.phaseSeen[p.Index] {
			m.phaseSeen[p.Index] = true
			m.b.events.Emit(Event{Type: EventPhaseStarted, RunID: t.RunID, Phase: p.Index})
			m.logger.Info("phase started", zap.Int("phase", p.Index), zap.Int("tasks", p.Total))
		}
	}
}

// dispatch starts the ready tasks of the current phase.
func (m *monitor) dispatch(ctx context.Context, t *planner.Todos, snap planner.Snapshot) {
	ready := t.Ready()
	if len(ready) == 0 {
		return
	}

	if m.b.cfg.Hook == "" {
		slots := m.b.cfg.MaxParallel - snap.Counts[models.TaskStatusInProgress]
		for _, task := range ready {
			if slots <= 0 {
				return
			}
			if err := m.setTaskStatus(task.ID, models.TaskStatusInProgress, ""); err != nil {
				m.logger.Warn("dispatch failed", zap.String("task_id", task.ID), zap.Error(err))
				continue
			}
			slots--
			m.emitDispatched(task)
		}
		return
	}

	for _, task := range ready {
		m.mu.Lock()
		busy := m.inflight[task.ID]
		if !busy {
			m.inflight[task.ID] = true
		}
		m.mu.Unlock()
		if busy {
			continue
		}

		if !m.group.TryGo(func() error {
			m.execute(ctx, task)
			return nil
		}) {
			m.mu.Lock()
			delete(m.inflight, task.ID)
			m.mu.Unlock()
			return
		}
	}
}

func (m *monitor) emitDispatched(task *models.Task) {
	m.b.events.Emit(Event{
		Type:      EventTaskDispatched,
		RunID:     m.plan.RunID,
		Phase:     task.Phase,
		TaskID:    task.ID,
		TaskTitle: task.Title,
		SubAgent:  string(task.SubAgent),
	})
	m.logger.Info("task dispatched",
		zap.String("task_id", task.ID),
		zap.Int("phase", task.Phase),
		zap.String("sub_agent", string(task.SubAgent)),
	)
}
