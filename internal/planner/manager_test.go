package planner

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/bmadorch/internal/graph"
	"github.com/ShayCichocki/bmadorch/pkg/models"
)

var fixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func task(id string, agent models.SubAgent, deps ...string) *models.Task {
	return &models.Task{
		ID:        id,
		Title:     "Task " + id,
		Status:    models.TaskStatusPending,
		SubAgent:  agent,
		DependsOn: deps,
	}
}

func sampleStory() *models.Story {
	return &models.Story{
		ID:    "1.2",
		Title: "User Login",
		Path:  "docs/stories/1.2.md",
		Tasks: []*models.Task{
			task("1", models.SubAgentDatabase),
			task("2", models.SubAgentBackend, "1"),
			task("3", models.SubAgentFrontend),
			task("4", models.SubAgentTest, "2", "3"),
		},
	}
}

func newTestManager(dir string) *Manager {
	return NewManager(Config{
		StatusDir:   dir,
		MaxParallel: 2,
		Estimates: Estimates{
			DefaultMinutes:    30,
			PerSubtaskMinutes: 10,
			SubAgents:         map[models.SubAgent]int{models.SubAgentTest: 45},
		},
	},
		WithClock(func() time.Time { return fixedNow }),
		WithIDGenerator(func() string { return "run-1" }),
	)
}

func TestBuildPlan(t *testing.T) {
	m := newTestManager(t.TempDir())
	plan, err := m.BuildPlan(sampleStory())
	require.NoError(t, err)

	want := []models.Phase{
		{Index: 1, TaskIDs: []string{"1", "3"}, EstimateMinutes: 30},
		{Index: 2, TaskIDs: []string{"2"}, EstimateMinutes: 30},
		{Index: 3, TaskIDs: []string{"4"}, EstimateMinutes: 45},
	}
	if diff := cmp.Diff(want, plan.Phases); diff != "" {
		t.Errorf("phases mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, "run-1", plan.RunID)
	assert.Equal(t, 105, plan.EstimateMinutes)
	assert.Equal(t, fixedNow, plan.CreatedAt)
	assert.Equal(t, models.StoryRef{ID: "1.2", Title: "User Login", Path: "docs/stories/1.2.md"}, plan.Story)

	phaseOf := map[string]int{}
	for _, tk := range plan.Tasks {
		phaseOf[tk.ID] = tk.Phase
	}
	assert.Equal(t, map[string]int{"1": 1, "2": 2, "3": 1, "4": 3}, phaseOf)
}

func TestBuildPlanErrors(t *testing.T) {
	m := newTestManager(t.TempDir())

	_, err := m.BuildPlan(&models.Story{Title: "Empty", Tasks: []*models.Task{}})
	require.ErrorIs(t, err, ErrNoTasks)

	_, err = m.BuildPlan(nil)
	require.ErrorIs(t, err, ErrNoTasks)

	cyclic := &models.Story{Tasks: []*models.Task{task("a", "", "b"), task("b", "", "a")}}
	_, err = m.BuildPlan(cyclic)
	require.ErrorIs(t, err, graph.ErrCycleDetected)
	assert.Contains(t, err.Error(), "a -> b -> a")

	dangling := &models.Story{Tasks: []*models.Task{task("a", "", "zzz")}}
	_, err = m.BuildPlan(dangling)
	require.ErrorIs(t, err, graph.ErrUnknownDependency)
}

func TestEstimatesTask(t *testing.T) {
	est := Estimates{
		DefaultMinutes:    30,
		PerSubtaskMinutes: 10,
		SubAgents:         map[models.SubAgent]int{models.SubAgentDevOps: 60},
	}

	tests := []struct {
		name string
		task *models.Task
		want int
	}{
		{"default", &models.Task{}, 30},
		{"sub-agent base", &models.Task{SubAgent: models.SubAgentDevOps}, 60},
		{"explicit wins", &models.Task{SubAgent: models.SubAgentDevOps, EstimateMinutes: 15}, 15},
		{
			"open subtasks add",
			&models.Task{Subtasks: []models.Subtask{{Done: true}, {}, {}}},
			50,
		},
		{"done is free", &models.Task{Status: models.TaskStatusDone, EstimateMinutes: 90}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, est.Task(tt.task))
		})
	}
}

func TestMakespan(t *testing.T) {
	tests := []struct {
		name      string
		durations []int
		workers   int
		want      int
	}{
		{"empty", nil, 3, 0},
		{"single worker sums", []int{10, 20, 30}, 1, 60},
		{"more workers than tasks", []int{10, 40}, 5, 40},
		{"longest first greedy", []int{30, 30, 20, 20, 20}, 2, 70},
		{"longest first optimal", []int{40, 30, 30}, 2, 60},
		{"zero workers treated as one", []int{5, 5}, 0, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Makespan(tt.durations, tt.workers))
		})
	}
}

func TestWriteStatusAndLoad(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(dir)
	plan, err := m.BuildPlan(sampleStory())
	require.NoError(t, err)

	_, err = m.WriteStatus(plan)
	require.NoError(t, err)

	for _, name := range []string{TodosFileName, MetricsFileName, ReportFileName} {
		assert.FileExists(t, filepath.Join(dir, name))
	}
	_, err = os.Stat(filepath.Join(dir, lockFileName))
	assert.True(t, os.IsNotExist(err), "lock file must be released")

	loaded, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPlanned, loaded.Status)
	assert.Equal(t, 2, loaded.MaxParallel)
	if diff := cmp.Diff(plan.Phases, loaded.Phases); diff != "" {
		t.Errorf("phases changed on round trip (-want +got):\n%s", diff)
	}

	metrics, err := LoadMetrics(dir)
	require.NoError(t, err)
	assert.Equal(t, 4, metrics.TotalTasks)
	assert.Equal(t, 4, metrics.Pending)
	assert.Equal(t, 1, metrics.CurrentPhase)
	assert.Equal(t, 105, metrics.RemainingMinutes)
	assert.Equal(t, map[string]int{
		"database-architect": 1,
		"backend-developer":  1,
		"frontend-developer": 1,
		"test-engineer":      1,
	}, metrics.BySubAgent)

	report, err := os.ReadFile(filepath.Join(dir, ReportFileName))
	require.NoError(t, err)
	assert.Contains(t, string(report), "# Orchestration Status: Story 1.2: User Login")
	assert.Contains(t, string(report), "## Phase 1 (pending, est. 30m)")
	assert.Contains(t, string(report), "- [ ] **4** Task 4 `test-engineer` (45m) (after 2, 3)")
}

func TestUpdateTaskStatus(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(dir)
	plan, err := m.BuildPlan(sampleStory())
	require.NoError(t, err)
	_, err = m.WriteStatus(plan)
	require.NoError(t, err)

	_, err = m.UpdateTaskStatus("2", models.TaskStatusInProgress, "")
	require.ErrorIs(t, err, ErrDependenciesOpen)

	_, err = m.UpdateTaskStatus("99", models.TaskStatusDone, "")
	require.ErrorIs(t, err, ErrTaskNotFound)

	_, err = m.UpdateTaskStatus("1", "finished", "")
	require.ErrorIs(t, err, ErrInvalidStatus)

	todos, err := m.UpdateTaskStatus("1", models.TaskStatusInProgress, "")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, todos.Status)
	assert.NotNil(t, todos.StartedAt)
	assert.Equal(t, 1, todos.Task("1").Attempts)

	todos, err = m.UpdateTaskStatus("1", models.TaskStatusDone, "")
	require.NoError(t, err)
	assert.NotNil(t, todos.Task("1").CompletedAt)

	todos, err = m.UpdateTaskStatus("3", models.TaskStatusFailed, "lint failed")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusBlocked, todos.Task("4").Status, "dependent of a failed task is blocked")
	assert.Equal(t, "lint failed", todos.Task("3").Error)

	snap := todos.Snapshot()
	assert.Equal(t, 2, snap.CurrentPhase())
	assert.True(t, snap.Failed())
	assert.False(t, snap.Complete())
	assert.InDelta(t, 25.0, snap.Progress(), 0.01)

	// Retrying the failed task releases its dependent.
	todos, err = m.UpdateTaskStatus("3", models.TaskStatusPending, "")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, todos.Task("4").Status)
	assert.Empty(t, todos.Task("3").Error)
}

func TestRunSettlesWhenAllDone(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(dir)
	plan, err := m.BuildPlan(sampleStory())
	require.NoError(t, err)
	_, err = m.WriteStatus(plan)
	require.NoError(t, err)

	var todos *Todos
	for _, id := range []string{"1", "3", "2", "4"} {
		todos, err = m.UpdateTaskStatus(id, models.TaskStatusDone, "")
		require.NoError(t, err)
	}
	assert.Equal(t, models.RunStatusCompleted, todos.Status)
	assert.NotNil(t, todos.FinishedAt)
	assert.Equal(t, 0, todos.Snapshot().CurrentPhase())

	metrics, err := LoadMetrics(dir)
	require.NoError(t, err)
	assert.Equal(t, 100.0, metrics.ProgressPercent)
	assert.Equal(t, 3, metrics.PhasesCompleted)
	assert.Equal(t, 0, metrics.RemainingMinutes)
}

func TestRunFailsWhenNothingRunnable(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(dir)
	plan, err := m.BuildPlan(&models.Story{Title: "Chain", Tasks: []*models.Task{task("1", ""), task("2", "", "1")}})
	require.NoError(t, err)
	_, err = m.WriteStatus(plan)
	require.NoError(t, err)

	todos, err := m.UpdateTaskStatus("1", models.TaskStatusFailed, "boom")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, todos.Status)
	assert.True(t, todos.Snapshot().Settled())
}

func TestReady(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(dir)
	plan, err := m.BuildPlan(sampleStory())
	require.NoError(t, err)
	todos := NewTodos(plan, m.cfg.Estimates, 2)

	ids := func(tasks []*models.Task) []string {
		var out []string
		for _, tk := range tasks {
			out = append(out, tk.ID)
		}
		return out
	}
	assert.Equal(t, []string{"1", "3"}, ids(todos.Ready()))

	todos.Task("1").Status = models.TaskStatusDone
	assert.Equal(t, []string{"3"}, ids(todos.Ready()), "phase 2 waits for phase 1 to settle")

	todos.Task("3").Status = models.TaskStatusDone
	assert.Equal(t, []string{"2"}, ids(todos.Ready()))
}

func TestConcurrentUpdatesAreSerialized(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(dir)
	story := &models.Story{Title: "Wide"}
	for i := 0; i < 8; i++ {
		story.Tasks = append(story.Tasks, task(string(rune('a'+i)), ""))
	}
	plan, err := m.BuildPlan(story)
	require.NoError(t, err)
	_, err = m.WriteStatus(plan)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, len(story.Tasks))
	for _, tk := range story.Tasks {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := UpdateTaskStatus(dir, id, models.TaskStatusDone, ""); err != nil {
				errs <- err
			}
		}(tk.ID)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("update failed: %v", err)
	}

	todos, err := LoadTodos(dir)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, todos.Status)
}

func TestLoadTodosErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadTodos(dir)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, TodosFileName), []byte("{not json"), 0644))
	_, err = LoadTodos(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse todos")

	doc, _ := json.Marshal(map[string]int{"version": 99})
	require.NoError(t, os.WriteFile(filepath.Join(dir, TodosFileName), doc, 0644))
	_, err = LoadTodos(dir)
	require.Error(t, err)
}

func TestStaleLockIsReclaimed(t *testing.T) {
	dir := t.TempDir()
	lock := filepath.Join(dir, lockFileName)
	require.NoError(t, os.WriteFile(lock, []byte("1\n"), 0644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(lock, old, old))

	ran := false
	require.NoError(t, withLock(dir, func() error { ran = true; return nil }))
	assert.True(t, ran)
}

func TestLockTimeout(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, lockFileName), []byte("1\n"), 0644))

	saved := lockTimeout
	lockTimeout = 50 * time.Millisecond
	defer func() { lockTimeout = saved }()

	err := withLock(dir, func() error { return nil })
	assert.True(t, errors.Is(err, ErrLockTimeout))
}

func TestRenderReportStatuses(t *testing.T) {
	todos := &Todos{
		Plan: models.Plan{
			RunID: "r",
			Story: models.StoryRef{Title: "Chores"},
			Phases: []models.Phase{
				{Index: 1, TaskIDs: []string{"1", "2", "3"}, EstimateMinutes: 90},
			},
			Tasks: []*models.Task{
				{ID: "1", Title: "Done one", Status: models.TaskStatusDone},
				{ID: "2", Title: "Running", Status: models.TaskStatusInProgress, SubAgent: models.SubAgentBackend},
				{ID: "3", Title: "Broken", Status: models.TaskStatusFailed, Error: "exit 1\nstack"},
			},
			EstimateMinutes: 90,
		},
		Status: models.RunStatusRunning,
	}
	m := ComputeMetrics(todos, DefaultEstimates(), 1, fixedNow)
	out := RenderReport(todos, m, DefaultEstimates())

	assert.True(t, strings.HasPrefix(out, "# Orchestration Status: Chores\n"))
	assert.Contains(t, out, "- [x] **1** Done one `general-purpose`\n")
	assert.Contains(t, out, "- [ ] **2** Running `backend-developer` (30m) _in progress_\n")
	assert.Contains(t, out, "_failed: exit 1_")
	assert.Contains(t, out, "- **Estimate:** 1h 30m")
	assert.Contains(t, out, "## Phase 1 (active, est. 1h 30m)")
}

func TestFormatMinutes(t *testing.T) {
	assert.Equal(t, "0m", formatMinutes(0))
	assert.Equal(t, "45m", formatMinutes(45))
	assert.Equal(t, "2h", formatMinutes(120))
	assert.Equal(t, "1h 5m", formatMinutes(65))
}
