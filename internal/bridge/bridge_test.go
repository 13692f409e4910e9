package bridge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/bmadorch/internal/classify"
	iexec "github.com/ShayCichocki/bmadorch/internal/exec"
	"github.com/ShayCichocki/bmadorch/internal/planner"
	"github.com/ShayCichocki/bmadorch/internal/state"
	"github.com/ShayCichocki/bmadorch/pkg/models"
)

const checkoutStory = `# Story 1.2: Checkout

## Tasks / Subtasks

- [ ] Task 1: Create orders table schema
- [ ] Task 2: Build checkout form component (depends on: 1)
- [ ] Task 3: Add payment webhook endpoint (depends on: 1)
- [ ] Task 4: Write integration tests (depends on: 2, 3)
`

type fakeCall struct {
	taskID string
	env    map[string]string
	dir    string
}

// fakeRunner stands in for the dispatch hook.
type fakeRunner struct {
	mu        sync.Mutex
	calls     []fakeCall
	failures  map[string]int // remaining failures per task, -1 for always
	hang      bool
	active    int
	maxActive int
}

func (f *fakeRunner) RunShell(ctx context.Context, opts iexec.ShellOptions, command string) (*iexec.Result, error) {
	env := make(map[string]string)
	for _, kv := range opts.Env {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}
	id := env["BMAD_TASK_ID"]

	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{taskID: id, env: env, dir: opts.Dir})
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	fail := false
	if n := f.failures[id]; n != 0 {
		fail = true
		if n > 0 {
			f.failures[id] = n - 1
		}
	}
	hang := f.hang
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if hang {
		<-ctx.Done()
		return &iexec.Result{ExitCode: -1}, ctx.Err()
	}
	select {
	case <-time.After(10 * time.Millisecond):
	case <-ctx.Done():
		return &iexec.Result{ExitCode: -1}, ctx.Err()
	}
	if fail {
		return &iexec.Result{Output: []byte("compiling\nboom\n"), ExitCode: 1}, errors.New("exit status 1")
	}
	return &iexec.Result{Output: []byte("ok\n")}, nil
}

func (f *fakeRunner) callOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(f.calls))
	for i, c := range f.calls {
		ids[i] = c.taskID
	}
	return ids
}

type fixture struct {
	dir       string
	storyPath string
	manager   *planner.Manager
	runner    *fakeRunner
	bridge    *Bridge
	store     *state.DB
	cfg       Config
}

func newFixture(t *testing.T, storyText string, mutate func(*Config)) *fixture {
	t.Helper()
	dir := t.TempDir()
	storyPath := filepath.Join(dir, "1.2.story.md")
	require.NoError(t, os.WriteFile(storyPath, []byte(storyText), 0644))

	store, err := state.OpenAndMigrate(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := Config{
		ProjectDir:   dir,
		SignalDir:    filepath.Join(dir, ".bmad", "signals"),
		LogDir:       filepath.Join(dir, ".bmad", "logs"),
		PollInterval: 20 * time.Millisecond,
		MaxParallel:  2,
		TaskTimeout:  5 * time.Second,
		Hook:         "dispatch-task",
	}
	if mutate != nil {
		mutate(&cfg)
	}

	manager := planner.NewManager(planner.Config{
		StatusDir:   dir,
		MaxParallel: cfg.MaxParallel,
		Estimates:   planner.DefaultEstimates(),
	})
	runner := &fakeRunner{failures: map[string]int{}}
	b := New(cfg, manager, classify.New(), runner, WithStore(store))
	t.Cleanup(b.Close)

	return &fixture{
		dir:       dir,
		storyPath: storyPath,
		manager:   manager,
		runner:    runner,
		bridge:    b,
		store:     store,
		cfg:       cfg,
	}
}

// drain closes the bridge and returns every buffered event.
func (f *fixture) drain() []Event {
	f.bridge.Close()
	var events []Event
	for ev := range f.bridge.Events() {
		events = append(events, ev)
	}
	return events
}

func eventTypes(events []Event, taskID string) []EventType {
	var types []EventType
	for _, ev := range events {
		if taskID == "" || ev.TaskID == taskID {
			types = append(types, ev.Type)
		}
	}
	return types
}

func TestPrepare(t *testing.T) {
	f := newFixture(t, checkoutStory, nil)

	plan, err := f.bridge.Prepare(context.Background(), f.storyPath)
	require.NoError(t, err)

	require.Len(t, plan.Phases, 3)
	assert.Equal(t, []string{"1"}, plan.Phases[0].TaskIDs)
	assert.Equal(t, []string{"2", "3"}, plan.Phases[1].TaskIDs)
	assert.Equal(t, []string{"4"}, plan.Phases[2].TaskIDs)

	agents := map[string]models.SubAgent{}
	for _, task := range plan.Tasks {
		agents[task.ID] = task.SubAgent
	}
	assert.Equal(t, map[string]models.SubAgent{
		"1": models.SubAgentDatabase,
		"2": models.SubAgentFrontend,
		"3": models.SubAgentBackend,
		"4": models.SubAgentTest,
	}, agents)

	for _, name := range []string{planner.TodosFileName, planner.MetricsFileName, planner.ReportFileName} {
		assert.FileExists(t, filepath.Join(f.dir, name))
	}

	run, err := f.store.GetRun(plan.RunID)
	require.NoError(t, err)
	assert.Equal(t, "1.2", run.StoryID)
	assert.Equal(t, 4, run.TaskCount)
	assert.Equal(t, models.RunStatusPlanned, run.Status)
	assert.Equal(t, os.Getpid(), run.PID)
}

func TestPrepare_Errors(t *testing.T) {
	f := newFixture(t, "# Story 9: Nothing to do\n\nJust prose.\n", nil)

	_, err := f.bridge.Prepare(context.Background(), f.storyPath)
	assert.ErrorIs(t, err, planner.ErrNoTasks)

	_, err = f.bridge.Prepare(context.Background(), filepath.Join(f.dir, "missing.md"))
	assert.Error(t, err)
}

func TestRun_HookCompletesAllPhases(t *testing.T) {
	f := newFixture(t, checkoutStory, nil)
	plan, err := f.bridge.Prepare(context.Background(), f.storyPath)
	require.NoError(t, err)

	res, err := f.bridge.Run(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCompleted, res.Status)
	assert.Equal(t, 4, res.Done)
	assert.Equal(t, 3, res.PhasesCompleted)
	assert.Equal(t, 3, res.TotalPhases)

	order := f.runner.callOrder()
	require.Len(t, order, 4)
	assert.Equal(t, "1", order[0])
	assert.ElementsMatch(t, []string{"2", "3"}, order[1:3])
	assert.Equal(t, "4", order[3])

	call := f.runner.calls[0]
	assert.Equal(t, plan.RunID, call.env["BMAD_RUN_ID"])
	assert.Equal(t, "Create orders table schema", call.env["BMAD_TASK_TITLE"])
	assert.Equal(t, "database-architect", call.env["BMAD_SUB_AGENT"])
	assert.Equal(t, "1", call.env["BMAD_PHASE"])
	assert.Equal(t, f.storyPath, call.env["BMAD_STORY"])
	assert.Equal(t, f.dir, call.dir)

	todos, err := planner.LoadTodos(f.dir)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, todos.Status)
	assert.NotNil(t, todos.FinishedAt)

	run, err := f.store.GetRun(plan.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	tasks, err := f.store.ListTasks(plan.RunID)
	require.NoError(t, err)
	for _, task := range tasks {
		assert.Equal(t, models.TaskStatusDone, task.Status, "task %s", task.TaskID)
	}

	assert.FileExists(t, filepath.Join(f.cfg.LogDir, "task-1.log"))

	events := f.drain()
	types := eventTypes(events, "")
	assert.Equal(t, EventRunStarted, types[0])
	assert.Equal(t, EventRunFinished, types[len(types)-1])
	assert.Contains(t, types, EventPhaseStarted)
	assert.Contains(t, types, EventPhaseCompleted)
	assert.Equal(t, []EventType{EventTaskDispatched, EventTaskCompleted}, eventTypes(events, "4"))
}

func TestRun_FailureBlocksDependents(t *testing.T) {
	f := newFixture(t, checkoutStory, func(c *Config) { c.Retries = 1 })
	f.runner.failures["2"] = -1
	plan, err := f.bridge.Prepare(context.Background(), f.storyPath)
	require.NoError(t, err)

	res, err := f.bridge.Run(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusFailed, res.Status)
	assert.Equal(t, 2, res.Done)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Blocked)

	todos, err := planner.LoadTodos(f.dir)
	require.NoError(t, err)
	failed := todos.Task("2")
	assert.Equal(t, models.TaskStatusFailed, failed.Status)
	assert.Equal(t, 2, failed.Attempts)
	assert.Equal(t, "exit status 1: boom", failed.Error)
	assert.Equal(t, models.TaskStatusBlocked, todos.Task("4").Status)
	assert.NotContains(t, f.runner.callOrder(), "4")

	events := f.drain()
	assert.Equal(t, []EventType{EventTaskDispatched, EventTaskFailed}, eventTypes(events, "2"))
	assert.Equal(t, []EventType{EventTaskBlocked}, eventTypes(events, "4"))
}

func TestRun_RetryRecovers(t *testing.T) {
	f := newFixture(t, checkoutStory, func(c *Config) { c.Retries = 2 })
	f.runner.failures["3"] = 2
	plan, err := f.bridge.Prepare(context.Background(), f.storyPath)
	require.NoError(t, err)

	res, err := f.bridge.Run(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, res.Status)

	todos, err := planner.LoadTodos(f.dir)
	require.NoError(t, err)
	assert.Equal(t, 3, todos.Task("3").Attempts)
}

func TestRun_MaxParallel(t *testing.T) {
	story := `# Wide

## Tasks

- [ ] Task 1: One
- [ ] Task 2: Two
- [ ] Task 3: Three
- [ ] Task 4: Four
`
	f := newFixture(t, story, func(c *Config) { c.MaxParallel = 2 })
	plan, err := f.bridge.Prepare(context.Background(), f.storyPath)
	require.NoError(t, err)
	require.Len(t, plan.Phases, 1)

	res, err := f.bridge.Run(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, res.Status)
	assert.LessOrEqual(t, f.runner.maxActive, 2)
	assert.Len(t, f.runner.callOrder(), 4)
}

func TestRun_KillSignal(t *testing.T) {
	f := newFixture(t, checkoutStory, nil)
	f.runner.hang = true
	plan, err := f.bridge.Prepare(context.Background(), f.storyPath)
	require.NoError(t, err)

	done := make(chan *Result, 1)
	go func() {
		res, err := f.bridge.Run(context.Background(), plan)
		assert.NoError(t, err)
		done <- res
	}()

	require.Eventually(t, func() bool {
		return len(f.runner.callOrder()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, Send(f.cfg.SignalDir, SignalKill))

	select {
	case res := <-done:
		assert.Equal(t, models.RunStatusKilled, res.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after kill signal")
	}

	todos, err := planner.LoadTodos(f.dir)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusKilled, todos.Status)
	assert.Equal(t, models.TaskStatusPending, todos.Task("1").Status)
	assert.Equal(t, "interrupted", todos.Task("1").Error)
	assert.NoFileExists(t, filepath.Join(f.cfg.SignalDir, SignalKill))
}

func TestRun_StaleKillIgnored(t *testing.T) {
	f := newFixture(t, checkoutStory, nil)
	require.NoError(t, Send(f.cfg.SignalDir, SignalKill))
	plan, err := f.bridge.Prepare(context.Background(), f.storyPath)
	require.NoError(t, err)

	res, err := f.bridge.Run(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, res.Status)
}

func TestRun_ContextCancelled(t *testing.T) {
	f := newFixture(t, checkoutStory, nil)
	f.runner.hang = true
	plan, err := f.bridge.Prepare(context.Background(), f.storyPath)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer cancel()
		assert.Eventually(t, func() bool {
			return len(f.runner.callOrder()) == 1
		}, 5*time.Second, 10*time.Millisecond)
	}()

	res, err := f.bridge.Run(ctx, plan)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, res.Status)

	run, err := f.store.GetRun(plan.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, run.Status)
	assert.NotNil(t, run.FinishedAt)
}

func TestRun_TaskTimeout(t *testing.T) {
	f := newFixture(t, "# T\n\n## Tasks\n\n- [ ] Task 1: Slow\n", func(c *Config) {
		c.TaskTimeout = 30 * time.Millisecond
	})
	f.runner.hang = true
	plan, err := f.bridge.Prepare(context.Background(), f.storyPath)
	require.NoError(t, err)

	res, err := f.bridge.Run(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, res.Status)

	todos, err := planner.LoadTodos(f.dir)
	require.NoError(t, err)
	assert.Contains(t, todos.Task("1").Error, "timed out")
}

func TestRun_ExternalProgressWithoutHook(t *testing.T) {
	f := newFixture(t, checkoutStory, func(c *Config) { c.Hook = "" })
	plan, err := f.bridge.Prepare(context.Background(), f.storyPath)
	require.NoError(t, err)

	done := make(chan *Result, 1)
	go func() {
		res, err := f.bridge.Run(context.Background(), plan)
		assert.NoError(t, err)
		done <- res
	}()

	// Act as the sub-agents: finish whatever the bridge put in progress.
	finished := map[string]bool{}
	require.Eventually(t, func() bool {
		todos, err := planner.LoadTodos(f.dir)
		if err != nil {
			return false
		}
		for _, task := range todos.Tasks {
			if task.Status == models.TaskStatusInProgress && !finished[task.ID] {
				if _, err := planner.UpdateTaskStatus(f.dir, task.ID, models.TaskStatusDone, ""); err == nil {
					finished[task.ID] = true
				}
			}
		}
		return len(finished) == 4
	}, 10*time.Second, 20*time.Millisecond)

	select {
	case res := <-done:
		assert.Equal(t, models.RunStatusCompleted, res.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
	assert.Empty(t, f.runner.callOrder())
}

func TestRun_NoHookRespectsMaxParallel(t *testing.T) {
	story := "# Wide\n\n## Tasks\n\n- [ ] One\n- [ ] Two\n- [ ] Three\n"
	f := newFixture(t, story, func(c *Config) {
		c.Hook = ""
		c.MaxParallel = 2
	})
	plan, err := f.bridge.Prepare(context.Background(), f.storyPath)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.bridge.Run(ctx, plan)
	}()

	require.Eventually(t, func() bool {
		todos, err := planner.LoadTodos(f.dir)
		return err == nil && todos.Snapshot().Counts[models.TaskStatusInProgress] == 2
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(5 * f.cfg.PollInterval)

	todos, err := planner.LoadTodos(f.dir)
	require.NoError(t, err)
	assert.Equal(t, 2, todos.Snapshot().Counts[models.TaskStatusInProgress])
	assert.Equal(t, 1, todos.Snapshot().Counts[models.TaskStatusPending])

	cancel()
	<-done
}

func TestRun_PauseHoldsDispatch(t *testing.T) {
	f := newFixture(t, checkoutStory, nil)
	require.NoError(t, Send(f.cfg.SignalDir, SignalPause))
	plan, err := f.bridge.Prepare(context.Background(), f.storyPath)
	require.NoError(t, err)

	done := make(chan *Result, 1)
	go func() {
		res, err := f.bridge.Run(context.Background(), plan)
		assert.NoError(t, err)
		done <- res
	}()

	require.Eventually(t, func() bool {
		todos, err := planner.LoadTodos(f.dir)
		return err == nil && todos.Status == models.RunStatusPaused
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(5 * f.cfg.PollInterval)
	assert.Empty(t, f.runner.callOrder())

	require.NoError(t, Clear(f.cfg.SignalDir, SignalPause))

	select {
	case res := <-done:
		assert.Equal(t, models.RunStatusCompleted, res.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not resume")
	}

	types := eventTypes(f.drain(), "")
	assert.Contains(t, types, EventRunPaused)
	assert.Contains(t, types, EventRunResumed)
}

func TestRun_RunMismatch(t *testing.T) {
	f := newFixture(t, checkoutStory, nil)
	plan, err := f.bridge.Prepare(context.Background(), f.storyPath)
	require.NoError(t, err)

	other := *plan
	other.RunID = "someone-else"
	_, err = f.bridge.Run(context.Background(), &other)
	assert.ErrorIs(t, err, ErrRunMismatch)
}

func TestRun_ReplacedStatusFilesLeftAlone(t *testing.T) {
	f := newFixture(t, checkoutStory, nil)
	f.runner.hang = true
	first, err := f.bridge.Prepare(context.Background(), f.storyPath)
	require.NoError(t, err)

	done := make(chan *Result, 1)
	go func() {
		res, err := f.bridge.Run(context.Background(), first)
		assert.NoError(t, err)
		done <- res
	}()

	require.Eventually(t, func() bool {
		return len(f.runner.callOrder()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// A second planning pass takes over the status directory.
	second, err := f.bridge.Prepare(context.Background(), f.storyPath)
	require.NoError(t, err)
	require.NotEqual(t, first.RunID, second.RunID)

	select {
	case res := <-done:
		assert.Equal(t, first.RunID, res.RunID)
		assert.Equal(t, models.RunStatusCancelled, res.Status)
		assert.Equal(t, 4, res.Total)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not notice the replaced status files")
	}

	todos, err := planner.LoadTodos(f.dir)
	require.NoError(t, err)
	assert.Equal(t, second.RunID, todos.RunID)
	assert.Equal(t, models.RunStatusPlanned, todos.Status)
	assert.Nil(t, todos.FinishedAt)
	for _, task := range todos.Tasks {
		assert.Equal(t, models.TaskStatusPending, task.Status, task.ID)
		assert.Empty(t, task.Error, task.ID)
		assert.Zero(t, task.Attempts, task.ID)
	}

	run, err := f.store.GetRun(first.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, run.Status)
	other, err := f.store.GetRun(second.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPlanned, other.Status)
}

func TestLastLine(t *testing.T) {
	assert.Equal(t, "boom", lastLine([]byte("a\n\nboom\n\n")))
	assert.Equal(t, "", lastLine(nil))
	assert.Len(t, lastLine([]byte(strings.Repeat("x", 500))), 200)
}
