package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/ShayCichocki/bmadorch/internal/planner"
	"github.com/ShayCichocki/bmadorch/pkg/models"
)

func testTodos(statuses ...models.TaskStatus) *planner.Todos {
	tasks := []*models.Task{
		{ID: "1", Title: "Create orders table", SubAgent: models.SubAgentDatabase, Phase: 1},
		{ID: "2", Title: "Checkout form", SubAgent: models.SubAgentFrontend, Phase: 2, DependsOn: []string{"1"}},
		{ID: "3", Title: "Payment webhook", SubAgent: models.SubAgentBackend, Phase: 2, DependsOn: []string{"1"}},
	}
	for i, s := range statuses {
		tasks[i].Status = s
	}
	for _, task := range tasks {
		if task.Status == "" {
			task.Status = models.TaskStatusPending
		}
	}
	plan := &models.Plan{
		RunID: "run-1",
		Story: models.StoryRef{ID: "1.2", Title: "Checkout"},
		Phases: []models.Phase{
			{Index: 1, TaskIDs: []string{"1"}},
			{Index: 2, TaskIDs: []string{"2", "3"}},
		},
		Tasks: tasks,
	}
	t := planner.NewTodos(plan, planner.DefaultEstimates(), 2)
	t.Status = models.RunStatusRunning
	return t
}

func TestWatchApp_RendersPhases(t *testing.T) {
	app := NewWatchApp(nil, time.Second)
	app.Update(todosMsg{todos: testTodos(models.TaskStatusDone, models.TaskStatusInProgress), at: time.Now()})

	view := app.View()
	for _, want := range []string{
		"Story 1.2: Checkout",
		"Phase 1",
		"Phase 2",
		"Checkout form",
		"frontend-developer",
		"run-1",
	} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestWatchApp_ActivityLog(t *testing.T) {
	app := NewWatchApp(nil, time.Second)
	app.Update(todosMsg{todos: testTodos(), at: time.Now()})
	if len(app.activity) != 0 {
		t.Fatalf("first load should not produce activity, got %d", len(app.activity))
	}

	app.Update(todosMsg{todos: testTodos(models.TaskStatusDone), at: time.Now()})
	if len(app.activity) != 1 {
		t.Fatalf("expected 1 activity entry, got %d", len(app.activity))
	}
	if e := app.activity[0]; e.taskID != "1" || e.status != models.TaskStatusDone {
		t.Errorf("activity = %+v", e)
	}
	if !strings.Contains(app.View(), "Activity") {
		t.Error("view should show the activity log")
	}
}

func TestWatchApp_ActivityBounded(t *testing.T) {
	app := NewWatchApp(nil, time.Second)
	app.Update(todosMsg{todos: testTodos(), at: time.Now()})
	for i := 0; i < 10; i++ {
		app.Update(todosMsg{todos: testTodos(models.TaskStatusInProgress), at: time.Now()})
		app.Update(todosMsg{todos: testTodos(models.TaskStatusPending), at: time.Now()})
	}
	if len(app.activity) != maxActivity {
		t.Errorf("activity length = %d, want %d", len(app.activity), maxActivity)
	}
}

func TestWatchApp_LoadError(t *testing.T) {
	app := NewWatchApp(nil, time.Second)
	app.Update(todosMsg{err: errors.New("no such file")})

	view := app.View()
	if !strings.Contains(view, "no such file") {
		t.Errorf("view should show the load error:\n%s", view)
	}

	// A later error keeps the last good state on screen.
	app.Update(todosMsg{todos: testTodos(), at: time.Now()})
	app.Update(todosMsg{err: errors.New("locked")})
	view = app.View()
	if !strings.Contains(view, "Phase 1") || !strings.Contains(view, "locked") {
		t.Errorf("view should keep phases and show the error:\n%s", view)
	}
}

func TestWatchApp_Quit(t *testing.T) {
	for _, key := range []tea.KeyMsg{
		{Type: tea.KeyRunes, Runes: []rune("q")},
		{Type: tea.KeyCtrlC},
	} {
		app := NewWatchApp(nil, time.Second)
		_, cmd := app.Update(key)
		if cmd == nil {
			t.Fatalf("%s: expected quit command", key)
		}
		if _, ok := cmd().(tea.QuitMsg); !ok {
			t.Errorf("%s: expected tea.QuitMsg", key)
		}
		if app.View() != "" {
			t.Errorf("%s: view should be empty after quit", key)
		}
	}
}

func TestWatchApp_ExitOnFinish(t *testing.T) {
	app := NewWatchApp(nil, time.Second, WithExitOnFinish(true))
	done := testTodos(models.TaskStatusDone, models.TaskStatusDone, models.TaskStatusDone)
	done.Status = models.RunStatusCompleted

	_, cmd := app.Update(todosMsg{todos: done, at: time.Now()})
	if cmd == nil {
		t.Fatal("expected a command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected the dashboard to quit when the run finished")
	}
}

func TestWatchApp_LoadCmd(t *testing.T) {
	calls := 0
	app := NewWatchApp(func() (*planner.Todos, error) {
		calls++
		return testTodos(), nil
	}, time.Second)

	_, cmd := app.Update(tickMsg{})
	msg, ok := cmd().(todosMsg)
	if !ok {
		t.Fatalf("tick should trigger a load, got %T", msg)
	}
	if calls != 1 || msg.todos == nil {
		t.Errorf("calls = %d, todos = %v", calls, msg.todos)
	}
}

func TestWatchApp_WindowSize(t *testing.T) {
	app := NewWatchApp(nil, time.Second)
	app.Update(tea.WindowSizeMsg{Width: 200, Height: 50})
	if app.progress.Width != 60 {
		t.Errorf("progress width = %d, want 60", app.progress.Width)
	}
	app.Update(tea.WindowSizeMsg{Width: 20, Height: 10})
	if app.progress.Width != 10 {
		t.Errorf("progress width = %d, want 10", app.progress.Width)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is too long", 10, "this is..."},
		{"abc", 2, "ab"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
