package graph

import (
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"strings"
	"testing"

	"github.com/ShayCichocki/bmadorch/pkg/models"
)

func pending(id string, deps ...string) *models.Task {
	return &models.Task{ID: id, Title: "Task " + id, Status: models.TaskStatusPending, DependsOn: deps}
}

func TestNew(t *testing.T) {
	g := New()
	if g == nil {
		t.Fatal("expected non-nil graph")
	}
	if g.Size() != 0 {
		t.Errorf("expected empty graph, got size %d", g.Size())
	}
}

func TestBuildWithDependencies(t *testing.T) {
	g := New()
	tasks := []*models.Task{
		pending("1"),
		pending("2", "1"),
		pending("3", "1", "2"),
	}

	if err := g.Build(tasks); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if deps := g.GetDependencies("3"); len(deps) != 2 {
		t.Errorf("expected 2 dependencies for 3, got %d", len(deps))
	}
	if dependents := g.GetDependents("1"); !reflect.DeepEqual(dependents, []string{"2", "3"}) {
		t.Errorf("GetDependents(1) = %v, want [2 3]", dependents)
	}
	if g.GetTask("2") != tasks[1] {
		t.Error("GetTask(2) did not return the registered task")
	}
}

func TestBuildDeduplicatesRepeatedDependency(t *testing.T) {
	g := New()
	if err := g.Build([]*models.Task{pending("1"), pending("2", "1", "1")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deps := g.GetDependencies("2"); len(deps) != 1 {
		t.Errorf("expected duplicate dependency to collapse, got %v", deps)
	}
}

func TestBuildUnknownDependency(t *testing.T) {
	g := New()
	err := g.Build([]*models.Task{pending("1", "ghost")})
	if !errors.Is(err, ErrUnknownDependency) {
		t.Fatalf("expected ErrUnknownDependency, got %v", err)
	}
	if !strings.Contains(err.Error(), "ghost") {
		t.Errorf("error should name the missing task: %v", err)
	}
}

func TestBuildDuplicateTask(t *testing.T) {
	g := New()
	err := g.Build([]*models.Task{pending("1"), pending("1")})
	if !errors.Is(err, ErrDuplicateTask) {
		t.Fatalf("expected ErrDuplicateTask, got %v", err)
	}
}

func TestCycleDetection(t *testing.T) {
	tests := []struct {
		name  string
		tasks []*models.Task
		path  string
	}{
		{
			name:  "self dependency",
			tasks: []*models.Task{pending("1", "1")},
			path:  "1 -> 1",
		},
		{
			name:  "direct cycle",
			tasks: []*models.Task{pending("a", "b"), pending("b", "a")},
			path:  "a -> b -> a",
		},
		{
			name:  "indirect cycle behind a clean prefix",
			tasks: []*models.Task{pending("0"), pending("a", "0", "c"), pending("b", "a"), pending("c", "b")},
			path:  "a -> c -> b -> a",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New()
			err := g.Build(tt.tasks)
			if !errors.Is(err, ErrCycleDetected) {
				t.Fatalf("expected ErrCycleDetected, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.path) {
				t.Errorf("error %q should contain cycle path %q", err, tt.path)
			}
			if !g.HasCycle() {
				t.Error("HasCycle() = false after failed build")
			}
		})
	}
}

func TestPhases(t *testing.T) {
	tests := []struct {
		name  string
		tasks []*models.Task
		want  [][]string
	}{
		{
			name:  "independent tasks share one phase",
			tasks: []*models.Task{pending("1"), pending("2"), pending("3")},
			want:  [][]string{{"1", "2", "3"}},
		},
		{
			name:  "chain",
			tasks: []*models.Task{pending("1"), pending("2", "1"), pending("3", "2")},
			want:  [][]string{{"1"}, {"2"}, {"3"}},
		},
		{
			name: "diamond",
			tasks: []*models.Task{
				pending("1"),
				pending("2", "1"),
				pending("3", "1"),
				pending("4", "2", "3"),
			},
			want: [][]string{{"1"}, {"2", "3"}, {"4"}},
		},
		{
			name: "dependency declared after dependent keeps story order in phase",
			tasks: []*models.Task{
				pending("5", "9"),
				pending("7"),
				pending("9"),
			},
			want: [][]string{{"7", "9"}, {"5"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New()
			if err := g.Build(tt.tasks); err != nil {
				t.Fatalf("Build: %v", err)
			}
			got, err := g.Phases()
			if err != nil {
				t.Fatalf("Phases: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Phases() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPhasesEmptyGraph(t *testing.T) {
	got, err := New().Phases()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no phases, got %v", got)
	}
}

// randomDAG builds n tasks where each task may only depend on earlier ones,
// then shuffles the slice so declaration order differs from dependency order.
func randomDAG(r *rand.Rand, n int) []*models.Task {
	tasks := make([]*models.Task, n)
	for i := 0; i < n; i++ {
		task := pending(fmt.Sprintf("t%d", i))
		for j := 0; j < i; j++ {
			if r.Intn(4) == 0 {
				task.DependsOn = append(task.DependsOn, fmt.Sprintf("t%d", j))
			}
		}
		tasks[i] = task
	}
	r.Shuffle(len(tasks), func(i, j int) { tasks[i], tasks[j] = tasks[j], tasks[i] })
	return tasks
}

func TestPhasesInvariantsOnRandomDAGs(t *testing.T) {
	r := rand.New(rand.NewSource(42))

	for iter := 0; iter < 200; iter++ {
		tasks := randomDAG(r, 1+r.Intn(25))
		g := New()
		if err := g.Build(tasks); err != nil {
			t.Fatalf("iteration %d: Build: %v", iter, err)
		}
		phases, err := g.Phases()
		if err != nil {
			t.Fatalf("iteration %d: Phases: %v", iter, err)
		}

		phaseOf := make(map[string]int)
		for k, phase := range phases {
			if len(phase) == 0 {
				t.Fatalf("iteration %d: phase %d is empty", iter, k)
			}
			for _, id := range phase {
				if _, dup := phaseOf[id]; dup {
					t.Fatalf("iteration %d: task %s scheduled twice", iter, id)
				}
				phaseOf[id] = k
			}
		}
		if len(phaseOf) != len(tasks) {
			t.Fatalf("iteration %d: scheduled %d of %d tasks", iter, len(phaseOf), len(tasks))
		}

		for _, task := range tasks {
			k := phaseOf[task.ID]
			maxDep := -1
			for _, dep := range task.DependsOn {
				if phaseOf[dep] >= k {
					t.Fatalf("iteration %d: %s in phase %d depends on %s in phase %d", iter, task.ID, k, dep, phaseOf[dep])
				}
				if phaseOf[dep] > maxDep {
					maxDep = phaseOf[dep]
				}
			}
			// Maximality: a task sits exactly one phase after its latest dependency.
			if k != maxDep+1 {
				t.Fatalf("iteration %d: %s in phase %d but could run in phase %d", iter, task.ID, k, maxDep+1)
			}
		}
	}
}

func TestTopologicalSort(t *testing.T) {
	g := New()
	if err := g.Build([]*models.Task{pending("3", "2"), pending("2", "1"), pending("1")}); err != nil {
		t.Fatalf("Build: %v", err)
	}
	got, err := g.TopologicalSort()
	if err != nil {
		t.Fatalf("TopologicalSort: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"1", "2", "3"}) {
		t.Errorf("TopologicalSort() = %v, want [1 2 3]", got)
	}
}

func TestGetReadyAndMarkComplete(t *testing.T) {
	g := New()
	if err := g.Build([]*models.Task{pending("1"), pending("2", "1"), pending("3")}); err != nil {
		t.Fatalf("Build: %v", err)
	}

	if ready := g.GetReady(); !reflect.DeepEqual(ready, []string{"1", "3"}) {
		t.Fatalf("GetReady() = %v, want [1 3]", ready)
	}

	g.MarkComplete("1")
	if ready := g.GetReady(); !reflect.DeepEqual(ready, []string{"2", "3"}) {
		t.Fatalf("GetReady() after completing 1 = %v, want [2 3]", ready)
	}
}

func TestBuildHonorsTerminalStatuses(t *testing.T) {
	done := pending("1")
	done.Status = models.TaskStatusDone
	g := New()
	if err := g.Build([]*models.Task{done, pending("2", "1")}); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if ready := g.GetReady(); !reflect.DeepEqual(ready, []string{"2"}) {
		t.Errorf("GetReady() = %v, want [2]", ready)
	}
}

func TestBlocked(t *testing.T) {
	g := New()
	tasks := []*models.Task{
		pending("1"),
		pending("2", "1"),
		pending("3", "2"),
		pending("4"),
	}
	if err := g.Build(tasks); err != nil {
		t.Fatalf("Build: %v", err)
	}

	g.MarkFailed("1")
	if blocked := g.Blocked(); !reflect.DeepEqual(blocked, []string{"2", "3"}) {
		t.Errorf("Blocked() = %v, want [2 3]", blocked)
	}
	if ready := g.GetReady(); !reflect.DeepEqual(ready, []string{"4"}) {
		t.Errorf("GetReady() = %v, want [4]", ready)
	}

	// A retry that succeeds unblocks the chain.
	g.MarkComplete("1")
	if blocked := g.Blocked(); len(blocked) != 0 {
		t.Errorf("Blocked() after recovery = %v, want none", blocked)
	}
}

func TestSetDebugLog(t *testing.T) {
	var lines []string
	g := New()
	g.SetDebugLog(func(format string, args ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, args...))
	})
	g.SetDebugLog(nil) // ignored

	if err := g.Build([]*models.Task{pending("1")}); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(lines) == 0 {
		t.Error("expected debug lines from Build")
	}
}
