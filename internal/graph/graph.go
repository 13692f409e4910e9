// Package graph provides a dependency graph for task phasing.
package graph

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ShayCichocki/bmadorch/pkg/models"
)

var (
	// ErrCycleDetected indicates a circular dependency was found in the task graph.
	ErrCycleDetected = errors.New("circular dependency detected")
	// ErrUnknownDependency indicates a task depends on an ID that is not in the graph.
	ErrUnknownDependency = errors.New("unknown dependency")
	// ErrDuplicateTask indicates two tasks share an ID.
	ErrDuplicateTask = errors.New("duplicate task id")
)

// DependencyGraph represents a directed acyclic graph of task dependencies.
// Tasks are nodes, and edges represent "blocked by" relationships.
type DependencyGraph struct {
	mu sync.RWMutex
	// nodes maps task ID to the task itself.
	nodes map[string]*models.Task
	// order keeps task IDs in the order they were added.
	order []string
	// edges maps task ID to IDs of tasks it depends on (is blocked by).
	edges map[string][]string
	// completed tracks which tasks have been marked complete.
	completed map[string]bool
	// failed tracks which tasks have been marked failed.
	failed map[string]bool
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates a new empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		nodes:     make(map[string]*models.Task),
		edges:     make(map[string][]string),
		completed: make(map[string]bool),
		failed:    make(map[string]bool),
		debugLog:  func(format string, args ...interface{}) {}, // no-op by default
	}
}

// SetDebugLog sets the debug logging function.
func (g *DependencyGraph) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		g.debugLog = fn
	}
}

// Build constructs the dependency graph from a slice of tasks.
// Returns an error if a cycle is detected or dependencies reference unknown tasks.
// Tasks already in a terminal status are recorded as completed or failed.
func (g *DependencyGraph) Build(tasks []*models.Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.debugLog("[graph.Build] building graph from %d tasks", len(tasks))

	// First pass: register all tasks as nodes.
	for _, task := range tasks {
		if _, exists := g.nodes[task.ID]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
		}
		g.nodes[task.ID] = task
		g.order = append(g.order, task.ID)
		g.edges[task.ID] = nil
		switch task.Status {
		case models.TaskStatusDone:
			g.completed[task.ID] = true
		case models.TaskStatusFailed:
			g.failed[task.ID] = true
		}
	}

	// Second pass: build edges from DependsOn fields.
	for _, task := range tasks {
		seen := make(map[string]bool, len(task.DependsOn))
		for _, depID := range task.DependsOn {
			if _, exists := g.nodes[depID]; !exists {
				return fmt.Errorf("task %s depends on %s: %w", task.ID, depID, ErrUnknownDependency)
			}
			if seen[depID] {
				continue
			}
			seen[depID] = true
			g.edges[task.ID] = append(g.edges[task.ID], depID)
		}
	}

	g.debugLog("[graph.Build] edges: %v", g.edges)

	if cycle := g.findCycleLocked(); cycle != nil {
		return fmt.Errorf("%w: %s", ErrCycleDetected, strings.Join(cycle, " -> "))
	}

	g.debugLog("[graph.Build] graph built with %d nodes", len(g.nodes))
	return nil
}

// HasCycle returns true if the graph contains a circular dependency.
func (g *DependencyGraph) HasCycle() bool {
	return g.FindCycle() != nil
}

// FindCycle returns the IDs along one dependency cycle, with the first ID
// repeated at the end, or nil if the graph is acyclic.
func (g *DependencyGraph) FindCycle() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.findCycleLocked()
}

// findCycleLocked runs a colored DFS in insertion order; the lock must be held.
func (g *DependencyGraph) findCycleLocked() []string {
	// 0 = white (unvisited), 1 = gray (on stack), 2 = black (done).
	colors := make(map[string]int, len(g.nodes))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		colors[id] = 1
		stack = append(stack, id)

		for _, depID := range g.edges[id] {
			switch colors[depID] {
			case 1:
				// Back edge: slice the stack from the first occurrence.
				for i, sid := range stack {
					if sid == depID {
						cycle := append([]string{}, stack[i:]...)
						return append(cycle, depID)
					}
				}
			case 0:
				if cycle := visit(depID); cycle != nil {
					return cycle
				}
			}
		}

		stack = stack[:len(stack)-1]
		colors[id] = 2
		return nil
	}

	for _, id := range g.order {
		if colors[id] == 0 {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// Phases groups every task into ordered phases. A task lands in the first
// phase after all of its dependencies; each phase holds every task that is
// schedulable at that point. IDs within a phase keep insertion order.
func (g *DependencyGraph) Phases() ([][]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	scheduled := make(map[string]bool, len(g.nodes))
	var phases [][]string

	for len(scheduled) < len(g.order) {
		var phase []string
		for _, id := range g.order {
			if scheduled[id] {
				continue
			}
			ready := true
			for _, depID := range g.edges[id] {
				if !scheduled[depID] {
					ready = false
					break
				}
			}
			if ready {
				phase = append(phase, id)
			}
		}

		// A sweep without progress only happens on a cycle; Build rejects
		// those, but the check keeps Phases total on any graph.
		if len(phase) == 0 {
			return nil, ErrCycleDetected
		}

		// Mark after the sweep so a phase never contains its own dependencies.
		for _, id := range phase {
			scheduled[id] = true
		}
		g.debugLog("[graph.Phases] phase %d: %v", len(phases)+1, phase)
		phases = append(phases, phase)
	}

	return phases, nil
}

// TopologicalSort returns task IDs in an order where all dependencies
// come before the tasks that depend on them.
// Returns an error if the graph contains a cycle.
func (g *DependencyGraph) TopologicalSort() ([]string, error) {
	phases, err := g.Phases()
	if err != nil {
		return nil, err
	}
	result := make([]string, 0, g.Size())
	for _, phase := range phases {
		result = append(result, phase...)
	}
	return result, nil
}

// GetReady returns task IDs that have no unmet dependencies and are not yet
// completed, failed or blocked. These tasks can be executed in parallel.
func (g *DependencyGraph) GetReady() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []string
	for _, id := range g.order {
		if g.completed[id] || g.failed[id] {
			continue
		}
		task := g.nodes[id]
		if task.Status == models.TaskStatusInProgress || task.Status == models.TaskStatusBlocked {
			continue
		}

		allDepsComplete := true
		for _, depID := range g.edges[id] {
			if !g.completed[depID] {
				allDepsComplete = false
				break
			}
		}
		if allDepsComplete {
			ready = append(ready, id)
		}
	}

	g.debugLog("[graph.GetReady] %d ready: %v", len(ready), ready)
	return ready
}

// MarkComplete marks a task as completed in the graph.
// This affects subsequent calls to GetReady.
func (g *DependencyGraph) MarkComplete(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.debugLog("[graph.MarkComplete] %s", taskID)
	g.completed[taskID] = true
	delete(g.failed, taskID)
}

// MarkFailed marks a task as failed in the graph.
func (g *DependencyGraph) MarkFailed(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.debugLog("[graph.MarkFailed] %s", taskID)
	g.failed[taskID] = true
	delete(g.completed, taskID)
}

// Blocked returns the IDs of tasks that can never run because a direct or
// transitive dependency failed, in insertion order.
func (g *DependencyGraph) Blocked() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	memo := make(map[string]bool, len(g.nodes))
	var blockedBy func(id string) bool
	blockedBy = func(id string) bool {
		if v, ok := memo[id]; ok {
			return v
		}
		memo[id] = false
		for _, depID := range g.edges[id] {
			if g.failed[depID] || blockedBy(depID) {
				memo[id] = true
				break
			}
		}
		return memo[id]
	}

	var blocked []string
	for _, id := range g.order {
		if g.completed[id] || g.failed[id] {
			continue
		}
		if blockedBy(id) {
			blocked = append(blocked, id)
		}
	}
	return blocked
}

// GetTask returns the task for a given ID, or nil if not found.
func (g *DependencyGraph) GetTask(taskID string) *models.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[taskID]
}

// Size returns the number of tasks in the graph.
func (g *DependencyGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// GetDependencies returns the IDs of tasks that the given task depends on.
func (g *DependencyGraph) GetDependencies(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.edges[taskID]...)
}

// GetDependents returns the IDs of tasks that depend on the given task.
func (g *DependencyGraph) GetDependents(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var dependents []string
	for _, id := range g.order {
		for _, depID := range g.edges[id] {
			if depID == taskID {
				dependents = append(dependents, id)
				break
			}
		}
	}
	return dependents
}
