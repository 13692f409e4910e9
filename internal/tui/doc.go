// Package tui provides the watch dashboard for bmadorch.
//
// The dashboard is read-only. It re-reads the todos file on a tick and shows
// overall progress, one block per phase with the sub-agent of every task,
// and a short activity log of status changes. It works the same whether the
// run is driven by `bmadorch run` in another terminal or by sub-agents
// updating the file directly. Quit with 'q' or Ctrl+C.
//
// Usage:
//
//	load := func() (*planner.Todos, error) { return planner.LoadTodos(dir) }
//	err := tui.Watch(ctx, load, time.Second)
package tui
