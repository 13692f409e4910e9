package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/bmadorch/internal/planner"
	"github.com/ShayCichocki/bmadorch/pkg/models"
)

// maxActivity bounds the activity log.
const maxActivity = 8

// Loader reads the current todos document.
type Loader func() (*planner.Todos, error)

// todosMsg carries the result of a load.
type todosMsg struct {
	todos *planner.Todos
	err   error
	at    time.Time
}

// tickMsg schedules the next load.
type tickMsg struct{}

// activityEntry is one line of the activity log.
type activityEntry struct {
	at     time.Time
	taskID string
	title  string
	status models.TaskStatus
}

// WatchOption configures a WatchApp.
type WatchOption func(*WatchApp)

// WithExitOnFinish quits the dashboard once the run reaches a terminal status.
func WithExitOnFinish(enabled bool) WatchOption {
	return func(a *WatchApp) {
		a.exitOnFinish = enabled
	}
}

// WatchApp is the bubbletea model of the watch dashboard.
type WatchApp struct {
	load     Loader
	interval time.Duration

	todos    *planner.Todos
	err      error
	loadedAt time.Time
	prev     map[string]models.TaskStatus
	activity []activityEntry

	progress progress.Model
	spinner  spinner.Model

	width        int
	height       int
	quitting     bool
	exitOnFinish bool
}

// NewWatchApp creates a dashboard that calls load every interval.
func NewWatchApp(load Loader, interval time.Duration, opts ...WatchOption) *WatchApp {
	if interval <= 0 {
		interval = time.Second
	}
	a := &WatchApp{
		load:     load,
		interval: interval,
		progress: progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		spinner:  spinner.New(spinner.WithSpinner(spinner.Dot)),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Init implements tea.Model.
func (a *WatchApp) Init() tea.Cmd {
	return tea.Batch(a.spinner.Tick, a.loadCmd())
}

func (a *WatchApp) loadCmd() tea.Cmd {
	load := a.load
	return func() tea.Msg {
		t, err := load()
		return todosMsg{todos: t, err: err, at: time.Now()}
	}
}

func (a *WatchApp) tickCmd() tea.Cmd {
	return tea.Tick(a.interval, func(time.Time) tea.Msg { return tickMsg{} })
}

// Update implements tea.Model.
func (a *WatchApp) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			a.quitting = true
			return a, tea.Quit
		case "r":
			return a, a.loadCmd()
		}
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.progress.Width = min(max(msg.Width-20, 10), 60)
	case tickMsg:
		return a, a.loadCmd()
	case todosMsg:
		a.apply(msg)
		if a.exitOnFinish && a.todos != nil && a.todos.Status.Terminal() {
			return a, tea.Quit
		}
		return a, a.tickCmd()
	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd
	}
	return a, nil
}

// apply stores a load result and records status changes in the activity log.
func (a *WatchApp) apply(msg todosMsg) {
	a.err = msg.err
	if msg.err != nil {
		return
	}
	a.loadedAt = msg.at

	if a.prev != nil && (a.todos == nil || a.todos.RunID == msg.todos.RunID) {
		for _, task := range msg.todos.Tasks {
			if prev, ok := a.prev[task.ID]; ok && prev != task.Status {
				a.activity = append(a.activity, activityEntry{
					at:     msg.at,
					taskID: task.ID,
					title:  task.Title,
					status: task.Status,
				})
			}
		}
		if n := len(a.activity); n > maxActivity {
			a.activity = a.activity[n-maxActivity:]
		}
	} else {
		a.activity = nil
	}

	a.prev = make(map[string]models.TaskStatus, len(msg.todos.Tasks))
	for _, task := range msg.todos.Tasks {
		a.prev[task.ID] = task.Status
	}
	a.todos = msg.todos
}

// View implements tea.Model.
func (a *WatchApp) View() string {
	if a.quitting {
		return ""
	}
	var b strings.Builder

	if a.todos == nil {
		b.WriteString(headerStyle.Render("bmadorch watch"))
		b.WriteString("\n\n")
		if a.err != nil {
			b.WriteString(errorStyle.Render("Cannot read status: "))
			b.WriteString(a.err.Error())
		} else {
			b.WriteString(a.spinner.View() + " loading status")
		}
		b.WriteString("\n")
		b.WriteString(footerStyle.Render("q quit"))
		return b.String()
	}

	t := a.todos
	snap := t.Snapshot()

	b.WriteString(headerStyle.Render(storyTitle(t)))
	b.WriteString("\n")

	status := runStatusStyle(t.Status).Render(string(t.Status))
	if t.Status == models.RunStatusRunning {
		status = a.spinner.View() + " " + status
	}
	b.WriteString(labelStyle.Render("Status:") + status + "\n")
	b.WriteString(labelStyle.Render("Run:") + dimStyle.Render(t.RunID) + "\n")
	b.WriteString(labelStyle.Render("Progress:"))
	b.WriteString(a.progress.ViewAs(snap.Progress() / 100))
	b.WriteString("\n")
	b.WriteString(labelStyle.Render("Tasks:"))
	b.WriteString(countsLine(snap))
	b.WriteString("\n\n")

	current := snap.CurrentPhase()
	for i, phase := range t.Phases {
		b.WriteString(a.renderPhase(t, phase, snap.Phases[i], phase.Index == current))
		b.WriteString("\n")
	}

	if a.err != nil {
		b.WriteString(errorStyle.Render("Last refresh failed: "))
		b.WriteString(a.err.Error())
		b.WriteString("\n")
	}

	if len(a.activity) > 0 {
		b.WriteString("\n")
		b.WriteString(valueStyle.Render("Activity"))
		b.WriteString("\n")
		for _, e := range a.activity {
			b.WriteString(dimStyle.Render(e.at.Format("15:04:05")))
			b.WriteString("  ")
			b.WriteString(statusStyle(e.status).Render(fmt.Sprintf("%-11s", e.status)))
			b.WriteString(" ")
			b.WriteString(e.taskID + " " + truncate(e.title, 50))
			b.WriteString("\n")
		}
	}

	footer := "q quit  r refresh"
	if !a.loadedAt.IsZero() {
		footer += "  updated " + a.loadedAt.Format("15:04:05")
	}
	b.WriteString(footerStyle.Render(footer))
	return b.String()
}

func (a *WatchApp) renderPhase(t *planner.Todos, phase models.Phase, pp planner.PhaseProgress, current bool) string {
	var lines []string
	title := fmt.Sprintf("Phase %d  %s  %d/%d", phase.Index, pp.State(), pp.Done, pp.Total)
	lines = append(lines, valueStyle.Render(title))

	width := 60
	if a.width > 0 {
		width = max(a.width-30, 20)
	}
	for _, id := range phase.TaskIDs {
		task := t.Task(id)
		if task == nil {
			continue
		}
		icon := statusStyle(task.Status).Render(statusIcons[task.Status])
		line := fmt.Sprintf("%s %s %s %s", icon, task.ID, truncate(task.Title, width), agentStyle.Render(string(task.SubAgent)))
		if task.Status == models.TaskStatusFailed && task.Error != "" {
			line += " " + errorStyle.Render(truncate(task.Error, 40))
		}
		lines = append(lines, line)
	}

	box := phaseBox
	if current {
		box = currentPhaseBox
	}
	return box.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func countsLine(s planner.Snapshot) string {
	parts := []string{fmt.Sprintf("%d total", s.Total)}
	for _, st := range []models.TaskStatus{
		models.TaskStatusDone,
		models.TaskStatusInProgress,
		models.TaskStatusPending,
		models.TaskStatusBlocked,
		models.TaskStatusFailed,
	} {
		if n := s.Counts[st]; n > 0 {
			parts = append(parts, statusStyle(st).Render(fmt.Sprintf("%d %s", n, st)))
		}
	}
	return strings.Join(parts, "  ")
}

func storyTitle(t *planner.Todos) string {
	switch {
	case t.Story.ID != "" && t.Story.Title != "":
		return fmt.Sprintf("Story %s: %s", t.Story.ID, t.Story.Title)
	case t.Story.Title != "":
		return t.Story.Title
	default:
		return "bmadorch"
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

// Watch runs the dashboard until the user quits or ctx ends.
func Watch(ctx context.Context, load Loader, interval time.Duration, opts ...WatchOption) error {
	app := NewWatchApp(load, interval, opts...)
	p := tea.NewProgram(app, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
