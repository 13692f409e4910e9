package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/bmadorch/pkg/models"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("238"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(12)

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	agentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("111"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	phaseBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)

	currentPhaseBox = phaseBox.BorderForeground(lipgloss.Color("205"))

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			MarginTop(1)
)

// statusColors maps task statuses to their display color.
var statusColors = map[models.TaskStatus]lipgloss.Color{
	models.TaskStatusPending:    lipgloss.Color("245"),
	models.TaskStatusInProgress: lipgloss.Color("214"),
	models.TaskStatusBlocked:    lipgloss.Color("208"),
	models.TaskStatusDone:       lipgloss.Color("34"),
	models.TaskStatusFailed:     lipgloss.Color("196"),
}

var statusIcons = map[models.TaskStatus]string{
	models.TaskStatusPending:    "○",
	models.TaskStatusInProgress: "◐",
	models.TaskStatusBlocked:    "⊘",
	models.TaskStatusDone:       "●",
	models.TaskStatusFailed:     "✗",
}

func statusStyle(s models.TaskStatus) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(statusColors[s])
}

func runStatusStyle(s models.RunStatus) lipgloss.Style {
	switch s {
	case models.RunStatusCompleted:
		return statusStyle(models.TaskStatusDone).Bold(true)
	case models.RunStatusFailed, models.RunStatusKilled:
		return errorStyle
	case models.RunStatusRunning:
		return statusStyle(models.TaskStatusInProgress).Bold(true)
	case models.RunStatusPaused:
		return statusStyle(models.TaskStatusBlocked).Bold(true)
	default:
		return valueStyle
	}
}
