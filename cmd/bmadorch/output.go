package main

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	"github.com/ShayCichocki/bmadorch/pkg/models"
)

// printStatus prints a status line with color
func printStatus(w io.Writer, symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Fprintf(w, "%s %s\n", c.Sprint(symbol), message)
}

var taskStatusColors = map[models.TaskStatus]color.Attribute{
	models.TaskStatusPending:    color.FgWhite,
	models.TaskStatusInProgress: color.FgCyan,
	models.TaskStatusBlocked:    color.FgYellow,
	models.TaskStatusDone:       color.FgGreen,
	models.TaskStatusFailed:     color.FgRed,
}

var taskStatusSymbols = map[models.TaskStatus]string{
	models.TaskStatusPending:    "○",
	models.TaskStatusInProgress: "◐",
	models.TaskStatusBlocked:    "⊘",
	models.TaskStatusDone:       "✓",
	models.TaskStatusFailed:     "✗",
}

// taskStatusLabel returns the colored symbol for a task status.
func taskStatusLabel(s models.TaskStatus) string {
	attr, ok := taskStatusColors[s]
	if !ok {
		attr = color.FgWhite
	}
	sym, ok := taskStatusSymbols[s]
	if !ok {
		sym = "?"
	}
	return color.New(attr).Sprint(sym)
}

// runStatusLabel returns the run status in its color.
func runStatusLabel(s models.RunStatus) string {
	attr := color.FgWhite
	switch s {
	case models.RunStatusRunning:
		attr = color.FgCyan
	case models.RunStatusPaused:
		attr = color.FgYellow
	case models.RunStatusCompleted:
		attr = color.FgGreen
	case models.RunStatusFailed, models.RunStatusKilled:
		attr = color.FgRed
	case models.RunStatusCancelled:
		attr = color.FgMagenta
	}
	return color.New(attr, color.Bold).Sprint(string(s))
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		if s := int(d.Seconds()) % 60; s > 0 {
			return fmt.Sprintf("%dm%ds", int(d.Minutes()), s)
		}
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if m > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dh", h)
}

// formatMinutes formats an estimate given in minutes.
func formatMinutes(minutes int) string {
	if minutes <= 0 {
		return "0m"
	}
	return formatDuration(time.Duration(minutes) * time.Minute)
}
