package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	iexec "github.com/ShayCichocki/bmadorch/internal/exec"
	"github.com/ShayCichocki/bmadorch/pkg/models"
)

// execute runs the dispatch hook for one task, retrying on failure, and
// records the outcome in the todos file.
func (m *monitor) execute(ctx context.Context, task *models.Task) {
	defer func() {
		m.mu.Lock()
		delete(m.inflight, task.ID)
		m.mu.Unlock()
		notify(m.wake)
	}()

	logFile := m.taskLogPath(task.ID)
	attempts := 1 + m.b.cfg.Retries
	var lastErr error
	start := time.Now()

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := m.setTaskStatus(task.ID, models.TaskStatusInProgress, ""); err != nil {
			m.logger.Warn("dispatch failed", zap.String("task_id", task.ID), zap.Error(err))
			return
		}
		if attempt == 1 {
			m.emitDispatched(task)
		}

		lastErr = m.runHook(ctx, task, attempt, logFile)
		if ctx.Err() != nil {
			// The run is stopping; leave the task runnable for the next one.
			if err := m.setTaskStatus(task.ID, models.TaskStatusPending, "interrupted"); err != nil {
				m.logger.Warn("reset interrupted task", zap.String("task_id", task.ID), zap.Error(err))
			}
			return
		}
		if lastErr == nil {
			break
		}
		m.logger.Warn("hook failed",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt),
			zap.Int("attempts", attempts),
			zap.Error(lastErr),
		)
	}

	m.mu.Lock()
	m.hookResults[task.ID] = hookResult{duration: time.Since(start), logFile: logFile}
	m.mu.Unlock()

	status, msg := models.TaskStatusDone, ""
	if lastErr != nil {
		status, msg = models.TaskStatusFailed, lastErr.Error()
	}
	if err := m.setTaskStatus(task.ID, status, msg); err != nil {
		m.logger.Error("record task result",
			zap.String("task_id", task.ID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

// runHook runs the dispatch command once and appends its output to logFile.
func (m *monitor) runHook(ctx context.Context, task *models.Task, attempt int, logFile string) error {
	cfg := m.b.cfg
	hookCtx := ctx
	if cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		hookCtx, cancel = context.WithTimeout(ctx, cfg.TaskTimeout)
		defer cancel()
	}

	res, err := m.b.runner.RunShell(hookCtx, iexec.ShellOptions{
		Dir:   cfg.ProjectDir,
		Env:   m.hookEnv(task, attempt),
		Shell: cfg.Shell,
	}, cfg.Hook)
	if res != nil {
		m.appendLog(logFile, task, attempt, res)
	}

	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(hookCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("timed out after %s", cfg.TaskTimeout)
	case res != nil && res.ExitCode > 0:
		if line := lastLine(res.Output); line != "" {
			return fmt.Errorf("exit status %d: %s", res.ExitCode, line)
		}
		return fmt.Errorf("exit status %d", res.ExitCode)
	default:
		return err
	}
}

// hookEnv describes the task to the dispatch command.
func (m *monitor) hookEnv(task *models.Task, attempt int) []string {
	return []string{
		"BMAD_RUN_ID=" + m.plan.RunID,
		"BMAD_TASK_ID=" + task.ID,
		"BMAD_TASK_TITLE=" + task.Title,
		"BMAD_TASK_DESCRIPTION=" + task.Description,
		"BMAD_SUB_AGENT=" + string(task.SubAgent),
		"BMAD_PHASE=" + strconv.Itoa(task.Phase),
		"BMAD_STORY=" + m.plan.Story.Path,
		"BMAD_ATTEMPT=" + strconv.Itoa(attempt),
		"BMAD_STATUS_DIR=" + m.b.manager.StatusDir(),
	}
}

func (m *monitor) taskLogPath(taskID string) string {
	if m.b.cfg.LogDir == "" {
		return ""
	}
	name := strings.Map(func(r rune) rune {
		if r == '/' || r == os.PathSeparator {
			return '_'
		}
		return r
	}, taskID)
	return filepath.Join(m.b.cfg.LogDir, "task-"+name+".log")
}

func (m *monitor) appendLog(path string, task *models.Task, attempt int, res *iexec.Result) {
	if path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		m.logger.Debug("create task log dir", zap.Error(err))
		return
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		m.logger.Debug("open task log", zap.String("path", path), zap.Error(err))
		return
	}
	defer f.Close()

	fmt.Fprintf(f, "=== %s task %s attempt %d exit %d (%s)\n",
		time.Now().Format(time.RFC3339), task.ID, attempt, res.ExitCode, res.Duration.Round(time.Millisecond))
	f.Write(res.Output)
	if len(res.Output) > 0 && res.Output[len(res.Output)-1] != '\n' {
		f.Write([]byte{'\n'})
	}
}

// lastLine returns the last non-blank line of output, trimmed.
func lastLine(out []byte) string {
	lines := bytes.Split(bytes.TrimSpace(out), []byte{'\n'})
	if len(lines) == 0 {
		return ""
	}
	line := strings.TrimSpace(string(lines[len(lines)-1]))
	if len(line) > 200 {
		line = line[:200]
	}
	return line
}
