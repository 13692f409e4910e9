package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ShayCichocki/bmadorch/internal/bridge"
	"github.com/ShayCichocki/bmadorch/internal/config"
	iexec "github.com/ShayCichocki/bmadorch/internal/exec"
	"github.com/ShayCichocki/bmadorch/internal/planner"
	"github.com/ShayCichocki/bmadorch/internal/state"
	"github.com/ShayCichocki/bmadorch/internal/tui"
	"github.com/ShayCichocki/bmadorch/pkg/models"
)

// errRunNotCompleted makes the process exit non-zero when a run ends in any
// status other than completed.
var errRunNotCompleted = errors.New("run did not complete")

var (
	runHook      string
	runPoll      time.Duration
	runParallel  int
	runTimeout   time.Duration
	runRetries   int
	runWatch     bool
	runNoHistory bool
)

var runCmd = &cobra.Command{
	Use:   "run <story.md>",
	Short: "Plan a story and drive it to completion",
	Long: `Plan a story, write its status files and run it phase by phase.

Ready tasks of the current phase are dispatched up to --parallel at a time.
With a dispatch hook (--hook or hooks.dispatch) the hook is run once per task
with BMAD_* environment variables describing it; exit status 0 marks the task
done. Without a hook, tasks are marked in progress and finished from outside:

  bmadorch task done <id>
  bmadorch task fail <id> --error "reason"

The run stops when every task is done, when a failure leaves nothing
runnable, on 'bmadorch signal kill' or on Ctrl+C. 'bmadorch signal pause'
holds dispatch until 'bmadorch signal resume'.

Examples:
  bmadorch run docs/stories/1.2.story.md
  bmadorch run story.md --hook './scripts/dispatch.sh' --parallel 2
  bmadorch run story.md --watch`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	addRunFlags(runCmd)
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&runHook, "hook", "", "Command run per task (overrides hooks.dispatch)")
	cmd.Flags().DurationVar(&runPoll, "poll", 0, "Status check interval (overrides orchestrator.poll_interval)")
	cmd.Flags().IntVar(&runParallel, "parallel", 0, "Maximum tasks in progress (overrides orchestrator.max_parallel)")
	cmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Per-task hook timeout (overrides orchestrator.task_timeout)")
	cmd.Flags().IntVar(&runRetries, "retries", 0, "Re-runs of a failing hook (overrides orchestrator.retries)")
	cmd.Flags().BoolVar(&runWatch, "watch", false, "Show the dashboard while running")
	cmd.Flags().BoolVar(&runNoHistory, "no-history", false, "Do not record the run in the history database")
}

// applyRunFlags copies explicitly set flags over the configuration.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("hook") {
		cfg.Hooks.Dispatch = runHook
	}
	if flags.Changed("poll") {
		cfg.Orchestrator.PollInterval = runPoll
	}
	if flags.Changed("parallel") {
		cfg.Orchestrator.MaxParallel = runParallel
	}
	if flags.Changed("timeout") {
		cfg.Orchestrator.TaskTimeout = runTimeout
	}
	if flags.Changed("retries") {
		cfg.Orchestrator.Retries = runRetries
	}
	return cfg.Validate()
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := applyRunFlags(cmd, cfg); err != nil {
		return err
	}
	a, err := newAppWithConfig(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()

	opts := []bridge.Option{
		bridge.WithLogger(a.logger),
		bridge.WithParser(a.parser()),
	}
	if !runNoHistory {
		if db := openHistory(out, a); db != nil {
			defer db.Close()
			opts = append(opts, bridge.WithStore(db))
		}
	}

	b := bridge.New(bridge.ConfigFrom(cfg), a.manager(), a.classifier(ctx), iexec.NewRunner(), opts...)

	plan, err := b.Prepare(ctx, args[0])
	if err != nil {
		b.Close()
		return err
	}
	printPlan(out, plan, estimatesFrom(cfg))
	fmt.Fprintln(out)
	if cfg.Hooks.Dispatch == "" {
		printStatus(out, "i", "No dispatch hook: finish tasks with 'bmadorch task done <id>'", color.FgBlue)
	}

	result, err := monitorRun(ctx, out, a, b, plan)
	if err != nil {
		return err
	}

	fmt.Fprintln(out)
	printResult(out, result)
	if result.Status != models.RunStatusCompleted {
		return fmt.Errorf("%w: %s", errRunNotCompleted, result.Status)
	}
	return nil
}

// runDashboard shows the live dashboard until the user quits or the run ends.
var runDashboard = func(ctx context.Context, load tui.Loader, interval time.Duration) error {
	return tui.Watch(ctx, load, interval, tui.WithExitOnFinish(true))
}

// monitorRun runs the bridge while printing its events, or showing the
// dashboard with --watch. Events are printed again once the dashboard is
// closed before the run ends.
func monitorRun(ctx context.Context, out io.Writer, a *app, b *bridge.Bridge, plan *models.Plan) (*bridge.Result, error) {
	type outcome struct {
		result *bridge.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := b.Run(ctx, plan)
		b.Close()
		done <- outcome{res, err}
	}()

	var quiet atomic.Bool
	quiet.Store(runWatch)

	printing := make(chan struct{})
	go func() {
		defer close(printing)
		for e := range b.Events() {
			if quiet.Load() {
				a.logger.Debug("event", zap.String("type", string(e.Type)), zap.String("task_id", e.TaskID))
				continue
			}
			printEvent(out, e)
		}
	}()

	var (
		o        outcome
		finished bool
	)
	if runWatch {
		dir := a.statusDir()
		load := func() (*planner.Todos, error) { return planner.LoadTodos(dir) }
		if err := runDashboard(ctx, load, a.cfg.Orchestrator.PollInterval); err != nil {
			a.logger.Warn("dashboard stopped", zap.Error(err))
		}
		select {
		case o = <-done:
			finished = true
		default:
			printStatus(out, "i", "Dashboard closed; the run continues (Ctrl+C to stop, 'bmadorch signal kill' to end it)", color.FgBlue)
			quiet.Store(false)
		}
	}

	if !finished {
		o = <-done
	}
	<-printing
	return o.result, o.err
}

// openHistory opens the run history and settles runs left behind by dead
// processes. History is optional; failures are reported and skipped.
func openHistory(out io.Writer, a *app) *state.DB {
	db, err := state.OpenAndMigrate(a.cfg.StatePath())
	if err != nil {
		a.logger.Warn("run history unavailable", zap.Error(err))
		return nil
	}

	recovered, err := state.NewRecoveryManager(db).RecoverInterrupted(time.Now())
	if err != nil {
		a.logger.Warn("recover interrupted runs", zap.Error(err))
	}
	for _, r := range recovered {
		printStatus(out, "!", fmt.Sprintf("Run %s (%s) was interrupted; %d open tasks marked failed",
			r.RunID, r.StoryPath, r.OpenTasks), color.FgYellow)
	}

	if days := a.cfg.State.RetainDays; days > 0 {
		n, err := db.PurgeOldRuns(time.Duration(days) * 24 * time.Hour)
		if err != nil {
			a.logger.Warn("purge old runs", zap.Error(err))
		} else if n > 0 {
			a.logger.Info("purged old runs", zap.Int64("count", n))
		}
	}
	return db
}

// printEvent prints one line per bridge event.
func printEvent(w io.Writer, e bridge.Event) {
	task := e.TaskID
	if e.TaskTitle != "" {
		task += " " + e.TaskTitle
	}

	switch e.Type {
	case bridge.EventRunStarted:
		printStatus(w, "▶", "Run started", color.FgCyan)
	case bridge.EventPhaseStarted:
		printStatus(w, "▶", fmt.Sprintf("Phase %d started", e.Phase), color.FgCyan)
	case bridge.EventPhaseCompleted:
		printStatus(w, "■", fmt.Sprintf("Phase %d settled", e.Phase), color.FgCyan)
	case bridge.EventTaskDispatched:
		printStatus(w, "→", fmt.Sprintf("%s (%s)", task, e.SubAgent), color.FgBlue)
	case bridge.EventTaskCompleted:
		msg := task
		if e.Duration > 0 {
			msg += " in " + formatDuration(e.Duration)
		}
		printStatus(w, "✓", msg, color.FgGreen)
	case bridge.EventTaskFailed:
		msg := task
		if e.Error != nil {
			msg += ": " + e.Error.Error()
		}
		if e.LogFile != "" {
			msg += " (log: " + e.LogFile + ")"
		}
		printStatus(w, "✗", msg, color.FgRed)
	case bridge.EventTaskBlocked:
		printStatus(w, "⊘", task+" blocked", color.FgYellow)
	case bridge.EventRunPaused:
		printStatus(w, "‖", "Paused ('bmadorch signal resume' to continue)", color.FgYellow)
	case bridge.EventRunResumed:
		printStatus(w, "▶", "Resumed", color.FgCyan)
	case bridge.EventRunFinished:
		// Summarized by printResult.
	default:
		if e.Message != "" {
			printStatus(w, "·", e.Message, color.FgWhite)
		}
	}
}

// printResult prints the run summary.
func printResult(w io.Writer, r *bridge.Result) {
	fmt.Fprintf(w, "Run %s %s after %s\n", r.RunID, runStatusLabel(r.Status), formatDuration(r.Elapsed))
	fmt.Fprintf(w, "  Phases: %d/%d completed\n", r.PhasesCompleted, r.TotalPhases)
	fmt.Fprintf(w, "  Tasks:  %d done, %d failed, %d blocked, %d pending of %d\n",
		r.Done, r.Failed, r.Blocked, r.Pending, r.Total)
}
