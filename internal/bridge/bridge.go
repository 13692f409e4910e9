// Package bridge connects a story to its sub-agents.
//
// A Bridge prepares a run (parse, classify, plan, write status files) and
// then monitors it: the status check re-reads the todos file on every poll
// or file change, dispatches the ready tasks of the current phase, and stops
// once the run completes, fails, is killed or its context ends. Progress can
// come from the dispatch hook or from any other process that updates the
// todos file.
package bridge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/bmadorch/internal/classify"
	"github.com/ShayCichocki/bmadorch/internal/config"
	iexec "github.com/ShayCichocki/bmadorch/internal/exec"
	"github.com/ShayCichocki/bmadorch/internal/logging"
	"github.com/ShayCichocki/bmadorch/internal/planner"
	"github.com/ShayCichocki/bmadorch/internal/state"
	"github.com/ShayCichocki/bmadorch/internal/story"
	"github.com/ShayCichocki/bmadorch/pkg/models"
)

// Config configures a Bridge.
type Config struct {
	// ProjectDir is the working directory of dispatch hooks.
	ProjectDir string
	// SignalDir holds the kill and pause files.
	SignalDir string
	// LogDir receives one output log per dispatched task.
	LogDir string
	// PollInterval is the status check period.
	PollInterval time.Duration
	// MaxParallel bounds tasks in progress at once.
	MaxParallel int
	// TaskTimeout bounds one hook invocation. Zero means no limit.
	TaskTimeout time.Duration
	// Retries is how many times a failing hook is re-run.
	Retries int
	// Hook is the dispatch command. Empty means tasks are only marked
	// in progress and finished by another process.
	Hook string
	// Shell is the hook interpreter argv prefix.
	Shell []string
}

// ConfigFrom derives a bridge Config from the application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		ProjectDir:   cfg.Orchestrator.StatusDir,
		SignalDir:    cfg.SignalDir(),
		LogDir:       filepath.Join(cfg.Orchestrator.WorkDir, "logs"),
		PollInterval: cfg.Orchestrator.PollInterval,
		MaxParallel:  cfg.Orchestrator.MaxParallel,
		TaskTimeout:  cfg.Orchestrator.TaskTimeout,
		Retries:      cfg.Orchestrator.Retries,
		Hook:         cfg.Hooks.Dispatch,
		Shell:        iexec.SplitShell(cfg.Hooks.Shell),
	}
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithStore records runs in a history store.
func WithStore(store state.Store) Option {
	return func(b *Bridge) {
		b.store = store
	}
}

// WithParser overrides the story parser.
func WithParser(p *story.Parser) Option {
	return func(b *Bridge) {
		b.parser = p
	}
}

// WithEventBuffer sets the event channel capacity.
func WithEventBuffer(size int) Option {
	return func(b *Bridge) {
		b.eventBuffer = size
	}
}

// Bridge prepares and monitors orchestration runs.
type Bridge struct {
	cfg        Config
	manager    *planner.Manager
	classifier *classify.Classifier
	runner     iexec.CommandRunner
	parser     *story.Parser
	store      state.Store
	logger     *zap.Logger
	events     *Emitter

	eventBuffer int
}

// New creates a Bridge. runner may be nil when no dispatch hook is used.
func New(cfg Config, manager *planner.Manager, classifier *classify.Classifier, runner iexec.CommandRunner, opts ...Option) *Bridge {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 1
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.ProjectDir == "" {
		cfg.ProjectDir = manager.StatusDir()
	}
	if cfg.SignalDir == "" {
		cfg.SignalDir = filepath.Join(cfg.ProjectDir, ".bmad", "signals")
	}
	if classifier == nil {
		classifier = classify.New()
	}
	if runner == nil {
		runner = iexec.NewRunner()
	}

	b := &Bridge{
		cfg:         cfg,
		manager:     manager,
		classifier:  classifier,
		runner:      runner,
		parser:      story.NewParser(),
		logger:      logging.Nop(),
		eventBuffer: 256,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.events = NewEmitter(b.eventBuffer, b.logger)
	return b
}

// Events returns the event stream. It is closed by Close.
func (b *Bridge) Events() <-chan Event {
	return b.events.Events()
}

// Close releases the event stream.
func (b *Bridge) Close() {
	b.events.Close()
}

// Prepare parses, classifies and plans the story at storyPath, writes fresh
// status files and records the run.
func (b *Bridge) Prepare(ctx context.Context, storyPath string) (*models.Plan, error) {
	st, err := b.parser.ParseFile(storyPath)
	if err != nil {
		return nil, fmt.Errorf("parse story: %w", err)
	}
	return b.PrepareStory(ctx, st)
}

// PrepareStory is Prepare for an already parsed story.
func (b *Bridge) PrepareStory(ctx context.Context, st *models.Story) (*models.Plan, error) {
	selections := b.classifier.ClassifyTasks(ctx, st.Tasks)

	plan, err := b.manager.BuildPlan(st)
	if err != nil {
		return nil, fmt.Errorf("plan story: %w", err)
	}
	if _, err := b.manager.WriteStatus(plan); err != nil {
		return nil, err
	}

	for _, task := range plan.Tasks {
		sel := selections[task.ID]
		b.logger.Info("task planned",
			zap.String("task_id", task.ID),
			zap.Int("phase", task.Phase),
			zap.String("sub_agent", string(task.SubAgent)),
			zap.String("reason", sel.Reason),
		)
	}

	if b.store != nil {
		run := state.RunFromPlan(plan, b.manager.StatusDir(), os.Getpid())
		if err := b.store.RecordPlan(run, plan.Tasks); err != nil {
			// History is advisory; the status files are authoritative.
			b.logger.Warn("record run failed", zap.String("run_id", plan.RunID), zap.Error(err))
		}
	}
	return plan, nil
}
