package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/ShayCichocki/bmadorch/internal/classify"
	"github.com/ShayCichocki/bmadorch/internal/config"
	"github.com/ShayCichocki/bmadorch/internal/logging"
	"github.com/ShayCichocki/bmadorch/internal/planner"
	"github.com/ShayCichocki/bmadorch/internal/story"
	"github.com/ShayCichocki/bmadorch/pkg/models"
)

// app bundles what every command needs: configuration and a logger.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	closeLog func() error
}

// loadConfig loads --config if given, otherwise the layered configuration.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromPath(configPath)
	}
	return config.Load()
}

// newApp loads configuration and opens the log file.
func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return newAppWithConfig(cfg)
}

func newAppWithConfig(cfg *config.Config) (*app, error) {
	opts := logging.Options{
		Level:   cfg.Logging.Level,
		File:    cfg.LogPath(),
		JSON:    cfg.Logging.JSON,
		Console: os.Stderr,
	}
	if verbose {
		opts.Level = "debug"
		opts.ConsoleLevel = "debug"
	}
	logger, closeLog, err := logging.New(opts)
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	return &app{cfg: cfg, logger: logger, closeLog: closeLog}, nil
}

// Close flushes the logger.
func (a *app) Close() {
	if a.closeLog != nil {
		_ = a.closeLog()
	}
}

// statusDir is where the status files live.
func (a *app) statusDir() string {
	return a.cfg.Orchestrator.StatusDir
}

func (a *app) parser() *story.Parser {
	return story.NewParser(story.WithImplicitOrder(a.cfg.Orchestrator.ImplicitOrder))
}

func (a *app) manager() *planner.Manager {
	return planner.NewManager(planner.Config{
		StatusDir:   a.statusDir(),
		MaxParallel: a.cfg.Orchestrator.MaxParallel,
		Estimates:   estimatesFrom(a.cfg),
	}, planner.WithLogger(a.logger))
}

// classifier builds the keyword classifier, adding the Claude assistant when
// classifier.llm.enabled is set. An assistant that cannot be created is
// logged and skipped.
func (a *app) classifier(ctx context.Context) *classify.Classifier {
	opts := []classify.Option{
		classify.WithLogger(a.logger),
		classify.WithKeywords(a.cfg.Classifier.Keywords),
	}

	llm := a.cfg.Classifier.LLM
	if llm.Enabled {
		acfg := classify.AssistantConfig{
			Model:      llm.Model,
			UseBedrock: llm.UseBedrock,
			AWSRegion:  llm.AWSRegion,
			AWSProfile: llm.AWSProfile,
		}
		if !llm.UseBedrock {
			key, source, err := config.GetAPIKey(a.cfg)
			if err != nil {
				a.logger.Warn("assisted classification disabled", zap.Error(err))
				return classify.New(opts...)
			}
			a.logger.Debug("using API key", zap.String("source", string(source)))
			acfg.APIKey = key
		}
		assistant, err := classify.NewClaudeAssistant(ctx, acfg)
		if err != nil {
			a.logger.Warn("assisted classification disabled", zap.Error(err))
		} else {
			opts = append(opts, classify.WithAssistant(assistant, llm.MinConfidence))
		}
	}
	return classify.New(opts...)
}

// estimatesFrom converts the configured estimate table.
func estimatesFrom(cfg *config.Config) planner.Estimates {
	est := planner.Estimates{
		DefaultMinutes:    cfg.Estimates.DefaultMinutes,
		PerSubtaskMinutes: cfg.Estimates.PerSubtaskMinutes,
	}
	if len(cfg.Estimates.SubAgents) > 0 {
		est.SubAgents = make(map[models.SubAgent]int, len(cfg.Estimates.SubAgents))
		for label, minutes := range cfg.Estimates.SubAgents {
			est.SubAgents[models.SubAgent(label)] = minutes
		}
	}
	return est
}
