package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/bmadorch/internal/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init [directory]",
	Short: "Initialize a bmadorch project",
	Long: `Initialize a directory for use with bmadorch.

Creates:
  - .bmad/logs      task hook output and the bmadorch log
  - .bmad/signals   kill and pause signal files
  - .bmadorch.yaml  project configuration with the defaults filled in

The directory argument is optional and defaults to the current directory.

Examples:
  bmadorch init              # Initialize current directory
  bmadorch init ./myproject  # Initialize specific directory
  bmadorch init --force      # Overwrite an existing .bmadorch.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing project config")
}

func runInit(cmd *cobra.Command, args []string) error {
	targetDir := "."
	if len(args) > 0 {
		targetDir = args[0]
	}
	absPath, err := filepath.Abs(targetDir)
	if err != nil {
		return fmt.Errorf("resolving absolute path: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Initializing bmadorch in %s...\n\n", absPath)

	cfg := config.Default()
	for _, dir := range []string{
		filepath.Join(absPath, cfg.Orchestrator.WorkDir, "logs"),
		filepath.Join(absPath, cfg.Orchestrator.WorkDir, "signals"),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
		rel, _ := filepath.Rel(absPath, dir)
		printStatus(out, "✓", "Created "+rel+"/", color.FgGreen)
	}

	configFile := filepath.Join(absPath, config.ProjectConfigName)
	if _, err := os.Stat(configFile); err == nil && !initForce {
		printStatus(out, "-", config.ProjectConfigName+" already exists (use --force to overwrite)", color.FgYellow)
	} else {
		data, err := sampleConfig(cfg)
		if err != nil {
			return err
		}
		if err := os.WriteFile(configFile, data, 0644); err != nil {
			return fmt.Errorf("writing %s: %w", config.ProjectConfigName, err)
		}
		printStatus(out, "✓", "Wrote "+config.ProjectConfigName, color.FgGreen)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Next steps:")
	fmt.Fprintln(out, "  bmadorch plan <story.md>   # preview phases")
	fmt.Fprintln(out, "  bmadorch run <story.md>    # run the story")
	return nil
}

// projectFile is the layout written to .bmadorch.yaml. Durations are
// strings so viper parses them back.
type projectFile struct {
	Orchestrator struct {
		StatusDir     string `yaml:"status_dir"`
		WorkDir       string `yaml:"work_dir"`
		PollInterval  string `yaml:"poll_interval"`
		MaxParallel   int    `yaml:"max_parallel"`
		TaskTimeout   string `yaml:"task_timeout"`
		Retries       int    `yaml:"retries"`
		ImplicitOrder bool   `yaml:"implicit_order"`
	} `yaml:"orchestrator"`
	Hooks struct {
		Dispatch string `yaml:"dispatch"`
		Shell    string `yaml:"shell"`
	} `yaml:"hooks"`
	Estimates struct {
		DefaultMinutes    int            `yaml:"default_minutes"`
		PerSubtaskMinutes int            `yaml:"per_subtask_minutes"`
		SubAgents         map[string]int `yaml:"sub_agents"`
	} `yaml:"estimates"`
	Classifier struct {
		Keywords map[string][]string `yaml:"keywords"`
		LLM      struct {
			Enabled       bool    `yaml:"enabled"`
			Model         string  `yaml:"model"`
			MinConfidence float64 `yaml:"min_confidence"`
			UseBedrock    bool    `yaml:"use_bedrock"`
		} `yaml:"llm"`
	} `yaml:"classifier"`
	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
		JSON  bool   `yaml:"json"`
	} `yaml:"logging"`
	State struct {
		RetainDays int `yaml:"retain_days"`
	} `yaml:"state"`
}

// sampleConfig renders cfg as a project config file.
func sampleConfig(cfg *config.Config) ([]byte, error) {
	var f projectFile
	f.Orchestrator.StatusDir = cfg.Orchestrator.StatusDir
	f.Orchestrator.WorkDir = cfg.Orchestrator.WorkDir
	f.Orchestrator.PollInterval = cfg.Orchestrator.PollInterval.String()
	f.Orchestrator.MaxParallel = cfg.Orchestrator.MaxParallel
	f.Orchestrator.TaskTimeout = cfg.Orchestrator.TaskTimeout.String()
	f.Orchestrator.Retries = cfg.Orchestrator.Retries
	f.Orchestrator.ImplicitOrder = cfg.Orchestrator.ImplicitOrder
	f.Hooks.Dispatch = cfg.Hooks.Dispatch
	f.Hooks.Shell = cfg.Hooks.Shell
	f.Estimates.DefaultMinutes = cfg.Estimates.DefaultMinutes
	f.Estimates.PerSubtaskMinutes = cfg.Estimates.PerSubtaskMinutes
	f.Estimates.SubAgents = map[string]int{
		"database-architect": 45,
		"test-engineer":      20,
	}
	f.Classifier.Keywords = map[string][]string{}
	f.Classifier.LLM.Enabled = cfg.Classifier.LLM.Enabled
	f.Classifier.LLM.Model = cfg.Classifier.LLM.Model
	f.Classifier.LLM.MinConfidence = cfg.Classifier.LLM.MinConfidence
	f.Classifier.LLM.UseBedrock = cfg.Classifier.LLM.UseBedrock
	f.Logging.Level = cfg.Logging.Level
	f.Logging.File = cfg.Logging.File
	f.Logging.JSON = cfg.Logging.JSON
	f.State.RetainDays = cfg.State.RetainDays

	body, err := yaml.Marshal(&f)
	if err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	header := "# bmadorch project configuration.\n" +
		"# hooks.dispatch runs once per task; leave empty to drive tasks with 'bmadorch task'.\n"
	return append([]byte(header), body...), nil
}
