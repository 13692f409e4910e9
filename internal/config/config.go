// Package config handles configuration loading and management for bmadorch.
// It supports XDG config paths, project-level overrides, .env files and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/ShayCichocki/bmadorch/pkg/models"
)

// ProjectConfigName is the project-level config file searched for from the
// working directory upwards.
const ProjectConfigName = ".bmadorch.yaml"

// Config holds all configuration for bmadorch.
type Config struct {
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Hooks        HooksConfig        `mapstructure:"hooks"`
	Estimates    EstimatesConfig    `mapstructure:"estimates"`
	Classifier   ClassifierConfig   `mapstructure:"classifier"`
	Anthropic    AnthropicConfig    `mapstructure:"anthropic"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	State        StateConfig        `mapstructure:"state"`
}

// OrchestratorConfig holds run loop settings.
type OrchestratorConfig struct {
	// StatusDir is where the todos, metrics and report files are written.
	StatusDir string `mapstructure:"status_dir"`
	// WorkDir holds logs and signal files.
	WorkDir string `mapstructure:"work_dir"`
	// PollInterval is how often the status check runs.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// MaxParallel bounds concurrently dispatched tasks.
	MaxParallel int `mapstructure:"max_parallel"`
	// TaskTimeout bounds a single dispatch hook invocation.
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
	// Retries is how many times a failed hook is re-run.
	Retries int `mapstructure:"retries"`
	// ImplicitOrder chains tasks without dependency annotations.
	ImplicitOrder bool `mapstructure:"implicit_order"`
}

// HooksConfig holds external commands run per task.
type HooksConfig struct {
	// Dispatch is run once per task. Empty means tasks are driven by hand.
	Dispatch string `mapstructure:"dispatch"`
	// Shell runs the hook, e.g. "sh -c".
	Shell string `mapstructure:"shell"`
}

// EstimatesConfig holds duration estimate settings.
type EstimatesConfig struct {
	DefaultMinutes    int            `mapstructure:"default_minutes"`
	PerSubtaskMinutes int            `mapstructure:"per_subtask_minutes"`
	SubAgents         map[string]int `mapstructure:"sub_agents"`
}

// ClassifierConfig holds sub-agent classification settings.
type ClassifierConfig struct {
	// Keywords adds keywords per sub-agent label.
	Keywords map[string][]string `mapstructure:"keywords"`
	LLM      LLMConfig           `mapstructure:"llm"`
}

// LLMConfig holds assisted classification settings.
type LLMConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	Model         string  `mapstructure:"model"`
	MinConfidence float64 `mapstructure:"min_confidence"`
	UseBedrock    bool    `mapstructure:"use_bedrock"`
	AWSRegion     string  `mapstructure:"aws_region"`
	AWSProfile    string  `mapstructure:"aws_profile"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	// File is the log file path. Relative paths are under WorkDir.
	File string `mapstructure:"file"`
	// JSON selects the JSON encoder for the log file.
	JSON bool `mapstructure:"json"`
}

// StateConfig holds run history settings.
type StateConfig struct {
	// Path is the SQLite database path. Empty uses the user data dir.
	Path string `mapstructure:"path"`
	// RetainDays is how long finished runs are kept.
	RetainDays int `mapstructure:"retain_days"`
}

// Load loads configuration from XDG paths, project overrides, .env and
// environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (BMADORCH_*, ANTHROPIC_API_KEY)
// 2. .env next to the project config or in the working directory
// 3. Project config (.bmadorch.yaml in current directory or parent)
// 4. User config (~/.config/bmadorch/config.yaml)
// 5. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	if err := loadDotEnv(projectConfig); err != nil {
		return nil, err
	}

	return finish(v)
}

// LoadFromPath loads configuration from a specific file on top of defaults.
// Environment variables still apply.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	return finish(v)
}

// finish applies environment overrides, unmarshals and validates.
func finish(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix("BMADORCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("anthropic.api_key", "BMADORCH_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	cfg.Hooks.Dispatch = strings.TrimSpace(cfg.Hooks.Dispatch)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotEnv loads .env from the project root (if a project config was
// found) and the working directory. Existing variables are not overwritten.
func loadDotEnv(projectConfig string) error {
	var files []string
	if projectConfig != "" {
		files = append(files, filepath.Join(filepath.Dir(projectConfig), ".env"))
	}
	if cwd, err := os.Getwd(); err == nil {
		local := filepath.Join(cwd, ".env")
		if len(files) == 0 || files[0] != local {
			files = append(files, local)
		}
	}

	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error

	if c.Orchestrator.StatusDir == "" {
		errs = append(errs, errors.New("orchestrator.status_dir must not be empty"))
	}
	if c.Orchestrator.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("orchestrator.poll_interval must be positive, got %s", c.Orchestrator.PollInterval))
	}
	if c.Orchestrator.MaxParallel < 1 {
		errs = append(errs, fmt.Errorf("orchestrator.max_parallel must be at least 1, got %d", c.Orchestrator.MaxParallel))
	}
	if c.Orchestrator.TaskTimeout < 0 {
		errs = append(errs, fmt.Errorf("orchestrator.task_timeout must not be negative, got %s", c.Orchestrator.TaskTimeout))
	}
	if c.Orchestrator.Retries < 0 {
		errs = append(errs, fmt.Errorf("orchestrator.retries must not be negative, got %d", c.Orchestrator.Retries))
	}
	if c.Estimates.DefaultMinutes < 0 || c.Estimates.PerSubtaskMinutes < 0 {
		errs = append(errs, errors.New("estimates must not be negative"))
	}
	for label, minutes := range c.Estimates.SubAgents {
		if !models.SubAgent(label).Valid() {
			errs = append(errs, fmt.Errorf("estimates.sub_agents: unknown sub-agent %q", label))
		}
		if minutes < 0 {
			errs = append(errs, fmt.Errorf("estimates.sub_agents.%s must not be negative", label))
		}
	}
	for label := range c.Classifier.Keywords {
		if !models.SubAgent(strings.ToLower(label)).Valid() {
			errs = append(errs, fmt.Errorf("classifier.keywords: unknown sub-agent %q", label))
		}
	}
	if mc := c.Classifier.LLM.MinConfidence; mc < 0 || mc > 1 {
		errs = append(errs, fmt.Errorf("classifier.llm.min_confidence must be within [0,1], got %v", mc))
	}

	return errors.Join(errs...)
}

// SubAgentMinutes returns the base estimate for a sub-agent.
func (c *Config) SubAgentMinutes(agent models.SubAgent) int {
	if m, ok := c.Estimates.SubAgents[string(agent)]; ok {
		return m
	}
	return c.Estimates.DefaultMinutes
}

// LogPath returns the resolved log file path.
func (c *Config) LogPath() string {
	if c.Logging.File == "" || filepath.IsAbs(c.Logging.File) {
		return c.Logging.File
	}
	return filepath.Join(c.Orchestrator.WorkDir, c.Logging.File)
}

// SignalDir returns the directory watched for kill and pause signal files.
func (c *Config) SignalDir() string {
	return filepath.Join(c.Orchestrator.WorkDir, "signals")
}

// StatePath returns the run history database path.
func (c *Config) StatePath() string {
	if c.State.Path != "" {
		return c.State.Path
	}
	return filepath.Join(getUserDataDir(), "history.db")
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("orchestrator.status_dir", ".")
	v.SetDefault("orchestrator.work_dir", ".bmad")
	v.SetDefault("orchestrator.poll_interval", "2s")
	v.SetDefault("orchestrator.max_parallel", 3)
	v.SetDefault("orchestrator.task_timeout", "30m")
	v.SetDefault("orchestrator.retries", 0)
	v.SetDefault("orchestrator.implicit_order", false)

	v.SetDefault("hooks.dispatch", "")
	v.SetDefault("hooks.shell", "sh -c")

	v.SetDefault("estimates.default_minutes", 30)
	v.SetDefault("estimates.per_subtask_minutes", 10)
	v.SetDefault("estimates.sub_agents", map[string]int{})

	v.SetDefault("classifier.keywords", map[string][]string{})
	v.SetDefault("classifier.llm.enabled", false)
	v.SetDefault("classifier.llm.model", "")
	v.SetDefault("classifier.llm.min_confidence", 0.6)
	v.SetDefault("classifier.llm.use_bedrock", false)
	v.SetDefault("classifier.llm.aws_region", "")
	v.SetDefault("classifier.llm.aws_profile", "")

	v.SetDefault("anthropic.api_key", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "logs/bmadorch.log")
	v.SetDefault("logging.json", true)

	v.SetDefault("state.path", "")
	v.SetDefault("state.retain_days", 30)
}

// getUserConfigDir returns the XDG config directory for bmadorch.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "bmadorch")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "bmadorch")
	}
	return filepath.Join(home, ".config", "bmadorch")
}

// getUserDataDir returns the XDG data directory for bmadorch.
func getUserDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "bmadorch")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".local", "share", "bmadorch")
	}
	return filepath.Join(home, ".local", "share", "bmadorch")
}

// findProjectConfig searches for .bmadorch.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ProjectConfigName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}
	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{
			StatusDir:    ".",
			WorkDir:      ".bmad",
			PollInterval: 2 * time.Second,
			MaxParallel:  3,
			TaskTimeout:  30 * time.Minute,
		},
		Hooks: HooksConfig{
			Shell: "sh -c",
		},
		Estimates: EstimatesConfig{
			DefaultMinutes:    30,
			PerSubtaskMinutes: 10,
			SubAgents:         map[string]int{},
		},
		Classifier: ClassifierConfig{
			Keywords: map[string][]string{},
			LLM: LLMConfig{
				MinConfidence: 0.6,
			},
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "logs/bmadorch.log",
			JSON:  true,
		},
		State: StateConfig{
			RetainDays: 30,
		},
	}
}
