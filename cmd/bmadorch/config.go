package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/bmadorch/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
	Long: `Inspect bmadorch configuration.

Configuration is read from ~/.config/bmadorch/config.yaml, then the nearest
.bmadorch.yaml, then .env and BMADORCH_* environment variables.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		displayAllConfig(cmd.OutOrStdout(), cfg)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file locations",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "user:    %s\n", config.GetUserConfigPath())
		project := config.GetProjectConfigPath()
		if project == "" {
			project = "(none)"
		}
		fmt.Fprintf(out, "project: %s\n", project)
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
}

// displayAllConfig prints all configuration values.
func displayAllConfig(w io.Writer, cfg *config.Config) {
	key, source, err := config.GetAPIKey(cfg)
	apiKeyDisplay := config.MaskAPIKey(key)
	if err == nil {
		apiKeyDisplay += fmt.Sprintf(" (%s)", source)
	}

	fmt.Fprintf(w, "orchestrator.status_dir: %s\n", cfg.Orchestrator.StatusDir)
	fmt.Fprintf(w, "orchestrator.work_dir: %s\n", cfg.Orchestrator.WorkDir)
	fmt.Fprintf(w, "orchestrator.poll_interval: %s\n", cfg.Orchestrator.PollInterval)
	fmt.Fprintf(w, "orchestrator.max_parallel: %d\n", cfg.Orchestrator.MaxParallel)
	fmt.Fprintf(w, "orchestrator.task_timeout: %s\n", cfg.Orchestrator.TaskTimeout)
	fmt.Fprintf(w, "orchestrator.retries: %d\n", cfg.Orchestrator.Retries)
	fmt.Fprintf(w, "orchestrator.implicit_order: %t\n", cfg.Orchestrator.ImplicitOrder)
	fmt.Fprintf(w, "hooks.dispatch: %s\n", orNone(cfg.Hooks.Dispatch))
	fmt.Fprintf(w, "hooks.shell: %s\n", cfg.Hooks.Shell)
	fmt.Fprintf(w, "estimates.default_minutes: %d\n", cfg.Estimates.DefaultMinutes)
	fmt.Fprintf(w, "estimates.per_subtask_minutes: %d\n", cfg.Estimates.PerSubtaskMinutes)
	for _, label := range sortedKeys(cfg.Estimates.SubAgents) {
		fmt.Fprintf(w, "estimates.sub_agents.%s: %d\n", label, cfg.Estimates.SubAgents[label])
	}
	for _, label := range sortedKeys(cfg.Classifier.Keywords) {
		fmt.Fprintf(w, "classifier.keywords.%s: %s\n", label, strings.Join(cfg.Classifier.Keywords[label], ", "))
	}
	fmt.Fprintf(w, "classifier.llm.enabled: %t\n", cfg.Classifier.LLM.Enabled)
	fmt.Fprintf(w, "classifier.llm.model: %s\n", orNone(cfg.Classifier.LLM.Model))
	fmt.Fprintf(w, "classifier.llm.min_confidence: %.2f\n", cfg.Classifier.LLM.MinConfidence)
	fmt.Fprintf(w, "classifier.llm.use_bedrock: %t\n", cfg.Classifier.LLM.UseBedrock)
	fmt.Fprintf(w, "anthropic.api_key: %s\n", apiKeyDisplay)
	fmt.Fprintf(w, "logging.level: %s\n", cfg.Logging.Level)
	fmt.Fprintf(w, "logging.file: %s\n", cfg.LogPath())
	fmt.Fprintf(w, "state.path: %s\n", cfg.StatePath())
	fmt.Fprintf(w, "state.retain_days: %d\n", cfg.State.RetainDays)
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
