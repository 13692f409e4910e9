package config

import (
	"testing"
)

func TestGetAPIKey(t *testing.T) {
	t.Run("from environment variable", func(t *testing.T) {
		t.Setenv("BMADORCH_ANTHROPIC_API_KEY", "")
		t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test-key")

		key, source, err := GetAPIKey(&Config{})
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if key != "sk-ant-test-key" {
			t.Errorf("expected 'sk-ant-test-key', got %q", key)
		}
		if source != KeySourceEnv {
			t.Errorf("expected source %q, got %q", KeySourceEnv, source)
		}
	})

	t.Run("prefixed variable wins", func(t *testing.T) {
		t.Setenv("BMADORCH_ANTHROPIC_API_KEY", "sk-ant-prefixed")
		t.Setenv("ANTHROPIC_API_KEY", "sk-ant-plain")

		key, _, err := GetAPIKey(nil)
		if err != nil || key != "sk-ant-prefixed" {
			t.Errorf("GetAPIKey() = %q, %v", key, err)
		}
	})

	t.Run("from config", func(t *testing.T) {
		t.Setenv("BMADORCH_ANTHROPIC_API_KEY", "")
		t.Setenv("ANTHROPIC_API_KEY", "")

		cfg := &Config{Anthropic: AnthropicConfig{APIKey: "sk-ant-config-key"}}
		key, source, err := GetAPIKey(cfg)
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if key != "sk-ant-config-key" || source != KeySourceConfig {
			t.Errorf("GetAPIKey() = %q (%s)", key, source)
		}
	})

	t.Run("unexpanded reference", func(t *testing.T) {
		t.Setenv("BMADORCH_ANTHROPIC_API_KEY", "")
		t.Setenv("ANTHROPIC_API_KEY", "")
		t.Setenv("MISSING_KEY_VAR", "")

		cfg := &Config{Anthropic: AnthropicConfig{APIKey: "${MISSING_KEY_VAR}"}}
		if _, source, err := GetAPIKey(cfg); err != ErrNoAPIKey || source != KeySourceNone {
			t.Errorf("expected ErrNoAPIKey, got %v (%s)", err, source)
		}
	})
}

func TestMaskAPIKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"", "(not set)"},
		{"short", "***"},
		{"sk-ant-REDACTED", "sk-ant-...mnop"},
	}
	for _, tt := range tests {
		if got := MaskAPIKey(tt.key); got != tt.want {
			t.Errorf("MaskAPIKey(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}
