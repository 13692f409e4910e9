package classify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/ShayCichocki/bmadorch/pkg/models"
)

// ErrNoAPIKey is returned when neither the config nor the environment
// provides an Anthropic API key.
var ErrNoAPIKey = errors.New("ANTHROPIC_API_KEY is not set")

// AssistantConfig configures the Claude-backed assistant.
type AssistantConfig struct {
	// Model is the Claude model to use. Defaults to Haiku.
	Model string
	// APIKey is the Anthropic API key. If empty, uses ANTHROPIC_API_KEY.
	APIKey string
	// UseBedrock routes requests through AWS Bedrock.
	UseBedrock bool
	// AWSRegion is the Bedrock region (e.g., "us-west-2").
	AWSRegion string
	// AWSProfile is the optional shared config profile.
	AWSProfile string
}

// messageSender is the slice of the SDK the assistant calls.
type messageSender interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// ClaudeAssistant asks Claude to pick a sub-agent label.
type ClaudeAssistant struct {
	messages messageSender
	model    anthropic.Model
}

// NewClaudeAssistant creates an assistant talking to the Anthropic API or Bedrock.
func NewClaudeAssistant(ctx context.Context, cfg AssistantConfig) (*ClaudeAssistant, error) {
	var opts []option.RequestOption

	if cfg.UseBedrock {
		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, ErrNoAPIKey
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	client := anthropic.NewClient(opts...)

	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = anthropic.ModelClaudeHaiku4_5_20251001
	}
	if cfg.UseBedrock {
		model = bedrockModel(model)
	}

	return &ClaudeAssistant{
		messages: &client.Messages,
		model:    model,
	}, nil
}

// bedrockModel converts an Anthropic model name to its Bedrock
// cross-region inference profile.
func bedrockModel(model anthropic.Model) anthropic.Model {
	profiles := map[anthropic.Model]string{
		anthropic.ModelClaudeSonnet4_20250514:   "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.ModelClaudeSonnet4_5_20250929: "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		anthropic.ModelClaudeHaiku4_5_20251001:  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		anthropic.ModelClaude3_5Haiku20241022:   "us.anthropic.claude-3-5-haiku-20241022-v1:0",
	}
	if p, ok := profiles[model]; ok {
		return anthropic.Model(p)
	}
	return model
}

const assistantSystemPrompt = `You route software tasks to specialist workers.
Reply with exactly one label from the list you are given and nothing else.`

// Suggest implements Assistant.
func (a *ClaudeAssistant) Suggest(ctx context.Context, text string, candidates []models.SubAgent) (models.SubAgent, error) {
	labels := make([]string, len(candidates))
	for i, c := range candidates {
		labels[i] = string(c)
	}
	prompt := fmt.Sprintf("Labels: %s\n\nTask:\n%s", strings.Join(labels, ", "), text)

	resp, err := a.messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: 32,
		System:    []anthropic.TextBlockParam{{Text: assistantSystemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("classify request: %w", err)
	}

	var reply strings.Builder
	for _, block := range resp.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			reply.WriteString(tb.Text)
		}
	}
	return parseLabel(reply.String(), candidates), nil
}

// parseLabel finds the first candidate label in a model reply, or returns
// the trimmed reply so the caller can reject it.
func parseLabel(reply string, candidates []models.SubAgent) models.SubAgent {
	lower := strings.ToLower(strings.TrimSpace(reply))
	lower = strings.Trim(lower, "`\"'. ")
	for _, c := range candidates {
		if lower == string(c) {
			return c
		}
	}
	for _, c := range candidates {
		if containsWord(lower, string(c)) {
			return c
		}
	}
	return models.SubAgent(lower)
}
