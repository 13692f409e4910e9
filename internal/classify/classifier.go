package classify

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ShayCichocki/bmadorch/pkg/models"
)

// Confidence levels reported by the keyword matcher.
const (
	ConfidencePinned   = 1.0
	ConfidenceStrong   = 0.9
	ConfidenceKeyword  = 0.8
	ConfidenceAssisted = 0.7
	ConfidenceDefault  = 0.5
)

// DefaultMinConfidence is the keyword confidence below which the assistant
// is consulted.
const DefaultMinConfidence = 0.6

// Selection is a sub-agent choice with the evidence behind it.
type Selection struct {
	// SubAgent is the selected label.
	SubAgent models.SubAgent
	// Confidence is how sure the selection is (0.0-1.0).
	Confidence float64
	// Reason explains why this sub-agent was selected.
	Reason string
	// MatchedKeyword is the keyword that triggered the selection, if any.
	MatchedKeyword string
}

// Assistant picks a sub-agent when keywords are inconclusive.
type Assistant interface {
	Suggest(ctx context.Context, text string, candidates []models.SubAgent) (models.SubAgent, error)
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithKeywords adds keywords on top of the built-in table.
func WithKeywords(extra map[string][]string) Option {
	return func(c *Classifier) {
		if unknown := c.keywords.Merge(extra); len(unknown) > 0 {
			c.unknownLabels = append(c.unknownLabels, unknown...)
		}
	}
}

// WithAssistant enables assisted classification for selections whose
// confidence is below minConfidence.
func WithAssistant(a Assistant, minConfidence float64) Option {
	return func(c *Classifier) {
		c.assistant = a
		if minConfidence > 0 {
			c.minConfidence = minConfidence
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Classifier) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Classifier selects sub-agents for tasks.
type Classifier struct {
	keywords      Keywords
	assistant     Assistant
	minConfidence float64
	logger        *zap.Logger
	unknownLabels []string
}

// New creates a Classifier using the built-in keyword table.
func New(opts ...Option) *Classifier {
	c := &Classifier{
		keywords:      DefaultKeywords.Clone(),
		minConfidence: DefaultMinConfidence,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, label := range c.unknownLabels {
		c.logger.Warn("ignoring keywords for unknown sub-agent", zap.String("sub_agent", label))
	}
	return c
}

// Classify selects a sub-agent from the task text by keyword alone.
func (c *Classifier) Classify(text string) Selection {
	lower := strings.ToLower(text)

	for _, agent := range Priority {
		var first string
		hits := 0
		for _, kw := range c.keywords[agent] {
			if containsWord(lower, strings.ToLower(kw)) {
				if first == "" {
					first = kw
				}
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		confidence := ConfidenceKeyword
		if hits > 1 {
			confidence = ConfidenceStrong
		}
		return Selection{
			SubAgent:       agent,
			Confidence:     confidence,
			Reason:         fmt.Sprintf("matched %s keyword", agent),
			MatchedKeyword: first,
		}
	}

	return Selection{
		SubAgent:   models.DefaultSubAgent,
		Confidence: ConfidenceDefault,
		Reason:     "no keyword match, defaulting to " + string(models.DefaultSubAgent),
	}
}

// ClassifyTask selects a sub-agent for a task. A pinned agent wins outright;
// a weak keyword match is handed to the assistant when one is configured.
func (c *Classifier) ClassifyTask(ctx context.Context, task *models.Task) Selection {
	if task.PinnedAgent && task.SubAgent.Valid() {
		return Selection{
			SubAgent:   task.SubAgent,
			Confidence: ConfidencePinned,
			Reason:     "pinned in story",
		}
	}

	sel := c.Classify(task.Text())
	if c.assistant == nil || sel.Confidence >= c.minConfidence {
		return sel
	}

	suggested, err := c.assistant.Suggest(ctx, task.Text(), models.AllSubAgents)
	if err != nil {
		c.logger.Warn("assistant classification failed, keeping keyword selection",
			zap.String("task_id", task.ID),
			zap.Error(err),
		)
		return sel
	}
	if !suggested.Valid() {
		c.logger.Warn("assistant returned unknown sub-agent",
			zap.String("task_id", task.ID),
			zap.String("sub_agent", string(suggested)),
		)
		return sel
	}

	return Selection{
		SubAgent:   suggested,
		Confidence: ConfidenceAssisted,
		Reason:     "selected by assistant",
	}
}

// ClassifyTasks assigns a sub-agent to every task that does not have one and
// returns the selections keyed by task ID.
func (c *Classifier) ClassifyTasks(ctx context.Context, tasks []*models.Task) map[string]Selection {
	selections := make(map[string]Selection, len(tasks))
	for _, task := range tasks {
		if task.SubAgent != "" && !task.PinnedAgent {
			selections[task.ID] = Selection{
				SubAgent:   task.SubAgent,
				Confidence: ConfidencePinned,
				Reason:     "already assigned",
			}
			continue
		}
		sel := c.ClassifyTask(ctx, task)
		task.SubAgent = sel.SubAgent
		selections[task.ID] = sel
		c.logger.Debug("classified task",
			zap.String("task_id", task.ID),
			zap.String("sub_agent", string(sel.SubAgent)),
			zap.Float64("confidence", sel.Confidence),
			zap.String("keyword", sel.MatchedKeyword),
		)
	}
	return selections
}
