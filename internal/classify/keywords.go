// Package classify routes tasks to sub-agents.
//
// Classification is keyword driven: the task text is lower-cased and checked
// against one keyword list per sub-agent, in a fixed priority order. An
// optional Assistant can be consulted when the keyword match is weak.
package classify

import (
	"strings"

	"github.com/ShayCichocki/bmadorch/pkg/models"
)

// Keywords maps each sub-agent to the words that route a task to it.
type Keywords map[models.SubAgent][]string

// Priority is the order in which keyword lists are checked. The first
// sub-agent with a matching keyword wins.
var Priority = []models.SubAgent{
	models.SubAgentSecurity,
	models.SubAgentDatabase,
	models.SubAgentDevOps,
	models.SubAgentTest,
	models.SubAgentFrontend,
	models.SubAgentBackend,
	models.SubAgentDocumentation,
}

// DefaultKeywords is the built-in keyword table.
var DefaultKeywords = Keywords{
	models.SubAgentSecurity: {
		"security",
		"auth",
		"authentication",
		"authorization",
		"permission",
		"permissions",
		"csrf",
		"xss",
		"encrypt",
		"encryption",
		"secret",
		"secrets",
		"vulnerability",
		"sanitize",
		"rate limit",
	},
	models.SubAgentDatabase: {
		"database",
		"schema",
		"migration",
		"migrations",
		"table",
		"index",
		"query",
		"queries",
		"sql",
		"convex",
		"model",
		"models",
	},
	models.SubAgentDevOps: {
		"deploy",
		"deployment",
		"ci",
		"pipeline",
		"docker",
		"kubernetes",
		"infra",
		"infrastructure",
		"terraform",
		"monitoring",
		"github actions",
		"environment variable",
	},
	models.SubAgentTest: {
		"test",
		"tests",
		"testing",
		"unit test",
		"integration test",
		"e2e",
		"playwright",
		"coverage",
		"regression",
		"qa",
	},
	models.SubAgentFrontend: {
		"ui",
		"component",
		"components",
		"page",
		"form",
		"button",
		"modal",
		"layout",
		"css",
		"style",
		"styling",
		"react",
		"responsive",
		"frontend",
	},
	models.SubAgentBackend: {
		"api",
		"endpoint",
		"endpoints",
		"handler",
		"server",
		"service",
		"webhook",
		"mutation",
		"backend",
		"job",
		"queue",
	},
	models.SubAgentDocumentation: {
		"docs",
		"documentation",
		"readme",
		"changelog",
		"guide",
		"tutorial",
		"comment",
		"comments",
	},
}

// Clone returns a deep copy of the table.
func (k Keywords) Clone() Keywords {
	out := make(Keywords, len(k))
	for agent, words := range k {
		out[agent] = append([]string(nil), words...)
	}
	return out
}

// Merge adds extra keywords to the table. Words for an agent are checked
// before the built-in ones; unknown agent labels are returned and skipped.
func (k Keywords) Merge(extra map[string][]string) (unknown []string) {
	for label, words := range extra {
		agent := models.SubAgent(strings.ToLower(strings.TrimSpace(label)))
		if !agent.Valid() || agent == models.DefaultSubAgent {
			unknown = append(unknown, label)
			continue
		}
		merged := make([]string, 0, len(words)+len(k[agent]))
		for _, w := range words {
			if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
				merged = append(merged, w)
			}
		}
		k[agent] = append(merged, k[agent]...)
	}
	return unknown
}

// containsWord reports whether kw occurs in lower on word boundaries.
// Both arguments must already be lower-case.
func containsWord(lower, kw string) bool {
	if kw == "" {
		return false
	}
	for start := 0; start < len(lower); {
		i := strings.Index(lower[start:], kw)
		if i < 0 {
			return false
		}
		i += start
		end := i + len(kw)
		if (i == 0 || !isWordByte(lower[i-1])) && (end == len(lower) || !isWordByte(lower[end])) {
			return true
		}
		start = i + 1
	}
	return false
}

func isWordByte(b byte) bool {
	return b == '_' || ('a' <= b && b <= 'z') || ('0' <= b && b <= '9')
}
