package models

// SubAgent is the label of the worker type a task is routed to.
// No process is bound to the label; hooks and humans decide what it means.
type SubAgent string

const (
	SubAgentGeneral       SubAgent = "general-purpose"
	SubAgentFrontend      SubAgent = "frontend-developer"
	SubAgentBackend       SubAgent = "backend-developer"
	SubAgentDatabase      SubAgent = "database-architect"
	SubAgentTest          SubAgent = "test-engineer"
	SubAgentDevOps        SubAgent = "devops-engineer"
	SubAgentSecurity      SubAgent = "security-auditor"
	SubAgentDocumentation SubAgent = "documentation-writer"
)

// DefaultSubAgent is used when nothing in the task text points elsewhere.
const DefaultSubAgent = SubAgentGeneral

// AllSubAgents lists every known label.
var AllSubAgents = []SubAgent{
	SubAgentGeneral,
	SubAgentFrontend,
	SubAgentBackend,
	SubAgentDatabase,
	SubAgentTest,
	SubAgentDevOps,
	SubAgentSecurity,
	SubAgentDocumentation,
}

// Valid returns true if the label is a known sub-agent.
func (s SubAgent) Valid() bool {
	for _, known := range AllSubAgents {
		if s == known {
			return true
		}
	}
	return false
}
