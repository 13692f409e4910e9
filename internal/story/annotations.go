package story

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/ShayCichocki/bmadorch/pkg/models"
)

var (
	reHeading     = regexp.MustCompile(`^(#{1,6})\s+(.*?)\s*#*\s*$`)
	reTaskSection = regexp.MustCompile(`(?i)^#{2,6}\s+.*\btasks?\b`)
	reStoryTitle  = regexp.MustCompile(`(?i)^story\s+([\w.-]+)\s*[:\-–]\s*(.*)$`)
	reMetadata    = regexp.MustCompile(`^\*{0,2}([A-Za-z][A-Za-z0-9 _-]*?)\*{0,2}\s*:\s*\*{0,2}\s*(.+?)\s*$`)
	reCheckbox    = regexp.MustCompile(`^(\s*)[-*+]\s+\[([ xX])\]\s+(.*)$`)
	reListItem    = regexp.MustCompile(`^(\s*)(?:[-*+]|[0-9]+[.)])\s+(.*)$`)
	reTaskID      = regexp.MustCompile(`(?i)^task\s+([0-9][\w.-]*|[a-z]{1,5}-?[0-9][\w.-]*)\s*(.*)$`)
	reSubtaskID   = regexp.MustCompile(`(?i)^subtask\s+([0-9][\w.-]*|[a-z]{1,5}-?[0-9][\w.-]*)\s*[:\-–]?\s*(.*)$`)

	reAcceptance = regexp.MustCompile(`(?i)\(\s*ac(?:\s*:|\s)\s*([^)]*)\)`)
	reDepends    = regexp.MustCompile(`(?i)[(\[]\s*(?:depends\s+on\s*:?|(?:depends|after|requires)\s*:)\s*([^)\]]*)[)\]]`)
	reEstimate   = regexp.MustCompile(`(?i)[(\[]\s*est(?:imate)?\s*:?\s*([0-9]+(?:\.[0-9]+)?)\s*(m|min|mins|minutes|h|hr|hrs|hours)?\s*[)\]]`)
	reAgentPin   = regexp.MustCompile(`(?:^|\s)@([a-z][a-z0-9-]*)\b`)
	reSpaces     = regexp.MustCompile(`\s{2,}`)
	reRefSplit   = regexp.MustCompile(`[,\s]+|\band\b`)
)

// annotations are the inline markers pulled out of a task line.
type annotations struct {
	title      string
	acceptance []string
	depends    []string
	hasDepends bool
	estimate   int
	agent      models.SubAgent
}

// extractAnnotations strips AC, dependency, estimate and @agent markers from
// a task line and returns them with the cleaned title.
func extractAnnotations(text string) annotations {
	var ann annotations

	if m := reAcceptance.FindStringSubmatch(text); m != nil {
		ann.acceptance = splitRefs(m[1])
		text = reAcceptance.ReplaceAllString(text, " ")
	}

	if matches := reDepends.FindAllStringSubmatch(text, -1); matches != nil {
		ann.hasDepends = true
		for _, m := range matches {
			ann.depends = append(ann.depends, splitRefs(m[1])...)
		}
		text = reDepends.ReplaceAllString(text, " ")
	}

	if m := reEstimate.FindStringSubmatch(text); m != nil {
		ann.estimate = parseMinutes(m[1], m[2])
		text = reEstimate.ReplaceAllString(text, " ")
	}

	if m := reAgentPin.FindStringSubmatch(text); m != nil {
		if sa := models.SubAgent(m[1]); sa.Valid() {
			ann.agent = sa
			text = strings.Replace(text, "@"+m[1], " ", 1)
		}
	}

	ann.title = cleanTitle(text)
	return ann
}

// splitRefs turns "Task 1, #2 and 3" into ["1", "2", "3"].
func splitRefs(s string) []string {
	var refs []string
	seen := make(map[string]bool)
	for _, part := range reRefSplit.Split(s, -1) {
		part = strings.TrimSpace(part)
		if part == "" || strings.EqualFold(part, "task") || strings.EqualFold(part, "tasks") {
			continue
		}
		part = strings.TrimPrefix(part, "#")
		part = strings.TrimRight(part, ".;:")
		if part == "" || seen[part] {
			continue
		}
		seen[part] = true
		refs = append(refs, part)
	}
	return refs
}

// parseMinutes converts an estimate value and unit into whole minutes.
func parseMinutes(value, unit string) int {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	switch strings.ToLower(unit) {
	case "h", "hr", "hrs", "hours":
		f *= 60
	}
	return int(f + 0.5)
}

// cleanTitle collapses whitespace and drops leading separators left behind
// once annotations are removed.
func cleanTitle(s string) string {
	s = reSpaces.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	s = strings.TrimLeft(s, ":-–. ")
	return strings.TrimSpace(s)
}
