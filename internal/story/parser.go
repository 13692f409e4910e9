// Package story extracts tasks and metadata from Markdown story documents.
//
// A story is the unit of work handed to the orchestrator: a title, a few
// header lines, acceptance criteria and a checklist of tasks. Parsing is
// line-oriented and regex driven, so stories written by hand or by planning
// tools are both accepted as long as tasks are checkbox list items.
package story

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/bmadorch/pkg/models"
)

var (
	// ErrEmptyStory is returned for a document with no content.
	ErrEmptyStory = errors.New("story is empty")
	// ErrDuplicateTask is returned when two tasks claim the same explicit ID.
	ErrDuplicateTask = errors.New("duplicate task id")
)

// maxLineSize bounds a single line read from a story.
const maxLineSize = 1024 * 1024

// Option configures a Parser.
type Option func(*Parser)

// WithImplicitOrder makes every task without a dependency annotation depend
// on the task declared before it.
func WithImplicitOrder(enabled bool) Option {
	return func(p *Parser) {
		p.implicitOrder = enabled
	}
}

// Parser extracts a models.Story from Markdown.
type Parser struct {
	implicitOrder bool
}

// NewParser creates a Parser.
func NewParser(opts ...Option) *Parser {
	p := &Parser{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ParseFile reads and parses the story at path.
func (p *Parser) ParseFile(path string) (*models.Story, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open story: %w", err)
	}
	defer f.Close()
	return p.Parse(f, path)
}

// ParseString parses a story held in memory.
func (p *Parser) ParseString(s string) (*models.Story, error) {
	return p.Parse(strings.NewReader(s), "")
}

// rawTask is a task as seen on the page, before IDs are settled.
type rawTask struct {
	task        *models.Task
	explicitID  bool
	hasDepsNote bool
	subtaskIDs  []bool
	indent      int
}

// parseState carries the scan position through the document.
type parseState struct {
	story         *models.Story
	section       string
	sawSection    bool
	hasTaskHeader bool
	// taskLevel is the heading level of the open tasks section, 0 outside one.
	taskLevel     int
	baseIndent    int
	current       *rawTask
	tasks         []*rawTask
	statusPending bool
}

// Parse reads a story from r. path is recorded on the story and used in errors.
func (p *Parser) Parse(r io.Reader, path string) (*models.Story, error) {
	lines, err := readLines(r)
	if err != nil {
		return nil, fmt.Errorf("read story %s: %w", path, err)
	}

	if strings.TrimSpace(strings.Join(lines, "")) == "" {
		return nil, ErrEmptyStory
	}

	st := &parseState{
		story: &models.Story{
			Path:     path,
			Metadata: make(map[string]string),
		},
		baseIndent: -1,
	}

	start, err := parseFrontMatter(lines, st.story)
	if err != nil {
		return nil, fmt.Errorf("story %s: %w", path, err)
	}

	for _, line := range lines[start:] {
		if reHeading.MatchString(line) && reTaskSection.MatchString(line) {
			st.hasTaskHeader = true
			break
		}
	}

	for i := start; i < len(lines); i++ {
		p.scanLine(st, lines[i], i+1)
	}

	if err := p.finish(st); err != nil {
		return nil, fmt.Errorf("story %s: %w", path, err)
	}
	return st.story, nil
}

// scanLine advances the parse state by one line.
func (p *Parser) scanLine(st *parseState, line string, lineNo int) {
	if m := reHeading.FindStringSubmatch(line); m != nil {
		st.current = nil
		st.baseIndent = -1
		level := len(m[1])
		heading := strings.TrimSpace(m[2])
		if level == 1 && st.story.Title == "" {
			setTitle(st.story, heading)
			return
		}
		if st.taskLevel > 0 && level > st.taskLevel {
			// Sub-headings group tasks without closing the section.
			return
		}
		st.sawSection = true
		st.section = strings.ToLower(heading)
		st.statusPending = st.section == "status"
		st.taskLevel = 0
		if reTaskSection.MatchString(line) {
			st.taskLevel = level
		}
		return
	}

	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}

	if st.statusPending {
		st.statusPending = false
		if st.story.Status == "" {
			st.story.Status = strings.Trim(trimmed, "*_ ")
			st.story.Metadata["status"] = st.story.Status
		}
		return
	}

	if !st.sawSection {
		if st.current == nil && !reCheckbox.MatchString(line) {
			if m := reMetadata.FindStringSubmatch(trimmed); m != nil && len(m[1]) <= 40 {
				setMetadata(st.story, m[1], m[2])
			}
			return
		}
		// Stories without sections may list tasks straight under the title.
		if !st.hasTaskHeader {
			p.scanTaskLine(st, line, lineNo)
		}
		return
	}

	if strings.Contains(st.section, "acceptance criteria") {
		if m := reListItem.FindStringSubmatch(line); m != nil {
			st.story.AcceptanceCriteria = append(st.story.AcceptanceCriteria, strings.TrimSpace(m[2]))
		}
		return
	}

	if st.hasTaskHeader && st.taskLevel == 0 {
		return
	}

	p.scanTaskLine(st, line, lineNo)
}

// scanTaskLine handles a non-blank line inside a tasks section.
func (p *Parser) scanTaskLine(st *parseState, line string, lineNo int) {
	indent := indentWidth(line)

	if m := reCheckbox.FindStringSubmatch(line); m != nil {
		done := m[2] != " "
		text := strings.TrimSpace(m[3])

		if st.baseIndent < 0 || indent <= st.baseIndent || st.current == nil {
			if st.baseIndent < 0 || indent < st.baseIndent {
				st.baseIndent = indent
			}
			st.current = newRawTask(text, done, lineNo, indent)
			st.tasks = append(st.tasks, st.current)
			return
		}

		id, title := splitSubtask(text)
		st.current.task.Subtasks = append(st.current.task.Subtasks, models.Subtask{
			ID:    id,
			Title: title,
			Done:  done,
		})
		st.current.subtaskIDs = append(st.current.subtaskIDs, id != "")
		return
	}

	if st.current != nil && indent > st.current.indent {
		text := strings.TrimSpace(line)
		if m := reListItem.FindStringSubmatch(line); m != nil {
			text = strings.TrimSpace(m[2])
		}
		if st.current.task.Description == "" {
			st.current.task.Description = text
		} else {
			st.current.task.Description += "\n" + text
		}
		return
	}

	st.current = nil
}

// finish settles task IDs, subtask IDs and implicit dependencies.
func (p *Parser) finish(st *parseState) error {
	used := make(map[string]bool, len(st.tasks))
	for _, rt := range st.tasks {
		if !rt.explicitID {
			continue
		}
		if used[rt.task.ID] {
			return fmt.Errorf("%w: %s (line %d)", ErrDuplicateTask, rt.task.ID, rt.task.Line)
		}
		used[rt.task.ID] = true
	}

	next := 1
	for _, rt := range st.tasks {
		if rt.explicitID {
			continue
		}
		for used[strconv.Itoa(next)] {
			next++
		}
		rt.task.ID = strconv.Itoa(next)
		used[rt.task.ID] = true
		next++
	}

	for i, rt := range st.tasks {
		for j := range rt.task.Subtasks {
			if !rt.subtaskIDs[j] {
				rt.task.Subtasks[j].ID = fmt.Sprintf("%s.%d", rt.task.ID, j+1)
			}
		}
		if p.implicitOrder && !rt.hasDepsNote && i > 0 {
			rt.task.DependsOn = []string{st.tasks[i-1].task.ID}
		}
		st.story.Tasks = append(st.story.Tasks, rt.task)
	}

	if st.story.Tasks == nil {
		st.story.Tasks = []*models.Task{}
	}
	return nil
}

// newRawTask builds a task from the text after the checkbox.
func newRawTask(text string, done bool, lineNo, indent int) *rawTask {
	rt := &rawTask{
		task: &models.Task{
			Status: models.TaskStatusPending,
			Line:   lineNo,
		},
		indent: indent,
	}
	if done {
		rt.task.Status = models.TaskStatusDone
	}

	if m := reTaskID.FindStringSubmatch(text); m != nil {
		rt.task.ID = strings.TrimRight(m[1], ".-")
		rt.explicitID = rt.task.ID != ""
		text = m[2]
	}

	ann := extractAnnotations(text)
	rt.task.Title = ann.title
	rt.task.AcceptanceRefs = ann.acceptance
	rt.task.DependsOn = ann.depends
	rt.hasDepsNote = ann.hasDepends
	rt.task.EstimateMinutes = ann.estimate
	if ann.agent != "" {
		rt.task.SubAgent = ann.agent
		rt.task.PinnedAgent = true
	}
	return rt
}

// splitSubtask pulls an explicit "Subtask 1.2:" prefix off a subtask line.
func splitSubtask(text string) (id, title string) {
	if m := reSubtaskID.FindStringSubmatch(text); m != nil {
		return strings.TrimRight(m[1], ".-"), cleanTitle(m[2])
	}
	return "", cleanTitle(text)
}

// setTitle parses "Story 1.2: Title" headings.
func setTitle(s *models.Story, heading string) {
	if m := reStoryTitle.FindStringSubmatch(heading); m != nil {
		if s.ID == "" {
			s.ID = m[1]
		}
		s.Title = strings.TrimSpace(m[2])
		return
	}
	s.Title = heading
}

// setMetadata records a header line and lifts well-known keys onto the story.
func setMetadata(s *models.Story, key, value string) {
	key = strings.ToLower(strings.TrimSpace(key))
	value = strings.Trim(strings.TrimSpace(value), "*_ ")
	s.Metadata[key] = value
	switch key {
	case "status":
		s.Status = value
	case "epic":
		s.Epic = value
	case "story", "id":
		if s.ID == "" {
			s.ID = value
		}
	case "title":
		if s.Title == "" {
			s.Title = value
		}
	}
}

// parseFrontMatter decodes a leading YAML block fenced by "---" lines and
// returns the index of the first line after it.
func parseFrontMatter(lines []string, s *models.Story) (int, error) {
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return 0, nil
	}
	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end < 0 {
		return 0, nil
	}

	var fm map[string]interface{}
	if err := yaml.Unmarshal([]byte(strings.Join(lines[1:end], "\n")), &fm); err != nil {
		return 0, fmt.Errorf("front matter: %w", err)
	}
	for k, v := range fm {
		setMetadata(s, k, fmt.Sprint(v))
	}
	return end + 1, nil
}

// readLines splits r into lines without trailing newlines.
func readLines(r io.Reader) ([]string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, strings.TrimRight(scanner.Text(), "\r"))
	}
	return lines, scanner.Err()
}

// indentWidth counts leading whitespace, a tab counting as four columns.
func indentWidth(line string) int {
	n := 0
	for _, r := range line {
		switch r {
		case ' ':
			n++
		case '\t':
			n += 4
		default:
			return n
		}
	}
	return n
}
