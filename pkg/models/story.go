package models

// Story is a parsed story document.
type Story struct {
	// ID is the story number, e.g. "1.2".
	ID string `json:"id,omitempty"`
	// Title is the story heading without the "Story N:" prefix.
	Title string `json:"title"`
	// Status is the story's own status line (Draft, Approved, ...).
	Status string `json:"status,omitempty"`
	// Epic is the epic the story belongs to, if stated.
	Epic string `json:"epic,omitempty"`
	// Path is the file the story was read from.
	Path string `json:"path,omitempty"`
	// Metadata holds header key/value lines and front-matter, keys lower-cased.
	Metadata map[string]string `json:"metadata,omitempty"`
	// AcceptanceCriteria are the numbered criteria in document order.
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	// Tasks are the top-level tasks in document order.
	Tasks []*Task `json:"tasks"`
}

// TaskByID returns the task with the given ID, or nil.
func (s *Story) TaskByID(id string) *Task {
	for _, t := range s.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Summary returns the identifying fields of the story.
func (s *Story) Summary() StoryRef {
	return StoryRef{ID: s.ID, Title: s.Title, Path: s.Path, Epic: s.Epic}
}

// StoryRef identifies a story without carrying its tasks.
type StoryRef struct {
	ID    string `json:"id,omitempty"`
	Title string `json:"title"`
	Path  string `json:"path,omitempty"`
	Epic  string `json:"epic,omitempty"`
}
