package category

import (
	"encoding/json"
	"log/slog"
	"math"
	"strings"
)

const (
	// MetaColumn is the nullable text column added to the LMS category table.
	MetaColumn = "ldqcm_meta"
	// RecStepKey is the metadata key holding the recommendation mapping.
	RecStepKey = "rec_step"
)

// Category is a quiz-question category owned by the LMS, annotated with a
// metadata blob by this service.
type Category struct {
	ID   int64  `json:"category_id"`
	Name string `json:"category_name"`
	Meta Meta   `json:"meta,omitempty"`
}

// RecStep returns the recommendation mapping of the category, if any.
func (c Category) RecStep() (RecStep, bool) {
	return c.Meta.RecStep()
}

// Meta is the per-category metadata blob: string keys to JSON values.
type Meta map[string]json.RawMessage

// RecStep decodes the recommendation mapping. A missing or unreadable value
// reads as no mapping.
func (m Meta) RecStep() (RecStep, bool) {
	raw, ok := m[RecStepKey]
	if !ok || len(raw) == 0 {
		return RecStep{}, false
	}
	var step RecStep
	if err := json.Unmarshal(raw, &step); err != nil {
		return RecStep{}, false
	}
	return step, true
}

// DecodeMeta parses a raw column value. NULL, empty and corrupt values all
// decode to nil.
func DecodeMeta(raw *string) Meta {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil
	}
	var meta Meta
	if err := json.Unmarshal([]byte(*raw), &meta); err != nil {
		slog.Debug("unreadable category meta", "error", err)
		return nil
	}
	return meta
}

// RecStep maps a category to the course step a learner should revisit.
// A zero ID means unset.
type RecStep struct {
	CourseID int64 `json:"course_id"`
	LessonID int64 `json:"lesson_id"`
	TopicID  int64 `json:"topic_id"`
}

// Assigned reports whether the mapping has both a course and a lesson.
func (s RecStep) Assigned() bool {
	return s.CourseID > 0 && s.LessonID > 0
}

// Target returns the step the recommendation links to: the topic when set,
// otherwise the lesson.
func (s RecStep) Target() int64 {
	if s.TopicID > 0 {
		return s.TopicID
	}
	return s.LessonID
}

// Status filters categories by whether they carry a mapping.
type Status string

const (
	StatusAny        Status = ""
	StatusAssigned   Status = "assigned"
	StatusUnassigned Status = "unassigned"
)

// ParseStatus maps a query value to a Status. Unknown values mean no filter.
func ParseStatus(s string) Status {
	switch Status(strings.TrimSpace(s)) {
	case StatusAssigned:
		return StatusAssigned
	case StatusUnassigned:
		return StatusUnassigned
	default:
		return StatusAny
	}
}

// Filter narrows a category listing.
type Filter struct {
	Search string
	Status Status
	QuizID int64
}

// Page selects a slice of a listing. Numbers start at 1.
type Page struct {
	Number  int
	PerPage int
}

const defaultPerPage = 20

func (p Page) normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.PerPage < 1 {
		p.PerPage = defaultPerPage
	}
	// Keep (Number-1)*PerPage from overflowing.
	if maxPage := math.MaxInt / p.PerPage; p.Number > maxPage {
		p.Number = maxPage
	}
	return p
}

// Row is a category as a repository returns it: the metadata is still raw.
type Row struct {
	ID   int64
	Name string
	Meta *string
}

// Criteria is the query a Store hands to a Repository.
type Criteria struct {
	Search      string
	Status      Status
	CategoryIDs []int64 // empty means all categories
	Limit       int
	Offset      int
}

func (r Row) category() Category {
	return Category{ID: r.ID, Name: r.Name, Meta: DecodeMeta(r.Meta)}
}

func hasRecStep(raw *string) bool {
	return raw != nil && strings.Contains(*raw, `"`+RecStepKey+`"`)
}
