// Package mapping is the backend of the admin editor: the paginated category
// list with course/lesson/topic columns, saving and clearing mappings, the
// course step tree and the spreadsheet export.
package mapping

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"github.com/p-n-ai/quiz-catmap/internal/category"
	"github.com/p-n-ai/quiz-catmap/internal/lms"
)

// ErrMissingField is returned when a required ID is zero or missing.
var ErrMissingField = errors.New("missing required field")

// Store is the part of the category store the editor uses.
type Store interface {
	Query(ctx context.Context, f category.Filter, p category.Page) ([]category.Category, int, error)
	SetRecStep(ctx context.Context, id int64, step category.RecStep) error
	ClearRecStep(ctx context.Context, id int64) error
}

// Catalog is the LMS content the editor shows and links to.
type Catalog interface {
	StepExists(id int64) bool
	StepTitle(id int64) string
	StepPermalink(stepID, courseID int64) string
	Courses() []lms.Course
	CourseSteps(courseID int64) ([]lms.Lesson, bool)
}

// ServiceConfig holds dependencies for the editor service.
type ServiceConfig struct {
	Store   Store
	Catalog Catalog
	Events  EventLogger                      // default: NopEventLogger
	Actor   func(ctx context.Context) string // names the caller in audit events
	PerPage int                              // default: 20
}

// Service implements the editor operations.
type Service struct {
	store   Store
	catalog Catalog
	events  EventLogger
	actor   func(ctx context.Context) string
	perPage int
}

// NewService creates an editor service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is nil")
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("catalog is nil")
	}
	events := cfg.Events
	if events == nil {
		events = NopEventLogger{}
	}
	actor := cfg.Actor
	if actor == nil {
		actor = func(context.Context) string { return "" }
	}
	perPage := cfg.PerPage
	if perPage <= 0 {
		perPage = 20
	}
	return &Service{
		store:   cfg.Store,
		catalog: cfg.Catalog,
		events:  events,
		actor:   actor,
		perPage: perPage,
	}, nil
}

// Query selects a page of the category list.
type Query struct {
	Search string
	Status category.Status
	QuizID int64
	Page   int
}

// Row is one line of the category list.
type Row struct {
	CategoryID  int64  `json:"cat_id"`
	Category    string `json:"category"`
	CourseID    int64  `json:"course_id,omitempty"`
	LessonID    int64  `json:"lesson_id,omitempty"`
	TopicID     int64  `json:"topic_id,omitempty"`
	CourseTitle string `json:"course_title,omitempty"`
	LessonTitle string `json:"lesson_title,omitempty"`
	TopicTitle  string `json:"topic_title,omitempty"`
	StepLink    string `json:"step_link,omitempty"`
	Mapped      bool   `json:"mapped"`
}

// Listing is one page of the category list.
type Listing struct {
	Rows       []Row `json:"items"`
	Page       int   `json:"page"`
	PerPage    int   `json:"per_page"`
	TotalItems int   `json:"total_items"`
	TotalPages int   `json:"total_pages"`
}

type repair struct {
	categoryID int64
	from, to   category.RecStep
}

// List returns one page of categories with their mappings. Mappings that
// point at deleted lessons or topics are shown corrected and then written
// back.
func (s *Service) List(ctx context.Context, q Query) (Listing, error) {
	listing, repairs, err := s.page(ctx, q, s.perPage)
	if err != nil {
		return Listing{}, err
	}

	for _, r := range repairs {
		if err := s.store.SetRecStep(ctx, r.categoryID, r.to); err != nil {
			// The view is already correct; the next listing retries.
			slog.Warn("mapping repair failed", "category_id", r.categoryID, "error", err)
			continue
		}
		s.logEvent(ctx, Event{
			CategoryID: r.categoryID,
			EventType:  EventRepaired,
			Data: map[string]any{
				"from": r.from,
				"to":   r.to,
			},
		})
	}
	return listing, nil
}

// Save maps a category to a lesson, or a topic inside it, and returns the
// link the mapping resolves to.
func (s *Service) Save(ctx context.Context, categoryID int64, step category.RecStep) (string, error) {
	if categoryID <= 0 || step.CourseID <= 0 || step.LessonID <= 0 {
		return "", fmt.Errorf("%w: cat_id, course_id and lesson_id are required", ErrMissingField)
	}
	if step.TopicID < 0 {
		step.TopicID = 0
	}

	if err := s.store.SetRecStep(ctx, categoryID, step); err != nil {
		return "", fmt.Errorf("save mapping: %w", err)
	}

	link := s.catalog.StepPermalink(step.Target(), step.CourseID)
	s.logEvent(ctx, Event{
		CategoryID: categoryID,
		EventType:  EventSaved,
		Data: map[string]any{
			"course_id": step.CourseID,
			"lesson_id": step.LessonID,
			"topic_id":  step.TopicID,
			"step_link": link,
		},
	})
	return link, nil
}

// Clear removes the mapping of a category.
func (s *Service) Clear(ctx context.Context, categoryID int64) error {
	if categoryID <= 0 {
		return fmt.Errorf("%w: cat_id is required", ErrMissingField)
	}
	if err := s.store.ClearRecStep(ctx, categoryID); err != nil {
		return fmt.Errorf("clear mapping: %w", err)
	}
	s.logEvent(ctx, Event{CategoryID: categoryID, EventType: EventCleared})
	return nil
}

// StepNode is a lesson or topic in the course step selector.
type StepNode struct {
	ID     int64      `json:"id"`
	Title  string     `json:"title"`
	Topics []StepNode `json:"topics,omitempty"`
}

// CourseSteps returns the lessons of a course with their topics. Unknown
// courses have no steps.
func (s *Service) CourseSteps(courseID int64) ([]StepNode, error) {
	if courseID <= 0 {
		return nil, fmt.Errorf("%w: course_id is required", ErrMissingField)
	}
	lessons, _ := s.catalog.CourseSteps(courseID)

	nodes := make([]StepNode, 0, len(lessons))
	for _, l := range lessons {
		node := StepNode{ID: l.ID, Title: escapeTitle(l.Title), Topics: []StepNode{}}
		for _, t := range l.Topics {
			node.Topics = append(node.Topics, StepNode{ID: t.ID, Title: escapeTitle(t.Title)})
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// CourseOption is an entry of the course selector.
type CourseOption struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
}

// Courses returns the course selector options.
func (s *Service) Courses() []CourseOption {
	courses := s.catalog.Courses()
	out := make([]CourseOption, 0, len(courses))
	for _, c := range courses {
		out = append(out, CourseOption{ID: c.ID, Title: escapeTitle(c.Title)})
	}
	return out
}

func (s *Service) page(ctx context.Context, q Query, perPage int) (Listing, []repair, error) {
	page := q.Page
	if page < 1 {
		page = 1
	}
	cats, total, err := s.store.Query(ctx,
		category.Filter{Search: q.Search, Status: q.Status, QuizID: q.QuizID},
		category.Page{Number: page, PerPage: perPage},
	)
	if err != nil {
		return Listing{}, nil, fmt.Errorf("list categories: %w", err)
	}

	listing := Listing{
		Rows:       make([]Row, 0, len(cats)),
		Page:       page,
		PerPage:    perPage,
		TotalItems: total,
		TotalPages: (total + perPage - 1) / perPage,
	}
	var repairs []repair
	for _, c := range cats {
		row := Row{CategoryID: c.ID, Category: c.Name}

		if step, ok := c.RecStep(); ok {
			fixed, changed := Reconcile(step, s.catalog.StepExists)
			if changed {
				repairs = append(repairs, repair{categoryID: c.ID, from: step, to: fixed})
			}
			s.fill(&row, fixed)
		}
		listing.Rows = append(listing.Rows, row)
	}
	return listing, repairs, nil
}

func (s *Service) fill(row *Row, step category.RecStep) {
	row.CourseID = step.CourseID
	row.LessonID = step.LessonID
	row.TopicID = step.TopicID
	if step.CourseID > 0 {
		row.CourseTitle = s.catalog.StepTitle(step.CourseID)
	}
	if step.LessonID > 0 {
		row.LessonTitle = s.catalog.StepTitle(step.LessonID)
	}
	if step.TopicID > 0 {
		row.TopicTitle = s.catalog.StepTitle(step.TopicID)
	}
	if step.Assigned() {
		row.Mapped = true
		row.StepLink = s.catalog.StepPermalink(step.Target(), step.CourseID)
	}
}

func (s *Service) logEvent(ctx context.Context, event Event) {
	event.Actor = s.actor(ctx)
	if err := s.events.LogEvent(ctx, event); err != nil {
		slog.Warn("mapping event not logged", "type", event.EventType, "category_id", event.CategoryID, "error", err)
	}
}

// escapeTitle HTML-escapes a post title but keeps apostrophes readable.
func escapeTitle(s string) string {
	return strings.ReplaceAll(html.EscapeString(s), "&#39;", "'")
}
