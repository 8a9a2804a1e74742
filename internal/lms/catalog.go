// Package lms exposes the parts of the host LMS the category mapping needs:
// the course/lesson/topic hierarchy, step permalinks and quiz questions.
// Content is loaded from YAML exported by the LMS.
package lms

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

const maxCourses = 100

type stepKind int

const (
	kindLesson stepKind = iota + 1
	kindTopic
)

type stepRef struct {
	kind  stepKind
	title string
}

// Catalog loads and caches LMS content from the filesystem.
type Catalog struct {
	rootPath string
	baseURL  string
	adminURL string

	courses map[int64]Course
	steps   map[int64]stepRef
	// paths[courseID][stepID] is the permalink path of a step under a course.
	paths   map[int64]map[int64]string
	quizzes map[int64]Quiz
	mu      sync.RWMutex
}

// NewCatalog creates a catalog from a YAML file or a directory of YAML files.
func NewCatalog(path string) (*Catalog, error) {
	c := newEmptyCatalog(path)

	if err := c.loadAll(); err != nil {
		return nil, fmt.Errorf("loading lms catalog: %w", err)
	}

	slog.Info("lms catalog loaded",
		"courses", len(c.courses),
		"steps", len(c.steps),
		"quizzes", len(c.quizzes),
	)
	return c, nil
}

// ParseCatalog builds a catalog from YAML bytes.
func ParseCatalog(data []byte) (*Catalog, error) {
	c := newEmptyCatalog("")
	if err := c.add(data); err != nil {
		return nil, err
	}
	return c, nil
}

func newEmptyCatalog(path string) *Catalog {
	return &Catalog{
		rootPath: path,
		courses:  make(map[int64]Course),
		steps:    make(map[int64]stepRef),
		paths:    make(map[int64]map[int64]string),
		quizzes:  make(map[int64]Quiz),
	}
}

// StepPermalink returns the public URL of a lesson or topic as seen from the
// given course. It returns "" when the step is not part of the course.
func (c *Catalog) StepPermalink(stepID, courseID int64) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	course, ok := c.paths[courseID]
	if !ok {
		return ""
	}
	p, ok := course[stepID]
	if !ok {
		return ""
	}
	return c.baseURL + p
}

// StepExists reports whether a lesson or topic with this ID exists anywhere.
func (c *Catalog) StepExists(id int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.steps[id]
	return ok
}

// StepTitle returns the title of a course, lesson or topic.
func (c *Catalog) StepTitle(id int64) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if course, ok := c.courses[id]; ok {
		return course.Title
	}
	return c.steps[id].title
}

// Courses returns up to 100 courses ordered by title.
func (c *Catalog) Courses() []Course {
	c.mu.RLock()
	defer c.mu.RUnlock()

	courses := make([]Course, 0, len(c.courses))
	for _, course := range c.courses {
		courses = append(courses, course)
	}
	sort.Slice(courses, func(i, j int) bool {
		if courses[i].Title == courses[j].Title {
			return courses[i].ID < courses[j].ID
		}
		return courses[i].Title < courses[j].Title
	})
	if len(courses) > maxCourses {
		courses = courses[:maxCourses]
	}
	return courses
}

// CourseSteps returns the lesson/topic tree of a course.
func (c *Catalog) CourseSteps(courseID int64) ([]Lesson, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	course, ok := c.courses[courseID]
	if !ok {
		return nil, false
	}
	lessons := make([]Lesson, len(course.Lessons))
	copy(lessons, course.Lessons)
	for i := range lessons {
		if lessons[i].Topics == nil {
			lessons[i].Topics = []Topic{}
		}
	}
	return lessons, true
}

// QuizQuestionIDs returns the question IDs of a quiz.
func (c *Catalog) QuizQuestionIDs(quizID int64) []int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]int64(nil), c.quizzes[quizID].Questions...)
}

// QuizTitle returns the title of a quiz, or "" if unknown.
func (c *Catalog) QuizTitle(quizID int64) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.quizzes[quizID].Title
}

// SetDefaultAdminURL sets the admin base used when no catalog file names one.
func (c *Catalog) SetDefaultAdminURL(u string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.adminURL == "" {
		c.adminURL = strings.TrimRight(u, "/")
	}
}

// MappingPageURL returns the admin URL of the category list filtered to the
// categories used by a quiz.
func (c *Catalog) MappingPageURL(quizID int64) string {
	c.mu.RLock()
	base := c.adminURL
	c.mu.RUnlock()

	q := url.Values{}
	q.Set("quiz_id", strconv.FormatInt(quizID, 10))
	return base + "/api/categories?" + q.Encode()
}

func (c *Catalog) loadAll() error {
	info, err := os.Stat(c.rootPath)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return c.loadFile(c.rootPath)
	}

	return filepath.Walk(c.rootPath, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
			return c.loadFile(path)
		}
		return nil
	})
}

func (c *Catalog) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := c.add(data); err != nil {
		slog.Warn("skipping invalid catalog YAML", "path", path, "error", err)
	}
	return nil
}

func (c *Catalog) add(data []byte) error {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse catalog: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if f.BaseURL != "" {
		c.baseURL = strings.TrimRight(f.BaseURL, "/")
	}
	if f.AdminURL != "" {
		c.adminURL = strings.TrimRight(f.AdminURL, "/")
	}

	for _, course := range f.Courses {
		if course.ID <= 0 {
			continue
		}
		c.courses[course.ID] = course

		paths := make(map[int64]string)
		coursePath := "/courses/" + slugOr(course.Slug, course.ID) + "/"
		for _, lesson := range course.Lessons {
			lessonPath := coursePath + "lessons/" + slugOr(lesson.Slug, lesson.ID) + "/"
			paths[lesson.ID] = lessonPath
			c.steps[lesson.ID] = stepRef{kind: kindLesson, title: lesson.Title}
			for _, topic := range lesson.Topics {
				paths[topic.ID] = lessonPath + "topics/" + slugOr(topic.Slug, topic.ID) + "/"
				c.steps[topic.ID] = stepRef{kind: kindTopic, title: topic.Title}
			}
		}
		c.paths[course.ID] = paths
	}

	for _, quiz := range f.Quizzes {
		if quiz.ID > 0 {
			c.quizzes[quiz.ID] = quiz
		}
	}
	return nil
}

func slugOr(slug string, id int64) string {
	if slug != "" {
		return url.PathEscape(slug)
	}
	return strconv.FormatInt(id, 10)
}
