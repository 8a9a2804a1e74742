package lms

// Course is a top-level LMS step. Lessons are ordered as the course shows them.
type Course struct {
	ID      int64    `yaml:"id" json:"id"`
	Slug    string   `yaml:"slug" json:"slug"`
	Title   string   `yaml:"title" json:"title"`
	Lessons []Lesson `yaml:"lessons" json:"-"`
}

// Lesson is a step inside a course.
type Lesson struct {
	ID     int64   `yaml:"id" json:"id"`
	Slug   string  `yaml:"slug" json:"-"`
	Title  string  `yaml:"title" json:"title"`
	Topics []Topic `yaml:"topics" json:"topics"`
}

// Topic is an optional step inside a lesson.
type Topic struct {
	ID    int64  `yaml:"id" json:"id"`
	Slug  string `yaml:"slug" json:"-"`
	Title string `yaml:"title" json:"title"`
}

// Quiz lists the questions a quiz is built from. Categories are attached to
// questions, not quizzes.
type Quiz struct {
	ID        int64   `yaml:"id"`
	Title     string  `yaml:"title"`
	Questions []int64 `yaml:"questions"`
}

// catalogFile is the on-disk YAML shape. A catalog may be split across files.
type catalogFile struct {
	BaseURL  string   `yaml:"base_url"`
	AdminURL string   `yaml:"admin_url"`
	Courses  []Course `yaml:"courses"`
	Quizzes  []Quiz   `yaml:"quizzes"`
}
