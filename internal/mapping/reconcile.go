package mapping

import "github.com/p-n-ai/quiz-catmap/internal/category"

// Reconcile clears lesson and topic references that no longer exist in the
// LMS. It reports whether the step changed. The course is kept as is.
func Reconcile(step category.RecStep, exists func(id int64) bool) (category.RecStep, bool) {
	changed := false
	if step.LessonID != 0 && !exists(step.LessonID) {
		step.LessonID = 0
		changed = true
	}
	if step.TopicID != 0 && !exists(step.TopicID) {
		step.TopicID = 0
		changed = true
	}
	return step, changed
}
