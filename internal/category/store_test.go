package category_test

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/p-n-ai/quiz-catmap/internal/category"
	"github.com/p-n-ai/quiz-catmap/internal/platform/cache"
)

type allow bool

func (a allow) CanManage(context.Context) bool { return bool(a) }

type quizzes map[int64][]int64

func (q quizzes) QuizQuestionIDs(id int64) []int64 { return q[id] }

func newTestStore(t *testing.T, canManage bool) (*category.Store, *category.MemoryRepository) {
	t.Helper()
	repo := category.NewMemoryRepository()
	repo.AddCategory(1, "Fractions")
	repo.AddCategory(2, "Algebra")
	repo.AddCategory(3, "Geometry")
	repo.AddQuestion(101, 1)
	repo.AddQuestion(102, 2)

	store, err := category.NewStore(category.StoreConfig{
		Repository: repo,
		Cache:      cache.NewMemory(),
		Authorizer: allow(canManage),
		Quizzes:    quizzes{40: {101, 102}, 41: {999}},
	})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return store, repo
}

func TestNewStore_RequiresRepository(t *testing.T) {
	if _, err := category.NewStore(category.StoreConfig{}); err == nil {
		t.Fatal("NewStore() should fail without a repository")
	}
}

func TestStore_GetUnknownAndEmpty(t *testing.T) {
	store, _ := newTestStore(t, true)

	for _, id := range []int64{1, 404} {
		meta, err := store.Get(t.Context(), id)
		if err != nil {
			t.Fatalf("Get(%d) error = %v", id, err)
		}
		if meta != nil {
			t.Errorf("Get(%d) = %v, want nil", id, meta)
		}
	}
}

func TestStore_CorruptMetaReadsAsNil(t *testing.T) {
	store, repo := newTestStore(t, true)
	raw := `a:1:{s:8:"rec_step";`
	repo.SetRawMeta(1, &raw)

	meta, err := store.Get(t.Context(), 1)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if meta != nil {
		t.Errorf("Get() = %v, want nil for corrupt blob", meta)
	}
	if _, ok, _ := store.RecStep(t.Context(), 1); ok {
		t.Error("RecStep() should report no mapping for corrupt blob")
	}
}

func TestStore_SetRecStepInvalidatesCache(t *testing.T) {
	store, _ := newTestStore(t, true)
	ctx := t.Context()

	// Prime the cache with "no metadata".
	if _, err := store.Get(ctx, 2); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	want := category.RecStep{CourseID: 3, LessonID: 7}
	if err := store.SetRecStep(ctx, 2, want); err != nil {
		t.Fatalf("SetRecStep() error = %v", err)
	}

	got, ok, err := store.RecStep(ctx, 2)
	if err != nil {
		t.Fatalf("RecStep() error = %v", err)
	}
	if !ok || got != want {
		t.Errorf("RecStep() = %+v, %v; want %+v, true", got, ok, want)
	}
}

func TestStore_SetKeyPreservesOtherKeys(t *testing.T) {
	store, _ := newTestStore(t, true)
	ctx := t.Context()

	if err := store.SetKey(ctx, 1, "color", "blue"); err != nil {
		t.Fatalf("SetKey() error = %v", err)
	}
	if err := store.SetRecStep(ctx, 1, category.RecStep{CourseID: 3, LessonID: 7, TopicID: 9}); err != nil {
		t.Fatalf("SetRecStep() error = %v", err)
	}
	if err := store.ClearRecStep(ctx, 1); err != nil {
		t.Fatalf("ClearRecStep() error = %v", err)
	}

	raw, err := store.GetKey(ctx, 1, "color")
	if err != nil {
		t.Fatalf("GetKey() error = %v", err)
	}
	var color string
	if err := json.Unmarshal(raw, &color); err != nil || color != "blue" {
		t.Errorf("color = %q (%v), want blue", color, err)
	}
	if raw, _ := store.GetKey(ctx, 1, category.RecStepKey); raw != nil {
		t.Errorf("rec_step = %s, want absent", raw)
	}
}

func TestStore_WritesIgnoredWithoutPermission(t *testing.T) {
	store, repo := newTestStore(t, false)
	ctx := t.Context()

	var hooked bool
	store.OnChange(func(context.Context, int64) { hooked = true })

	if err := store.SetRecStep(ctx, 1, category.RecStep{CourseID: 3, LessonID: 7}); err != nil {
		t.Fatalf("SetRecStep() error = %v, want nil", err)
	}
	if err := store.ClearRecStep(ctx, 1); err != nil {
		t.Fatalf("ClearRecStep() error = %v, want nil", err)
	}

	if raw, _ := repo.LoadMeta(ctx, 1); raw != nil {
		t.Errorf("meta = %q, want untouched", *raw)
	}
	if hooked {
		t.Error("change hook should not run for ignored writes")
	}
}

func TestStore_DeleteAbsentKeyWritesNothing(t *testing.T) {
	store, repo := newTestStore(t, true)

	var calls int
	store.OnChange(func(context.Context, int64) { calls++ })

	if err := store.ClearRecStep(t.Context(), 3); err != nil {
		t.Fatalf("ClearRecStep() error = %v", err)
	}
	if raw, _ := repo.LoadMeta(t.Context(), 3); raw != nil {
		t.Errorf("meta = %q, want NULL column", *raw)
	}
	if calls != 0 {
		t.Errorf("hook calls = %d, want 0", calls)
	}
}

func TestStore_OnChangeRunsAfterWrite(t *testing.T) {
	store, _ := newTestStore(t, true)

	var got []int64
	store.OnChange(func(_ context.Context, id int64) { got = append(got, id) })

	if err := store.SetRecStep(t.Context(), 2, category.RecStep{CourseID: 3, LessonID: 7}); err != nil {
		t.Fatalf("SetRecStep() error = %v", err)
	}
	if err := store.ClearRecStep(t.Context(), 2); err != nil {
		t.Fatalf("ClearRecStep() error = %v", err)
	}
	if len(got) != 2 || got[0] != 2 || got[1] != 2 {
		t.Errorf("hook calls = %v, want [2 2]", got)
	}
}

func TestStore_WriteUnknownCategory(t *testing.T) {
	store, _ := newTestStore(t, true)

	err := store.SetRecStep(t.Context(), 404, category.RecStep{CourseID: 3, LessonID: 7})
	if !errors.Is(err, category.ErrNotFound) {
		t.Errorf("SetRecStep(404) error = %v, want ErrNotFound", err)
	}
}

func TestStore_FindByIDsAndNames(t *testing.T) {
	store, _ := newTestStore(t, true)
	ctx := t.Context()

	cats, err := store.FindByIDs(ctx, []int64{0, -1, 2, 2, 1})
	if err != nil {
		t.Fatalf("FindByIDs() error = %v", err)
	}
	if len(cats) != 2 || cats[0].Name != "Algebra" {
		t.Errorf("FindByIDs() = %+v, want Algebra and Fractions", cats)
	}

	cats, err = store.FindByIDs(ctx, []int64{0})
	if err != nil || cats != nil {
		t.Errorf("FindByIDs([0]) = %v, %v; want nil, nil", cats, err)
	}

	cats, err = store.FindByNames(ctx, []string{"Geometry", "", "Geometry", "Calculus"})
	if err != nil {
		t.Fatalf("FindByNames() error = %v", err)
	}
	if len(cats) != 1 || cats[0].ID != 3 {
		t.Errorf("FindByNames() = %+v, want Geometry", cats)
	}
}

func TestStore_FindByNamesNormalizesUnicode(t *testing.T) {
	store, repo := newTestStore(t, true)
	repo.AddCategory(10, "Caf\u00e9")

	// "e" followed by a combining acute accent.
	cats, err := store.FindByNames(t.Context(), []string{"Cafe\u0301"})
	if err != nil {
		t.Fatalf("FindByNames() error = %v", err)
	}
	if len(cats) != 1 || cats[0].ID != 10 {
		t.Errorf("FindByNames() = %+v, want category 10", cats)
	}
}

func TestStore_Query(t *testing.T) {
	store, _ := newTestStore(t, true)
	ctx := t.Context()
	if err := store.SetRecStep(ctx, 2, category.RecStep{CourseID: 3, LessonID: 7}); err != nil {
		t.Fatalf("SetRecStep() error = %v", err)
	}

	tests := []struct {
		name      string
		filter    category.Filter
		page      category.Page
		wantNames []string
		wantTotal int
	}{
		{"all", category.Filter{}, category.Page{}, []string{"Algebra", "Fractions", "Geometry"}, 3},
		{"search", category.Filter{Search: "  geo "}, category.Page{}, []string{"Geometry"}, 1},
		{"assigned", category.Filter{Status: category.StatusAssigned}, category.Page{}, []string{"Algebra"}, 1},
		{"unassigned", category.Filter{Status: category.StatusUnassigned}, category.Page{}, []string{"Fractions", "Geometry"}, 2},
		{"quiz", category.Filter{QuizID: 40}, category.Page{}, []string{"Algebra", "Fractions"}, 2},
		{"quiz-without-categories", category.Filter{QuizID: 41}, category.Page{}, []string{"Algebra", "Fractions", "Geometry"}, 3},
		{"unknown-quiz", category.Filter{QuizID: 77}, category.Page{}, []string{"Algebra", "Fractions", "Geometry"}, 3},
		{"second-page", category.Filter{}, category.Page{Number: 2, PerPage: 2}, []string{"Geometry"}, 3},
		{"huge-page", category.Filter{}, category.Page{Number: 500000000000000000}, nil, 3},
		{"huge-page-per-page", category.Filter{}, category.Page{Number: math.MaxInt, PerPage: 7}, nil, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cats, total, err := store.Query(ctx, tt.filter, tt.page)
			if err != nil {
				t.Fatalf("Query() error = %v", err)
			}
			if total != tt.wantTotal {
				t.Errorf("total = %d, want %d", total, tt.wantTotal)
			}
			if len(cats) != len(tt.wantNames) {
				t.Fatalf("len = %d, want %d", len(cats), len(tt.wantNames))
			}
			for i, name := range tt.wantNames {
				if cats[i].Name != name {
					t.Errorf("cats[%d] = %q, want %q", i, cats[i].Name, name)
				}
			}
		})
	}
}

func TestRecStep_AssignedAndTarget(t *testing.T) {
	tests := []struct {
		name         string
		step         category.RecStep
		wantAssigned bool
		wantTarget   int64
	}{
		{"lesson", category.RecStep{CourseID: 3, LessonID: 7}, true, 7},
		{"topic", category.RecStep{CourseID: 3, LessonID: 7, TopicID: 9}, true, 9},
		{"no-lesson", category.RecStep{CourseID: 3}, false, 0},
		{"no-course", category.RecStep{LessonID: 7}, false, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.step.Assigned(); got != tt.wantAssigned {
				t.Errorf("Assigned() = %v, want %v", got, tt.wantAssigned)
			}
			if got := tt.step.Target(); got != tt.wantTarget {
				t.Errorf("Target() = %d, want %d", got, tt.wantTarget)
			}
		})
	}
}

func TestParseStatus(t *testing.T) {
	tests := map[string]category.Status{
		"assigned":   category.StatusAssigned,
		"unassigned": category.StatusUnassigned,
		"":           category.StatusAny,
		"bogus":      category.StatusAny,
	}
	for in, want := range tests {
		if got := category.ParseStatus(in); got != want {
			t.Errorf("ParseStatus(%q) = %q, want %q", in, got, want)
		}
	}
}
