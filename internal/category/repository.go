package category

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/cases"
)

// ErrNotFound is returned when a write targets a category that does not exist.
var ErrNotFound = errors.New("category not found")

// Repository is the persistence seam of the category table.
type Repository interface {
	EnsureMetaColumn(ctx context.Context) error
	// LoadMeta returns the raw metadata column, or nil for a NULL column or a
	// missing row.
	LoadMeta(ctx context.Context, id int64) (*string, error)
	SaveMeta(ctx context.Context, id int64, raw string) error
	FindByIDs(ctx context.Context, ids []int64) ([]Row, error)
	FindByNames(ctx context.Context, names []string) ([]Row, error)
	Query(ctx context.Context, c Criteria) ([]Row, int, error)
	CategoryIDsForQuestions(ctx context.Context, questionIDs []int64) ([]int64, error)
}

// MemoryRepository is an in-memory Repository for tests and demo mode.
type MemoryRepository struct {
	categories map[int64]*Row
	questions  map[int64]int64 // question ID -> category ID
	mu         sync.RWMutex
}

// NewMemoryRepository creates an empty in-memory category table.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		categories: make(map[int64]*Row),
		questions:  make(map[int64]int64),
	}
}

// AddCategory inserts or renames a category.
func (r *MemoryRepository) AddCategory(id int64, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row, ok := r.categories[id]; ok {
		row.Name = name
		return
	}
	r.categories[id] = &Row{ID: id, Name: name}
}

// AddQuestion records that a question belongs to a category.
func (r *MemoryRepository) AddQuestion(questionID, categoryID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.questions[questionID] = categoryID
}

// SetRawMeta overwrites the metadata column verbatim.
func (r *MemoryRepository) SetRawMeta(id int64, raw *string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row, ok := r.categories[id]; ok {
		row.Meta = copyString(raw)
	}
}

func (r *MemoryRepository) EnsureMetaColumn(context.Context) error {
	return nil
}

func (r *MemoryRepository) LoadMeta(_ context.Context, id int64) (*string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	row, ok := r.categories[id]
	if !ok {
		return nil, nil
	}
	return copyString(row.Meta), nil
}

func (r *MemoryRepository) SaveMeta(_ context.Context, id int64, raw string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.categories[id]
	if !ok {
		return ErrNotFound
	}
	row.Meta = &raw
	return nil
}

func (r *MemoryRepository) FindByIDs(_ context.Context, ids []int64) ([]Row, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var rows []Row
	for _, id := range ids {
		if row, ok := r.categories[id]; ok {
			rows = append(rows, cloneRow(row))
		}
	}
	sortRows(rows)
	return rows, nil
}

func (r *MemoryRepository) FindByNames(_ context.Context, names []string) ([]Row, error) {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	var rows []Row
	for _, row := range r.categories {
		if want[row.Name] {
			rows = append(rows, cloneRow(row))
		}
	}
	sortRows(rows)
	return rows, nil
}

func (r *MemoryRepository) Query(_ context.Context, c Criteria) ([]Row, int, error) {
	var only map[int64]bool
	if len(c.CategoryIDs) > 0 {
		only = make(map[int64]bool, len(c.CategoryIDs))
		for _, id := range c.CategoryIDs {
			only[id] = true
		}
	}
	// Casers keep state; one per call.
	fold := cases.Fold()
	search := fold.String(c.Search)

	r.mu.RLock()
	var rows []Row
	for _, row := range r.categories {
		if only != nil && !only[row.ID] {
			continue
		}
		if search != "" && !strings.Contains(fold.String(row.Name), search) {
			continue
		}
		switch c.Status {
		case StatusAssigned:
			if !hasRecStep(row.Meta) {
				continue
			}
		case StatusUnassigned:
			if hasRecStep(row.Meta) {
				continue
			}
		}
		rows = append(rows, cloneRow(row))
	}
	r.mu.RUnlock()

	sortRows(rows)
	total := len(rows)
	if c.Offset < 0 {
		c.Offset = 0
	}
	if c.Offset >= total {
		return nil, total, nil
	}
	end := total
	if c.Limit > 0 && c.Offset+c.Limit < total {
		end = c.Offset + c.Limit
	}
	return rows[c.Offset:end], total, nil
}

func (r *MemoryRepository) CategoryIDsForQuestions(_ context.Context, questionIDs []int64) ([]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[int64]bool)
	var ids []int64
	for _, q := range questionIDs {
		id, ok := r.questions[q]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids, nil
}

func sortRows(rows []Row) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Name == rows[j].Name {
			return rows[i].ID < rows[j].ID
		}
		return rows[i].Name < rows[j].Name
	})
}

func cloneRow(row *Row) Row {
	return Row{ID: row.ID, Name: row.Name, Meta: copyString(row.Meta)}
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
