// Package category annotates LMS quiz-question categories with a metadata
// blob and keeps a per-category read-through cache of it.
package category

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/p-n-ai/quiz-catmap/internal/platform/cache"
)

const metaCachePrefix = "ldqcm_cat_meta_"

// Authorizer decides whether the caller may change category metadata.
type Authorizer interface {
	CanManage(ctx context.Context) bool
}

// QuizQuestions lists the questions of a quiz.
type QuizQuestions interface {
	QuizQuestionIDs(quizID int64) []int64
}

// ChangeHook runs after a category's metadata was written.
type ChangeHook func(ctx context.Context, categoryID int64)

// StoreConfig holds dependencies for the category store.
type StoreConfig struct {
	Repository Repository
	Cache      cache.Store   // default: in-process cache
	Authorizer Authorizer    // default: deny all writes
	Quizzes    QuizQuestions // optional; without it the quiz filter is ignored
}

// Store reads and writes category metadata.
type Store struct {
	repo    Repository
	cache   cache.Store
	authz   Authorizer
	quizzes QuizQuestions
	hooks   []ChangeHook
}

// NewStore creates a category store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Repository == nil {
		return nil, fmt.Errorf("category repository is nil")
	}
	kv := cfg.Cache
	if kv == nil {
		kv = cache.NewMemory()
	}
	authz := cfg.Authorizer
	if authz == nil {
		authz = denyAll{}
	}
	return &Store{
		repo:    cfg.Repository,
		cache:   kv,
		authz:   authz,
		quizzes: cfg.Quizzes,
	}, nil
}

// OnChange registers a hook run after every successful write. Register hooks
// before the store is shared.
func (s *Store) OnChange(hook ChangeHook) {
	s.hooks = append(s.hooks, hook)
}

// EnsureSchema adds the metadata column to the category table if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if err := s.repo.EnsureMetaColumn(ctx); err != nil {
		return fmt.Errorf("ensure meta column: %w", err)
	}
	return nil
}

// Get returns the metadata of a category. Unknown categories, empty columns
// and unreadable blobs all return nil.
func (s *Store) Get(ctx context.Context, id int64) (Meta, error) {
	key := metaCacheKey(id)

	var meta Meta
	err := s.cache.Get(ctx, key, &meta)
	if err == nil {
		return meta, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		slog.Warn("category meta cache read failed", "category_id", id, "error", err)
	}

	meta, err = s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := s.cache.Set(ctx, key, meta, 0); err != nil {
		slog.Warn("category meta cache write failed", "category_id", id, "error", err)
	}
	return meta, nil
}

// GetKey returns a single metadata value, or nil if it is absent.
func (s *Store) GetKey(ctx context.Context, id int64, key string) (json.RawMessage, error) {
	meta, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return meta[key], nil
}

// RecStep returns the recommendation mapping of a category.
func (s *Store) RecStep(ctx context.Context, id int64) (RecStep, bool, error) {
	meta, err := s.Get(ctx, id)
	if err != nil {
		return RecStep{}, false, err
	}
	step, ok := meta.RecStep()
	return step, ok, nil
}

// SetKey stores value under key in the category's metadata. Callers without
// permission are ignored: the call returns nil and nothing is written.
func (s *Store) SetKey(ctx context.Context, id int64, key string, value any) error {
	if !s.authz.CanManage(ctx) {
		slog.Warn("category meta write skipped: not permitted", "category_id", id, "key", key)
		return nil
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode meta %s: %w", key, err)
	}

	meta, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if meta == nil {
		meta = Meta{}
	}
	meta[key] = raw

	return s.save(ctx, id, meta)
}

// DeleteKey removes key from the category's metadata. Nothing is written when
// the key is absent or the caller lacks permission.
func (s *Store) DeleteKey(ctx context.Context, id int64, key string) error {
	if !s.authz.CanManage(ctx) {
		slog.Warn("category meta delete skipped: not permitted", "category_id", id, "key", key)
		return nil
	}

	meta, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if _, ok := meta[key]; !ok {
		return nil
	}
	delete(meta, key)

	return s.save(ctx, id, meta)
}

// SetRecStep saves the recommendation mapping of a category.
func (s *Store) SetRecStep(ctx context.Context, id int64, step RecStep) error {
	return s.SetKey(ctx, id, RecStepKey, step)
}

// ClearRecStep removes the recommendation mapping of a category.
func (s *Store) ClearRecStep(ctx context.Context, id int64) error {
	return s.DeleteKey(ctx, id, RecStepKey)
}

// FindByIDs returns the categories with the given IDs, bypassing the
// per-category cache. Non-positive IDs are ignored.
func (s *Store) FindByIDs(ctx context.Context, ids []int64) ([]Category, error) {
	ids = positiveUnique(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.repo.FindByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("find categories by id: %w", err)
	}
	return toCategories(rows), nil
}

// FindByNames returns the categories whose names match exactly.
func (s *Store) FindByNames(ctx context.Context, names []string) ([]Category, error) {
	names = normalizeNames(names)
	if len(names) == 0 {
		return nil, nil
	}
	rows, err := s.repo.FindByNames(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("find categories by name: %w", err)
	}
	return toCategories(rows), nil
}

// Query returns one page of categories matching the filter, ordered by name,
// and the total number of matches.
func (s *Store) Query(ctx context.Context, f Filter, p Page) ([]Category, int, error) {
	p = p.normalize()
	c := Criteria{
		Search: norm.NFC.String(strings.TrimSpace(f.Search)),
		Status: f.Status,
		Limit:  p.PerPage,
		Offset: (p.Number - 1) * p.PerPage,
	}

	if f.QuizID > 0 && s.quizzes != nil {
		// A quiz without categorized questions leaves the listing unfiltered.
		if questions := s.quizzes.QuizQuestionIDs(f.QuizID); len(questions) > 0 {
			ids, err := s.repo.CategoryIDsForQuestions(ctx, questions)
			if err != nil {
				return nil, 0, fmt.Errorf("quiz categories: %w", err)
			}
			c.CategoryIDs = ids
		}
	}

	rows, total, err := s.repo.Query(ctx, c)
	if err != nil {
		return nil, 0, fmt.Errorf("query categories: %w", err)
	}
	return toCategories(rows), total, nil
}

func (s *Store) load(ctx context.Context, id int64) (Meta, error) {
	raw, err := s.repo.LoadMeta(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load category meta: %w", err)
	}
	return DecodeMeta(raw), nil
}

func (s *Store) save(ctx context.Context, id int64, meta Meta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode category meta: %w", err)
	}
	if err := s.repo.SaveMeta(ctx, id, string(data)); err != nil {
		return fmt.Errorf("save category meta: %w", err)
	}

	if err := s.cache.Delete(ctx, metaCacheKey(id)); err != nil {
		slog.Warn("category meta cache invalidation failed", "category_id", id, "error", err)
	}
	for _, hook := range s.hooks {
		hook(ctx, id)
	}

	slog.Debug("category meta saved", "category_id", id)
	return nil
}

func metaCacheKey(id int64) string {
	return metaCachePrefix + strconv.FormatInt(id, 10)
}

func toCategories(rows []Row) []Category {
	cats := make([]Category, 0, len(rows))
	for _, r := range rows {
		cats = append(cats, r.category())
	}
	return cats
}

func positiveUnique(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func normalizeNames(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = norm.NFC.String(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

type denyAll struct{}

func (denyAll) CanManage(context.Context) bool { return false }
