// Package recommend turns category mappings into "recommended next step"
// links for quiz result pages, with a quiz-scoped cache in front of the
// category store.
package recommend

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/p-n-ai/quiz-catmap/internal/category"
	"github.com/p-n-ai/quiz-catmap/internal/platform/cache"
)

const (
	cachePrefix   = "ldqcm_rec_steps_"
	generationKey = "ldqcm_rec_steps_gen"
)

// ErrUnauthenticated is returned by ResolveByNames for anonymous callers.
var ErrUnauthenticated = errors.New("authentication required")

// Link is the recommended step for one category.
type Link struct {
	Name     string `json:"name"`
	StepLink string `json:"step_link"`
}

// Links maps category IDs to their recommended step.
type Links map[int64]Link

// Categories is the read side of the category store the resolver needs.
type Categories interface {
	FindByIDs(ctx context.Context, ids []int64) ([]category.Category, error)
	FindByNames(ctx context.Context, names []string) ([]category.Category, error)
}

// Permalinks resolves a course step to its public URL. An empty string means
// the step cannot be linked.
type Permalinks interface {
	StepPermalink(stepID, courseID int64) string
}

// Authenticator reports whether the caller has a session.
type Authenticator interface {
	IsAuthenticated(ctx context.Context) bool
}

// Config holds dependencies for the resolver.
type Config struct {
	Categories    Categories
	Permalinks    Permalinks
	Authenticator Authenticator
	Cache         cache.Store   // default: in-process cache
	TTL           time.Duration // zero keeps entries until invalidated
	SkipCache     bool          // never read cached results
}

// Resolver builds recommendation links.
type Resolver struct {
	categories Categories
	permalinks Permalinks
	authn      Authenticator
	cache      cache.Store
	ttl        time.Duration
	skipCache  bool
}

// NewResolver creates a resolver.
func NewResolver(cfg Config) (*Resolver, error) {
	if cfg.Categories == nil {
		return nil, fmt.Errorf("categories is nil")
	}
	if cfg.Permalinks == nil {
		return nil, fmt.Errorf("permalinks is nil")
	}
	kv := cfg.Cache
	if kv == nil {
		kv = cache.NewMemory()
	}
	return &Resolver{
		categories: cfg.Categories,
		permalinks: cfg.Permalinks,
		authn:      cfg.Authenticator,
		cache:      kv,
		ttl:        cfg.TTL,
		skipCache:  cfg.SkipCache,
	}, nil
}

// ResolveByIDs returns the links for the given categories of a quiz.
// Non-positive IDs are dropped; a request with none left is answered empty
// without reading or filling the quiz entry.
func (r *Resolver) ResolveByIDs(ctx context.Context, quizID int64, ids []int64) (Links, error) {
	valid := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id > 0 {
			valid = append(valid, id)
		}
	}
	if quizID <= 0 || len(valid) == 0 {
		return Links{}, nil
	}

	return r.resolve(ctx, quizID, func(ctx context.Context) ([]category.Category, error) {
		return r.categories.FindByIDs(ctx, valid)
	})
}

// ResolveByNames returns the links for categories matched by exact name.
// Anonymous callers get ErrUnauthenticated.
func (r *Resolver) ResolveByNames(ctx context.Context, quizID int64, names []string) (Links, error) {
	if r.authn == nil || !r.authn.IsAuthenticated(ctx) {
		return nil, ErrUnauthenticated
	}
	if quizID <= 0 || len(names) == 0 {
		return Links{}, nil
	}

	return r.resolve(ctx, quizID, func(ctx context.Context) ([]category.Category, error) {
		return r.categories.FindByNames(ctx, names)
	})
}

// Invalidate drops every quiz-scoped entry by moving to a new generation.
func (r *Resolver) Invalidate(ctx context.Context) {
	gen, err := r.cache.Incr(ctx, generationKey)
	if err != nil {
		slog.Error("rec links invalidation failed", "error", err)
		return
	}
	slog.Debug("rec links invalidated", "generation", gen)
}

// OnCategoryChange is a category.ChangeHook.
func (r *Resolver) OnCategoryChange(ctx context.Context, categoryID int64) {
	slog.Debug("category changed, invalidating rec links", "category_id", categoryID)
	r.Invalidate(ctx)
}

func (r *Resolver) resolve(ctx context.Context, quizID int64, fetch func(context.Context) ([]category.Category, error)) (Links, error) {
	key := r.cacheKey(ctx, quizID)

	if r.skipCache || SkipCache(ctx) {
		cacheLookups.WithLabelValues("skip").Inc()
	} else {
		var cached Links
		err := r.cache.Get(ctx, key, &cached)
		switch {
		case err == nil:
			cacheLookups.WithLabelValues("hit").Inc()
			if cached == nil {
				cached = Links{}
			}
			return cached, nil
		case errors.Is(err, cache.ErrMiss):
			cacheLookups.WithLabelValues("miss").Inc()
		default:
			cacheLookups.WithLabelValues("miss").Inc()
			slog.Warn("rec links cache read failed", "quiz_id", quizID, "error", err)
		}
	}

	cats, err := fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch categories: %w", err)
	}
	links := r.build(cats)

	if err := r.cache.Set(ctx, key, links, r.ttl); err != nil {
		slog.Warn("rec links cache write failed", "quiz_id", quizID, "error", err)
	}
	return links, nil
}

func (r *Resolver) build(cats []category.Category) Links {
	links := make(Links, len(cats))
	for _, c := range cats {
		step, ok := c.RecStep()
		if !ok || !step.Assigned() {
			continue
		}

		link := r.permalinks.StepPermalink(step.Target(), step.CourseID)
		if link == "" {
			linksDropped.WithLabelValues("no_permalink").Inc()
			continue
		}
		if !validLink(link) {
			linksDropped.WithLabelValues("invalid_url").Inc()
			slog.Warn("dropping invalid rec link", "category_id", c.ID, "link", link)
			continue
		}

		links[c.ID] = Link{
			Name:     html.EscapeString(c.Name),
			StepLink: link,
		}
		linksResolved.Inc()
	}
	return links
}

func (r *Resolver) cacheKey(ctx context.Context, quizID int64) string {
	var gen int64
	if err := r.cache.Get(ctx, generationKey, &gen); err != nil && !errors.Is(err, cache.ErrMiss) {
		slog.Warn("rec links generation read failed", "error", err)
	}
	return cachePrefix + strconv.FormatInt(gen, 10) + "_" + strconv.FormatInt(quizID, 10)
}

func validLink(link string) bool {
	u, err := url.Parse(link)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
