// Package server exposes the admin editor and the front-end link resolver
// over HTTP.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/p-n-ai/quiz-catmap/internal/auth"
	"github.com/p-n-ai/quiz-catmap/internal/mapping"
	"github.com/p-n-ai/quiz-catmap/internal/recommend"
)

// NonceAction is the action front-end nonces are minted for.
const NonceAction = "ldqcm_get_rec_steps"

// SkipCacheCookie makes the resolver recompute links for one request.
const SkipCacheCookie = "ldqcm_skip_cache"

const maxBodyBytes = 1 << 20

// QuizLinks describes quizzes for the admin link endpoint.
type QuizLinks interface {
	MappingPageURL(quizID int64) string
	QuizTitle(quizID int64) string
}

// Check is a named readiness probe.
type Check struct {
	Name  string
	Check func(ctx context.Context) error
}

// Config holds the server dependencies.
type Config struct {
	Mapping  *mapping.Service
	Resolver *recommend.Resolver
	Quizzes  QuizLinks
	Issuer   *auth.Issuer
	Nonces   *auth.Nonces
	Checks   []Check
}

// Server routes HTTP requests.
type Server struct {
	mapping  *mapping.Service
	resolver *recommend.Resolver
	quizzes  QuizLinks
	issuer   *auth.Issuer
	nonces   *auth.Nonces
	policy   auth.Policy
	checks   []Check

	saveMapping    *validator
	recLinks       *validator
	recLinksByName *validator
}

// New creates a server.
func New(cfg Config) (*Server, error) {
	if cfg.Mapping == nil || cfg.Resolver == nil {
		return nil, fmt.Errorf("mapping service and resolver are required")
	}
	if cfg.Issuer == nil || cfg.Nonces == nil {
		return nil, fmt.Errorf("issuer and nonces are required")
	}
	if cfg.Quizzes == nil {
		return nil, fmt.Errorf("quiz links are required")
	}

	s := &Server{
		mapping:  cfg.Mapping,
		resolver: cfg.Resolver,
		quizzes:  cfg.Quizzes,
		issuer:   cfg.Issuer,
		nonces:   cfg.Nonces,
		checks:   cfg.Checks,
	}
	for name, dst := range map[string]**validator{
		"save_mapping":      &s.saveMapping,
		"rec_links":         &s.recLinks,
		"rec_links_by_name": &s.recLinksByName,
	} {
		v, err := loadValidator(name)
		if err != nil {
			return nil, err
		}
		*dst = v
	}
	return s, nil
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	route := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, instrument(pattern, h))
	}
	admin := func(pattern string, h http.HandlerFunc) {
		route(pattern, s.requireAdmin(h))
	}

	route("GET /healthz", s.handleHealthz)
	route("GET /readyz", s.handleReadyz)
	mux.Handle("GET /metrics", promhttp.Handler())

	route("GET /api/nonce", s.handleNonce)
	route("POST /api/rec-links", s.handleRecLinks)
	route("POST /api/rec-links/by-name", s.handleRecLinksByName)

	admin("GET /api/courses", s.handleCourses)
	admin("GET /api/courses/{id}/steps", s.handleCourseSteps)
	admin("GET /api/categories", s.handleListCategories)
	admin("GET /api/categories/export", s.handleExport)
	admin("PUT /api/categories/{id}/mapping", s.handleSaveMapping)
	admin("DELETE /api/categories/{id}/mapping", s.handleClearMapping)
	admin("GET /api/quizzes/{id}/mapping-link", s.handleMappingLink)

	var h http.Handler = mux
	h = auth.Middleware(s.issuer)(h)
	h = Logger(h)
	h = Recovery(h)
	h = RequestID(h)
	return h
}

func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.policy.IsAuthenticated(r.Context()) {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if !s.policy.CanManage(r.Context()) {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	for _, c := range s.checks {
		if err := c.Check(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"check":  c.Name,
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
