package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/p-n-ai/quiz-catmap/internal/auth"
	"github.com/p-n-ai/quiz-catmap/internal/category"
	"github.com/p-n-ai/quiz-catmap/internal/mapping"
	"github.com/p-n-ai/quiz-catmap/internal/recommend"
)

type saveMappingRequest struct {
	CourseID int64 `json:"course_id"`
	LessonID int64 `json:"lesson_id"`
	TopicID  int64 `json:"topic_id"`
}

type recLinksRequest struct {
	Nonce         string   `json:"nonce"`
	QuizID        int64    `json:"quiz_id"`
	CategoryIDs   []int64  `json:"category_ids"`
	CategoryNames []string `json:"category_names"`
}

func (s *Server) handleNonce(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, map[string]string{
		"nonce": s.nonces.Create(NonceAction, subject(r)),
	})
}

func (s *Server) handleRecLinks(w http.ResponseWriter, r *http.Request) {
	var req recLinksRequest
	if !s.decode(w, r, s.recLinks, &req) {
		return
	}
	if !s.nonces.Verify(req.Nonce, NonceAction, subject(r)) {
		writeError(w, http.StatusForbidden, "invalid nonce")
		return
	}

	links, err := s.resolver.ResolveByIDs(linkContext(r), req.QuizID, req.CategoryIDs)
	if err != nil {
		slog.Error("resolve rec links failed", "quiz_id", req.QuizID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not resolve links")
		return
	}
	writeSuccess(w, links)
}

func (s *Server) handleRecLinksByName(w http.ResponseWriter, r *http.Request) {
	var req recLinksRequest
	if !s.decode(w, r, s.recLinksByName, &req) {
		return
	}
	if !s.nonces.Verify(req.Nonce, NonceAction, subject(r)) {
		writeError(w, http.StatusForbidden, "invalid nonce")
		return
	}

	links, err := s.resolver.ResolveByNames(linkContext(r), req.QuizID, req.CategoryNames)
	if errors.Is(err, recommend.ErrUnauthenticated) {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if err != nil {
		slog.Error("resolve rec links by name failed", "quiz_id", req.QuizID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not resolve links")
		return
	}
	writeSuccess(w, links)
}

func (s *Server) handleCourses(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, s.mapping.Courses())
}

func (s *Server) handleCourseSteps(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	steps, err := s.mapping.CourseSteps(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeSuccess(w, steps)
}

func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	listing, err := s.mapping.List(r.Context(), listQuery(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeSuccess(w, listing)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := s.mapping.Export(r.Context(), listQuery(r), &buf); err != nil {
		s.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="category-mappings.xlsx"`)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	if _, err := buf.WriteTo(w); err != nil {
		slog.Warn("export write failed", "error", err, "request_id", GetRequestID(r.Context()))
	}
}

func (s *Server) handleSaveMapping(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req saveMappingRequest
	if !s.decode(w, r, s.saveMapping, &req) {
		return
	}

	link, err := s.mapping.Save(r.Context(), id, category.RecStep{
		CourseID: req.CourseID,
		LessonID: req.LessonID,
		TopicID:  req.TopicID,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeSuccess(w, map[string]string{"step_link": link})
}

func (s *Server) handleClearMapping(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.mapping.Clear(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

func (s *Server) handleMappingLink(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	writeSuccess(w, map[string]string{
		"url":   s.quizzes.MappingPageURL(id),
		"title": s.quizzes.QuizTitle(id),
	})
}

// decode reads the body, validates it against v and unmarshals it into dst.
// It writes the error response and returns false on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v *validator, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	if err := v.validate(body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode %s: %v", v.name, err))
		return false
	}
	return true
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, mapping.ErrMissingField):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, category.ErrNotFound):
		writeError(w, http.StatusNotFound, "category not found")
	default:
		slog.Error("request failed", "path", r.URL.Path, "error", err, "request_id", GetRequestID(r.Context()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func listQuery(r *http.Request) mapping.Query {
	q := r.URL.Query()
	quizID, _ := strconv.ParseInt(q.Get("quiz_id"), 10, 64)
	page, _ := strconv.Atoi(q.Get("paged"))
	return mapping.Query{
		Search: strings.TrimSpace(q.Get("s")),
		Status: category.ParseStatus(q.Get("cat_status")),
		QuizID: quizID,
		Page:   page,
	}
}

func subject(r *http.Request) string {
	if p, ok := auth.FromContext(r.Context()); ok {
		return p.Subject
	}
	return ""
}

func linkContext(r *http.Request) context.Context {
	if _, err := r.Cookie(SkipCacheCookie); err == nil {
		return recommend.WithSkipCache(r.Context())
	}
	return r.Context()
}
