package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/p-n-ai/quiz-catmap/internal/auth"
	"github.com/p-n-ai/quiz-catmap/internal/category"
	"github.com/p-n-ai/quiz-catmap/internal/lms"
	"github.com/p-n-ai/quiz-catmap/internal/mapping"
	"github.com/p-n-ai/quiz-catmap/internal/platform/cache"
	"github.com/p-n-ai/quiz-catmap/internal/recommend"
	"github.com/p-n-ai/quiz-catmap/internal/server"
)

const testCatalog = `
base_url: https://lms.example.com
admin_url: https://admin.example.com
courses:
  - id: 3
    slug: algebra
    title: Algebra
    lessons:
      - id: 7
        slug: linear-equations
        title: Linear Equations
quizzes:
  - id: 40
    title: Algebra Check
    questions: [101]
`

type testEnv struct {
	handler http.Handler
	issuer  *auth.Issuer
	nonces  *auth.Nonces
	store   *category.Store
	ready   *error
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	return newTestEnvWithStore(t, nil)
}

// newTestEnvWithStore builds the test server with editorStore, when set, in
// place of the category store behind the mapping service.
func newTestEnvWithStore(t *testing.T, editorStore mapping.Store) testEnv {
	t.Helper()
	catalog, err := lms.ParseCatalog([]byte(testCatalog))
	if err != nil {
		t.Fatalf("ParseCatalog() error = %v", err)
	}

	repo := category.NewMemoryRepository()
	repo.AddCategory(12, "Linear Equations")
	repo.AddCategory(13, "Fractions")
	repo.AddQuestion(101, 12)

	kv := cache.NewMemory()
	store, err := category.NewStore(category.StoreConfig{
		Repository: repo,
		Cache:      kv,
		Authorizer: auth.Policy{},
		Quizzes:    catalog,
	})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	resolver, err := recommend.NewResolver(recommend.Config{
		Categories:    store,
		Permalinks:    catalog,
		Authenticator: auth.Policy{},
		Cache:         kv,
	})
	if err != nil {
		t.Fatalf("NewResolver() error = %v", err)
	}
	store.OnChange(resolver.OnCategoryChange)

	var ms mapping.Store = store
	if editorStore != nil {
		ms = editorStore
	}
	svc, err := mapping.NewService(mapping.ServiceConfig{Store: ms, Catalog: catalog})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	issuer, err := auth.NewIssuer("jwt-secret", time.Hour)
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	nonces, err := auth.NewNonces("nonce-secret")
	if err != nil {
		t.Fatalf("NewNonces() error = %v", err)
	}

	var readyErr error
	srv, err := server.New(server.Config{
		Mapping:  svc,
		Resolver: resolver,
		Quizzes:  catalog,
		Issuer:   issuer,
		Nonces:   nonces,
		Checks: []server.Check{{
			Name:  "database",
			Check: func(context.Context) error { return readyErr },
		}},
	})
	if err != nil {
		t.Fatalf("server.New() error = %v", err)
	}
	return testEnv{handler: srv.Handler(), issuer: issuer, nonces: nonces, store: store, ready: &readyErr}
}

func (e testEnv) token(t *testing.T, subject, role string) string {
	t.Helper()
	tok, err := e.issuer.Issue(subject, role)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	return tok
}

func (e testEnv) do(t *testing.T, method, path, token, body string, opts ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for _, o := range opts {
		o(req)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

type response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) response {
	t.Helper()
	var r response
	if err := json.Unmarshal(rec.Body.Bytes(), &r); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return r
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name       string
		path       string
		readyErr   error
		wantStatus int
		wantBody   string
	}{
		{"healthz returns 200", "/healthz", nil, http.StatusOK, `{"status":"ok"}`},
		{"readyz returns 200", "/readyz", nil, http.StatusOK, `{"status":"ready"}`},
		{"readyz reports failed check", "/readyz", errors.New("down"), http.StatusServiceUnavailable, `{"check":"database","status":"not ready"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			*env.ready = tt.readyErr
			rec := env.do(t, http.MethodGet, tt.path, "", "")

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := strings.TrimSpace(rec.Body.String()); got != tt.wantBody {
				t.Errorf("body = %q, want %q", got, tt.wantBody)
			}
			if rec.Header().Get("X-Request-ID") == "" {
				t.Error("X-Request-ID header missing")
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/healthz", "", "")

	rec := env.do(t, http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "catmap_http_requests_total") {
		t.Error("metrics output missing catmap_http_requests_total")
	}
}

func TestAdminRoutes_Access(t *testing.T) {
	env := newTestEnv(t)
	viewer := env.token(t, "viewer-1", auth.RoleViewer)

	tests := []struct {
		name       string
		token      string
		wantStatus int
	}{
		{"anonymous", "", http.StatusUnauthorized},
		{"viewer", viewer, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, "/api/categories", tt.token, "")
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if decode(t, rec).Success {
				t.Error("success = true, want false")
			}
		})
	}
}

func TestSaveListClearMapping(t *testing.T) {
	env := newTestEnv(t)
	admin := env.token(t, "admin-1", auth.RoleAdmin)

	rec := env.do(t, http.MethodPut, "/api/categories/12/mapping", admin, `{"course_id":3,"lesson_id":7,"topic_id":null}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("save status = %d, body %s", rec.Code, rec.Body.String())
	}
	var saved struct {
		StepLink string `json:"step_link"`
	}
	if err := json.Unmarshal(decode(t, rec).Data, &saved); err != nil {
		t.Fatalf("decode save data: %v", err)
	}
	if want := "https://lms.example.com/courses/algebra/lessons/linear-equations/"; saved.StepLink != want {
		t.Errorf("step_link = %q, want %q", saved.StepLink, want)
	}

	rec = env.do(t, http.MethodGet, "/api/categories?cat_status=assigned", admin, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var listing mapping.Listing
	if err := json.Unmarshal(decode(t, rec).Data, &listing); err != nil {
		t.Fatalf("decode listing: %v", err)
	}
	if listing.TotalItems != 1 || listing.Rows[0].CategoryID != 12 || !listing.Rows[0].Mapped {
		t.Errorf("listing = %+v, want mapped category 12", listing)
	}

	rec = env.do(t, http.MethodDelete, "/api/categories/12/mapping", admin, "")
	if rec.Code != http.StatusOK || !decode(t, rec).Success {
		t.Fatalf("clear status = %d, body %s", rec.Code, rec.Body.String())
	}
	if _, ok, _ := env.store.RecStep(t.Context(), 12); ok {
		t.Error("mapping should be cleared")
	}
}

func TestSaveMapping_Invalid(t *testing.T) {
	env := newTestEnv(t)
	admin := env.token(t, "admin-1", auth.RoleAdmin)

	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
	}{
		{"missing-lesson", "/api/categories/12/mapping", `{"course_id":3}`, http.StatusBadRequest},
		{"zero-course", "/api/categories/12/mapping", `{"course_id":0,"lesson_id":7}`, http.StatusBadRequest},
		{"not-json", "/api/categories/12/mapping", `course=3`, http.StatusBadRequest},
		{"bad-id", "/api/categories/abc/mapping", `{"course_id":3,"lesson_id":7}`, http.StatusBadRequest},
		{"unknown-category", "/api/categories/999/mapping", `{"course_id":3,"lesson_id":7}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPut, tt.path, admin, tt.body)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if decode(t, rec).Success {
				t.Error("success = true, want false")
			}
		})
	}
}

func TestCourseEndpoints(t *testing.T) {
	env := newTestEnv(t)
	admin := env.token(t, "admin-1", auth.RoleAdmin)

	rec := env.do(t, http.MethodGet, "/api/courses", admin, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"Algebra"`) {
		t.Errorf("courses = %d %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/api/courses/3/steps", admin, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"Linear Equations"`) {
		t.Errorf("steps = %d %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/api/quizzes/40/mapping-link", admin, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "quiz_id=40") {
		t.Errorf("mapping-link = %d %s", rec.Code, rec.Body.String())
	}
}

func TestExportEndpoint(t *testing.T) {
	env := newTestEnv(t)
	admin := env.token(t, "admin-1", auth.RoleAdmin)

	rec := env.do(t, http.MethodGet, "/api/categories/export", admin, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "spreadsheetml") {
		t.Errorf("Content-Type = %q", ct)
	}
	// XLSX files are zip archives.
	if !strings.HasPrefix(rec.Body.String(), "PK") {
		t.Error("export body is not a zip archive")
	}
}

type failingStore struct{}

func (failingStore) Query(context.Context, category.Filter, category.Page) ([]category.Category, int, error) {
	return nil, 0, errors.New("db down")
}

func (failingStore) SetRecStep(context.Context, int64, category.RecStep) error {
	return errors.New("db down")
}

func (failingStore) ClearRecStep(context.Context, int64) error {
	return errors.New("db down")
}

func TestExportEndpoint_QueryFailure(t *testing.T) {
	env := newTestEnvWithStore(t, failingStore{})
	admin := env.token(t, "admin-1", auth.RoleAdmin)

	rec := env.do(t, http.MethodGet, "/api/categories/export", admin, "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); strings.Contains(ct, "spreadsheetml") {
		t.Errorf("Content-Type = %q, want JSON", ct)
	}
	if resp := decode(t, rec); resp.Success {
		t.Error("success = true, want false")
	}
}

func TestListCategories_HugePage(t *testing.T) {
	env := newTestEnv(t)
	admin := env.token(t, "admin-1", auth.RoleAdmin)

	rec := env.do(t, http.MethodGet, "/api/categories?paged=500000000000000000", admin, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var listing mapping.Listing
	if err := json.Unmarshal(decode(t, rec).Data, &listing); err != nil {
		t.Fatalf("decode listing: %v", err)
	}
	if len(listing.Rows) != 0 || listing.TotalItems != 2 {
		t.Errorf("listing = %+v, want no rows of 2", listing)
	}
}

func nonceFor(t *testing.T, env testEnv, token string) string {
	t.Helper()
	rec := env.do(t, http.MethodGet, "/api/nonce", token, "")
	var data struct {
		Nonce string `json:"nonce"`
	}
	if err := json.Unmarshal(decode(t, rec).Data, &data); err != nil || data.Nonce == "" {
		t.Fatalf("nonce response %s: %v", rec.Body.String(), err)
	}
	return data.Nonce
}

func TestRecLinks(t *testing.T) {
	env := newTestEnv(t)
	admin := env.token(t, "admin-1", auth.RoleAdmin)

	rec := env.do(t, http.MethodPut, "/api/categories/12/mapping", admin, `{"course_id":3,"lesson_id":7}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("save status = %d", rec.Code)
	}

	nonce := nonceFor(t, env, "")
	body := `{"nonce":"` + nonce + `","quiz_id":40,"category_ids":[12,13,0]}`
	rec = env.do(t, http.MethodPost, "/api/rec-links", "", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var links map[string]recommend.Link
	if err := json.Unmarshal(decode(t, rec).Data, &links); err != nil {
		t.Fatalf("decode links: %v", err)
	}
	if len(links) != 1 || links["12"].Name != "Linear Equations" {
		t.Errorf("links = %+v, want only category 12", links)
	}

	// Unlink, then the next resolve is empty.
	env.do(t, http.MethodDelete, "/api/categories/12/mapping", admin, "")
	rec = env.do(t, http.MethodPost, "/api/rec-links", "", body)
	if got := strings.TrimSpace(rec.Body.String()); got != `{"success":true,"data":{}}` {
		t.Errorf("after unlink body = %s, want empty data", got)
	}
}

func TestRecLinks_Rejected(t *testing.T) {
	env := newTestEnv(t)
	nonce := nonceFor(t, env, "")

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"bad-nonce", `{"nonce":"deadbeef","quiz_id":40,"category_ids":[12]}`, http.StatusForbidden},
		{"no-quiz", `{"nonce":"` + nonce + `","quiz_id":0,"category_ids":[12]}`, http.StatusBadRequest},
		{"no-ids", `{"nonce":"` + nonce + `","quiz_id":40,"category_ids":[]}`, http.StatusBadRequest},
		{"ids-not-array", `{"nonce":"` + nonce + `","quiz_id":40,"category_ids":"12"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/rec-links", "", tt.body)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if decode(t, rec).Success {
				t.Error("success = true, want false")
			}
		})
	}
}

func TestRecLinksByName(t *testing.T) {
	env := newTestEnv(t)
	admin := env.token(t, "admin-1", auth.RoleAdmin)
	student := env.token(t, "student-1", auth.RoleViewer)

	if rec := env.do(t, http.MethodPut, "/api/categories/12/mapping", admin, `{"course_id":3,"lesson_id":7}`); rec.Code != http.StatusOK {
		t.Fatalf("save status = %d", rec.Code)
	}

	anonNonce := nonceFor(t, env, "")
	rec := env.do(t, http.MethodPost, "/api/rec-links/by-name", "",
		`{"nonce":"`+anonNonce+`","quiz_id":40,"category_names":["Linear Equations"]}`)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous status = %d, want 401", rec.Code)
	}

	// A nonce minted for someone else does not verify.
	rec = env.do(t, http.MethodPost, "/api/rec-links/by-name", student,
		`{"nonce":"`+anonNonce+`","quiz_id":40,"category_names":["Linear Equations"]}`)
	if rec.Code != http.StatusForbidden {
		t.Errorf("foreign nonce status = %d, want 403", rec.Code)
	}

	nonce := nonceFor(t, env, student)
	rec = env.do(t, http.MethodPost, "/api/rec-links/by-name", student,
		`{"nonce":"`+nonce+`","quiz_id":40,"category_names":["Linear Equations"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"12":{"name":"Linear Equations"`) {
		t.Errorf("body = %s, want link for 12", rec.Body.String())
	}
}

func TestRecLinks_SkipCacheCookie(t *testing.T) {
	env := newTestEnv(t)
	admin := env.token(t, "admin-1", auth.RoleAdmin)
	nonce := nonceFor(t, env, "")
	body := `{"nonce":"` + nonce + `","quiz_id":40,"category_ids":[13]}`

	// Cache the empty result, map the category, then force a recompute.
	env.do(t, http.MethodPost, "/api/rec-links", "", body)
	if rec := env.do(t, http.MethodPut, "/api/categories/13/mapping", admin, `{"course_id":3,"lesson_id":7}`); rec.Code != http.StatusOK {
		t.Fatalf("save status = %d", rec.Code)
	}

	rec := env.do(t, http.MethodPost, "/api/rec-links", "", body, func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: server.SkipCacheCookie, Value: "1"})
	})
	if !strings.Contains(rec.Body.String(), `"13"`) {
		t.Errorf("body = %s, want link for 13", rec.Body.String())
	}
}
