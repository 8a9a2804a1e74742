package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/p-n-ai/quiz-catmap/internal/app"
	"github.com/p-n-ai/quiz-catmap/internal/platform/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte("courses: []\n"), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	return &config.Config{
		Server:     config.ServerConfig{Host: "127.0.0.1", Port: 0},
		Database:   config.DatabaseConfig{Driver: "memory", CategoryTable: "quiz_category"},
		Auth:       config.AuthConfig{JWTSecret: "jwt", NonceSecret: "nonce", SessionTTL: 60},
		Admin:      config.AdminConfig{PerPage: 20},
		Log:        config.LogConfig{Level: "info", Format: "json"},
		LMSCatalog: path,
	}
}

func TestHealthEndpoints(t *testing.T) {
	a, err := app.New(t.Context(), testConfig(t))
	if err != nil {
		t.Fatalf("app.New() error = %v", err)
	}
	defer a.Close()

	srv, err := newHTTPServer(a)
	if err != nil {
		t.Fatalf("newHTTPServer() error = %v", err)
	}
	if srv.Addr != "127.0.0.1:0" {
		t.Errorf("Addr = %q, want 127.0.0.1:0", srv.Addr)
	}

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "healthz returns 200",
			path:       "/healthz",
			wantStatus: http.StatusOK,
			wantBody:   "{\"status\":\"ok\"}\n",
		},
		{
			name:       "readyz returns 200",
			path:       "/readyz",
			wantStatus: http.StatusOK,
			wantBody:   "{\"status\":\"ready\"}\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			rec := httptest.NewRecorder()

			srv.Handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping listener test in short mode")
	}

	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run() did not stop after cancel")
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Driver = "oracle"
	if err := run(t.Context(), cfg); err == nil {
		t.Fatal("run() should fail for an invalid config")
	}
}
