// Package app wires configuration into a running set of services. Both the
// HTTP server and the operator CLI build on it.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/p-n-ai/quiz-catmap/internal/auth"
	"github.com/p-n-ai/quiz-catmap/internal/category"
	"github.com/p-n-ai/quiz-catmap/internal/lms"
	"github.com/p-n-ai/quiz-catmap/internal/mapping"
	"github.com/p-n-ai/quiz-catmap/internal/platform/cache"
	"github.com/p-n-ai/quiz-catmap/internal/platform/config"
	"github.com/p-n-ai/quiz-catmap/internal/platform/database"
	"github.com/p-n-ai/quiz-catmap/internal/recommend"
	"github.com/p-n-ai/quiz-catmap/internal/server"
)

// App holds the wired services and the resources they own.
type App struct {
	Config   *config.Config
	Catalog  *lms.Catalog
	Store    *category.Store
	Resolver *recommend.Resolver
	Mapping  *mapping.Service
	Issuer   *auth.Issuer
	Nonces   *auth.Nonces
	Checks   []server.Check

	// Repository is exposed so demo mode and tests can seed categories.
	Repository category.Repository

	closers []func()
}

// NewLogger builds the process logger from the log settings.
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New connects to the configured backends and builds every service.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &App{Config: cfg}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.Config

	catalog, err := lms.NewCatalog(cfg.LMSCatalog)
	if err != nil {
		return err
	}
	catalog.SetDefaultAdminURL(cfg.Admin.BaseURL)
	a.Catalog = catalog

	repo, events, err := a.openDatabase(ctx)
	if err != nil {
		return err
	}
	a.Repository = repo

	kv, err := a.openCache(ctx)
	if err != nil {
		return err
	}

	a.Store, err = category.NewStore(category.StoreConfig{
		Repository: repo,
		Cache:      kv,
		Authorizer: auth.Policy{},
		Quizzes:    catalog,
	})
	if err != nil {
		return err
	}
	if err := a.Store.EnsureSchema(ctx); err != nil {
		return err
	}

	a.Resolver, err = recommend.NewResolver(recommend.Config{
		Categories:    a.Store,
		Permalinks:    catalog,
		Authenticator: auth.Policy{},
		Cache:         kv,
		TTL:           cfg.RecLinks.TTL,
		SkipCache:     cfg.RecLinks.SkipCache,
	})
	if err != nil {
		return err
	}
	a.Store.OnChange(a.Resolver.OnCategoryChange)

	a.Mapping, err = mapping.NewService(mapping.ServiceConfig{
		Store:   a.Store,
		Catalog: catalog,
		Events:  events,
		Actor:   actor,
		PerPage: cfg.Admin.PerPage,
	})
	if err != nil {
		return err
	}

	a.Issuer, err = auth.NewIssuer(cfg.Auth.JWTSecret, time.Duration(cfg.Auth.SessionTTL)*time.Minute)
	if err != nil {
		return err
	}
	a.Nonces, err = auth.NewNonces(cfg.Auth.NonceSecret)
	if err != nil {
		return err
	}
	return nil
}

func (a *App) openDatabase(ctx context.Context) (category.Repository, mapping.EventLogger, error) {
	cfg := a.Config.Database

	switch cfg.Driver {
	case "postgres":
		db, err := database.New(ctx, cfg.URL, database.PoolOptions{MaxConns: cfg.MaxConns, MinConns: cfg.MinConns})
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, db.Close)
		a.Checks = append(a.Checks, server.Check{Name: "database", Check: db.HealthCheck})

		repo, err := category.NewPostgresRepository(db.Pool, cfg.CategoryTable, cfg.QuestionTable)
		if err != nil {
			return nil, nil, err
		}
		events := mapping.NewPostgresEventLogger(db.Pool)
		if err := events.EnsureSchema(ctx); err != nil {
			return nil, nil, err
		}
		slog.Info("connected to postgres")
		return repo, events, nil

	case "sqlite":
		db, err := database.OpenSQLite(ctx, cfg.URL)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, func() { closeSQLite(db) })
		a.Checks = append(a.Checks, server.Check{Name: "database", Check: db.PingContext})

		repo, err := category.NewSQLiteRepository(db, cfg.CategoryTable, cfg.QuestionTable)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("opened sqlite database", "dsn", cfg.URL)
		return repo, mapping.NopEventLogger{}, nil

	default:
		slog.Warn("using in-memory category table; data is lost on restart")
		return category.NewMemoryRepository(), mapping.NewMemoryEventLogger(), nil
	}
}

func (a *App) openCache(ctx context.Context) (cache.Store, error) {
	if !a.Config.UsesRedis() {
		slog.Info("using in-process cache")
		return cache.NewMemory(), nil
	}
	c, err := cache.New(ctx, a.Config.Cache.URL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { c.Close() })
	a.Checks = append(a.Checks, server.Check{Name: "cache", Check: c.HealthCheck})
	slog.Info("connected to cache")
	return c, nil
}

// Server builds the HTTP server over the app's services.
func (a *App) Server() (*server.Server, error) {
	return server.New(server.Config{
		Mapping:  a.Mapping,
		Resolver: a.Resolver,
		Quizzes:  a.Catalog,
		Issuer:   a.Issuer,
		Nonces:   a.Nonces,
		Checks:   a.Checks,
	})
}

// AdminContext returns ctx carrying an admin principal, for operator tools.
func AdminContext(ctx context.Context, subject string) context.Context {
	if subject == "" {
		subject = "catmapctl"
	}
	if u := os.Getenv("USER"); subject == "catmapctl" && u != "" {
		subject = "catmapctl:" + u
	}
	return auth.WithPrincipal(ctx, auth.Principal{Subject: subject, Role: auth.RoleAdmin})
}

// Close releases database and cache connections in reverse order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func actor(ctx context.Context) string {
	if p, ok := auth.FromContext(ctx); ok {
		return p.Subject
	}
	return ""
}

func closeSQLite(db *sql.DB) {
	if err := db.Close(); err != nil {
		slog.Warn("closing sqlite failed", "error", err)
	}
}
