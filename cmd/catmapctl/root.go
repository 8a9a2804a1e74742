package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/p-n-ai/quiz-catmap/internal/app"
	"github.com/p-n-ai/quiz-catmap/internal/platform/config"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "catmapctl",
		Short:         "Manage quiz category mappings",
		Long:          "catmapctl maps LMS quiz-question categories to course lessons and topics.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("driver", "", "Database driver: postgres, sqlite or memory (overrides CATMAP_DATABASE_DRIVER)")
	root.PersistentFlags().String("db", "", "Database URL or SQLite DSN (overrides CATMAP_DATABASE_URL)")
	root.PersistentFlags().String("catalog", "", "LMS catalog file or directory (overrides CATMAP_LMS_CATALOG)")
	root.PersistentFlags().Bool("verbose", false, "Log to stderr")

	root.AddCommand(
		newMigrateCmd(),
		newListCmd(),
		newLinkCmd(),
		newUnlinkCmd(),
		newExportCmd(),
		newTokenCmd(),
	)
	return root
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if v, _ := cmd.Flags().GetString("driver"); v != "" {
		cfg.Database.Driver = v
	}
	if v, _ := cmd.Flags().GetString("db"); v != "" {
		cfg.Database.URL = v
	}
	if v, _ := cmd.Flags().GetString("catalog"); v != "" {
		cfg.LMSCatalog = v
	}

	var w io.Writer = io.Discard
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		w = cmd.ErrOrStderr()
	}
	slog.SetDefault(app.NewLogger(cfg.Log, w))
	return cfg, nil
}

// withApp builds the app, runs fn with an admin context and closes the app.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(app.AdminContext(ctx, ""), a)
}
