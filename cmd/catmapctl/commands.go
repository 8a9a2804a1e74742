package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/p-n-ai/quiz-catmap/internal/app"
	"github.com/p-n-ai/quiz-catmap/internal/auth"
	"github.com/p-n-ai/quiz-catmap/internal/category"
	"github.com/p-n-ai/quiz-catmap/internal/mapping"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Add the metadata column to the category table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// app.New ensures the schema.
			return withApp(cmd, func(context.Context, *app.App) error {
				fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date.")
				return nil
			})
		},
	}
}

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List categories and their mappings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := queryFlags(cmd)
			if err != nil {
				return err
			}
			q.Page, _ = cmd.Flags().GetInt("page")

			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				listing, err := a.Mapping.List(ctx, q)
				if err != nil {
					return err
				}
				if len(listing.Rows) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No categories found.")
					return nil
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tCATEGORY\tCOURSE\tLESSON\tTOPIC\tLINK")
				for _, r := range listing.Rows {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
						r.CategoryID, r.Category, dash(r.CourseTitle), dash(r.LessonTitle), dash(r.TopicTitle), dash(r.StepLink))
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "\nPage %d of %d (%d categories)\n",
					listing.Page, listing.TotalPages, listing.TotalItems)
				return nil
			})
		},
	}
	addQueryFlags(cmd)
	cmd.Flags().Int("page", 1, "Page number")
	return cmd
}

func newLinkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "link <category-id> <course-id> <lesson-id> [topic-id]",
		Short: "Map a category to a lesson or topic",
		Args:  cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			step := category.RecStep{CourseID: ids[1], LessonID: ids[2]}
			if len(ids) == 4 {
				step.TopicID = ids[3]
			}

			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				link, err := a.Mapping.Save(ctx, ids[0], step)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Category %d linked to %s\n", ids[0], dash(link))
				return nil
			})
		},
	}
}

func newUnlinkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlink <category-id>",
		Short: "Remove the mapping of a category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Mapping.Clear(ctx, ids[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Category %d unlinked\n", ids[0])
				return nil
			})
		},
	}
}

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write all category mappings to an XLSX file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")
			q, err := queryFlags(cmd)
			if err != nil {
				return err
			}

			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := writeExport(ctx, a, q, out); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", out)
				return nil
			})
		},
	}
	addQueryFlags(cmd)
	cmd.Flags().StringP("out", "o", "category-mappings.xlsx", "Output file")
	return cmd
}

// writeExport writes the workbook to a temporary file next to out and
// renames it into place, so a failed export leaves no partial file.
func writeExport(ctx context.Context, a *app.App, q mapping.Query, out string) error {
	f, err := os.CreateTemp(filepath.Dir(out), ".catmap-export-*.xlsx")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()

	if err := a.Mapping.Export(ctx, q, f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, out); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename to %s: %w", out, err)
	}
	return nil
}

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Issue a session token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, _ := cmd.Flags().GetString("role")
			if role != auth.RoleAdmin && role != auth.RoleViewer {
				return fmt.Errorf("role must be %q or %q", auth.RoleAdmin, auth.RoleViewer)
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ttl := time.Duration(cfg.Auth.SessionTTL) * time.Minute
			if v, _ := cmd.Flags().GetDuration("ttl"); v > 0 {
				ttl = v
			}
			issuer, err := auth.NewIssuer(cfg.Auth.JWTSecret, ttl)
			if err != nil {
				return err
			}
			token, err := issuer.Issue(args[0], role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("role", auth.RoleAdmin, "Role: admin or viewer")
	cmd.Flags().Duration("ttl", 0, "Token lifetime (default CATMAP_AUTH_SESSION_TTL minutes)")
	return cmd
}

func addQueryFlags(cmd *cobra.Command) {
	cmd.Flags().String("search", "", "Filter by category name")
	cmd.Flags().String("status", "", "Filter by status: assigned or unassigned")
	cmd.Flags().Int64("quiz", 0, "Only categories used by this quiz")
}

func queryFlags(cmd *cobra.Command) (mapping.Query, error) {
	search, _ := cmd.Flags().GetString("search")
	status, _ := cmd.Flags().GetString("status")
	quiz, _ := cmd.Flags().GetInt64("quiz")

	parsed := category.ParseStatus(status)
	if status != "" && parsed == category.StatusAny {
		return mapping.Query{}, fmt.Errorf("unknown status %q", status)
	}
	return mapping.Query{Search: strings.TrimSpace(search), Status: parsed, QuizID: quiz}, nil
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, len(args))
	for i, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid id %q", a)
		}
		ids[i] = id
	}
	return ids, nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
