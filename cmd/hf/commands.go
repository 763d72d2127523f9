package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/abelbrown/happyfeed/internal/app"
	"github.com/abelbrown/happyfeed/internal/store"
)

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show item counts and per-category totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				c, err := a.Service.Stats(ctx)
				if err != nil {
					return err
				}
				analysis, err := a.Service.AnalysisStats(ctx)
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintf(w, "Total:\t%d\n", c.Total)
				fmt.Fprintf(w, "Visible:\t%d\n", c.Visible)
				fmt.Fprintf(w, "Hidden:\t%d\n", c.Hidden)
				fmt.Fprintf(w, "Read:\t%d\n", c.Read)
				fmt.Fprintf(w, "Unread:\t%d\n", c.Unread)
				fmt.Fprintf(w, "Analyzed:\t%d\n", c.Analyzed)
				w.Flush()

				printLabels("Categories", analysis.Categories)
				printLabels("Tags", analysis.Tags)
				return nil
			})
		},
	}
}

func printLabels(title string, counts []store.LabelCount) {
	if len(counts) == 0 {
		return
	}
	fmt.Printf("\n%s:\n", title)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, lc := range counts {
		fmt.Fprintf(w, "  %s\t%d\n", lc.Name, lc.Count)
	}
	w.Flush()
}

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage the blocklist",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Show blocked groups and keywords",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				p, err := a.Service.ListPolicy(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Groups (%d): %s\n", len(p.Groups), strings.Join(p.Groups, ", "))
				fmt.Printf("Keywords (%d): %s\n", len(p.Keywords), strings.Join(p.Keywords, ", "))
				return nil
			})
		},
	})

	type policyOp struct {
		use, short, verb string
		run              func(a *app.App) func(context.Context, string) (int, error)
		unit             string
	}
	ops := []policyOp{
		{"add-group <name>", "Block a source group", "Blocked group",
			func(a *app.App) func(context.Context, string) (int, error) { return a.Service.AddBlockedGroup }, "hidden"},
		{"rm-group <name>", "Unblock a source group", "Unblocked group",
			func(a *app.App) func(context.Context, string) (int, error) { return a.Service.RemoveBlockedGroup }, "changed"},
		{"add-keyword <keyword>", "Block a keyword", "Blocked keyword",
			func(a *app.App) func(context.Context, string) (int, error) { return a.Service.AddBlockedKeyword }, "hidden"},
		{"rm-keyword <keyword>", "Unblock a keyword", "Unblocked keyword",
			func(a *app.App) func(context.Context, string) (int, error) { return a.Service.RemoveBlockedKeyword }, "changed"},
	}
	for _, op := range ops {
		cmd.AddCommand(&cobra.Command{
			Use:   op.use,
			Short: op.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, func(ctx context.Context, a *app.App) error {
					n, err := op.run(a)(ctx, args[0])
					if err != nil {
						return err
					}
					fmt.Printf("✓ %s %q (%d items %s)\n", op.verb, store.NormalizePolicyEntry(args[0]), n, op.unit)
					return nil
				})
			},
		})
	}
	return cmd
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Re-apply the blocklist to every item",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.Service.ReconcileAll(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("✓ Reconciled (%d items changed)\n", n)
				return nil
			})
		},
	}
}

func analyzeCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Classify a batch of eligible items now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Service.AnalyzeBatch(ctx, limit)
				if err != nil {
					return err
				}
				fmt.Printf("✓ Processed %d items (%d errors, %d degraded, %d skipped)\n",
					res.Processed, res.Errors, res.Degraded, res.Skipped)
				for _, f := range res.Failures {
					fmt.Printf("  %s: %v\n", f.ItemID, f.Err)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum items to classify (0 = configured batch size)")
	return cmd
}

func clearCmd() *cobra.Command {
	var unread bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Reset classification and visibility, then re-apply the blocklist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			scope := store.ScopeAll
			if unread {
				scope = store.ScopeUnread
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Service.Clear(ctx, scope)
				if err != nil {
					return err
				}
				fmt.Printf("✓ Cleared %d items (%s), %d preserved\n", res.Cleared, scope, res.Preserved)
				fmt.Printf("  %d hidden, %d visible after re-applying the blocklist\n", res.Hidden, res.Visible)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&unread, "unread", false, "only clear unread items")
	return cmd
}

func ingestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Fetch from every configured source once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.Coordinator.Ingest(ctx)
				fmt.Printf("✓ Saved %d items\n", n)
				if err != nil {
					fmt.Fprintf(os.Stderr, "  some sources failed: %v\n", err)
				}
				return nil
			})
		},
	}
}

func tagsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tags",
		Short: "Manage the tag vocabulary",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "reinit",
		Short: "Replace the tag vocabulary; existing tag assignments are deleted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.Service.ReinitializeTags(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("✓ Reinitialized %d tags\n", n)
				return nil
			})
		},
	})
	return cmd
}
