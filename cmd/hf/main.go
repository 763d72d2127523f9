// Command hf is the happyfeed maintenance CLI. It works directly on the
// database and does not need the daemon to be running.
//
// Usage:
//
//	hf stats                    Item counts and per-category totals
//	hf policy list              Show blocked groups and keywords
//	hf policy add-group <name>  Block a source group and hide its items
//	hf reconcile                Re-apply the blocklist to every item
//	hf analyze --limit 50       Classify a batch of items now
//	hf clear [--unread]         Reset classification and visibility
//	hf ingest                   Fetch from all sources once
//	hf tags reinit              Replace the tag vocabulary
//	hf events --tail 20         Show recent audit events
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/abelbrown/happyfeed/internal/app"
	"github.com/abelbrown/happyfeed/internal/config"
	"github.com/abelbrown/happyfeed/internal/logging"
)

var (
	dbPath   string
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "hf",
		Short:         "happyfeed maintenance CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database path (default from config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level for stderr output")

	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(clearCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(tagsCmd())
	rootCmd.AddCommand(eventsCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig initializes stderr logging and loads config with the global
// flags applied.
func loadConfig() (*config.Config, error) {
	if err := logging.Init(logging.Options{Level: logLevel}); err != nil {
		return nil, err
	}
	if err := config.LoadEnv(); err != nil {
		return nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.Store.Path = dbPath
	}
	return cfg, nil
}

// openApp loads config and wires the system.
func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.Build(ctx, cfg)
}

// withApp runs fn against a freshly built app and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
