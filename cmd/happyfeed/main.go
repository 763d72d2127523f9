// Command happyfeed runs the ingest, moderation and classification daemon
// and serves the HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/abelbrown/happyfeed/internal/api"
	"github.com/abelbrown/happyfeed/internal/app"
	"github.com/abelbrown/happyfeed/internal/audit"
	"github.com/abelbrown/happyfeed/internal/config"
	"github.com/abelbrown/happyfeed/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "config file (default $HAPPYFEED_HOME/config.json)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "happyfeed: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	if err := config.LoadEnv(); err != nil {
		return err
	}
	if configPath == "" {
		configPath = config.ConfigPath()
	}
	cfg, err := config.LoadFrom(configPath)
	if err != nil {
		return err
	}

	if err := logging.Init(logging.Options{Dir: cfg.LogDir(), Level: cfg.Logging.Level, Stderr: true}); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	a.Audit.Emit(audit.Event{Kind: audit.KindStartup, Extra: map[string]any{"addr": cfg.Server.Addr}})

	if changed, err := a.Service.ReconcileAll(ctx); err != nil {
		return fmt.Errorf("startup reconcile failed: %w", err)
	} else if changed > 0 {
		logging.Info("Startup reconcile changed items", "changed", changed)
	}

	a.Pool.Start(ctx)
	a.Coordinator.Start(ctx)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.NewRouter(a.Service),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logging.Info("Serving API", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logging.Info("Shutting down")
	case err := <-serveErr:
		stop()
		if err != nil {
			logging.Error("HTTP server failed", "error", err)
		}
	}

	// Stop producers first, then the job pool, then the listener.
	a.Coordinator.Wait()
	a.Pool.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.D())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn("HTTP shutdown incomplete", "error", err)
	}

	if err := a.Mirror.Push(shutdownCtx); err != nil {
		logging.Warn("Final mirror failed", "error", err)
	}
	a.Audit.Emit(audit.Event{Kind: audit.KindShutdown})
	return nil
}
