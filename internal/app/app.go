// Package app wires the store, policy, classifier, job pool and sources
// into the running system shared by the daemon and the hf CLI.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/abelbrown/happyfeed/internal/audit"
	"github.com/abelbrown/happyfeed/internal/blobsync"
	"github.com/abelbrown/happyfeed/internal/brain"
	"github.com/abelbrown/happyfeed/internal/classify"
	"github.com/abelbrown/happyfeed/internal/config"
	"github.com/abelbrown/happyfeed/internal/coord"
	"github.com/abelbrown/happyfeed/internal/fetch"
	"github.com/abelbrown/happyfeed/internal/logging"
	"github.com/abelbrown/happyfeed/internal/media"
	"github.com/abelbrown/happyfeed/internal/moderation"
	"github.com/abelbrown/happyfeed/internal/policy"
	"github.com/abelbrown/happyfeed/internal/store"
	"github.com/abelbrown/happyfeed/internal/work"
)

// App holds the wired components. Pool is created but not started.
type App struct {
	Config      *config.Config
	Store       *store.Store
	Policy      *policy.Cache
	Service     *moderation.Service
	Pool        *work.Pool
	Coordinator *coord.Coordinator
	Mirror      *blobsync.Mirror
	Audit       *audit.Log
}

// Build opens the database (restoring it from the remote mirror when the
// file is missing), seeds it on first run, and wires every component.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	syncer, err := newSyncer(ctx, cfg.Sync)
	if err != nil {
		return nil, err
	}

	dbPath := cfg.DBPath()
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		if _, err := blobsync.Hydrate(ctx, syncer, dbPath); err != nil {
			// Start empty rather than refuse to run; the next push overwrites the remote copy.
			logging.Warn("Failed to restore database from mirror", "error", err)
		}
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := st.Seed(ctx, store.DefaultSeed()); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to seed database: %w", err)
	}

	auditLog, err := openAudit(cfg, dbPath)
	if err != nil {
		st.Close()
		return nil, err
	}

	cache := policy.NewCache(st, policy.WithTTL(cfg.Policy.CacheTTL.D()))
	mirror := blobsync.NewMirror(syncer, st)
	pool := work.NewPool(1, work.DefaultHistory)

	var classifier moderation.Classifier
	if categorizer := newCategorizer(cfg.Classifier); categorizer != nil {
		classifier = classify.New(st, categorizer, media.NewFetcher(), classify.Config{
			DefaultBatch: cfg.Classifier.BatchSize,
			Ceiling:      cfg.Classifier.Ceiling,
			MinInterval:  cfg.Classifier.MinInterval.D(),
			Prefetch:     cfg.Classifier.Prefetch,
		})
	}

	svc := moderation.New(moderation.Deps{
		Store:      st,
		Policy:     cache,
		Classifier: classifier,
		Pool:       pool,
		Mirror:     mirror,
		Audit:      auditLog,
	})

	coordinator := coord.New(svc, Sources(cfg.Sources, nil), coord.Config{
		IngestInterval:   cfg.Sources.IngestInterval.D(),
		ClassifyInterval: cfg.Sources.ClassifyInterval.D(),
		ClassifyBatch:    cfg.Classifier.BatchSize,
		VisibleTarget:    cfg.Sources.VisibleTarget,
		MaxAttempts:      cfg.Sources.MaxAttempts,
		MaxAge:           cfg.Sources.MaxAge.D(),
		Audit:            auditLog,
	})

	return &App{
		Config:      cfg,
		Store:       st,
		Policy:      cache,
		Service:     svc,
		Pool:        pool,
		Coordinator: coordinator,
		Mirror:      mirror,
		Audit:       auditLog,
	}, nil
}

// Close stops the pool, flushes the audit log and closes the store.
func (a *App) Close() error {
	a.Pool.Stop()
	if err := a.Audit.Close(); err != nil {
		logging.Warn("Failed to close audit log", "error", err)
	}
	return a.Store.Close()
}

// AuditPath returns the audit log location under the log directory.
func AuditPath(cfg *config.Config) string {
	return filepath.Join(cfg.LogDir(), "audit.jsonl")
}

// openAudit appends to the audit file. An in-memory database keeps events
// in memory only.
func openAudit(cfg *config.Config, dbPath string) (*audit.Log, error) {
	ring := audit.NewRing(audit.DefaultRingSize)
	if dbPath == ":memory:" {
		return audit.New(nil, ring), nil
	}
	return audit.Open(AuditPath(cfg), ring)
}

// Sources builds the configured content sources. A nil client gives each
// source its own retrying client.
func Sources(cfg config.SourcesConfig, client *http.Client) []fetch.Source {
	var sources []fetch.Source
	if cfg.RedditEnabled {
		sources = append(sources, fetch.NewReddit(cfg.RedditBase, cfg.RedditListing, client))
	}

	feeds := fetch.DefaultFeeds()
	if cfg.Feeds != nil {
		feeds = make([]fetch.Feed, len(cfg.Feeds))
		for i, f := range cfg.Feeds {
			feeds[i] = fetch.Feed{Name: f.Name, URL: f.URL}
		}
	}
	if len(feeds) > 0 {
		sources = append(sources, fetch.NewRSS(feeds, client))
	}
	return sources
}

// newCategorizer returns the configured providers behind a circuit breaker,
// or nil when classification is disabled.
func newCategorizer(cfg config.ClassifierConfig) brain.Categorizer {
	if cfg.Provider == "none" {
		return nil
	}

	openai := brain.NewOpenAI(cfg.OpenAIKey, cfg.Model, cfg.Timeout.D()).WithEndpoint(cfg.OpenAIEndpoint)
	var ollamaModel string
	if cfg.Provider == "ollama" {
		ollamaModel = cfg.Model
	}
	ollama := brain.NewOllama(cfg.OllamaEndpoint, ollamaModel, cfg.Timeout.D())

	mgr := brain.NewManager(openai, ollama)
	mgr.SetPreferred(cfg.Provider)

	bc := brain.DefaultBreakerConfig()
	bc.FailureThreshold = cfg.BreakerFailureRatio
	bc.MinRequests = cfg.BreakerMinRequests
	bc.Timeout = cfg.BreakerOpenFor.D()
	return brain.NewBreaker(mgr, bc)
}

func newSyncer(ctx context.Context, cfg config.SyncConfig) (blobsync.Syncer, error) {
	if cfg.Bucket == "" {
		return blobsync.Nop{}, nil
	}
	s3, err := blobsync.NewS3FromConfig(ctx, cfg.Region, cfg.Endpoint, cfg.Bucket, cfg.Key)
	if err != nil {
		return nil, err
	}
	logging.Info("Mirroring database to S3", "bucket", cfg.Bucket, "key", cfg.Key)
	return s3, nil
}
