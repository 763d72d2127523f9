// Package coord runs background ingest and classification for happyfeed.
package coord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/abelbrown/happyfeed/internal/audit"
	"github.com/abelbrown/happyfeed/internal/fetch"
	"github.com/abelbrown/happyfeed/internal/filter"
	"github.com/abelbrown/happyfeed/internal/logging"
	"github.com/abelbrown/happyfeed/internal/metrics"
	"github.com/abelbrown/happyfeed/internal/moderation"
	"github.com/abelbrown/happyfeed/internal/store"
	"github.com/abelbrown/happyfeed/internal/work"
)

const (
	DefaultIngestInterval = 15 * time.Minute
	DefaultVisibleTarget  = 100
	DefaultMaxAttempts    = 5

	// fetchTimeout bounds each page request.
	fetchTimeout = 30 * time.Second

	// maxConcurrentSources limits parallel source fetches.
	maxConcurrentSources = 4
)

// Service is the part of the moderation service the coordinator drives.
type Service interface {
	Save(ctx context.Context, items []store.Item) (int, error)
	VisibleUnread(ctx context.Context) (int, error)
	SubmitAnalyze(limit int, priority int) (uint64, error)
}

// Config controls the schedules and how much each ingest fetches.
type Config struct {
	IngestInterval   time.Duration
	ClassifyInterval time.Duration // 0 disables scheduled classification
	ClassifyBatch    int           // 0 uses the queue default
	VisibleTarget    int
	MaxAttempts      int           // pages per source per ingest
	MaxAge           time.Duration // older items are not saved, 0 keeps all
	Audit            *audit.Log    // optional
}

func (c Config) withDefaults() Config {
	if c.IngestInterval <= 0 {
		c.IngestInterval = DefaultIngestInterval
	}
	if c.VisibleTarget <= 0 {
		c.VisibleTarget = DefaultVisibleTarget
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	return c
}

// Coordinator manages background ingest and scheduled classification.
// Context cancellation is the only stop mechanism.
type Coordinator struct {
	svc     Service
	sources []fetch.Source // set at construction, never modified
	cfg     Config
	wg      sync.WaitGroup
}

// New creates a Coordinator over the given sources.
func New(svc Service, sources []fetch.Source, cfg Config) *Coordinator {
	sourcesCopy := make([]fetch.Source, len(sources))
	copy(sourcesCopy, sources)

	return &Coordinator{
		svc:     svc,
		sources: sourcesCopy,
		cfg:     cfg.withDefaults(),
	}
}

// Start runs an ingest immediately, then on every IngestInterval tick, and
// submits a classification batch on every ClassifyInterval tick.
func (c *Coordinator) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		c.ingestLogged(ctx)

		ticker := time.NewTicker(c.cfg.IngestInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.ingestLogged(ctx)
			}
		}
	}()

	if c.cfg.ClassifyInterval <= 0 {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(c.cfg.ClassifyInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.submitClassify()
			}
		}
	}()
}

// Wait blocks until the background goroutines exit.
// Call after canceling the context passed to Start.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) ingestLogged(ctx context.Context) {
	saved, err := c.Ingest(ctx)
	if err != nil && ctx.Err() == nil {
		logging.Warn("Ingest finished with errors", "saved", saved, "error", err)
		return
	}
	logging.Info("Ingest finished", "saved", saved)
}

func (c *Coordinator) submitClassify() {
	id, err := c.svc.SubmitAnalyze(c.cfg.ClassifyBatch, work.PriorityLow)
	switch {
	case errors.Is(err, moderation.ErrClassifierDisabled):
		logging.Debug("Scheduled classification skipped, no classifier")
	case err != nil:
		logging.Warn("Failed to submit classification", "error", err)
	default:
		logging.Debug("Submitted scheduled classification", "job", id)
	}
}

// Ingest pages through every source until the store holds VisibleTarget
// visible unread items, a source runs out of pages, or MaxAttempts pages
// have been fetched from it. Sources are fetched in parallel. Returns the
// number of items saved and the joined per-source errors.
func (c *Coordinator) Ingest(ctx context.Context) (int, error) {
	start := time.Now()
	var (
		mu    sync.Mutex
		total int
		errs  []error
	)

	// shared by all sources in this ingest
	seen := filter.NewSeen()

	var g errgroup.Group
	g.SetLimit(maxConcurrentSources)

	for _, src := range c.sources {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			saved, err := c.ingestSource(ctx, src, seen)

			mu.Lock()
			total += saved
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
			}
			mu.Unlock()
			return nil // errors are collected per source
		})
	}
	_ = g.Wait()

	err := errors.Join(errs...)
	ev := audit.Event{Kind: audit.KindIngest, Count: total, Dur: time.Since(start),
		Extra: map[string]any{"sources": len(c.sources)}}
	if err != nil {
		ev.Err = err.Error()
	}
	c.cfg.Audit.Emit(ev)
	return total, err
}

func (c *Coordinator) ingestSource(ctx context.Context, src fetch.Source, seen *filter.Seen) (int, error) {
	var (
		saved  int
		cursor string
	)
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		visible, err := c.svc.VisibleUnread(ctx)
		if err != nil {
			return saved, err
		}
		if visible >= c.cfg.VisibleTarget {
			logging.Debug("Visible target reached", "source", src.Name(), "visible", visible)
			return saved, nil
		}

		page, err := c.fetchPage(ctx, src, cursor)
		if err != nil {
			// A failed RSS feed still reports the next cursor.
			if page.Next == "" || ctx.Err() != nil {
				return saved, err
			}
			logging.Warn("Page fetch failed", "source", src.Name(), "cursor", cursor, "error", err)
			cursor = page.Next
			continue
		}

		items := filter.ByAge(seen.Filter(page.Items), c.cfg.MaxAge, time.Now())
		if dropped := len(page.Items) - len(items); dropped > 0 {
			logging.Debug("Dropped duplicate or old items", "source", src.Name(), "dropped", dropped)
		}
		if len(items) > 0 {
			n, err := c.svc.Save(ctx, items)
			if err != nil {
				return saved, err
			}
			saved += n
			metrics.IngestItems.WithLabelValues(src.Name()).Add(float64(n))
			logging.Debug("Saved page", "source", src.Name(), "cursor", cursor, "items", n)
		}

		if page.Next == "" {
			return saved, nil
		}
		cursor = page.Next
	}
	return saved, nil
}

func (c *Coordinator) fetchPage(ctx context.Context, src fetch.Source, cursor string) (fetch.Page, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	return src.FetchPage(fetchCtx, cursor)
}
