// Package classify runs batches of unanalyzed items through the external
// categorizer and persists the labels it returns.
package classify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/abelbrown/happyfeed/internal/brain"
	"github.com/abelbrown/happyfeed/internal/logging"
	"github.com/abelbrown/happyfeed/internal/media"
	"github.com/abelbrown/happyfeed/internal/metrics"
	"github.com/abelbrown/happyfeed/internal/store"
)

const (
	DefaultBatchSize   = 100
	DefaultCeiling     = 200
	DefaultMinInterval = 100 * time.Millisecond
	DefaultPrefetch    = 4
)

// Outcome is what happened to one item in a batch.
type Outcome string

const (
	OutcomeAnalyzed Outcome = "analyzed"
	OutcomeDegraded Outcome = "degraded" // image unavailable, classified from text
	OutcomeFailed   Outcome = "failed"
	OutcomeSkipped  Outcome = "skipped" // not attempted
)

// ItemError records why a single item could not be classified.
type ItemError struct {
	ItemID string
	Err    error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("classify item %s: %v", e.ItemID, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// BatchResult summarises one ProcessBatch call. Degraded items are also
// counted in Processed.
type BatchResult struct {
	Processed int          `json:"processed"`
	Errors    int          `json:"errors"`
	Degraded  int          `json:"degraded"`
	Skipped   int          `json:"skipped"`
	Failures  []*ItemError `json:"-"`
}

// Store is the persistence the queue needs.
type Store interface {
	EligibleForClassification(ctx context.Context, limit int) ([]store.Item, error)
	Taxonomy(ctx context.Context) (store.Taxonomy, error)
	ReplaceClassification(ctx context.Context, itemID string, c store.Classification) (store.Applied, error)
}

// ImageFetcher inlines item images.
type ImageFetcher interface {
	Inline(ctx context.Context, url string) (brain.Image, error)
}

// Config tunes batch size and pacing.
type Config struct {
	DefaultBatch int           // used when the caller passes maxItems <= 0
	Ceiling      int           // hard cap on items per batch
	MinInterval  time.Duration // minimum gap between categorizer calls
	Prefetch     int           // images fetched ahead of the categorizer
}

func (c Config) withDefaults() Config {
	if c.Ceiling <= 0 {
		c.Ceiling = DefaultCeiling
	}
	if c.DefaultBatch <= 0 {
		c.DefaultBatch = DefaultBatchSize
	}
	if c.DefaultBatch > c.Ceiling {
		c.DefaultBatch = c.Ceiling
	}
	if c.MinInterval <= 0 {
		c.MinInterval = DefaultMinInterval
	}
	if c.Prefetch <= 0 {
		c.Prefetch = DefaultPrefetch
	}
	return c
}

// Queue selects eligible items and classifies them one at a time.
type Queue struct {
	store      Store
	categorize brain.Categorizer
	images     ImageFetcher
	cfg        Config
	limiter    *rate.Limiter
	now        func() time.Time
}

// New creates a Queue. images may be nil, in which case every request is
// text-only.
func New(st Store, c brain.Categorizer, images ImageFetcher, cfg Config) *Queue {
	cfg = cfg.withDefaults()
	return &Queue{
		store:      st,
		categorize: c,
		images:     images,
		cfg:        cfg,
		limiter:    rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		now:        time.Now,
	}
}

// BatchLimit resolves a caller-supplied soft limit against the ceiling.
func (q *Queue) BatchLimit(maxItems int) int {
	if maxItems <= 0 {
		return q.cfg.DefaultBatch
	}
	return min(maxItems, q.cfg.Ceiling)
}

type job struct {
	item     store.Item
	image    *brain.Image
	degraded bool
}

// ProcessBatch classifies up to maxItems eligible items. A failing item is
// recorded and the batch moves on; an error is returned only when the batch
// could not start or ctx ended it early.
func (q *Queue) ProcessBatch(ctx context.Context, maxItems int) (BatchResult, error) {
	var result BatchResult
	if q.categorize == nil || !q.categorize.Available() {
		return result, fmt.Errorf("classification unavailable: %w", brain.ErrNotConfigured)
	}

	items, err := q.store.EligibleForClassification(ctx, q.BatchLimit(maxItems))
	if err != nil {
		return result, fmt.Errorf("failed to select items: %w", err)
	}
	if len(items) == 0 {
		return result, nil
	}

	tax, err := q.store.Taxonomy(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to load taxonomy: %w", err)
	}

	fetchCtx, cancel := context.WithCancel(ctx)
	jobs := make(chan job, q.cfg.Prefetch)
	var g errgroup.Group
	g.Go(func() error {
		q.prefetch(fetchCtx, items, jobs)
		return nil
	})
	defer func() {
		cancel()
		_ = g.Wait()
	}()

	logging.Info("Classification batch starting", "items", len(items), "provider", q.categorize.Name())
	start := time.Now()

	i := 0
	for j := range jobs {
		if err := q.limiter.Wait(ctx); err != nil {
			result.Skipped += len(items) - i
			metrics.ClassifyOutcomes.WithLabelValues(string(OutcomeSkipped)).Add(float64(len(items) - i))
			return result, err
		}

		outcome, err := q.classifyOne(ctx, j, tax)
		i++
		metrics.ClassifyOutcomes.WithLabelValues(string(outcome)).Inc()
		switch outcome {
		case OutcomeAnalyzed:
			result.Processed++
		case OutcomeDegraded:
			result.Processed++
			result.Degraded++
		case OutcomeFailed:
			ie := &ItemError{ItemID: j.item.ID, Err: err}
			result.Errors++
			result.Failures = append(result.Failures, ie)
			logging.Warn("Classification failed", "item", j.item.ID, "error", err)

			if errors.Is(err, brain.ErrCircuitOpen) {
				rest := len(items) - i
				result.Skipped += rest
				metrics.ClassifyOutcomes.WithLabelValues(string(OutcomeSkipped)).Add(float64(rest))
				logging.Warn("Categorizer unavailable, ending batch early", "skipped", rest)
				return result, nil
			}
		}
	}
	if i < len(items) {
		// prefetch stopped early because ctx ended
		result.Skipped += len(items) - i
		metrics.ClassifyOutcomes.WithLabelValues(string(OutcomeSkipped)).Add(float64(len(items) - i))
		return result, ctx.Err()
	}

	logging.Info("Classification batch complete",
		"processed", result.Processed,
		"errors", result.Errors,
		"degraded", result.Degraded,
		"duration", time.Since(start).Round(time.Millisecond))
	return result, nil
}

// prefetch sends a job per item to out in selection order, downloading
// images at most cap(out) items ahead of the categorizer. A failed download
// leaves the job text-only and marks it degraded. out is closed on return.
func (q *Queue) prefetch(ctx context.Context, items []store.Item, out chan<- job) {
	defer close(out)
	for _, item := range items {
		j := job{item: item}
		if q.images != nil && media.IsImage(item) {
			img, err := q.images.Inline(ctx, media.ImageURL(item))
			switch {
			case ctx.Err() != nil:
				return
			case err != nil:
				logging.Warn("Image unavailable, classifying from text", "item", item.ID, "error", err)
				j.degraded = true
			default:
				j.image = &img
			}
		}
		select {
		case out <- j:
		case <-ctx.Done():
			return
		}
	}
}

func (q *Queue) classifyOne(ctx context.Context, j job, tax store.Taxonomy) (Outcome, error) {
	req := brain.Request{
		ItemID:      j.item.ID,
		Title:       j.item.Title,
		SourceGroup: j.item.SourceGroup,
		BodyText:    j.item.BodyText,
		Categories:  tax.Categories,
		Tags:        tax.Tags,
		Image:       j.image,
	}

	res, err := q.categorize.Categorize(ctx, req)
	if err != nil {
		return OutcomeFailed, err
	}

	c := store.Classification{
		Categories:  knownNames(j.item.ID, "category", res.Categories, tax.HasCategory),
		Tags:        knownNames(j.item.ID, "tag", res.Tags, tax.HasTag),
		Explanation: res.Explanation,
		AnalyzedAt:  q.now(),
	}

	applied, err := q.store.ReplaceClassification(ctx, j.item.ID, c)
	if err != nil {
		return OutcomeFailed, err
	}
	if len(applied.Unknown) > 0 {
		// Taxonomy changed between load and write.
		logging.Warn("Skipped labels missing from taxonomy", "item", j.item.ID, "names", applied.Unknown)
	}

	logging.Debug("Item classified", "item", j.item.ID, "categories", applied.Categories, "tags", applied.Tags, "image", j.image != nil)
	if j.degraded {
		return OutcomeDegraded, nil
	}
	return OutcomeAnalyzed, nil
}

func knownNames(itemID, kind string, names []string, known func(string) bool) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !known(n) {
			logging.Warn("Categorizer returned unknown "+kind, "item", itemID, "name", n)
			continue
		}
		out = append(out, n)
	}
	return out
}
