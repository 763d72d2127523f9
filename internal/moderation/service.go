// Package moderation is the operation surface used by the HTTP API, the
// CLI and the ingest coordinator. Every mutation goes through here so the
// policy cache and item visibility stay in step with the store.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/abelbrown/happyfeed/internal/audit"
	"github.com/abelbrown/happyfeed/internal/blobsync"
	"github.com/abelbrown/happyfeed/internal/classify"
	"github.com/abelbrown/happyfeed/internal/filter"
	"github.com/abelbrown/happyfeed/internal/logging"
	"github.com/abelbrown/happyfeed/internal/metrics"
	"github.com/abelbrown/happyfeed/internal/policy"
	"github.com/abelbrown/happyfeed/internal/reconcile"
	"github.com/abelbrown/happyfeed/internal/store"
	"github.com/abelbrown/happyfeed/internal/work"
)

var (
	// ErrClassifierDisabled is returned when no categorizer is configured.
	ErrClassifierDisabled = errors.New("classification is not configured")
	// ErrJobsDisabled is returned by background operations without a pool.
	ErrJobsDisabled = errors.New("background jobs are not running")
)

const (
	DefaultFeedLimit = 100
	MaxFeedLimit     = 500
)

// Classifier runs classification batches.
type Classifier interface {
	ProcessBatch(ctx context.Context, maxItems int) (classify.BatchResult, error)
}

// Deps are the collaborators of a Service. Classifier, Pool, Mirror and
// Audit are optional.
type Deps struct {
	Store      *store.Store
	Policy     *policy.Cache
	Classifier Classifier
	Pool       *work.Pool
	Mirror     *blobsync.Mirror
	Audit      *audit.Log
}

// Service implements the moderation operations.
type Service struct {
	store      *store.Store
	policy     *policy.Cache
	reconciler *reconcile.Reconciler
	classifier Classifier
	pool       *work.Pool
	mirror     *blobsync.Mirror
	audit      *audit.Log
	now        func() time.Time

	// Policy edits hold the write lock from the store write through their
	// sweep; Save and Clear evaluate and write under the read lock.
	visibility sync.RWMutex
}

// New creates a Service. A nil Policy gets a cache with the default TTL.
func New(d Deps) *Service {
	cache := d.Policy
	if cache == nil {
		cache = policy.NewCache(d.Store)
	}
	mirror := d.Mirror
	if mirror == nil {
		mirror = blobsync.NewMirror(nil, d.Store)
	}
	return &Service{
		store:      d.Store,
		policy:     cache,
		reconciler: reconcile.New(d.Store, cache),
		classifier: d.Classifier,
		pool:       d.Pool,
		mirror:     mirror,
		audit:      d.Audit,
		now:        time.Now,
	}
}

// PolicyEntries is the blocklist as stored.
type PolicyEntries struct {
	Groups   []string `json:"groups"`
	Keywords []string `json:"keywords"`
}

// mirrorAfter pushes the database to the remote backend. Failures are
// logged by the mirror and never reach the caller.
func (s *Service) mirrorAfter(ctx context.Context) {
	_ = s.mirror.Push(context.WithoutCancel(ctx))
}

// Events returns up to n recent audit events, newest first.
func (s *Service) Events(n int) []audit.Event {
	return s.audit.Recent(n)
}

// Save upserts items, computing hidden from the current policy.
func (s *Service) Save(ctx context.Context, items []store.Item) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	s.visibility.RLock()
	isHidden, err := s.reconciler.Evaluator(ctx)
	if err != nil {
		s.visibility.RUnlock()
		return 0, fmt.Errorf("failed to load policy: %w", err)
	}
	n, err := s.store.SaveItems(ctx, items, isHidden)
	s.visibility.RUnlock()
	if err != nil {
		return 0, fmt.Errorf("failed to save items: %w", err)
	}
	metrics.ItemsSaved.Add(float64(n))
	s.mirrorAfter(ctx)
	return n, nil
}

// ToggleVisibility flips one item's hidden flag and returns the new value.
func (s *Service) ToggleVisibility(ctx context.Context, id string) (bool, error) {
	hidden, err := s.store.ToggleHidden(ctx, id)
	if err != nil {
		return false, err
	}
	metrics.VisibilityChanges.WithLabelValues("manual").Inc()
	logging.Info("Toggled visibility", "item", id, "hidden", hidden)
	s.audit.Emit(audit.Event{Kind: audit.KindItemToggle, Subject: id, Hidden: &hidden})
	s.mirrorAfter(ctx)
	return hidden, nil
}

// MarkRead marks the listed items read and returns how many changed.
func (s *Service) MarkRead(ctx context.Context, ids []string) (int, error) {
	n, err := s.store.MarkRead(ctx, ids, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.audit.Emit(audit.Event{Kind: audit.KindItemsRead, Count: n})
		s.mirrorAfter(ctx)
	}
	return n, nil
}

// ListPolicy returns the stored blocklist.
func (s *Service) ListPolicy(ctx context.Context) (PolicyEntries, error) {
	groups, err := s.store.BlockedGroups(ctx)
	if err != nil {
		return PolicyEntries{}, err
	}
	keywords, err := s.store.BlockedKeywords(ctx)
	if err != nil {
		return PolicyEntries{}, err
	}
	return PolicyEntries{Groups: groups, Keywords: keywords}, nil
}

// AddBlockedGroup blocks a source group and hides the visible items it
// matches before returning. Returns the number of items hidden.
func (s *Service) AddBlockedGroup(ctx context.Context, name string) (int, error) {
	return s.addEntry(ctx, "group", name, s.store.AddBlockedGroup, func(v string) *filter.Policy {
		return filter.NewPolicy([]string{v}, nil)
	})
}

// AddBlockedKeyword blocks a keyword and hides the visible items it matches
// before returning. Returns the number of items hidden.
func (s *Service) AddBlockedKeyword(ctx context.Context, keyword string) (int, error) {
	return s.addEntry(ctx, "keyword", keyword, s.store.AddBlockedKeyword, func(v string) *filter.Policy {
		return filter.NewPolicy(nil, []string{v})
	})
}

// RemoveBlockedGroup unblocks a source group and re-evaluates every item,
// unhiding those nothing else blocks. Returns the number of items changed.
func (s *Service) RemoveBlockedGroup(ctx context.Context, name string) (int, error) {
	return s.removeEntry(ctx, "group", name, s.store.RemoveBlockedGroup)
}

// RemoveBlockedKeyword unblocks a keyword; see RemoveBlockedGroup.
func (s *Service) RemoveBlockedKeyword(ctx context.Context, keyword string) (int, error) {
	return s.removeEntry(ctx, "keyword", keyword, s.store.RemoveBlockedKeyword)
}

func (s *Service) addEntry(ctx context.Context, kind, value string,
	add func(context.Context, string) (bool, error), single func(string) *filter.Policy) (int, error) {

	normalized := store.NormalizePolicyEntry(value)
	s.visibility.Lock()
	added, err := add(ctx, normalized)
	if err != nil {
		s.visibility.Unlock()
		return 0, err
	}
	s.policy.Invalidate()

	hidden, err := s.reconciler.HideMatching(ctx, single(normalized))
	s.visibility.Unlock()
	if err != nil {
		return 0, err
	}
	logging.Info("Blocked "+kind, kind, normalized, "new", added, "hidden", hidden)
	s.audit.Emit(audit.Event{Kind: audit.KindPolicyAdd, Subject: normalized, Count: hidden,
		Extra: map[string]any{"type": kind, "new": added}})
	s.mirrorAfter(ctx)
	return hidden, nil
}

func (s *Service) removeEntry(ctx context.Context, kind, value string,
	remove func(context.Context, string) (bool, error)) (int, error) {

	normalized := store.NormalizePolicyEntry(value)
	s.visibility.Lock()
	removed, err := remove(ctx, normalized)
	if err != nil {
		s.visibility.Unlock()
		return 0, err
	}
	if !removed {
		s.visibility.Unlock()
		return 0, fmt.Errorf("%s %q: %w", kind, normalized, store.ErrNotFound)
	}
	s.policy.Invalidate()

	changed, err := s.reconciler.ReconcileAll(ctx)
	s.visibility.Unlock()
	if err != nil {
		return 0, err
	}
	logging.Info("Unblocked "+kind, kind, normalized, "changed", changed)
	s.audit.Emit(audit.Event{Kind: audit.KindPolicyRemove, Subject: normalized, Count: changed,
		Extra: map[string]any{"type": kind}})
	s.mirrorAfter(ctx)
	return changed, nil
}

// ReconcileAll re-applies the policy to every stored item.
func (s *Service) ReconcileAll(ctx context.Context) (int, error) {
	start := s.now()
	changed, err := s.reconciler.ReconcileAll(ctx)
	if err != nil {
		return 0, err
	}
	s.audit.Emit(audit.Event{Kind: audit.KindReconcile, Count: changed, Dur: s.now().Sub(start)})
	if changed > 0 {
		s.mirrorAfter(ctx)
	}
	return changed, nil
}

// AnalyzeBatch classifies up to limit eligible items synchronously. A
// started batch runs to completion even if ctx is cancelled.
func (s *Service) AnalyzeBatch(ctx context.Context, limit int) (classify.BatchResult, error) {
	if s.classifier == nil {
		return classify.BatchResult{}, ErrClassifierDisabled
	}
	ctx = context.WithoutCancel(ctx)
	start := s.now()
	res, err := s.classifier.ProcessBatch(ctx, limit)
	ev := audit.Event{Kind: audit.KindClassify, Count: res.Processed, Dur: s.now().Sub(start),
		Extra: map[string]any{"errors": res.Errors, "degraded": res.Degraded, "skipped": res.Skipped}}
	if err != nil {
		ev.Err = err.Error()
	}
	s.audit.Emit(ev)
	if res.Processed > 0 {
		s.mirrorAfter(ctx)
	}
	return res, err
}

// SubmitAnalyze queues one classification batch and returns its job id.
func (s *Service) SubmitAnalyze(limit int, priority int) (uint64, error) {
	if s.classifier == nil {
		return 0, ErrClassifierDisabled
	}
	if s.pool == nil {
		return 0, ErrJobsDisabled
	}
	return s.pool.Submit(work.TypeAnalyze, fmt.Sprintf("Classify up to %d items", limit), priority,
		func(ctx context.Context) (string, error) {
			res, err := s.AnalyzeBatch(ctx, limit)
			return describeBatch(res), err
		})
}

// ModerateAll queues a job that classifies every eligible item, batch after
// batch, and returns the job id and the number of items queued. Nothing is
// submitted when no item is eligible.
func (s *Service) ModerateAll(ctx context.Context) (uint64, int, error) {
	if s.classifier == nil {
		return 0, 0, ErrClassifierDisabled
	}
	if s.pool == nil {
		return 0, 0, ErrJobsDisabled
	}
	queued, err := s.store.CountEligible(ctx)
	if err != nil {
		return 0, 0, err
	}
	if queued == 0 {
		return 0, 0, nil
	}

	id, err := s.pool.Submit(work.TypeModerate, fmt.Sprintf("Moderate %d items", queued), work.PriorityNormal,
		func(ctx context.Context) (string, error) {
			var total classify.BatchResult
			for {
				res, err := s.AnalyzeBatch(ctx, 0)
				total.Processed += res.Processed
				total.Errors += res.Errors
				total.Degraded += res.Degraded
				total.Skipped += res.Skipped
				if err != nil {
					return describeBatch(total), err
				}
				// A batch that classified nothing would select the same items again.
				if res.Processed == 0 {
					break
				}
				remaining, err := s.store.CountEligible(ctx)
				if err != nil {
					return describeBatch(total), err
				}
				if remaining == 0 {
					break
				}
			}
			return describeBatch(total), nil
		})
	if err != nil {
		return 0, 0, err
	}
	return id, queued, nil
}

func describeBatch(r classify.BatchResult) string {
	return fmt.Sprintf("processed %d, errors %d, degraded %d, skipped %d", r.Processed, r.Errors, r.Degraded, r.Skipped)
}

// Job returns the status of a background job.
func (s *Service) Job(id uint64) (work.Job, bool) {
	if s.pool == nil {
		return work.Job{}, false
	}
	return s.pool.Get(id)
}

// Clear resets classification and hidden state for scope and re-applies
// the policy, in one transaction.
func (s *Service) Clear(ctx context.Context, scope store.ClearScope) (store.ClearResult, error) {
	s.visibility.RLock()
	isHidden, err := s.reconciler.Evaluator(ctx)
	if err != nil {
		s.visibility.RUnlock()
		return store.ClearResult{}, fmt.Errorf("failed to load policy: %w", err)
	}
	res, err := s.store.ClearModeration(ctx, scope, isHidden)
	s.visibility.RUnlock()
	if err != nil {
		return store.ClearResult{}, err
	}
	logging.Info("Cleared moderation", "scope", scope, "cleared", res.Cleared, "hidden", res.Hidden, "visible", res.Visible)
	s.audit.Emit(audit.Event{Kind: audit.KindClear, Subject: scope.String(), Count: res.Cleared})
	s.mirrorAfter(ctx)
	return res, nil
}

// Stats returns aggregate item counts.
func (s *Service) Stats(ctx context.Context) (store.Counts, error) {
	return s.store.Counts(ctx)
}

// AnalysisStats returns per-category and per-tag counts.
func (s *Service) AnalysisStats(ctx context.Context) (store.AnalysisStats, error) {
	return s.store.AnalysisStats(ctx)
}

// ReinitializeTags replaces the tag vocabulary with the alternate seed list.
// Existing tag associations are deleted. Returns the new tag count.
func (s *Service) ReinitializeTags(ctx context.Context) (int, error) {
	n, err := s.store.ReplaceTags(ctx, store.ReinitTags())
	if err != nil {
		return 0, err
	}
	logging.Info("Reinitialized tags", "tags", n)
	s.audit.Emit(audit.Event{Kind: audit.KindTagsReinit, Count: n})
	s.mirrorAfter(ctx)
	return n, nil
}

// Feed returns visible unread items, best first.
func (s *Service) Feed(ctx context.Context, limit int) ([]store.Item, error) {
	if limit <= 0 {
		limit = DefaultFeedLimit
	}
	limit = min(limit, MaxFeedLimit)
	return s.store.Feed(ctx, limit)
}

// VisibleUnread is the number of items a reader would currently see.
func (s *Service) VisibleUnread(ctx context.Context) (int, error) {
	return s.store.VisibleUnreadCount(ctx)
}
