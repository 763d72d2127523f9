// Package reconcile keeps stored hidden flags consistent with the blocklist.
package reconcile

import (
	"context"
	"fmt"

	"github.com/abelbrown/happyfeed/internal/filter"
	"github.com/abelbrown/happyfeed/internal/logging"
	"github.com/abelbrown/happyfeed/internal/metrics"
	"github.com/abelbrown/happyfeed/internal/store"
)

// Store is the slice of the item store the reconciler writes through.
type Store interface {
	Reconcile(ctx context.Context, ids []string, isHidden store.VisibilityFunc) (int, error)
}

// Snapshotter supplies the current policy.
type Snapshotter interface {
	Snapshot(ctx context.Context) (*filter.Policy, error)
}

// Reconciler re-applies the policy to stored items. It only ever writes the
// hidden column.
type Reconciler struct {
	store  Store
	policy Snapshotter
}

// New creates a Reconciler.
func New(st Store, policy Snapshotter) *Reconciler {
	return &Reconciler{store: st, policy: policy}
}

// ReconcileAll re-evaluates every item and returns the number whose hidden
// flag changed. Running it twice with no policy change returns 0 the second time.
func (r *Reconciler) ReconcileAll(ctx context.Context) (int, error) {
	return r.run(ctx, nil, "all")
}

// ReconcileSubset re-evaluates only the listed items.
func (r *Reconciler) ReconcileSubset(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	return r.run(ctx, ids, "subset")
}

// HideMatching hides visible items that match extra, without unhiding anything.
// Used right after a policy addition to apply the new entry immediately.
func (r *Reconciler) HideMatching(ctx context.Context, extra *filter.Policy) (int, error) {
	changed, err := r.store.Reconcile(ctx, nil, func(item store.Item) bool {
		return item.Hidden || filter.IsBlocked(item, extra)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to hide matching items: %w", err)
	}
	metrics.VisibilityChanges.WithLabelValues("policy_add").Add(float64(changed))
	logging.Info("Applied policy addition", "hidden", changed)
	return changed, nil
}

// Evaluator returns the visibility callback for the current snapshot.
func (r *Reconciler) Evaluator(ctx context.Context) (store.VisibilityFunc, error) {
	p, err := r.policy.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return filter.HiddenFunc(p), nil
}

func (r *Reconciler) run(ctx context.Context, ids []string, scope string) (int, error) {
	isHidden, err := r.Evaluator(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load policy: %w", err)
	}
	changed, err := r.store.Reconcile(ctx, ids, isHidden)
	if err != nil {
		return 0, fmt.Errorf("failed to reconcile %s: %w", scope, err)
	}
	metrics.VisibilityChanges.WithLabelValues("reconcile").Add(float64(changed))
	if changed > 0 {
		logging.Info("Reconciled visibility", "scope", scope, "changed", changed)
	}
	return changed, nil
}
