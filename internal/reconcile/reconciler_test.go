package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/abelbrown/happyfeed/internal/filter"
	"github.com/abelbrown/happyfeed/internal/policy"
	"github.com/abelbrown/happyfeed/internal/store"
)

func setup(t *testing.T) (*store.Store, *policy.Cache, *Reconciler) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	cache := policy.NewCache(st)
	return st, cache, New(st, cache)
}

func saveItems(t *testing.T, st *store.Store, items ...store.Item) {
	t.Helper()
	for i := range items {
		if items[i].CreatedAt.IsZero() {
			items[i].CreatedAt = time.Now()
		}
	}
	if _, err := st.SaveItems(context.Background(), items, nil); err != nil {
		t.Fatalf("SaveItems failed: %v", err)
	}
}

func hidden(t *testing.T, st *store.Store, id string) bool {
	t.Helper()
	item, err := st.GetItem(context.Background(), id)
	if err != nil {
		t.Fatalf("GetItem %s: %v", id, err)
	}
	return item.Hidden
}

func TestReconcileAllIsIdempotent(t *testing.T) {
	st, cache, r := setup(t)
	ctx := context.Background()

	saveItems(t, st,
		store.Item{ID: "x1", SourceGroup: "wtf", Title: "anything"},
		store.Item{ID: "x2", SourceGroup: "news", Title: "he died in a plane crash"},
		store.Item{ID: "x3", SourceGroup: "news", Title: "grapevine update"},
	)
	st.AddBlockedGroup(ctx, "wtf")
	st.AddBlockedKeyword(ctx, "died")
	st.AddBlockedKeyword(ctx, "rape")
	cache.Invalidate()

	changed, err := r.ReconcileAll(ctx)
	if err != nil {
		t.Fatalf("ReconcileAll failed: %v", err)
	}
	if changed != 2 {
		t.Errorf("expected 2 changed, got %d", changed)
	}
	if !hidden(t, st, "x1") || !hidden(t, st, "x2") || hidden(t, st, "x3") {
		t.Error("unexpected visibility after reconcile")
	}

	changed, err = r.ReconcileAll(ctx)
	if err != nil {
		t.Fatalf("second ReconcileAll failed: %v", err)
	}
	if changed != 0 {
		t.Errorf("second reconcile should change nothing, got %d", changed)
	}
}

func TestReconcileSubset(t *testing.T) {
	st, cache, r := setup(t)
	ctx := context.Background()

	saveItems(t, st,
		store.Item{ID: "a", SourceGroup: "wtf", Title: "a"},
		store.Item{ID: "b", SourceGroup: "wtf", Title: "b"},
	)
	st.AddBlockedGroup(ctx, "wtf")
	cache.Invalidate()

	changed, err := r.ReconcileSubset(ctx, []string{"a"})
	if err != nil {
		t.Fatalf("ReconcileSubset failed: %v", err)
	}
	if changed != 1 || !hidden(t, st, "a") || hidden(t, st, "b") {
		t.Errorf("subset reconcile touched the wrong rows (changed=%d)", changed)
	}
	if n, _ := r.ReconcileSubset(ctx, nil); n != 0 {
		t.Errorf("empty subset should be a no-op, got %d", n)
	}
}

func TestHideMatchingNeverUnhides(t *testing.T) {
	st, _, r := setup(t)
	ctx := context.Background()

	saveItems(t, st,
		store.Item{ID: "gang", SourceGroup: "news", Title: "gang-rape survivors speak out"},
		store.Item{ID: "grape", SourceGroup: "news", Title: "fresh grape harvest"},
		store.Item{ID: "manual", SourceGroup: "news", Title: "kittens"},
	)
	st.ToggleHidden(ctx, "manual")

	changed, err := r.HideMatching(ctx, filter.NewPolicy(nil, []string{"rape"}))
	if err != nil {
		t.Fatalf("HideMatching failed: %v", err)
	}
	if changed != 1 {
		t.Errorf("expected 1 hidden, got %d", changed)
	}
	if !hidden(t, st, "gang") || hidden(t, st, "grape") || !hidden(t, st, "manual") {
		t.Error("unexpected visibility after HideMatching")
	}
}

type failingPolicy struct{}

func (failingPolicy) Snapshot(ctx context.Context) (*filter.Policy, error) {
	return nil, policy.ErrPolicyRead
}

func TestReconcilePolicyFailure(t *testing.T) {
	st, _, _ := setup(t)
	r := New(st, failingPolicy{})
	if _, err := r.ReconcileAll(context.Background()); !errors.Is(err, policy.ErrPolicyRead) {
		t.Errorf("expected ErrPolicyRead, got %v", err)
	}
}
