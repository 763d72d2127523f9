package moderation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/abelbrown/happyfeed/internal/audit"
	"github.com/abelbrown/happyfeed/internal/brain"
	"github.com/abelbrown/happyfeed/internal/classify"
	"github.com/abelbrown/happyfeed/internal/store"
	"github.com/abelbrown/happyfeed/internal/work"
)

type stubCategorizer struct {
	calls int
}

func (s *stubCategorizer) Name() string    { return "stub" }
func (s *stubCategorizer) Available() bool { return true }

func (s *stubCategorizer) Categorize(ctx context.Context, req brain.Request) (brain.Result, error) {
	s.calls++
	return brain.Result{Categories: []string{"Politics"}, Explanation: "ok"}, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.AddCategory(context.Background(), "Politics"); err != nil {
		t.Fatalf("AddCategory: %v", err)
	}
	return st
}

func newItem(id, title, group string) store.Item {
	now := time.Now()
	return store.Item{
		ID:          id,
		Title:       title,
		URL:         "https://example.com/" + id,
		SourceGroup: group,
		Source:      "reddit",
		CreatedAt:   now,
		IsTextOnly:  true,
		FetchedAt:   now,
	}
}

func isHidden(t *testing.T, st *store.Store, id string) bool {
	t.Helper()
	item, err := st.GetItem(context.Background(), id)
	if err != nil {
		t.Fatalf("GetItem(%s): %v", id, err)
	}
	return item.Hidden
}

func TestSaveAppliesPolicy(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	svc := New(Deps{Store: st})

	if _, err := svc.AddBlockedGroup(ctx, "  WorldNews "); err != nil {
		t.Fatalf("AddBlockedGroup: %v", err)
	}
	n, err := svc.Save(ctx, []store.Item{
		newItem("a", "Puppies", "worldnews"),
		newItem("b", "Kittens", "aww"),
	})
	if err != nil || n != 2 {
		t.Fatalf("Save = (%d, %v)", n, err)
	}
	if !isHidden(t, st, "a") || isHidden(t, st, "b") {
		t.Error("only the blocked group should be hidden")
	}
}

func TestAddKeywordHidesImmediately(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	svc := New(Deps{Store: st})

	if _, err := svc.Save(ctx, []store.Item{
		newItem("a", "War breaks out", "news"),
		newItem("b", "Warning labels redesigned", "news"),
		newItem("c", "Garden tips", "news"),
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	hidden, err := svc.AddBlockedKeyword(ctx, "War")
	if err != nil {
		t.Fatalf("AddBlockedKeyword: %v", err)
	}
	if hidden != 1 {
		t.Errorf("hidden = %d, want 1", hidden)
	}
	if !isHidden(t, st, "a") || isHidden(t, st, "b") || isHidden(t, st, "c") {
		t.Error("keyword should match whole words only")
	}

	policy, err := svc.ListPolicy(ctx)
	if err != nil {
		t.Fatalf("ListPolicy: %v", err)
	}
	if len(policy.Keywords) != 1 || policy.Keywords[0] != "war" {
		t.Errorf("keywords = %v", policy.Keywords)
	}
}

func TestAddKeywordKeepsManualHides(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	svc := New(Deps{Store: st})

	if _, err := svc.Save(ctx, []store.Item{newItem("a", "Garden tips", "news")}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if hidden, err := svc.ToggleVisibility(ctx, "a"); err != nil || !hidden {
		t.Fatalf("ToggleVisibility = (%v, %v)", hidden, err)
	}
	if _, err := svc.AddBlockedKeyword(ctx, "election"); err != nil {
		t.Fatalf("AddBlockedKeyword: %v", err)
	}
	if !isHidden(t, st, "a") {
		t.Error("adding a policy entry must never unhide an item")
	}
}

func TestRemoveKeywordUnhides(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	svc := New(Deps{Store: st})

	if _, err := svc.AddBlockedKeyword(ctx, "war"); err != nil {
		t.Fatalf("AddBlockedKeyword: %v", err)
	}
	if _, err := svc.AddBlockedGroup(ctx, "politics"); err != nil {
		t.Fatalf("AddBlockedGroup: %v", err)
	}
	if _, err := svc.Save(ctx, []store.Item{
		newItem("a", "War breaks out", "news"),
		newItem("b", "War of words", "politics"),
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	changed, err := svc.RemoveBlockedKeyword(ctx, "WAR")
	if err != nil {
		t.Fatalf("RemoveBlockedKeyword: %v", err)
	}
	if changed != 1 {
		t.Errorf("changed = %d, want 1", changed)
	}
	if isHidden(t, st, "a") {
		t.Error("item no longer matching any entry should be visible")
	}
	if !isHidden(t, st, "b") {
		t.Error("item still matching a blocked group should stay hidden")
	}

	if _, err := svc.RemoveBlockedKeyword(ctx, "war"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("removing an absent keyword: got %v, want ErrNotFound", err)
	}
	if _, err := svc.AddBlockedKeyword(ctx, "   "); !errors.Is(err, store.ErrInvalid) {
		t.Errorf("empty keyword: got %v, want ErrInvalid", err)
	}
}

func TestToggleAndMarkRead(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	svc := New(Deps{Store: st})

	if _, err := svc.Save(ctx, []store.Item{newItem("a", "One", "news"), newItem("b", "Two", "news")}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := svc.ToggleVisibility(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("toggle missing item: got %v", err)
	}

	n, err := svc.MarkRead(ctx, []string{"a", "a", "zzz"})
	if err != nil || n != 1 {
		t.Fatalf("MarkRead = (%d, %v)", n, err)
	}
	feed, err := svc.Feed(ctx, 0)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(feed) != 1 || feed[0].ID != "b" {
		t.Errorf("feed = %v", feed)
	}
	if visible, _ := svc.VisibleUnread(ctx); visible != 1 {
		t.Errorf("VisibleUnread = %d", visible)
	}
}

func TestAnalyzeWithoutClassifier(t *testing.T) {
	svc := New(Deps{Store: newTestStore(t)})
	if _, err := svc.AnalyzeBatch(context.Background(), 10); !errors.Is(err, ErrClassifierDisabled) {
		t.Errorf("AnalyzeBatch: got %v", err)
	}
	if _, _, err := svc.ModerateAll(context.Background()); !errors.Is(err, ErrClassifierDisabled) {
		t.Errorf("ModerateAll: got %v", err)
	}
}

func TestModerateAllDrainsEligible(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	cat := &stubCategorizer{}
	queue := classify.New(st, cat, nil, classify.Config{DefaultBatch: 2, Ceiling: 2, MinInterval: time.Millisecond})

	pool := work.NewPool(1, 10)
	pool.Start(ctx)
	defer pool.Stop()

	svc := New(Deps{Store: st, Classifier: queue, Pool: pool})
	var items []store.Item
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		items = append(items, newItem(id, "Story "+id, "news"))
	}
	if _, err := svc.Save(ctx, items); err != nil {
		t.Fatalf("Save: %v", err)
	}

	id, queued, err := svc.ModerateAll(ctx)
	if err != nil {
		t.Fatalf("ModerateAll: %v", err)
	}
	if queued != 5 || id == 0 {
		t.Fatalf("ModerateAll = (%d, %d)", id, queued)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	job, err := pool.Wait(waitCtx, id)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if job.Status != work.StatusComplete || job.Type != work.TypeModerate {
		t.Errorf("job = %+v", job)
	}
	if cat.calls != 5 {
		t.Errorf("categorizer calls = %d, want 5", cat.calls)
	}
	if remaining, _ := st.CountEligible(ctx); remaining != 0 {
		t.Errorf("remaining eligible = %d", remaining)
	}

	// Nothing left: no job is submitted.
	id, queued, err = svc.ModerateAll(ctx)
	if err != nil || id != 0 || queued != 0 {
		t.Errorf("second ModerateAll = (%d, %d, %v)", id, queued, err)
	}

	stats, err := svc.AnalysisStats(ctx)
	if err != nil {
		t.Fatalf("AnalysisStats: %v", err)
	}
	if stats.Analyzed != 5 {
		t.Errorf("analyzed = %d", stats.Analyzed)
	}
}

func TestClearUnreadPreservesRead(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	svc := New(Deps{Store: st, Classifier: classify.New(st, &stubCategorizer{}, nil, classify.Config{MinInterval: time.Millisecond})})

	if _, err := svc.Save(ctx, []store.Item{newItem("a", "One", "news"), newItem("b", "Two", "news")}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if res, err := svc.AnalyzeBatch(ctx, 0); err != nil || res.Processed != 2 {
		t.Fatalf("AnalyzeBatch = (%+v, %v)", res, err)
	}
	if _, err := svc.MarkRead(ctx, []string{"a"}); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}

	res, err := svc.Clear(ctx, store.ScopeUnread)
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if res.Cleared != 1 || res.Preserved != 1 || res.Total != 2 || res.Visible != 1 {
		t.Errorf("unexpected clear result %+v", res)
	}
	read, _ := st.GetItem(ctx, "a")
	if read.AnalyzedAt == nil {
		t.Error("read item should keep its classification")
	}
	unread, _ := st.GetItem(ctx, "b")
	if unread.AnalyzedAt != nil || len(unread.Categories) != 0 {
		t.Errorf("unread item should be reset, got %+v", unread)
	}
}

func TestReinitializeTags(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	svc := New(Deps{Store: st})

	n, err := svc.ReinitializeTags(ctx)
	if err != nil {
		t.Fatalf("ReinitializeTags: %v", err)
	}
	if n != len(store.ReinitTags()) {
		t.Errorf("tags = %d, want %d", n, len(store.ReinitTags()))
	}
}

func TestMutationsAreAudited(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	var buf bytes.Buffer
	log := audit.New(&buf, audit.NewRing(16))
	svc := New(Deps{Store: st, Audit: log})

	if _, err := svc.Save(ctx, []store.Item{newItem("a", "War news", "news")}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := svc.AddBlockedKeyword(ctx, "war"); err != nil {
		t.Fatalf("AddBlockedKeyword: %v", err)
	}
	if _, err := svc.ToggleVisibility(ctx, "a"); err != nil {
		t.Fatalf("ToggleVisibility: %v", err)
	}
	if _, err := svc.RemoveBlockedKeyword(ctx, "war"); err != nil {
		t.Fatalf("RemoveBlockedKeyword: %v", err)
	}
	log.Close()

	events := svc.Events(10)
	want := []audit.Kind{audit.KindPolicyRemove, audit.KindItemToggle, audit.KindPolicyAdd}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d", len(events), len(want))
	}
	for i, k := range want {
		if events[i].Kind != k {
			t.Errorf("events[%d] = %s, want %s", i, events[i].Kind, k)
		}
	}
	if events[2].Subject != "war" || events[2].Count != 1 {
		t.Errorf("policy.add event = %+v", events[2])
	}
	if got := strings.Count(buf.String(), "\n"); got != 3 {
		t.Errorf("wrote %d lines, want 3", got)
	}
}

func TestAnalyzeBatchIgnoresCallerCancellation(t *testing.T) {
	st := newTestStore(t)
	cat := &stubCategorizer{}
	queue := classify.New(st, cat, nil, classify.Config{MinInterval: time.Millisecond})
	svc := New(Deps{Store: st, Classifier: queue})
	if _, err := svc.Save(context.Background(), []store.Item{
		newItem("a", "One", "news"), newItem("b", "Two", "news"), newItem("c", "Three", "news"),
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := svc.AnalyzeBatch(ctx, 10)
	if err != nil {
		t.Fatalf("AnalyzeBatch: %v", err)
	}
	if res.Processed != 3 || cat.calls != 3 {
		t.Errorf("result = %+v, calls = %d", res, cat.calls)
	}
}

func TestSaveDuringKeywordAddIsHidden(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	svc := New(Deps{Store: st})
	// warm the cache so saves start from the old policy
	if _, err := svc.Save(ctx, []store.Item{newItem("seed", "Quiet day", "news")}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i)
			if _, err := svc.Save(ctx, []store.Item{newItem(id, "Storm warning "+id, "news")}); err != nil {
				t.Errorf("Save %s: %v", id, err)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := svc.AddBlockedKeyword(ctx, "storm"); err != nil {
			t.Errorf("AddBlockedKeyword: %v", err)
		}
	}()
	wg.Wait()

	for i := range 20 {
		if id := fmt.Sprintf("s%d", i); !isHidden(t, st, id) {
			t.Errorf("%s saved visible while storm was being blocked", id)
		}
	}
}
