package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// groupBlocked hides items whose source group is in groups.
func groupBlocked(groups ...string) VisibilityFunc {
	return func(item Item) bool {
		for _, g := range groups {
			if strings.EqualFold(item.SourceGroup, g) {
				return true
			}
		}
		return false
	}
}

func testItem(id, group, title string, score int, created time.Time) Item {
	return Item{
		ID:          id,
		Title:       title,
		URL:         "https://example.com/" + id,
		Score:       score,
		SourceGroup: group,
		Source:      "reddit",
		CreatedAt:   created,
		Permalink:   "/r/" + group + "/" + id,
	}
}

func TestOpen(t *testing.T) {
	st := openTestStore(t)

	for _, table := range []string{"items", "blocked_groups", "blocked_keywords", "categories", "tags", "item_categories", "item_tags"} {
		var name string
		err := st.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Fatalf("%s table not created: %v", table, err)
		}
	}
}

func TestOpenMigratesOldItemsTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	_, err = db.Exec(`CREATE TABLE items (
		id TEXT PRIMARY KEY, title TEXT NOT NULL, url TEXT NOT NULL DEFAULT '',
		score INTEGER NOT NULL DEFAULT 0, comment_count INTEGER NOT NULL DEFAULT 0,
		source_group TEXT NOT NULL DEFAULT '', created_at INTEGER NOT NULL,
		is_text_only INTEGER NOT NULL DEFAULT 0, body_text TEXT, media_type TEXT, media_data TEXT,
		permalink TEXT NOT NULL DEFAULT '', fetched_at INTEGER NOT NULL)`)
	if err != nil {
		t.Fatalf("create old table: %v", err)
	}
	db.Close()

	st, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer st.Close()

	for _, col := range []string{"source", "hidden", "ai_explanation", "analyzed_at", "read_at"} {
		if !st.columnExists("items", col) {
			t.Errorf("column %s was not migrated", col)
		}
	}
}

func TestSaveItemsComputesHidden(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	items := []Item{
		testItem("x1", "wtf", "anything", 10, now),
		testItem("x2", "news", "calm headline", 5, now),
	}
	n, err := st.SaveItems(ctx, items, groupBlocked("wtf"))
	if err != nil {
		t.Fatalf("SaveItems failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 saved, got %d", n)
	}

	x1, err := st.GetItem(ctx, "x1")
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if !x1.Hidden {
		t.Error("x1 should be hidden")
	}
	x2, _ := st.GetItem(ctx, "x2")
	if x2.Hidden {
		t.Error("x2 should be visible")
	}
}

func TestSaveItemsRecomputesOnUpdate(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	item := testItem("a", "news", "first", 1, now)
	if _, err := st.SaveItems(ctx, []Item{item}, groupBlocked()); err != nil {
		t.Fatalf("SaveItems failed: %v", err)
	}
	if _, err := st.MarkRead(ctx, []string{"a"}, now); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}

	item.Title = "second"
	item.Score = 99
	if _, err := st.SaveItems(ctx, []Item{item}, groupBlocked("news")); err != nil {
		t.Fatalf("SaveItems failed: %v", err)
	}

	got, err := st.GetItem(ctx, "a")
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if !got.Hidden {
		t.Error("update should recompute hidden under the new policy")
	}
	if got.Title != "second" || got.Score != 99 {
		t.Errorf("content not updated: %q %d", got.Title, got.Score)
	}
	if got.ReadAt == nil {
		t.Error("read state should survive an update")
	}
}

func TestSaveItemsMedia(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	item := testItem("m", "pics", "photo", 1, time.Now())
	item.Media = &Media{Type: "image", URL: "https://i.redd.it/a.jpg", Width: 640}
	if _, err := st.SaveItems(ctx, []Item{item}, nil); err != nil {
		t.Fatalf("SaveItems failed: %v", err)
	}

	got, err := st.GetItem(ctx, "m")
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if got.Media == nil || got.Media.Type != "image" || got.Media.URL != "https://i.redd.it/a.jpg" || got.Media.Width != 640 {
		t.Errorf("media not round-tripped: %+v", got.Media)
	}
}

func TestGetItemNotFound(t *testing.T) {
	st := openTestStore(t)
	_, err := st.GetItem(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestEligibleForClassification(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	items := []Item{
		testItem("low", "news", "low", 1, base),
		testItem("high-old", "news", "high old", 50, base),
		testItem("high-new", "news", "high new", 50, base.Add(time.Hour)),
		testItem("hidden", "wtf", "hidden", 100, base),
		testItem("read", "news", "read", 100, base),
		testItem("done", "news", "done", 100, base),
	}
	if _, err := st.SaveItems(ctx, items, groupBlocked("wtf")); err != nil {
		t.Fatalf("SaveItems failed: %v", err)
	}
	st.MarkRead(ctx, []string{"read"}, base)
	if _, err := st.ReplaceClassification(ctx, "done", Classification{Explanation: "x"}); err != nil {
		t.Fatalf("ReplaceClassification failed: %v", err)
	}

	got, err := st.EligibleForClassification(ctx, 10)
	if err != nil {
		t.Fatalf("EligibleForClassification failed: %v", err)
	}
	want := []string{"high-new", "high-old", "low"}
	if len(got) != len(want) {
		t.Fatalf("expected %d items, got %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, got[i].ID)
		}
	}

	n, err := st.CountEligible(ctx)
	if err != nil {
		t.Fatalf("CountEligible failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 eligible, got %d", n)
	}

	limited, _ := st.EligibleForClassification(ctx, 2)
	if len(limited) != 2 {
		t.Errorf("expected limit 2 to return 2, got %d", len(limited))
	}
}

func TestToggleHiddenAndMarkRead(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	st.SaveItems(ctx, []Item{testItem("a", "news", "a", 1, time.Now()), testItem("b", "news", "b", 1, time.Now())}, nil)

	hidden, err := st.ToggleHidden(ctx, "a")
	if err != nil {
		t.Fatalf("ToggleHidden failed: %v", err)
	}
	if !hidden {
		t.Error("first toggle should hide")
	}
	hidden, _ = st.ToggleHidden(ctx, "a")
	if hidden {
		t.Error("second toggle should unhide")
	}
	if _, err := st.ToggleHidden(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	n, err := st.MarkRead(ctx, []string{"a", "b", "missing"}, time.Now())
	if err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 marked, got %d", n)
	}
	n, _ = st.MarkRead(ctx, []string{"a"}, time.Now())
	if n != 0 {
		t.Errorf("already-read item should not be marked again, got %d", n)
	}

	c, err := st.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	if c.Total != 2 || c.Read != 2 || c.Unread != 0 || c.Visible != 2 || c.Hidden != 0 || c.Analyzed != 0 {
		t.Errorf("unexpected counts: %+v", c)
	}
}

func TestPolicyEntries(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	added, err := st.AddBlockedGroup(ctx, "  WTF ")
	if err != nil {
		t.Fatalf("AddBlockedGroup failed: %v", err)
	}
	if !added {
		t.Error("expected group to be added")
	}
	added, _ = st.AddBlockedGroup(ctx, "wtf")
	if added {
		t.Error("duplicate group should not be added")
	}
	if _, err := st.AddBlockedKeyword(ctx, ""); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid for empty keyword, got %v", err)
	}
	st.AddBlockedKeyword(ctx, "Rape")

	groups, _ := st.BlockedGroups(ctx)
	keywords, _ := st.BlockedKeywords(ctx)
	if len(groups) != 1 || groups[0] != "wtf" {
		t.Errorf("unexpected groups: %v", groups)
	}
	if len(keywords) != 1 || keywords[0] != "rape" {
		t.Errorf("unexpected keywords: %v", keywords)
	}

	removed, _ := st.RemoveBlockedGroup(ctx, "WTF")
	if !removed {
		t.Error("expected group to be removed")
	}
	removed, _ = st.RemoveBlockedKeyword(ctx, "nope")
	if removed {
		t.Error("removing an absent keyword should report false")
	}
}

func TestSeedOnlyFillsEmptyTables(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	st.AddBlockedGroup(ctx, "custom")
	if err := st.Seed(ctx, DefaultSeed()); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}

	groups, _ := st.BlockedGroups(ctx)
	if len(groups) != 1 || groups[0] != "custom" {
		t.Errorf("seed should not touch a non-empty table, got %d groups", len(groups))
	}
	keywords, _ := st.BlockedKeywords(ctx)
	if len(keywords) == 0 {
		t.Error("keywords should be seeded")
	}
	tax, err := st.Taxonomy(ctx)
	if err != nil {
		t.Fatalf("Taxonomy failed: %v", err)
	}
	if len(tax.Categories) != 5 || tax.Categories[0] != "Politics" {
		t.Errorf("unexpected categories: %v", tax.Categories)
	}
	if !tax.HasTag("Elon") {
		t.Error("HasTag should be case-insensitive")
	}

	// Second run is a no-op.
	if err := st.Seed(ctx, DefaultSeed()); err != nil {
		t.Fatalf("second Seed failed: %v", err)
	}
	tags, _ := st.Tags(ctx)
	if len(tags) != len(defaultTags) {
		t.Errorf("expected %d tags, got %d", len(defaultTags), len(tags))
	}
}

func TestReplaceTags(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	st.Seed(ctx, SeedData{Tags: []string{"old"}})
	st.SaveItems(ctx, []Item{testItem("a", "news", "a", 1, time.Now())}, nil)
	st.ReplaceClassification(ctx, "a", Classification{Tags: []string{"old"}})

	n, err := st.ReplaceTags(ctx, ReinitTags())
	if err != nil {
		t.Fatalf("ReplaceTags failed: %v", err)
	}
	if n != len(reinitTags) {
		t.Errorf("expected %d tags inserted, got %d", len(reinitTags), n)
	}
	item, _ := st.GetItem(ctx, "a")
	if len(item.Tags) != 0 {
		t.Errorf("old associations should be gone, got %v", item.Tags)
	}
}
