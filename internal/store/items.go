package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/abelbrown/happyfeed/internal/logging"
)

// Item represents stored content.
type Item struct {
	ID           string
	Title        string
	URL          string
	Score        int
	CommentCount int
	SourceGroup  string // subreddit or feed name
	Source       string // "reddit", "rss"
	CreatedAt    time.Time
	IsTextOnly   bool
	BodyText     string // empty when the item has no body
	Media        *Media
	Permalink    string
	FetchedAt    time.Time

	Hidden        bool
	AIExplanation string
	AnalyzedAt    *time.Time
	ReadAt        *time.Time

	// Populated by the labelled queries only.
	Categories []string
	Tags       []string
}

// Media is the structured media reference attached to an item.
type Media struct {
	Type   string       `json:"type"` // image, gallery, video, reddit_video
	URL    string       `json:"url,omitempty"`
	Width  int          `json:"width,omitempty"`
	Height int          `json:"height,omitempty"`
	Images []MediaImage `json:"images,omitempty"`
}

// MediaImage is one entry of a gallery.
type MediaImage struct {
	URL    string `json:"url"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// VisibilityFunc reports whether an item must be hidden. Only ID, Title,
// BodyText, SourceGroup and Hidden are guaranteed to be populated.
type VisibilityFunc func(Item) bool

const itemColumns = `id, title, url, score, comment_count, source_group, source, created_at,
	is_text_only, body_text, media_type, media_data, permalink, fetched_at,
	hidden, ai_explanation, analyzed_at, read_at`

// SaveItems upserts items by id in a single transaction and recomputes hidden
// for every item, new or existing, with isHidden. Read and classification
// state of existing rows is preserved.
func (s *Store) SaveItems(ctx context.Context, items []Item, isHidden VisibilityFunc) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	var saved int
	err := s.inTx(ctx, "save items", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO items (id, title, url, score, comment_count, source_group, source, created_at,
				is_text_only, body_text, media_type, media_data, permalink, fetched_at, hidden)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				title = excluded.title,
				url = excluded.url,
				score = excluded.score,
				comment_count = excluded.comment_count,
				source_group = excluded.source_group,
				source = excluded.source,
				is_text_only = excluded.is_text_only,
				body_text = excluded.body_text,
				media_type = excluded.media_type,
				media_data = excluded.media_data,
				permalink = excluded.permalink,
				fetched_at = excluded.fetched_at,
				hidden = excluded.hidden
		`)
		if err != nil {
			return fmt.Errorf("prepare upsert: %w", err)
		}
		defer stmt.Close()

		for _, item := range items {
			if item.ID == "" {
				logging.Warn("Skipping item without id", "title", item.Title)
				continue
			}
			mediaType, mediaData, err := encodeMedia(item.Media)
			if err != nil {
				return fmt.Errorf("encode media for %s: %w", item.ID, err)
			}
			fetched := item.FetchedAt
			if fetched.IsZero() {
				fetched = time.Now()
			}
			hidden := isHidden != nil && isHidden(item)

			if _, err := stmt.ExecContext(ctx,
				item.ID,
				item.Title,
				item.URL,
				item.Score,
				item.CommentCount,
				item.SourceGroup,
				item.Source,
				item.CreatedAt.Unix(),
				boolToInt(item.IsTextOnly),
				nullString(item.BodyText),
				mediaType,
				mediaData,
				item.Permalink,
				fetched.Unix(),
				boolToInt(hidden),
			); err != nil {
				return fmt.Errorf("upsert %s: %w", item.ID, err)
			}
			saved++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return saved, nil
}

// GetItem returns a single item with its labels.
func (s *Store) GetItem(ctx context.Context, id string) (Item, error) {
	items, err := s.queryItems(ctx, "SELECT "+itemColumns+" FROM items WHERE id = ?", id)
	if err != nil {
		return Item{}, err
	}
	if len(items) == 0 {
		return Item{}, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	if err := s.attachLabels(ctx, items); err != nil {
		return Item{}, err
	}
	return items[0], nil
}

// EligibleForClassification returns visible, unread, unanalyzed items,
// highest score first, newest first among equal scores.
func (s *Store) EligibleForClassification(ctx context.Context, limit int) ([]Item, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.queryItems(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE analyzed_at IS NULL AND hidden = 0 AND read_at IS NULL
		ORDER BY score DESC, created_at DESC
		LIMIT ?
	`, limit)
}

// CountEligible returns how many items the classification queue would select
// without a limit.
func (s *Store) CountEligible(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM items
		WHERE analyzed_at IS NULL AND hidden = 0 AND read_at IS NULL
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count eligible items: %w", err)
	}
	return n, nil
}

// Feed returns visible unread items with labels, best first.
func (s *Store) Feed(ctx context.Context, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 100
	}
	items, err := s.queryItems(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE hidden = 0 AND read_at IS NULL
		ORDER BY score DESC, created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	if err := s.attachLabels(ctx, items); err != nil {
		return nil, err
	}
	return items, nil
}

// ToggleHidden flips the hidden flag of one item and returns the new value.
// A manual toggle holds until the next reconciliation of that item.
func (s *Store) ToggleHidden(ctx context.Context, id string) (bool, error) {
	var hidden int
	err := s.db.QueryRowContext(ctx,
		"UPDATE items SET hidden = 1 - hidden WHERE id = ? RETURNING hidden", id).Scan(&hidden)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("failed to toggle item %s: %w", id, err)
	}
	return hidden != 0, nil
}

// MarkRead stamps read_at on the given unread items and returns how many changed.
func (s *Store) MarkRead(ctx context.Context, ids []string, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := append([]any{at.Unix()}, stringArgs(ids)...)
	res, err := s.db.ExecContext(ctx,
		"UPDATE items SET read_at = ? WHERE read_at IS NULL AND id IN ("+placeholders(len(ids))+")", args...)
	if err != nil {
		return 0, fmt.Errorf("failed to mark items read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// VisibleUnreadCount is the number of items a reader would currently see.
func (s *Store) VisibleUnreadCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM items WHERE hidden = 0 AND read_at IS NULL").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count visible items: %w", err)
	}
	return n, nil
}

// queryItems executes a query selecting itemColumns and scans the results.
func (s *Store) queryItems(ctx context.Context, query string, args ...any) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (Item, error) {
	var (
		item                   Item
		created, fetched       int64
		textOnly, hidden       int
		body, mediaType, media sql.NullString
		explanation            sql.NullString
		analyzedAt, readAt     sql.NullInt64
	)
	err := row.Scan(
		&item.ID,
		&item.Title,
		&item.URL,
		&item.Score,
		&item.CommentCount,
		&item.SourceGroup,
		&item.Source,
		&created,
		&textOnly,
		&body,
		&mediaType,
		&media,
		&item.Permalink,
		&fetched,
		&hidden,
		&explanation,
		&analyzedAt,
		&readAt,
	)
	if err != nil {
		return Item{}, fmt.Errorf("failed to scan item: %w", err)
	}

	item.CreatedAt = time.Unix(created, 0).UTC()
	item.FetchedAt = time.Unix(fetched, 0).UTC()
	item.IsTextOnly = textOnly != 0
	item.BodyText = body.String
	item.Hidden = hidden != 0
	item.AIExplanation = explanation.String
	item.AnalyzedAt = timeFromNull(analyzedAt)
	item.ReadAt = timeFromNull(readAt)

	if media.Valid && media.String != "" {
		var m Media
		if err := json.Unmarshal([]byte(media.String), &m); err != nil {
			logging.Warn("Ignoring malformed media descriptor", "item", item.ID, "error", err)
		} else {
			item.Media = &m
		}
	} else if mediaType.Valid && mediaType.String != "" {
		item.Media = &Media{Type: mediaType.String}
	}
	return item, nil
}

// attachLabels fills Categories and Tags for the given items.
func (s *Store) attachLabels(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	index := make(map[string]int, len(items))
	ids := make([]string, len(items))
	for i, item := range items {
		index[item.ID] = i
		ids[i] = item.ID
	}

	load := func(query string, apply func(i int, name string)) error {
		rows, err := s.db.QueryContext(ctx, query, stringArgs(ids)...)
		if err != nil {
			return fmt.Errorf("failed to load labels: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id, name string
			if err := rows.Scan(&id, &name); err != nil {
				return err
			}
			if i, ok := index[id]; ok {
				apply(i, name)
			}
		}
		return rows.Err()
	}

	in := placeholders(len(ids))
	if err := load(`
		SELECT ic.item_id, c.name FROM item_categories ic
		JOIN categories c ON c.id = ic.category_id
		WHERE ic.item_id IN (`+in+`) ORDER BY c.name`,
		func(i int, name string) { items[i].Categories = append(items[i].Categories, name) }); err != nil {
		return err
	}
	return load(`
		SELECT it.item_id, t.name FROM item_tags it
		JOIN tags t ON t.id = it.tag_id
		WHERE it.item_id IN (`+in+`) ORDER BY t.name`,
		func(i int, name string) { items[i].Tags = append(items[i].Tags, name) })
}

func encodeMedia(m *Media) (any, any, error) {
	if m == nil || m.Type == "" {
		return nil, nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, nil, err
	}
	return m.Type, string(data), nil
}
