package store

import (
	"context"
	"fmt"
)

// Counts are the aggregate item counts shown on the dashboard.
type Counts struct {
	Total    int `json:"total"`
	Visible  int `json:"visible"`
	Hidden   int `json:"hidden"`
	Read     int `json:"read"`
	Unread   int `json:"unread"`
	Analyzed int `json:"analyzed"`
}

// LabelCount is the number of items carrying one category or tag.
type LabelCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// AnalysisStats summarizes classification coverage.
type AnalysisStats struct {
	Analyzed   int          `json:"analyzed"`
	Unanalyzed int          `json:"unanalyzed"`
	Categories []LabelCount `json:"categories"`
	Tags       []LabelCount `json:"tags"`
}

// Counts returns aggregate item counts in a single scan.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN hidden = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN hidden = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN read_at IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN analyzed_at IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM items
	`).Scan(&c.Total, &c.Visible, &c.Hidden, &c.Read, &c.Analyzed)
	if err != nil {
		return Counts{}, fmt.Errorf("failed to count items: %w", err)
	}
	c.Unread = c.Total - c.Read
	return c, nil
}

// AnalysisStats returns per-category and per-tag item counts. Labels with no
// items are included with a zero count.
func (s *Store) AnalysisStats(ctx context.Context) (AnalysisStats, error) {
	var st AnalysisStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN analyzed_at IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN analyzed_at IS NULL THEN 1 ELSE 0 END), 0)
		FROM items
	`).Scan(&st.Analyzed, &st.Unanalyzed)
	if err != nil {
		return AnalysisStats{}, fmt.Errorf("failed to count analysis coverage: %w", err)
	}

	st.Categories, err = s.labelCounts(ctx, `
		SELECT c.name, COUNT(ic.item_id) FROM categories c
		LEFT JOIN item_categories ic ON ic.category_id = c.id
		GROUP BY c.id ORDER BY COUNT(ic.item_id) DESC, c.name`)
	if err != nil {
		return AnalysisStats{}, err
	}
	st.Tags, err = s.labelCounts(ctx, `
		SELECT t.name, COUNT(it.item_id) FROM tags t
		LEFT JOIN item_tags it ON it.tag_id = t.id
		GROUP BY t.id ORDER BY COUNT(it.item_id) DESC, t.name`)
	if err != nil {
		return AnalysisStats{}, err
	}
	return st, nil
}

func (s *Store) labelCounts(ctx context.Context, query string) ([]LabelCount, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count labels: %w", err)
	}
	defer rows.Close()

	var out []LabelCount
	for rows.Next() {
		var lc LabelCount
		if err := rows.Scan(&lc.Name, &lc.Count); err != nil {
			return nil, err
		}
		out = append(out, lc)
	}
	return out, rows.Err()
}
