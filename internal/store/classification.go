package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Classification is the persisted outcome of categorizing one item.
type Classification struct {
	Categories  []string
	Tags        []string
	Explanation string
	AnalyzedAt  time.Time
}

// Applied reports which labels were stored and which names matched nothing
// in the taxonomy.
type Applied struct {
	Categories int
	Tags       int
	Unknown    []string
}

// ReplaceClassification stamps analyzed_at and ai_explanation on an item and
// replaces all of its category and tag associations, in one transaction.
// Names that are not in the taxonomy are skipped and reported in Applied.Unknown.
func (s *Store) ReplaceClassification(ctx context.Context, itemID string, c Classification) (Applied, error) {
	var applied Applied
	at := c.AnalyzedAt
	if at.IsZero() {
		at = time.Now()
	}

	err := s.inTx(ctx, "replace classification", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE items SET analyzed_at = ?, ai_explanation = ? WHERE id = ?",
			at.Unix(), c.Explanation, itemID)
		if err != nil {
			return fmt.Errorf("update item: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("item %s: %w", itemID, ErrNotFound)
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM item_categories WHERE item_id = ?", itemID); err != nil {
			return fmt.Errorf("delete categories: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM item_tags WHERE item_id = ?", itemID); err != nil {
			return fmt.Errorf("delete tags: %w", err)
		}

		insert := func(query, name string) (bool, error) {
			res, err := tx.ExecContext(ctx, query, itemID, strings.TrimSpace(name))
			if err != nil {
				return false, err
			}
			n, err := res.RowsAffected()
			return n > 0, err
		}

		for _, name := range c.Categories {
			ok, err := insert(`
				INSERT OR IGNORE INTO item_categories (item_id, category_id)
				SELECT ?, id FROM categories WHERE name = ?`, name)
			if err != nil {
				return fmt.Errorf("insert category %q: %w", name, err)
			}
			if ok {
				applied.Categories++
			} else if !s.knownTx(ctx, tx, "categories", name) {
				applied.Unknown = append(applied.Unknown, name)
			}
		}
		for _, name := range c.Tags {
			ok, err := insert(`
				INSERT OR IGNORE INTO item_tags (item_id, tag_id)
				SELECT ?, id FROM tags WHERE name = ?`, name)
			if err != nil {
				return fmt.Errorf("insert tag %q: %w", name, err)
			}
			if ok {
				applied.Tags++
			} else if !s.knownTx(ctx, tx, "tags", name) {
				applied.Unknown = append(applied.Unknown, name)
			}
		}
		return nil
	})
	if err != nil {
		return Applied{}, err
	}
	return applied, nil
}

// knownTx distinguishes a duplicate name from an unknown one.
func (s *Store) knownTx(ctx context.Context, tx *sql.Tx, table, name string) bool {
	if !isValidIdentifier(table) {
		return false
	}
	var n int
	err := tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE name = ?", table), strings.TrimSpace(name)).Scan(&n)
	return err == nil && n > 0
}
