package store

import (
	"context"
	"database/sql"
	"fmt"
)

// ClearScope selects which items a moderation clear touches.
type ClearScope int

const (
	// ScopeAll clears every item. Read state is preserved.
	ScopeAll ClearScope = iota
	// ScopeUnread clears only items with no read_at. Read items are untouched.
	ScopeUnread
)

func (c ClearScope) String() string {
	if c == ScopeUnread {
		return "unread"
	}
	return "all"
}

// ClearResult reports the state after a moderation clear.
type ClearResult struct {
	Cleared   int `json:"cleared"`   // items reset
	Preserved int `json:"preserved"` // items left untouched (read items under ScopeUnread)
	Total     int `json:"total"`     // all items in the store
	Hidden    int `json:"hidden"`    // hidden items among the cleared set after reconciliation
	Visible   int `json:"visible"`   // visible items among the cleared set after reconciliation
}

// Reconcile re-evaluates hidden for the given items, or for every item when
// ids is nil, and writes only the rows whose value changed. Returns the
// number of changed rows.
func (s *Store) Reconcile(ctx context.Context, ids []string, isHidden VisibilityFunc) (int, error) {
	if ids != nil && len(ids) == 0 {
		return 0, nil
	}
	var changed int
	err := s.inTx(ctx, "reconcile", func(tx *sql.Tx) error {
		where := ""
		args := stringArgs(ids)
		if ids != nil {
			where = "WHERE id IN (" + placeholders(len(ids)) + ")"
		}
		var err error
		changed, err = reconcileTx(ctx, tx, where, args, isHidden)
		return err
	})
	if err != nil {
		return 0, err
	}
	return changed, nil
}

// reconcileTx loads the visibility projection selected by where, computes
// isHidden, and updates rows that differ. All rows are read before any write.
func reconcileTx(ctx context.Context, tx *sql.Tx, where string, args []any, isHidden VisibilityFunc) (int, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT id, title, body_text, source_group, hidden FROM items "+where, args...)
	if err != nil {
		return 0, fmt.Errorf("load items: %w", err)
	}

	type change struct {
		id     string
		hidden bool
	}
	var changes []change
	for rows.Next() {
		var (
			item   Item
			body   sql.NullString
			hidden int
		)
		if err := rows.Scan(&item.ID, &item.Title, &body, &item.SourceGroup, &hidden); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan item: %w", err)
		}
		item.BodyText = body.String
		item.Hidden = hidden != 0

		want := isHidden(item)
		if want != item.Hidden {
			changes = append(changes, change{id: item.ID, hidden: want})
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	if len(changes) == 0 {
		return 0, nil
	}

	stmt, err := tx.PrepareContext(ctx, "UPDATE items SET hidden = ? WHERE id = ?")
	if err != nil {
		return 0, fmt.Errorf("prepare update: %w", err)
	}
	defer stmt.Close()

	for _, c := range changes {
		if _, err := stmt.ExecContext(ctx, boolToInt(c.hidden), c.id); err != nil {
			return 0, fmt.Errorf("update %s: %w", c.id, err)
		}
	}
	return len(changes), nil
}

// ClearModeration wipes classification results and visibility flags for the
// scope, then re-applies isHidden to the same scope, in one transaction.
func (s *Store) ClearModeration(ctx context.Context, scope ClearScope, isHidden VisibilityFunc) (ClearResult, error) {
	var result ClearResult

	// Subqueries keep the scope in one place.
	itemScope := ""
	assocScope := ""
	if scope == ScopeUnread {
		itemScope = "WHERE read_at IS NULL"
		assocScope = "WHERE item_id IN (SELECT id FROM items WHERE read_at IS NULL)"
	}

	err := s.inTx(ctx, "clear moderation ("+scope.String()+")", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM item_categories "+assocScope); err != nil {
			return fmt.Errorf("delete categories: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM item_tags "+assocScope); err != nil {
			return fmt.Errorf("delete tags: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			"UPDATE items SET hidden = 0, ai_explanation = NULL, analyzed_at = NULL "+itemScope)
		if err != nil {
			return fmt.Errorf("reset items: %w", err)
		}
		cleared, err := res.RowsAffected()
		if err != nil {
			return err
		}
		result.Cleared = int(cleared)

		if _, err := reconcileTx(ctx, tx, itemScope, nil, isHidden); err != nil {
			return fmt.Errorf("reapply policy: %w", err)
		}

		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM items").Scan(&result.Total); err != nil {
			return fmt.Errorf("count items: %w", err)
		}
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM items "+andWhere(itemScope, "hidden = 1")).Scan(&result.Hidden); err != nil {
			return fmt.Errorf("count hidden: %w", err)
		}
		result.Visible = result.Cleared - result.Hidden
		result.Preserved = result.Total - result.Cleared
		return nil
	})
	if err != nil {
		return ClearResult{}, err
	}
	return result, nil
}

func andWhere(where, cond string) string {
	if where == "" {
		return "WHERE " + cond
	}
	return where + " AND " + cond
}
