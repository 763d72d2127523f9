package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Taxonomy is the fixed vocabulary offered to the categorizer.
type Taxonomy struct {
	Categories []string
	Tags       []string
}

// HasCategory reports whether name is a known category (case-insensitive).
func (t Taxonomy) HasCategory(name string) bool { return containsFold(t.Categories, name) }

// HasTag reports whether name is a known tag (case-insensitive).
func (t Taxonomy) HasTag(name string) bool { return containsFold(t.Tags, name) }

func containsFold(list []string, name string) bool {
	name = strings.TrimSpace(name)
	for _, v := range list {
		if strings.EqualFold(v, name) {
			return true
		}
	}
	return false
}

// Categories returns all category names.
func (s *Store) Categories(ctx context.Context) ([]string, error) {
	return s.queryNames(ctx, "SELECT name FROM categories ORDER BY id")
}

// Tags returns all tag names.
func (s *Store) Tags(ctx context.Context) ([]string, error) {
	return s.queryNames(ctx, "SELECT name FROM tags ORDER BY id")
}

// Taxonomy loads categories and tags together.
func (s *Store) Taxonomy(ctx context.Context) (Taxonomy, error) {
	cats, err := s.Categories(ctx)
	if err != nil {
		return Taxonomy{}, err
	}
	tags, err := s.Tags(ctx)
	if err != nil {
		return Taxonomy{}, err
	}
	return Taxonomy{Categories: cats, Tags: tags}, nil
}

// AddCategory appends a category. Existing names are ignored.
func (s *Store) AddCategory(ctx context.Context, name string) error {
	return s.addName(ctx, "INSERT OR IGNORE INTO categories (name) VALUES (?)", name)
}

// AddTag appends a tag. Existing names are ignored.
func (s *Store) AddTag(ctx context.Context, name string) error {
	return s.addName(ctx, "INSERT OR IGNORE INTO tags (name) VALUES (?)", name)
}

func (s *Store) addName(ctx context.Context, query, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("empty name: %w", ErrInvalid)
	}
	if _, err := s.db.ExecContext(ctx, query, name); err != nil {
		return fmt.Errorf("failed to add %q: %w", name, err)
	}
	return nil
}

// ReplaceTags swaps the whole tag vocabulary. Every item-tag association is
// deleted with the old vocabulary.
func (s *Store) ReplaceTags(ctx context.Context, names []string) (int, error) {
	var inserted int
	err := s.inTx(ctx, "replace tags", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM item_tags"); err != nil {
			return fmt.Errorf("delete item tags: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM tags"); err != nil {
			return fmt.Errorf("delete tags: %w", err)
		}
		for _, name := range names {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			res, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO tags (name) VALUES (?)", name)
			if err != nil {
				return fmt.Errorf("insert tag %q: %w", name, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}
