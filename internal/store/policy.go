package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// BlockedGroups returns every blocked source group, sorted.
func (s *Store) BlockedGroups(ctx context.Context) ([]string, error) {
	return s.queryNames(ctx, "SELECT name FROM blocked_groups ORDER BY name")
}

// BlockedKeywords returns every blocked keyword, sorted.
func (s *Store) BlockedKeywords(ctx context.Context) ([]string, error) {
	return s.queryNames(ctx, "SELECT keyword FROM blocked_keywords ORDER BY keyword")
}

// AddBlockedGroup records a blocked source group. Returns false if it was
// already present.
func (s *Store) AddBlockedGroup(ctx context.Context, name string) (bool, error) {
	return s.addPolicyEntry(ctx, "INSERT OR IGNORE INTO blocked_groups (name, created_at) VALUES (?, ?)", name)
}

// RemoveBlockedGroup deletes a blocked source group. Returns false if it was
// not present.
func (s *Store) RemoveBlockedGroup(ctx context.Context, name string) (bool, error) {
	return s.removePolicyEntry(ctx, "DELETE FROM blocked_groups WHERE name = ?", name)
}

// AddBlockedKeyword records a blocked keyword. Returns false if it was
// already present.
func (s *Store) AddBlockedKeyword(ctx context.Context, keyword string) (bool, error) {
	return s.addPolicyEntry(ctx, "INSERT OR IGNORE INTO blocked_keywords (keyword, created_at) VALUES (?, ?)", keyword)
}

// RemoveBlockedKeyword deletes a blocked keyword. Returns false if it was
// not present.
func (s *Store) RemoveBlockedKeyword(ctx context.Context, keyword string) (bool, error) {
	return s.removePolicyEntry(ctx, "DELETE FROM blocked_keywords WHERE keyword = ?", keyword)
}

// NormalizePolicyEntry lower-cases and trims a group or keyword.
func NormalizePolicyEntry(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

func (s *Store) addPolicyEntry(ctx context.Context, query, value string) (bool, error) {
	v := NormalizePolicyEntry(value)
	if v == "" {
		return false, fmt.Errorf("empty policy entry: %w", ErrInvalid)
	}
	res, err := s.db.ExecContext(ctx, query, v, time.Now().Unix())
	if err != nil {
		return false, fmt.Errorf("failed to add policy entry %q: %w", v, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) removePolicyEntry(ctx context.Context, query, value string) (bool, error) {
	v := NormalizePolicyEntry(value)
	if v == "" {
		return false, fmt.Errorf("empty policy entry: %w", ErrInvalid)
	}
	res, err := s.db.ExecContext(ctx, query, v)
	if err != nil {
		return false, fmt.Errorf("failed to remove policy entry %q: %w", v, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) queryNames(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
