// Package filter decides item visibility under the blocklist policy.
// List functions are simple: []Item in, []Item out. No side effects.
package filter

import (
	"strings"
	"sync"
	"time"

	"github.com/abelbrown/happyfeed/internal/store"
)

// commonPrefixes are prefixes commonly used in titles that should be
// ignored when comparing titles for deduplication.
var commonPrefixes = []string{
	"breaking:",
	"update:",
	"updated:",
	"exclusive:",
	"just in:",
	"developing:",
	"watch:",
	"live:",
}

// ByAge removes items created before maxAge ago. A zero maxAge keeps everything.
func ByAge(items []store.Item, maxAge time.Duration, now time.Time) []store.Item {
	if maxAge <= 0 {
		return items
	}
	cutoff := now.Add(-maxAge)
	result := make([]store.Item, 0, len(items))
	for _, item := range items {
		if item.CreatedAt.After(cutoff) {
			result = append(result, item)
		}
	}
	return result
}

// normalizeTitle lowercases, strips common prefixes, and collapses whitespace.
func normalizeTitle(title string) string {
	t := strings.ToLower(strings.TrimSpace(title))
	for _, prefix := range commonPrefixes {
		if strings.HasPrefix(t, prefix) {
			t = strings.TrimSpace(t[len(prefix):])
			break
		}
	}
	return strings.Join(strings.Fields(t), " ")
}

// Seen remembers item ids and normalized titles across calls. It is safe
// for concurrent use.
type Seen struct {
	mu     sync.Mutex
	ids    map[string]bool
	titles map[string]bool
}

// NewSeen returns an empty Seen.
func NewSeen() *Seen {
	return &Seen{ids: make(map[string]bool), titles: make(map[string]bool)}
}

// Filter drops items with an id or normalized title already seen, here or
// in an earlier call, keeping the first occurrence.
func (s *Seen) Filter(items []store.Item) []store.Item {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]store.Item, 0, len(items))
	for _, item := range items {
		if s.ids[item.ID] {
			continue
		}
		key := normalizeTitle(item.Title)
		if key != "" && s.titles[key] {
			continue
		}
		s.ids[item.ID] = true
		if key != "" {
			s.titles[key] = true
		}
		result = append(result, item)
	}
	return result
}

// Dedup removes items with a repeated id or a repeated normalized title,
// keeping the first occurrence.
func Dedup(items []store.Item) []store.Item {
	return NewSeen().Filter(items)
}
