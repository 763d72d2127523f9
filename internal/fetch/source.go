// Package fetch pulls items from content sources (Reddit listings, RSS
// feeds) and normalizes them into store.Item values. It never writes to the
// store; callers decide what to persist.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/abelbrown/happyfeed/internal/store"
)

// Source is a restartable, paged producer of items.
type Source interface {
	Name() string

	// FetchPage returns the page starting at cursor ("" for the first page).
	// An empty Page.Next means there are no more pages.
	FetchPage(ctx context.Context, cursor string) (Page, error)
}

// Page is one batch of normalized items plus the cursor of the next batch.
type Page struct {
	Items []store.Item
	Next  string
}

// Feed is a configured RSS or Atom feed.
type Feed struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// DefaultFeeds returns the feeds used when none are configured.
func DefaultFeeds() []Feed {
	return []Feed{
		{Name: "Good News Network", URL: "https://www.goodnewsnetwork.org/feed/"},
		{Name: "Hacker News", URL: "https://news.ycombinator.com/rss"},
		{Name: "Quanta Magazine", URL: "https://api.quantamagazine.org/feed/"},
		{Name: "NASA Image of the Day", URL: "https://www.nasa.gov/rss/dyn/lg_image_of_the_day.rss"},
	}
}

// hashString creates a short hash of a string for use as an ID.
func hashString(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:8]) // 16 character hex string
}

var entityReplacer = strings.NewReplacer(
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&#x27;", "'",
)

// unescapeBody undoes the entity escaping Reddit applies to selftext.
func unescapeBody(s string) string {
	return strings.TrimSpace(entityReplacer.Replace(s))
}
