package fetch

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"github.com/abelbrown/happyfeed/internal/store"
)

// RSS reads a fixed list of feeds, one feed per page. The cursor is the
// index of the next feed to read.
type RSS struct {
	feeds  []Feed
	client *http.Client
	now    func() time.Time
}

// NewRSS creates an RSS source over feeds.
func NewRSS(feeds []Feed, client *http.Client) *RSS {
	if client == nil {
		client = NewClient(20*time.Second, 2)
	}
	return &RSS{feeds: feeds, client: client, now: time.Now}
}

func (r *RSS) Name() string {
	return "rss"
}

// FetchPage fetches the feed at index cursor.
func (r *RSS) FetchPage(ctx context.Context, cursor string) (Page, error) {
	idx := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return Page{}, fmt.Errorf("invalid rss cursor %q", cursor)
		}
		idx = n
	}
	if idx >= len(r.feeds) {
		return Page{}, nil
	}

	var next string
	if idx+1 < len(r.feeds) {
		next = strconv.Itoa(idx + 1)
	}

	items, err := r.fetchFeed(ctx, r.feeds[idx])
	if err != nil {
		return Page{Next: next}, fmt.Errorf("feed %s: %w", r.feeds[idx].Name, err)
	}
	return Page{Items: items, Next: next}, nil
}

func (r *RSS) fetchFeed(ctx context.Context, src Feed) ([]store.Item, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "happyfeed/1.0")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP error: %d %s", resp.StatusCode, resp.Status)
	}

	feed, err := gofeed.NewParser().Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed: %w", err)
	}

	group := strings.ToLower(strings.TrimSpace(feed.Title))
	if group == "" {
		group = strings.ToLower(src.Name)
	}

	now := r.now()
	items := make([]store.Item, 0, len(feed.Items))
	for _, fi := range feed.Items {
		if strings.TrimSpace(fi.Title) == "" {
			continue
		}
		items = append(items, convertFeedItem(fi, group, now))
	}
	return items, nil
}

func convertFeedItem(fi *gofeed.Item, group string, fetched time.Time) store.Item {
	created := fetched
	if fi.PublishedParsed != nil {
		created = *fi.PublishedParsed
	} else if fi.UpdatedParsed != nil {
		created = *fi.UpdatedParsed
	}

	body := fi.Description
	if body == "" {
		body = fi.Content
	}

	media := feedImage(fi)
	return store.Item{
		ID:          "rss_" + hashString(feedItemKey(fi)),
		Title:       strings.TrimSpace(fi.Title),
		URL:         fi.Link,
		SourceGroup: group,
		Source:      "rss",
		CreatedAt:   created,
		IsTextOnly:  media == nil,
		BodyText:    stripHTML(body),
		Media:       media,
		Permalink:   fi.Link,
		FetchedAt:   fetched,
	}
}

// feedItemKey prefers the link, then the GUID, then the title.
func feedItemKey(fi *gofeed.Item) string {
	switch {
	case fi.Link != "":
		return fi.Link
	case fi.GUID != "":
		return fi.GUID
	}
	return fi.Title
}

func feedImage(fi *gofeed.Item) *store.Media {
	if fi.Image != nil && fi.Image.URL != "" {
		return &store.Media{Type: "image", URL: fi.Image.URL}
	}
	for _, enc := range fi.Enclosures {
		if enc != nil && enc.URL != "" && (strings.HasPrefix(enc.Type, "image/") || HasImageExtension(enc.URL)) {
			return &store.Media{Type: "image", URL: enc.URL}
		}
	}
	return nil
}

// stripHTML reduces a feed description to its text.
func stripHTML(s string) string {
	if !strings.Contains(s, "<") {
		return strings.TrimSpace(s)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.TrimSpace(s)
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}
