package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/abelbrown/happyfeed/internal/store"
)

// DefaultRedditBase is the public Reddit host.
const DefaultRedditBase = "https://www.reddit.com"

const redditPageSize = 100

// Reddit pages through a subreddit listing such as r/all.
type Reddit struct {
	base    string
	listing string
	client  *http.Client
	now     func() time.Time
}

// NewReddit creates a Reddit source for listing ("all", "pics", ...).
func NewReddit(base, listing string, client *http.Client) *Reddit {
	if base == "" {
		base = DefaultRedditBase
	}
	if listing == "" {
		listing = "all"
	}
	if client == nil {
		client = NewClient(20*time.Second, 3)
	}
	return &Reddit{
		base:    strings.TrimRight(base, "/"),
		listing: listing,
		client:  client,
		now:     time.Now,
	}
}

func (r *Reddit) Name() string {
	return "reddit"
}

type redditListing struct {
	Data struct {
		After    string `json:"after"`
		Children []struct {
			Data redditPost `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type redditPost struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	URL         string  `json:"url"`
	Permalink   string  `json:"permalink"`
	Subreddit   string  `json:"subreddit"`
	Selftext    string  `json:"selftext"`
	Score       int     `json:"score"`
	NumComments int     `json:"num_comments"`
	CreatedUTC  float64 `json:"created_utc"`
	IsSelf      bool    `json:"is_self"`
	IsVideo     bool    `json:"is_video"`
	IsGallery   bool    `json:"is_gallery"`

	Media *struct {
		RedditVideo *struct {
			FallbackURL string `json:"fallback_url"`
			Width       int    `json:"width"`
			Height      int    `json:"height"`
		} `json:"reddit_video"`
		Oembed *struct {
			ThumbnailURL string `json:"thumbnail_url"`
		} `json:"oembed"`
	} `json:"media"`

	Preview *struct {
		Images []struct {
			Source redditImage `json:"source"`
		} `json:"images"`
	} `json:"preview"`

	MediaMetadata map[string]struct {
		S *struct {
			U string `json:"u"`
			X int    `json:"x"`
			Y int    `json:"y"`
		} `json:"s"`
	} `json:"media_metadata"`

	GalleryData *struct {
		Items []struct {
			MediaID string `json:"media_id"`
		} `json:"items"`
	} `json:"gallery_data"`
}

type redditImage struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// FetchPage fetches one listing page. cursor is Reddit's "after" token.
func (r *Reddit) FetchPage(ctx context.Context, cursor string) (Page, error) {
	q := url.Values{}
	q.Set("limit", fmt.Sprint(redditPageSize))
	if cursor != "" {
		q.Set("after", cursor)
	}
	endpoint := fmt.Sprintf("%s/r/%s.json?%s", r.base, url.PathEscape(r.listing), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Page{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", BrowserUserAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("failed to fetch listing: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Page{}, fmt.Errorf("HTTP error: %d %s", resp.StatusCode, resp.Status)
	}

	var listing redditListing
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return Page{}, fmt.Errorf("failed to decode listing: %w", err)
	}

	now := r.now()
	items := make([]store.Item, 0, len(listing.Data.Children))
	for _, child := range listing.Data.Children {
		post := child.Data
		if post.Title == "" || strings.Contains(post.Title, "[removed]") || strings.Contains(post.Title, "[deleted]") {
			continue
		}
		items = append(items, convertPost(post, now))
	}

	return Page{Items: items, Next: listing.Data.After}, nil
}

func convertPost(post redditPost, fetched time.Time) store.Item {
	link := post.URL
	if post.IsSelf {
		link = "https://old.reddit.com" + post.Permalink
	}

	return store.Item{
		ID:           post.ID,
		Title:        post.Title,
		URL:          link,
		Score:        post.Score,
		CommentCount: post.NumComments,
		SourceGroup:  post.Subreddit,
		Source:       "reddit",
		CreatedAt:    time.Unix(int64(post.CreatedUTC), 0),
		IsTextOnly:   post.IsSelf,
		BodyText:     unescapeBody(post.Selftext),
		Media:        detectMedia(post),
		Permalink:    post.Permalink,
		FetchedAt:    fetched,
	}
}
