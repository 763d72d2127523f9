// Package media downloads item images and inlines them for multimodal
// categorizer requests.
package media

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/abelbrown/happyfeed/internal/brain"
	"github.com/abelbrown/happyfeed/internal/fetch"
	"github.com/abelbrown/happyfeed/internal/logging"
	"github.com/abelbrown/happyfeed/internal/metrics"
	"github.com/abelbrown/happyfeed/internal/store"
)

var (
	// ErrFetch covers network failures, bad status codes, oversized bodies
	// and URLs that recently failed.
	ErrFetch = errors.New("image fetch failed")
	// ErrNotImage is returned when the response is not an image.
	ErrNotImage = errors.New("not an image")
)

const (
	DefaultTimeout  = 10 * time.Second
	DefaultMaxBytes = 8 << 20
	DefaultFailTTL  = 30 * time.Minute

	failCacheSize = 4096
)

// IsImage reports whether item carries an image worth sending along.
func IsImage(item store.Item) bool {
	if item.Media != nil && item.Media.Type == "image" {
		return true
	}
	return fetch.HasImageExtension(item.URL)
}

// ImageURL returns the URL to download for item.
func ImageURL(item store.Item) string {
	if item.Media != nil && item.Media.URL != "" {
		return item.Media.URL
	}
	return item.URL
}

// Fetcher downloads images and remembers URLs that failed.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
	failed   *expirable.LRU[string, string]
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithClient replaces the HTTP client.
func WithClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithMaxBytes caps the accepted body size.
func WithMaxBytes(n int64) Option {
	return func(f *Fetcher) { f.maxBytes = n }
}

// WithFailTTL sets how long a failed URL is skipped.
func WithFailTTL(ttl time.Duration) Option {
	return func(f *Fetcher) { f.failed = expirable.NewLRU[string, string](failCacheSize, nil, ttl) }
}

// NewFetcher creates a Fetcher with a 10s timeout, an 8 MiB cap and a
// 30 minute failure memory.
func NewFetcher(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:   fetch.NewClient(DefaultTimeout, 1),
		maxBytes: DefaultMaxBytes,
		failed:   expirable.NewLRU[string, string](failCacheSize, nil, DefaultFailTTL),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Inline downloads url and returns it base64 encoded.
func (f *Fetcher) Inline(ctx context.Context, url string) (brain.Image, error) {
	if reason, ok := f.failed.Get(url); ok {
		metrics.ImageFetches.WithLabelValues("cached_failure").Inc()
		return brain.Image{}, fmt.Errorf("%w: %s (cached)", ErrFetch, reason)
	}

	img, err := f.download(ctx, url)
	if err != nil {
		// A cancelled caller says nothing about the URL.
		if ctx.Err() == nil {
			f.failed.Add(url, err.Error())
		}
		result := "error"
		if errors.Is(err, ErrNotImage) {
			result = "not_image"
		}
		metrics.ImageFetches.WithLabelValues(result).Inc()
		logging.Debug("Image fetch failed", "url", url, "error", err)
		return brain.Image{}, err
	}

	metrics.ImageFetches.WithLabelValues("ok").Inc()
	return img, nil
}

func (f *Fetcher) download(ctx context.Context, url string) (brain.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return brain.Image{}, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	req.Header.Set("User-Agent", fetch.BrowserUserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return brain.Image{}, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return brain.Image{}, fmt.Errorf("%w: status %d", ErrFetch, resp.StatusCode)
	}

	mimeType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mimeType, "image/") {
		return brain.Image{}, fmt.Errorf("%w: content type %q", ErrNotImage, resp.Header.Get("Content-Type"))
	}
	if resp.ContentLength > f.maxBytes {
		return brain.Image{}, fmt.Errorf("%w: %d bytes exceeds limit", ErrFetch, resp.ContentLength)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return brain.Image{}, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	if int64(len(body)) > f.maxBytes {
		return brain.Image{}, fmt.Errorf("%w: body exceeds %d bytes", ErrFetch, f.maxBytes)
	}

	return brain.Image{MIME: mimeType, Base64: base64.StdEncoding.EncodeToString(body)}, nil
}
