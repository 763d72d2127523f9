package fetch

import (
	"path"
	"regexp"
	"strings"

	"github.com/abelbrown/happyfeed/internal/store"
)

var imageExtension = regexp.MustCompile(`(?i)\.(jpg|jpeg|png|gif|webp)(\?.*)?$`)

// HasImageExtension reports whether u ends in a known image extension,
// optionally followed by a query string.
func HasImageExtension(u string) bool {
	return imageExtension.MatchString(u)
}

// detectMedia derives the media descriptor of a Reddit post. The checks run
// in priority order; the first hit wins.
func detectMedia(post redditPost) *store.Media {
	if post.IsVideo && post.Media != nil && post.Media.RedditVideo != nil {
		v := post.Media.RedditVideo
		return &store.Media{Type: "reddit_video", URL: v.FallbackURL, Width: v.Width, Height: v.Height}
	}

	if post.IsSelf && post.Media != nil && post.Media.Oembed != nil && post.Media.Oembed.ThumbnailURL != "" {
		return &store.Media{Type: "image", URL: post.Media.Oembed.ThumbnailURL}
	}

	if post.IsSelf && post.Preview != nil && len(post.Preview.Images) > 0 {
		if src := post.Preview.Images[0].Source; src.URL != "" {
			return &store.Media{
				Type:   "image",
				URL:    strings.ReplaceAll(src.URL, "&amp;", "&"),
				Width:  src.Width,
				Height: src.Height,
			}
		}
	}

	u := post.URL
	if u == "" {
		return nil
	}

	if post.IsGallery && post.MediaMetadata != nil && post.GalleryData != nil {
		var images []store.MediaImage
		for _, gi := range post.GalleryData.Items {
			meta, ok := post.MediaMetadata[gi.MediaID]
			if !ok || meta.S == nil || meta.S.U == "" {
				continue
			}
			images = append(images, store.MediaImage{
				URL:    strings.ReplaceAll(meta.S.U, "&amp;", "&"),
				Width:  meta.S.X,
				Height: meta.S.Y,
			})
		}
		if len(images) > 0 {
			return &store.Media{Type: "gallery", Images: images}
		}
	}

	if HasImageExtension(u) {
		return &store.Media{Type: "image", URL: u}
	}

	switch {
	case strings.Contains(u, "imgur.com"):
		// Albums have no single image to show.
		if strings.Contains(u, "/a/") || strings.Contains(u, "/gallery/") {
			return nil
		}
		id, _, _ := strings.Cut(path.Base(u), ".")
		return &store.Media{Type: "image", URL: "https://i.imgur.com/" + id + ".jpg"}
	case strings.Contains(u, "i.redd.it"):
		return &store.Media{Type: "image", URL: u}
	case strings.Contains(u, "gfycat.com"):
		return &store.Media{Type: "video", URL: "https://thumbs.gfycat.com/" + path.Base(u) + "-mobile.mp4"}
	case strings.Contains(u, "v.redd.it"):
		return &store.Media{Type: "reddit_video", URL: u}
	}
	return nil
}
