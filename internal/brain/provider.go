// Package brain talks to the external categorizers (OpenAI, Ollama) that
// label items with categories and tags from a fixed vocabulary.
package brain

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned by a categorizer with no credentials or endpoint.
var ErrNotConfigured = errors.New("categorizer not configured")

// Categorizer is the interface for AI categorization providers
type Categorizer interface {
	// Name returns the provider name (e.g., "openai", "ollama")
	Name() string

	// Available returns true if the provider is configured and ready
	Available() bool

	// Categorize labels one item. Returned names are whatever the model said;
	// callers must check them against the taxonomy.
	Categorize(ctx context.Context, req Request) (Result, error)
}

// Request is everything the categorizer sees about one item.
type Request struct {
	ItemID      string // for logging only
	Title       string
	SourceGroup string
	BodyText    string
	Categories  []string
	Tags        []string
	Image       *Image // nil for text-only requests
}

// Image is an inlined image for multimodal requests.
type Image struct {
	MIME   string // e.g. "image/jpeg"
	Base64 string // standard encoding, no data: prefix
}

// DataURL renders the image as a data: URL.
func (i Image) DataURL() string {
	return "data:" + i.MIME + ";base64," + i.Base64
}

// Result is the parsed categorizer answer.
type Result struct {
	Categories  []string `json:"categories"`
	Tags        []string `json:"tags"`
	Explanation string   `json:"explanation"`
	Model       string   `json:"-"`
}

// Manager holds the configured categorizers and picks one.
type Manager struct {
	providers []Categorizer
	preferred string
}

// NewManager creates a new categorizer manager
func NewManager(providers ...Categorizer) *Manager {
	return &Manager{providers: providers}
}

// Add adds a provider to the manager
func (m *Manager) Add(p Categorizer) {
	m.providers = append(m.providers, p)
}

// SetPreferred sets the preferred provider by name
func (m *Manager) SetPreferred(name string) {
	m.preferred = name
}

// GetAvailable returns the first available provider, preferring the preferred one
func (m *Manager) GetAvailable() Categorizer {
	if m.preferred != "" {
		for _, p := range m.providers {
			if p.Name() == m.preferred && p.Available() {
				return p
			}
		}
	}
	for _, p := range m.providers {
		if p.Available() {
			return p
		}
	}
	return nil
}

// ListAvailable returns names of all available providers
func (m *Manager) ListAvailable() []string {
	var names []string
	for _, p := range m.providers {
		if p.Available() {
			names = append(names, p.Name())
		}
	}
	return names
}

// Name reports the preferred provider without probing availability.
func (m *Manager) Name() string {
	if m.preferred != "" {
		return m.preferred
	}
	return "auto"
}

// Available reports whether any provider can take requests.
func (m *Manager) Available() bool {
	return m.GetAvailable() != nil
}

// Categorize sends req to the provider GetAvailable picks.
func (m *Manager) Categorize(ctx context.Context, req Request) (Result, error) {
	p := m.GetAvailable()
	if p == nil {
		return Result{}, ErrNotConfigured
	}
	return p.Categorize(ctx, req)
}
