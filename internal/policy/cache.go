// Package policy caches the blocklist snapshot in front of the store.
//
// A Cache hands out immutable *filter.Policy values. Refreshes build a new
// snapshot and publish it with an atomic pointer swap, so evaluations already
// holding a snapshot are never disturbed.
package policy

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/abelbrown/happyfeed/internal/filter"
	"github.com/abelbrown/happyfeed/internal/logging"
	"github.com/abelbrown/happyfeed/internal/metrics"
)

// DefaultTTL is how long a snapshot is served before it is re-read.
const DefaultTTL = 5 * time.Minute

// ErrPolicyRead is returned when the store cannot be read. The cache keeps
// serving its last snapshot to later callers once the store recovers.
var ErrPolicyRead = errors.New("policy read failure")

// Source is the read side of the policy tables.
type Source interface {
	BlockedGroups(ctx context.Context) ([]string, error)
	BlockedKeywords(ctx context.Context) ([]string, error)
}

type entry struct {
	policy   *filter.Policy
	loadedAt time.Time
	gen      uint64
}

// Cache is a time-windowed cache of the policy snapshot.
type Cache struct {
	source Source
	ttl    time.Duration
	now    func() time.Time

	current    atomic.Pointer[entry]
	gen        atomic.Uint64 // bumped by Invalidate
	refreshing atomic.Bool
	group      singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCache creates a cache over source. Nothing is read until the first Snapshot.
func NewCache(source Source, opts ...Option) *Cache {
	c := &Cache{
		source: source,
		ttl:    DefaultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Snapshot returns the current policy, re-reading the store when the TTL has
// passed or Invalidate was called since the last read.
//
// After Invalidate returns, no caller receives a snapshot read before it.
// When only the TTL has expired and another goroutine is already refreshing,
// the stale snapshot is returned instead of waiting.
func (c *Cache) Snapshot(ctx context.Context) (*filter.Policy, error) {
	gen := c.gen.Load()
	e := c.current.Load()
	if e != nil && e.gen == gen {
		if c.now().Sub(e.loadedAt) <= c.ttl {
			return e.policy, nil
		}
		if c.refreshing.Load() {
			return e.policy, nil
		}
	}

	// Keyed by generation: a caller that just invalidated never joins a
	// refresh that started before its write.
	v, err, _ := c.group.Do(strconv.FormatUint(gen, 10), func() (any, error) {
		return c.refresh(ctx, gen)
	})
	if err != nil {
		return nil, err
	}
	return v.(*filter.Policy), nil
}

// Invalidate forces the next Snapshot to re-read the store.
func (c *Cache) Invalidate() {
	c.gen.Add(1)
}

// Loaded reports whether a snapshot has ever been read, and when.
func (c *Cache) Loaded() (time.Time, bool) {
	e := c.current.Load()
	if e == nil {
		return time.Time{}, false
	}
	return e.loadedAt, true
}

func (c *Cache) refresh(ctx context.Context, gen uint64) (*filter.Policy, error) {
	c.refreshing.Store(true)
	defer c.refreshing.Store(false)

	groups, err := c.source.BlockedGroups(ctx)
	if err != nil {
		metrics.PolicyRefresh.WithLabelValues("error").Inc()
		logging.Error("Policy refresh failed", "error", err)
		return nil, fmt.Errorf("%w: groups: %w", ErrPolicyRead, err)
	}
	keywords, err := c.source.BlockedKeywords(ctx)
	if err != nil {
		metrics.PolicyRefresh.WithLabelValues("error").Inc()
		logging.Error("Policy refresh failed", "error", err)
		return nil, fmt.Errorf("%w: keywords: %w", ErrPolicyRead, err)
	}

	next := &entry{
		policy:   filter.NewPolicy(groups, keywords),
		loadedAt: c.now(),
		gen:      gen,
	}

	// Never replace a snapshot from a newer generation with an older one.
	for {
		cur := c.current.Load()
		if cur != nil && cur.gen > gen {
			return next.policy, nil
		}
		if c.current.CompareAndSwap(cur, next) {
			break
		}
	}

	metrics.PolicyRefresh.WithLabelValues("ok").Inc()
	logging.Debug("Policy snapshot refreshed", "groups", len(groups), "keywords", len(keywords), "generation", gen)
	return next.policy, nil
}
