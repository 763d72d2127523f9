package audit

import "sync"

// DefaultRingSize is the default ring capacity.
const DefaultRingSize = 512

// Ring is a fixed-size circular buffer of events. Safe for concurrent use.
type Ring struct {
	mu    sync.Mutex
	buf   []Event
	head  int // next write position
	count int
}

// NewRing creates a ring with the given capacity.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &Ring{buf: make([]Event, size)}
}

// Push adds an event, overwriting the oldest when full. Extra is copied so
// callers can reuse their map.
func (r *Ring) Push(e Event) {
	if e.Extra != nil {
		cp := make(map[string]any, len(e.Extra))
		for k, v := range e.Extra {
			cp[k] = v
		}
		e.Extra = cp
	}
	r.mu.Lock()
	r.buf[r.head] = e
	r.head = (r.head + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
	r.mu.Unlock()
}

// Last returns up to n of the most recent events, newest first.
func (r *Ring) Last(n int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	n = min(n, r.count)
	if n <= 0 {
		return nil
	}
	out := make([]Event, n)
	for i := range n {
		idx := (r.head - 1 - i + len(r.buf)) % len(r.buf)
		out[i] = r.buf[idx]
	}
	return out
}

// Len returns the number of buffered events.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Counts returns buffered event counts by kind.
func (r *Ring) Counts() map[Kind]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[Kind]int)
	for i := range r.count {
		idx := (r.head - 1 - i + len(r.buf)) % len(r.buf)
		counts[r.buf[idx].Kind]++
	}
	return counts
}
