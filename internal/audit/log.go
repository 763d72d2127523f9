package audit

// The drain goroutine is the only reader of l.ch and the only writer to l.w.
// The ring has its own lock.

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/abelbrown/happyfeed/internal/logging"
)

// queueSize is the capacity of the async write channel.
const queueSize = 1024

type entry struct {
	data []byte
	ev   Event
}

// Log serializes events as JSONL. Emit never blocks; events that do not fit
// in the queue are dropped and counted.
type Log struct {
	runID     string
	ring      *Ring
	ch        chan entry
	w         io.Writer
	closer    io.Closer // nil unless the Log opened the file
	dropped   atomic.Uint64
	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Log writing to w and keeping recent events in ring. Either
// may be nil.
func New(w io.Writer, ring *Ring) *Log {
	if w == nil {
		w = io.Discard
	}
	var rid [8]byte
	_, _ = rand.Read(rid[:])

	l := &Log{
		runID: fmt.Sprintf("%x", rid[:]),
		ring:  ring,
		ch:    make(chan entry, queueSize),
		w:     w,
		done:  make(chan struct{}),
	}
	go l.drain()
	return l
}

// Open appends to the JSONL file at path, creating it and its directory.
func Open(path string, ring *Ring) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	l := New(f, ring)
	l.closer = f
	return l, nil
}

// Discard returns a Log that keeps nothing.
func Discard() *Log {
	return New(io.Discard, nil)
}

func (l *Log) drain() {
	defer close(l.done)
	for e := range l.ch {
		if _, err := l.w.Write(e.data); err != nil {
			l.dropped.Add(1)
		}
		if l.ring != nil {
			l.ring.Push(e.ev)
		}
	}
}

// Emit queues an event, setting Time when zero and RunID. Safe to call
// concurrently with Close; late events are dropped.
func (l *Log) Emit(e Event) {
	if l == nil {
		return
	}
	defer func() {
		if recover() != nil {
			l.dropped.Add(1)
		}
	}()
	if l.closed.Load() {
		l.dropped.Add(1)
		return
	}

	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	e.RunID = l.runID

	data, err := json.Marshal(e)
	if err != nil {
		l.dropped.Add(1)
		return
	}
	data = append(data, '\n')

	select {
	case l.ch <- entry{data: data, ev: e}:
	default:
		l.dropped.Add(1)
	}
}

// Recent returns up to n recent events, newest first. Nil without a ring.
func (l *Log) Recent(n int) []Event {
	if l == nil || l.ring == nil {
		return nil
	}
	return l.ring.Last(n)
}

// Dropped returns the number of events lost since creation.
func (l *Log) Dropped() uint64 {
	return l.dropped.Load()
}

// Close flushes queued events and stops the drain goroutine.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	var err error
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		close(l.ch)
		<-l.done

		if d := l.dropped.Load(); d > 0 {
			logging.Warn("Audit events dropped", "dropped", d, "run", l.runID)
		}
		if l.closer != nil {
			err = l.closer.Close()
		}
	})
	return err
}
