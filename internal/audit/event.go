// Package audit records moderation actions as JSONL events.
//
// A Log writes events asynchronously through a buffered channel drained by
// one goroutine. An attached Ring keeps the most recent events in memory for
// the API.
package audit

import (
	"encoding/json"
	"time"
)

// Kind identifies an action. Dot-delimited: "<subsystem>.<action>".
type Kind string

const (
	KindPolicyAdd    Kind = "policy.add"
	KindPolicyRemove Kind = "policy.remove"
	KindItemToggle   Kind = "item.toggle"
	KindItemsRead    Kind = "items.read"
	KindReconcile    Kind = "visibility.reconcile"
	KindClear        Kind = "moderation.clear"
	KindTagsReinit   Kind = "tags.reinit"
	KindClassify     Kind = "classify.batch"
	KindIngest       Kind = "ingest.complete"

	KindStartup  Kind = "sys.startup"
	KindShutdown Kind = "sys.shutdown"
)

// Event is one audit record. Every field except Kind and Time is optional.
type Event struct {
	Time    time.Time      `json:"t"`
	Kind    Kind           `json:"kind"`
	RunID   string         `json:"run_id,omitempty"` // same for one process run
	Subject string         `json:"subject,omitempty"` // item id, group, keyword or scope
	Hidden  *bool          `json:"hidden,omitempty"`
	Count   int            `json:"count,omitempty"`
	Dur     time.Duration  `json:"-"`
	DurMs   float64        `json:"dur_ms,omitempty"` // computed from Dur at marshal time
	Err     string         `json:"err,omitempty"`
	Extra   map[string]any `json:"extra,omitempty"`
}

// MarshalJSON converts Dur to DurMs.
func (e Event) MarshalJSON() ([]byte, error) {
	type alias Event
	a := alias(e)
	if e.Dur > 0 {
		a.DurMs = float64(e.Dur) / float64(time.Millisecond)
	}
	return json.Marshal(a)
}
