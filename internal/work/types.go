// Package work runs background jobs (classification batches, moderate-all
// sweeps, scheduled ingest) on a small worker pool. Callers get a job id
// back immediately and can poll its status.
//
// Logging: every state change is logged via internal/logging.
package work

import (
	"fmt"
	"time"

	"github.com/abelbrown/happyfeed/internal/logging"
)

// logEvent logs a job state change.
func logEvent(job *Job, change string) {
	switch change {
	case "created":
		logging.Debug("Job created", "id", job.ID, "type", job.Type, "desc", job.Description)
	case "started":
		logging.Info("Job started", "id", job.ID, "type", job.Type, "desc", job.Description)
	case "completed":
		logging.Info("Job completed",
			"id", job.ID,
			"type", job.Type,
			"result", job.Result,
			"duration", job.Duration())
	case "failed":
		logging.Error("Job failed",
			"id", job.ID,
			"type", job.Type,
			"desc", job.Description,
			"error", job.Error,
			"duration", job.Duration())
	}
}

// Type categorizes jobs for filtering and display.
type Type string

const (
	TypeIngest   Type = "ingest"
	TypeAnalyze  Type = "analyze"
	TypeModerate Type = "moderate_all"
	TypeOther    Type = "other"
)

// Status represents the lifecycle state of a job.
type Status string

const (
	StatusPending  Status = "pending"  // Queued, waiting for worker
	StatusActive   Status = "active"   // Currently being processed
	StatusComplete Status = "complete" // Finished successfully
	StatusFailed   Status = "failed"   // Finished with error
)

// Priorities. Higher runs first; equal priorities run in submission order.
const (
	PriorityLow    = 0
	PriorityNormal = 5
	PriorityHigh   = 10
)

// Job is one unit of background work. Values returned by the Pool are
// copies and safe to read without locking.
type Job struct {
	ID          uint64 `json:"id"`
	Type        Type   `json:"type"`
	Status      Status `json:"status"`
	Description string `json:"description"`
	Priority    int    `json:"priority"`

	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`

	Result string `json:"result,omitempty"` // "processed 12, errors 0"
	Error  string `json:"error,omitempty"`

	fn        Func
	heapIndex int
}

// Duration returns how long the job took (or has been running).
func (j *Job) Duration() time.Duration {
	if j.FinishedAt.IsZero() {
		if j.StartedAt.IsZero() {
			return 0
		}
		return time.Since(j.StartedAt)
	}
	return j.FinishedAt.Sub(j.StartedAt)
}

// Done reports whether the job has finished, successfully or not.
func (j *Job) Done() bool {
	return j.Status == StatusComplete || j.Status == StatusFailed
}

// Snapshot represents the current state of the pool.
type Snapshot struct {
	Pending   []Job `json:"pending"`
	Active    []Job `json:"active"`
	Completed []Job `json:"completed"` // newest first
	Stats     Stats `json:"stats"`
}

// Stats tracks pool counters.
type Stats struct {
	TotalCreated   int64 `json:"total_created"`
	TotalCompleted int64 `json:"total_completed"`
	TotalFailed    int64 `json:"total_failed"`
	WorkersActive  int   `json:"workers_active"`
	WorkersTotal   int   `json:"workers_total"`
	PendingCount   int   `json:"pending"`
}

// String returns a summary string for stats.
func (s Stats) String() string {
	return fmt.Sprintf("Active: %d  Pending: %d  Done: %d  Failed: %d",
		s.WorkersActive, s.PendingCount, s.TotalCompleted, s.TotalFailed)
}

// history keeps the most recent finished jobs, newest first on read.
type history struct {
	jobs  []*Job
	next  int
	count int
}

func newHistory(capacity int) *history {
	return &history{jobs: make([]*Job, capacity)}
}

// push stores job and returns the job it evicted, if any.
func (h *history) push(job *Job) *Job {
	evicted := h.jobs[h.next]
	h.jobs[h.next] = job
	h.next = (h.next + 1) % len(h.jobs)
	if h.count < len(h.jobs) {
		h.count++
	}
	return evicted
}

func (h *history) all() []*Job {
	out := make([]*Job, 0, h.count)
	for i := 1; i <= h.count; i++ {
		idx := (h.next - i + len(h.jobs)) % len(h.jobs)
		out = append(out, h.jobs[idx])
	}
	return out
}
