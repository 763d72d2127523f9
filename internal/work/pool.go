package work

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/abelbrown/happyfeed/internal/logging"
	"github.com/abelbrown/happyfeed/internal/metrics"
)

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("work pool stopped")

// Func is the body of a job. The returned string is the human-readable
// result ("processed 12, errors 0").
type Func func(ctx context.Context) (string, error)

// DefaultHistory is how many finished jobs stay queryable.
const DefaultHistory = 50

// Pool runs submitted jobs on a fixed number of workers.
// Running jobs are never cancelled by the pool; Stop waits for them.
type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	workers int

	pending   priorityQueue
	active    map[uint64]*Job
	jobs      map[uint64]*Job // pending, active and retained history
	completed *history
	closed    bool

	nextID         uint64
	totalCreated   int64
	totalCompleted int64
	totalFailed    int64

	ctx context.Context
	wg  sync.WaitGroup
}

// NewPool creates a pool with the given number of workers (minimum 1) that
// remembers the last historySize finished jobs.
func NewPool(workers, historySize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if historySize <= 0 {
		historySize = DefaultHistory
	}
	p := &Pool{
		workers:   workers,
		active:    make(map[uint64]*Job),
		jobs:      make(map[uint64]*Job),
		completed: newHistory(historySize),
		ctx:       context.Background(),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start launches the workers. Jobs receive ctx, so cancelling it is the
// way to abort work in flight.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	logging.Info("Work pool started", "workers", p.workers)
}

// Stop rejects new jobs, drops pending ones, and waits for active jobs to
// finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for p.pending.Len() > 0 {
		job := heap.Pop(&p.pending).(*Job)
		p.finishLocked(job, "", ErrStopped)
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()
	logging.Info("Work pool stopped",
		"created", p.totalCreated,
		"completed", p.totalCompleted,
		"failed", p.totalFailed)
}

// Submit queues fn and returns its job id immediately.
func (p *Pool) Submit(typ Type, desc string, priority int, fn Func) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, ErrStopped
	}

	p.nextID++
	job := &Job{
		ID:          p.nextID,
		Type:        typ,
		Status:      StatusPending,
		Description: desc,
		Priority:    priority,
		CreatedAt:   time.Now(),
		fn:          fn,
	}
	heap.Push(&p.pending, job)
	p.jobs[job.ID] = job
	p.totalCreated++
	logEvent(job, "created")

	p.cond.Signal()
	return job.ID, nil
}

// Get returns a copy of the job with id, if it is still known.
func (p *Pool) Get(id uint64) (Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	job, ok := p.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// Wait blocks until the job with id has finished or ctx is done.
func (p *Pool) Wait(ctx context.Context, id uint64) (Job, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		job, ok := p.Get(id)
		if !ok {
			return Job{}, fmt.Errorf("unknown job %d", id)
		}
		if job.Done() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	logging.Debug("Worker started", "worker", id)

	for {
		p.mu.Lock()
		for p.pending.Len() == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			logging.Debug("Worker stopped", "worker", id)
			return
		}

		job := heap.Pop(&p.pending).(*Job)
		job.Status = StatusActive
		job.StartedAt = time.Now()
		p.active[job.ID] = job
		ctx := p.ctx
		logEvent(job, "started")
		p.mu.Unlock()

		result, err := p.execute(ctx, job)

		p.mu.Lock()
		delete(p.active, job.ID)
		p.finishLocked(job, result, err)
		p.mu.Unlock()
	}
}

func (p *Pool) execute(ctx context.Context, job *Job) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Job panicked", "id", job.ID, "panic", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	if job.fn == nil {
		return "", errors.New("no work function")
	}
	return job.fn(ctx)
}

// finishLocked records the outcome of job. p.mu must be held.
func (p *Pool) finishLocked(job *Job, result string, err error) {
	job.FinishedAt = time.Now()
	job.Result = result
	job.fn = nil

	change := "completed"
	if err != nil {
		job.Status = StatusFailed
		job.Error = err.Error()
		p.totalFailed++
		change = "failed"
	} else {
		job.Status = StatusComplete
		p.totalCompleted++
	}
	metrics.Jobs.WithLabelValues(string(job.Type), string(job.Status)).Inc()
	logEvent(job, change)

	if evicted := p.completed.push(job); evicted != nil {
		delete(p.jobs, evicted.ID)
	}
}

// Snapshot returns copies of all pending, active and recent jobs.
func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Snapshot{Stats: p.statsLocked()}
	for _, job := range p.pending {
		s.Pending = append(s.Pending, *job)
	}
	for _, job := range p.active {
		s.Active = append(s.Active, *job)
	}
	for _, job := range p.completed.all() {
		s.Completed = append(s.Completed, *job)
	}
	return s
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

func (p *Pool) statsLocked() Stats {
	return Stats{
		TotalCreated:   p.totalCreated,
		TotalCompleted: p.totalCompleted,
		TotalFailed:    p.totalFailed,
		WorkersActive:  len(p.active),
		WorkersTotal:   p.workers,
		PendingCount:   p.pending.Len(),
	}
}
