// Package tasks runs deferred ledger work on a bounded worker pool and
// reaps completions so no finished task lingers unobserved.
package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"biobank.org/internal/obs"
)

// Task is one unit of deferred work. Run carries the whole closure; the
// remaining fields exist for logging and metrics only.
type Task struct {
	ID      string
	Kind    string
	StudyID string
	UserID  string
	Run     func(ctx context.Context) error
}

// Result pairs a finished task with its outcome.
type Result struct {
	Task     Task
	Err      error
	Duration time.Duration
}

// Pool owns a fixed set of workers plus one reaper goroutine that drains
// the completion channel. Submitting after Close panics on the closed
// channel, so Close must follow the last Submit.
type Pool struct {
	jobs        chan Task
	completions chan Result

	ctx    context.Context
	cancel context.CancelFunc

	workers sync.WaitGroup
	reaper  sync.WaitGroup

	mu      sync.Mutex
	pending map[string]Result
}

// New starts workers goroutines and the reaper. queue bounds how many
// tasks may wait; Submit blocks once it is full.
func New(workers, queue int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queue < 1 {
		queue = workers
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		jobs:        make(chan Task, queue),
		completions: make(chan Result, queue),
		ctx:         ctx,
		cancel:      cancel,
		pending:     make(map[string]Result),
	}
	for i := 0; i < workers; i++ {
		p.workers.Add(1)
		go p.work()
	}
	p.reaper.Add(1)
	go p.reap()
	return p
}

// Submit enqueues the task and returns its id. It blocks while the queue
// is full and gives up when ctx is cancelled.
func (p *Pool) Submit(ctx context.Context, t Task) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	select {
	case p.jobs <- t:
		obs.TasksInFlight.Inc()
		return t.ID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-p.ctx.Done():
		return "", p.ctx.Err()
	}
}

// Close stops accepting work, waits for in-flight tasks to finish, and
// then waits for the reaper to drain every completion.
func (p *Pool) Close() {
	close(p.jobs)
	p.workers.Wait()
	close(p.completions)
	p.reaper.Wait()
	p.cancel()
}

func (p *Pool) work() {
	defer p.workers.Done()
	for t := range p.jobs {
		started := time.Now()
		err := t.Run(p.ctx)
		p.completions <- Result{Task: t, Err: err, Duration: time.Since(started)}
	}
}

// reap is the single consumer of completions. Every finished task is
// logged and counted exactly once; failures are terminal, not retried.
func (p *Pool) reap() {
	defer p.reaper.Done()
	for r := range p.completions {
		obs.TasksInFlight.Dec()
		entry := map[string]any{
			"ts":          time.Now().UTC().Format(time.RFC3339Nano),
			"event":       "task_done",
			"task_id":     r.Task.ID,
			"task_kind":   r.Task.Kind,
			"study_id":    r.Task.StudyID,
			"user_id":     r.Task.UserID,
			"duration_ms": r.Duration.Milliseconds(),
		}
		if r.Err != nil {
			obs.TasksFailed.Inc()
			entry["event"] = "task_failed"
			entry["error"] = r.Err.Error()
		} else {
			obs.TasksCompleted.Inc()
		}
		obs.LogRequest(entry)

		p.mu.Lock()
		p.pending[r.Task.ID] = r
		if len(p.pending) > completedHistory {
			p.trimLocked()
		}
		p.mu.Unlock()
	}
}

// completedHistory caps how many finished results Lookup can still see.
const completedHistory = 1024

// Lookup reports the outcome of a finished task, if it is still retained.
func (p *Pool) Lookup(id string) (Result, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.pending[id]
	return r, ok
}

// trimLocked drops roughly half the retained results. Which half is
// arbitrary; callers polling promptly will have seen theirs already.
func (p *Pool) trimLocked() {
	drop := len(p.pending) / 2
	for id := range p.pending {
		if drop == 0 {
			break
		}
		delete(p.pending, id)
		drop--
	}
}
