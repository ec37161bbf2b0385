// Package worker runs analysis tasks on a fixed-size goroutine pool fed by a
// bounded in-process queue. A full queue surfaces as ErrQueueFull at submit
// time instead of unbounded goroutine growth.
package worker

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/aaronpan007/zhaoyaojing/internal/upload"
)

// ErrQueueFull is returned by Submit when the queue has no capacity left.
var ErrQueueFull = errors.New("analysis queue is full")

// ErrStopped is returned by Submit after Stop has been called.
var ErrStopped = errors.New("worker pool stopped")

// Processor consumes one task. Implementations own the task's terminal state;
// Process never returns an error.
type Processor interface {
	Process(taskID uuid.UUID, files []upload.File)
}

// Task is one unit of queued work: the store record's ID plus the materialized
// attachments, which live only for the duration of processing.
type Task struct {
	ID    uuid.UUID
	Files []upload.File
}

// Pool owns the queue and the worker goroutines.
type Pool struct {
	queue   chan Task
	proc    Processor
	workers int
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewPool creates a pool with the given worker count and queue capacity.
// Non-positive values fall back to 4 workers and a 64-slot queue.
func NewPool(proc Processor, workers, queueSize int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Pool{
		queue:   make(chan Task, queueSize),
		proc:    proc,
		workers: workers,
		logger:  logger,
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(i + 1)
	}
	p.logger.Info("worker pool started", "workers", p.workers, "queue_size", cap(p.queue))
}

// Submit enqueues a task without blocking.
func (p *Pool) Submit(t Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrStopped
	}
	select {
	case p.queue <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop closes the queue and waits for in-flight and queued tasks to drain.
// Safe to call more than once.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

// Backlog reports the number of queued, not-yet-claimed tasks.
func (p *Pool) Backlog() int {
	return len(p.queue)
}

func (p *Pool) run(id int) {
	defer p.wg.Done()
	for t := range p.queue {
		p.logger.Debug("worker claimed task", "worker", id, "task_id", t.ID)
		p.proc.Process(t.ID, t.Files)
	}
}
