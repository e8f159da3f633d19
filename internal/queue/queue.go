// Package queue runs background generation tasks on a fixed pool of workers.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

var (
	// ErrQueueFull is returned when the buffer has no room for another task.
	ErrQueueFull = errors.New("queue: full")
	// ErrQueueClosed is returned after Stop or before Start.
	ErrQueueClosed = errors.New("queue: closed")
	// ErrPanic wraps a recovered handler panic.
	ErrPanic = errors.New("queue: task panicked")
	// ErrInterrupted is the result of a task dequeued after the worker
	// context ended. The handler is not run.
	ErrInterrupted = errors.New("queue: interrupted")
)

// Handler processes one job.
type Handler func(ctx context.Context, jobID string) error

// FailureFunc is told about every task that ended in error.
type FailureFunc func(ctx context.Context, jobID string, err error)

// Ticket tracks one submitted task.
type Ticket struct {
	JobID string

	done chan struct{}
	err  error
}

// Done is closed when the task has finished.
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Err returns the task result. Only valid after Done is closed.
func (t *Ticket) Err() error {
	return t.err
}

// Queue is a bounded FIFO served by a fixed number of workers.
type Queue struct {
	handler   Handler
	onFailure FailureFunc
	workers   int
	logger    *slog.Logger

	mu      sync.Mutex
	tasks   chan *Ticket
	running bool
	closed  bool
	wg      sync.WaitGroup
}

// Option configures a Queue.
type Option func(*Queue)

// WithOnFailure sets the hook run for every failed task.
func WithOnFailure(fn FailureFunc) Option {
	return func(q *Queue) {
		q.onFailure = fn
	}
}

// WithLogger sets the queue logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// New creates a queue with the given worker count and buffer size.
// Values below 1 are raised to 1.
func New(handler Handler, workers, size int, opts ...Option) *Queue {
	if workers < 1 {
		workers = 1
	}
	if size < 1 {
		size = 1
	}
	q := &Queue{
		handler: handler,
		workers: workers,
		logger:  slog.Default(),
		tasks:   make(chan *Ticket, size),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start launches the workers. Tasks run with ctx, so cancelling it aborts
// in-flight work and skips queued tasks; use Stop for a graceful drain.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running || q.closed {
		return
	}
	q.running = true
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.work(ctx, i)
	}
	q.logger.Info("queue started", slog.Int("workers", q.workers), slog.Int("size", cap(q.tasks)))
}

// Submit enqueues a job without blocking.
func (q *Queue) Submit(jobID string) (*Ticket, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || !q.running {
		return nil, ErrQueueClosed
	}
	t := &Ticket{JobID: jobID, done: make(chan struct{})}
	select {
	case q.tasks <- t:
		return t, nil
	default:
		return nil, ErrQueueFull
	}
}

// Len returns the number of tasks waiting for a worker.
func (q *Queue) Len() int {
	return len(q.tasks)
}

// Stop rejects new tasks and waits for queued and in-flight tasks to finish
// or for ctx to end.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	q.mu.Unlock()

	if err := q.Wait(ctx); err != nil {
		return fmt.Errorf("queue: stop: %w", ctx.Err())
	}
	q.logger.Info("queue stopped")
	return nil
}

// Wait blocks until every worker has exited or ctx ends. Workers exit once
// Stop has closed the queue and the remaining tasks are done, so callers
// cancel the worker context first when they cannot wait for a full drain.
func (q *Queue) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue: wait: %w", ctx.Err())
	}
}

func (q *Queue) work(ctx context.Context, worker int) {
	defer q.wg.Done()
	for t := range q.tasks {
		q.run(ctx, worker, t)
	}
}

func (q *Queue) run(ctx context.Context, worker int, t *Ticket) {
	defer close(t.done)

	if err := ctx.Err(); err != nil {
		// The job keeps its state; recovery on the next start picks it up.
		t.err = fmt.Errorf("%w: %w", ErrInterrupted, err)
		q.logger.Warn("task skipped",
			slog.String("job_id", t.JobID),
			slog.Int("worker", worker),
			slog.String("error", t.err.Error()),
		)
		return
	}

	t.err = q.safeCall(ctx, t.JobID)
	if t.err == nil {
		return
	}

	q.logger.Error("task failed",
		slog.String("job_id", t.JobID),
		slog.Int("worker", worker),
		slog.String("error", t.err.Error()),
	)
	if q.onFailure != nil {
		q.onFailure(ctx, t.JobID, t.err)
	}
}

func (q *Queue) safeCall(ctx context.Context, jobID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("panic recovered",
				slog.String("job_id", jobID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return q.handler(ctx, jobID)
}
