package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	ErrQueueFull   = errors.New("queue is full")
	ErrQueueClosed = errors.New("queue is closed")
)

// Handler processes one job. Errors are published on the queue's error channel.
type Handler[T any] func(ctx context.Context, job T) error

// Queue is a bounded in-process job queue with a fixed set of consumers.
// Enqueue never blocks; a full queue rejects the job.
type Queue[T any] struct {
	jobs    chan T
	errs    chan error
	handler Handler[T]
	workers int

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	dropped atomic.Int64
}

func NewQueue[T any](size, workers, errBuffer int, handler Handler[T]) *Queue[T] {
	if size <= 0 {
		size = 1
	}
	if workers <= 0 {
		workers = 1
	}
	if errBuffer <= 0 {
		errBuffer = size
	}
	return &Queue[T]{
		jobs:    make(chan T, size),
		errs:    make(chan error, errBuffer),
		handler: handler,
		workers: workers,
	}
}

// Start launches the consumers. Jobs already accepted are processed even
// after ctx is cancelled; use Close to stop.
func (q *Queue[T]) Start(ctx context.Context) {
	base := context.WithoutCancel(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for job := range q.jobs {
				if err := q.handler(base, job); err != nil {
					q.Report(err)
				}
			}
		}()
	}
}

func (q *Queue[T]) Enqueue(job T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Report publishes err without blocking. When the error buffer is full the
// error is counted and discarded.
func (q *Queue[T]) Report(err error) {
	select {
	case q.errs <- err:
	default:
		q.dropped.Add(1)
	}
}

// Errors is never closed; readers should stop on their own context.
func (q *Queue[T]) Errors() <-chan error {
	return q.errs
}

// DroppedErrors counts errors discarded because nobody drained Errors in time.
func (q *Queue[T]) DroppedErrors() int64 {
	return q.dropped.Load()
}

func (q *Queue[T]) Len() int {
	return len(q.jobs)
}

// Close stops accepting jobs and waits for the consumers to drain the queue.
func (q *Queue[T]) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue drain interrupted with %d jobs left: %w", len(q.jobs), ctx.Err())
	}
}
