package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

var ErrStopped = errors.New("worker pool stopped")

type ProcessFunc[T any] func(ctx context.Context, job T) error

// WorkerPool runs jobs of one type on a fixed number of goroutines fed by a
// bounded queue.
type WorkerPool[T any] struct {
	name       string
	numWorkers int
	jobs       chan T
	processor  ProcessFunc[T]
	wg         sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	processed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
}

func NewWorkerPool[T any](name string, numWorkers int, bufferSize int, processor ProcessFunc[T]) *WorkerPool[T] {
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &WorkerPool[T]{
		name:       name,
		numWorkers: numWorkers,
		jobs:       make(chan T, bufferSize),
		processor:  processor,
	}
}

func (wp *WorkerPool[T]) Start(ctx context.Context) {
	for i := 1; i <= wp.numWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool[T]) worker(ctx context.Context, id int) {
	defer wp.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-wp.jobs:
			if !ok {
				return
			}
			if err := wp.processor(ctx, job); err != nil {
				wp.failed.Add(1)
				slog.Warn("job failed", "pool", wp.name, "worker", id, "error", err)
				continue
			}
			wp.processed.Add(1)
		}
	}
}

// Submit blocks until the job is queued or ctx is done.
func (wp *WorkerPool[T]) Submit(ctx context.Context, job T) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.stopped {
		return ErrStopped
	}
	select {
	case wp.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit queues the job only if there is room. It never blocks.
func (wp *WorkerPool[T]) TrySubmit(job T) bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.stopped {
		wp.rejected.Add(1)
		return false
	}
	select {
	case wp.jobs <- job:
		return true
	default:
		wp.rejected.Add(1)
		slog.Warn("worker queue full, dropping job", "pool", wp.name)
		return false
	}
}

// Stop closes the queue and waits for the workers to drain it. Safe to call
// more than once.
func (wp *WorkerPool[T]) Stop() {
	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		return
	}
	wp.stopped = true
	close(wp.jobs)
	wp.mu.Unlock()
	wp.wg.Wait()
}

type Stats struct {
	Processed int64
	Failed    int64
	Rejected  int64
}

func (wp *WorkerPool[T]) Stats() Stats {
	return Stats{
		Processed: wp.processed.Load(),
		Failed:    wp.failed.Load(),
		Rejected:  wp.rejected.Load(),
	}
}
