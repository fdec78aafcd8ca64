package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestWorkerPool_StartStop(t *testing.T) {
	var processed atomic.Int64
	processor := func(ctx context.Context, job int) error {
		processed.Add(1)
		return nil
	}

	pool := NewWorkerPool("test", 2, 10, processor)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	for i := 0; i < 5; i++ {
		if err := pool.Submit(ctx, i); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	// Stop drains the queue before returning
	pool.Stop()

	if processed.Load() != 5 {
		t.Errorf("expected 5 jobs processed, got %d", processed.Load())
	}
	if s := pool.Stats(); s.Processed != 5 {
		t.Errorf("expected stats to report 5 processed, got %+v", s)
	}
}

func TestWorkerPool_ConcurrentSubmit(t *testing.T) {
	var processed atomic.Int64
	processor := func(ctx context.Context, job int) error {
		processed.Add(1)
		return nil
	}

	pool := NewWorkerPool("test", 4, 100, processor)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		go func(n int) {
			pool.Submit(ctx, n)
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 100; i++ {
		<-done
	}

	pool.Stop()

	if processed.Load() != 100 {
		t.Errorf("expected 100 jobs processed, got %d", processed.Load())
	}
}

func TestWorkerPool_TrySubmitWhenFull(t *testing.T) {
	release := make(chan struct{})
	processor := func(ctx context.Context, job int) error {
		<-release
		return nil
	}

	pool := NewWorkerPool("test", 1, 1, processor)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	// One job occupies the worker, one fills the buffer.
	if !pool.TrySubmit(1) {
		t.Fatal("expected first job to be accepted")
	}
	deadline := time.Now().Add(time.Second)
	for !pool.TrySubmit(2) {
		if time.Now().After(deadline) {
			t.Fatal("worker never picked up the first job")
		}
		time.Sleep(time.Millisecond)
	}
	if pool.TrySubmit(3) {
		t.Error("expected TrySubmit to reject when the buffer is full")
	}

	close(release)
	pool.Stop()

	if s := pool.Stats(); s.Processed != 2 || s.Rejected < 1 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestWorkerPool_FailedJobsCounted(t *testing.T) {
	processor := func(ctx context.Context, job int) error {
		if job%2 == 0 {
			return errors.New("even")
		}
		return nil
	}

	pool := NewWorkerPool("test", 2, 10, processor)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	for i := 0; i < 4; i++ {
		pool.Submit(ctx, i)
	}
	pool.Stop()

	if s := pool.Stats(); s.Processed != 2 || s.Failed != 2 {
		t.Errorf("expected 2 processed and 2 failed, got %+v", s)
	}
}

func TestWorkerPool_SubmitAfterStop(t *testing.T) {
	pool := NewWorkerPool("test", 1, 1, func(ctx context.Context, job int) error { return nil })
	pool.Start(context.Background())
	pool.Stop()
	pool.Stop()

	if err := pool.Submit(context.Background(), 1); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
	if pool.TrySubmit(1) {
		t.Error("expected TrySubmit to fail after Stop")
	}
}

func TestWorkerPool_GracefulShutdown(t *testing.T) {
	var processed atomic.Int64
	processor := func(ctx context.Context, job int) error {
		time.Sleep(10 * time.Millisecond) // Simulate work
		processed.Add(1)
		return nil
	}

	pool := NewWorkerPool("test", 2, 50, processor)

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	for i := 0; i < 20; i++ {
		pool.Submit(ctx, i)
	}

	// Cancel immediately
	cancel()

	// Stop should wait for in-flight jobs
	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()

	select {
	case <-done:
		// Good
	case <-time.After(5 * time.Second):
		t.Fatal("pool.Stop() timed out")
	}

	t.Logf("processed %d jobs before shutdown", processed.Load())
}
