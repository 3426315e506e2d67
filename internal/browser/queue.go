// File: internal/browser/queue.go
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Queue concurrency limits are fixed constants, not configuration: one global
// writer, a bounded read fan-out.
const (
	writeQueueDepth = 256
	readConcurrency = 5
)

// Thunk is a queued browser action. It must honor its context: the scheduler
// cancels it on timeout and will not release the write lock until the thunk
// observes the cancellation.
type Thunk func(ctx context.Context) error

// Scheduler coordinates the two action queues over the shared browser
// resource. Write tasks execute strictly one at a time, FIFO by enqueue order,
// and never overlap any read task in wall-clock time. Read tasks may overlap
// each other up to readConcurrency.
type Scheduler struct {
	logger      *zap.Logger
	taskTimeout time.Duration

	// gate provides write/read mutual exclusion; readSlots bounds the fan-out.
	gate      sync.RWMutex
	readSlots *semaphore.Weighted

	writeCh  chan *writeJob
	callerWg sync.WaitGroup
	workerWg sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

type writeJob struct {
	ctx  context.Context
	fn   Thunk
	done chan error
}

// NewScheduler starts the write-queue worker. taskTimeout bounds each task's
// execution; zero disables the per-task timeout.
func NewScheduler(logger *zap.Logger, taskTimeout time.Duration) *Scheduler {
	s := &Scheduler{
		logger:      logger.Named("action_queue"),
		taskTimeout: taskTimeout,
		readSlots:   semaphore.NewWeighted(readConcurrency),
		writeCh:     make(chan *writeJob, writeQueueDepth),
	}
	s.workerWg.Add(1)
	go s.runWriter()
	return s
}

func (s *Scheduler) runWriter() {
	defer s.workerWg.Done()
	for job := range s.writeCh {
		s.gate.Lock()
		job.done <- s.execute(job.ctx, job.fn, "write")
		s.gate.Unlock()
	}
}

// execute runs one thunk under the per-task timeout. On timeout the caller is
// released with an error, but execute keeps waiting for the thunk to observe
// cancellation so the exclusivity guarantee holds.
func (s *Scheduler) execute(ctx context.Context, fn Thunk, queue string) error {
	tctx := ctx
	cancel := func() {}
	if s.taskTimeout > 0 {
		tctx, cancel = context.WithTimeout(ctx, s.taskTimeout)
	}
	defer cancel()

	inner := make(chan error, 1)
	go func() { inner <- fn(tctx) }()

	select {
	case err := <-inner:
		return err
	case <-tctx.Done():
		timeoutErr := fmt.Errorf("%s action timed out after %s: %w", queue, s.taskTimeout, tctx.Err())
		// Hold until the thunk returns; a cancelled thunk that is still
		// touching the browser must not overlap the next task.
		start := time.Now()
		err := <-inner
		if wait := time.Since(start); wait > time.Second {
			s.logger.Warn("Cancelled action was slow to stop",
				zap.String("queue", queue),
				zap.Duration("extra_wait", wait),
				zap.Error(err))
		}
		return timeoutErr
	}
}

// Write enqueues a mutating action and blocks until it has run. Tasks execute
// in enqueue order.
func (s *Scheduler) Write(ctx context.Context, fn Thunk) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.callerWg.Add(1)
	s.mu.Unlock()
	defer s.callerWg.Done()

	job := &writeJob{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case s.writeCh <- job:
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-job.done
}

// Read runs a non-mutating action with bounded parallelism. Up to
// readConcurrency reads may overlap; none ever overlaps a write.
func (s *Scheduler) Read(ctx context.Context, fn Thunk) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.callerWg.Add(1)
	s.mu.Unlock()
	defer s.callerWg.Done()

	if err := s.readSlots.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.readSlots.Release(1)

	s.gate.RLock()
	defer s.gate.RUnlock()
	return s.execute(ctx, fn, "read")
}

// Close stops accepting new tasks, drains both queues to idle, and shuts the
// writer down. Safe to call once.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	// Drain in two phases. Every Write/Read that passed the closed check
	// holds a caller slot, so waiting on callers guarantees no goroutine is
	// still sending on writeCh; only then is closing the channel safe.
	s.callerWg.Wait()
	close(s.writeCh)
	s.workerWg.Wait()
}
