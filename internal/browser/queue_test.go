// File: internal/browser/queue_test.go
package browser

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestScheduler(t *testing.T, timeout time.Duration) *Scheduler {
	t.Helper()
	s := NewScheduler(zap.NewNop(), timeout)
	t.Cleanup(s.Close)
	return s
}

func TestSchedulerWriteExclusivity(t *testing.T) {
	s := newTestScheduler(t, 0)

	var inFlight, maxSeen int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Write(context.Background(), func(ctx context.Context) error {
				n := atomic.AddInt64(&inFlight, 1)
				for {
					seen := atomic.LoadInt64(&maxSeen)
					if n <= seen || atomic.CompareAndSwapInt64(&maxSeen, seen, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt64(&inFlight, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&maxSeen), "write tasks overlapped")
}

func TestSchedulerWriteFIFO(t *testing.T) {
	s := newTestScheduler(t, 0)

	// Park the writer so subsequent enqueues land in the channel in a known
	// order before any of them runs.
	release := make(chan struct{})
	blockerDone := make(chan struct{})
	go func() {
		defer close(blockerDone)
		_ = s.Write(context.Background(), func(ctx context.Context) error {
			<-release
			return nil
		})
	}()
	// Give the blocker time to reach the worker.
	time.Sleep(50 * time.Millisecond)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Write(context.Background(), func(ctx context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		// Stagger enqueues so channel order matches i.
		time.Sleep(10 * time.Millisecond)
	}

	close(release)
	<-blockerDone
	wg.Wait()

	require.Len(t, order, 10)
	for i, got := range order {
		assert.Equal(t, i, got, "tasks ran out of enqueue order")
	}
}

func TestSchedulerReadParallelismBounded(t *testing.T) {
	s := newTestScheduler(t, 0)

	var inFlight, maxSeen int64
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Read(context.Background(), func(ctx context.Context) error {
				n := atomic.AddInt64(&inFlight, 1)
				for {
					seen := atomic.LoadInt64(&maxSeen)
					if n <= seen || atomic.CompareAndSwapInt64(&maxSeen, seen, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt64(&inFlight, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	maxObserved := atomic.LoadInt64(&maxSeen)
	assert.LessOrEqual(t, maxObserved, int64(readConcurrency))
	assert.Greater(t, maxObserved, int64(1), "reads never overlapped")
}

func TestSchedulerWriteBlocksReads(t *testing.T) {
	s := newTestScheduler(t, 0)

	writeRunning := make(chan struct{})
	releaseWrite := make(chan struct{})
	var writeDone atomic.Bool

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.Write(context.Background(), func(ctx context.Context) error {
			close(writeRunning)
			<-releaseWrite
			writeDone.Store(true)
			return nil
		})
	}()

	<-writeRunning
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := s.Read(context.Background(), func(ctx context.Context) error {
			assert.True(t, writeDone.Load(), "read overlapped an in-flight write")
			return nil
		})
		assert.NoError(t, err)
	}()

	time.Sleep(50 * time.Millisecond)
	close(releaseWrite)
	wg.Wait()
}

func TestSchedulerTaskTimeout(t *testing.T) {
	s := newTestScheduler(t, 30*time.Millisecond)

	err := s.Write(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestSchedulerPropagatesTaskError(t *testing.T) {
	s := newTestScheduler(t, 0)

	sentinel := errors.New("element not found")
	err := s.Write(context.Background(), func(ctx context.Context) error {
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
}

func TestSchedulerClosedRejectsTasks(t *testing.T) {
	s := NewScheduler(zap.NewNop(), 0)
	s.Close()

	err := s.Write(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)

	err = s.Read(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)

	// Close is idempotent.
	s.Close()
}
