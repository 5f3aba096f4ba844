package workpool_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eteran/cask/internal/workpool"

	"github.com/stretchr/testify/require"
)

func TestSubmitReturnsResult(t *testing.T) {
	t.Parallel()

	pool := workpool.New(2)
	defer pool.Close()

	got, err := workpool.Submit(t.Context(), pool, func() (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, got)

	want := errors.New("boom")
	err = pool.Do(t.Context(), func() error { return want })
	require.ErrorIs(t, err, want)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	t.Parallel()

	const size = 3
	pool := workpool.New(size)
	defer pool.Close()

	var (
		current atomic.Int64
		peak    atomic.Int64
		wg      sync.WaitGroup
	)

	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pool.Do(context.Background(), func() error {
				n := current.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				current.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, peak.Load(), int64(size), "no more than size tasks should run at once")
	require.Positive(t, peak.Load())
}

func TestCanceledContextStopsWaiting(t *testing.T) {
	t.Parallel()

	pool := workpool.New(1)
	defer pool.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = pool.Do(context.Background(), func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()

	err := pool.Do(ctx, func() error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded, "waiting for a slot should honor the context")

	close(release)
}

func TestCanceledContextDoesNotAbortWork(t *testing.T) {
	t.Parallel()

	pool := workpool.New(1)

	var finished atomic.Bool
	ctx, cancel := context.WithCancel(t.Context())

	started := make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		errc <- pool.Do(ctx, func() error {
			close(started)
			time.Sleep(20 * time.Millisecond)
			finished.Store(true)
			return nil
		})
	}()

	<-started
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)

	// Close waits for accepted work, which must still run to completion.
	pool.Close()
	require.True(t, finished.Load(), "work should complete after the caller stopped waiting")
}

func TestClosedPoolRejectsWork(t *testing.T) {
	t.Parallel()

	pool := workpool.New(1)
	pool.Close()
	pool.Close()

	err := pool.Do(t.Context(), func() error { return nil })
	require.ErrorIs(t, err, workpool.ErrClosed)
}
