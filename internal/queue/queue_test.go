package queue_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"

	"gitlab.com/mwoffliner/mwoffliner/internal/queue"
)

func TestQueueProcessesAllItems(t *testing.T) {
	t.Parallel()

	var processed int64
	q := queue.New(context.Background(), 4, func(_ context.Context, _ int) error {
		atomic.AddInt64(&processed, 1)
		return nil
	})

	for i := 0; i < 100; i++ {
		require.NoError(t, q.Submit(i))
	}
	q.Drain()
	require.NoError(t, q.Close())

	assert.Equal(t, int64(100), processed)
}

func TestQueueWidthBound(t *testing.T) {
	t.Parallel()

	const width = 3
	var current, peak int64
	var mu sync.Mutex

	q := queue.New(context.Background(), width, func(_ context.Context, _ int) error {
		n := atomic.AddInt64(&current, 1)
		mu.Lock()
		if n > peak {
			peak = n
		}
		mu.Unlock()
		defer atomic.AddInt64(&current, -1)
		return nil
	})

	for i := 0; i < 50; i++ {
		require.NoError(t, q.Submit(i))
	}
	q.Drain()
	require.NoError(t, q.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, int64(width))
}

func TestQueueDrainWaitsForNestedWork(t *testing.T) {
	t.Parallel()

	var processed int64
	var q *queue.Queue[int]
	q = queue.New(context.Background(), 2, func(_ context.Context, item int) error {
		atomic.AddInt64(&processed, 1)
		if item > 0 {
			// Work scheduled by in-flight work must also complete before Drain returns.
			return q.Submit(item - 1)
		}
		return nil
	})

	require.NoError(t, q.Submit(3))
	q.Drain()
	require.NoError(t, q.Close())

	assert.Equal(t, int64(4), processed)
}

func TestQueueErrorStopsWorkers(t *testing.T) {
	t.Parallel()

	errBoom := errors.Base("boom")
	q := queue.New(context.Background(), 2, func(_ context.Context, item int) error {
		if item == 1 {
			return errors.WithStack(errBoom)
		}
		return nil
	})

	for i := 0; i < 20; i++ {
		if err := q.Submit(i); err != nil {
			break
		}
	}
	q.Drain()
	err := q.Close()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errBoom))
}

func TestQueuePending(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	q := queue.New(context.Background(), 1, func(_ context.Context, _ int) error {
		<-release
		return nil
	})

	require.NoError(t, q.Submit(1))
	require.NoError(t, q.Submit(2))
	assert.Equal(t, int64(2), q.Pending())

	close(release)
	q.Drain()
	require.NoError(t, q.Close())
	assert.Equal(t, int64(0), q.Pending())
}

func TestQueueSubmitAfterCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	q := queue.New(ctx, 1, func(_ context.Context, _ int) error { return nil })
	cancel()

	assert.Error(t, q.Submit(1))
	_ = q.Close()
}
