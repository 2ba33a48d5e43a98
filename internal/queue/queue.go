// Package queue implements the bounded concurrent work-queues described in §5: a fixed-size pool
// of workers reading from a channel, coordinated with errgroup so that the first fatal error
// cancels the queue's own context (derived from the caller's) and is returned from Close, plus
// the queue-drain idiom used at every phase boundary in §4.G.
package queue

import (
	"context"
	"sync"
	"sync/atomic"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/errgroup"
)

// Queue is a bounded worker pool of the given width, processing items of type T with work.
// It implements the queue-drain idiom of §4.G: Drain blocks until every submitted item
// (including any submitted by another in-flight item's own processing) has been processed.
type Queue[T any] struct {
	width int
	items chan T
	work  func(ctx context.Context, item T) error

	wg      sync.WaitGroup
	pending int64

	g      *errgroup.Group
	ctx    context.Context //nolint:containedctx
	cancel context.CancelFunc
}

// New starts a Queue of the given width. work is invoked once per submitted item, from one of
// width concurrent goroutines; if it returns an error, the queue's context is canceled and the
// error is returned from Close.
func New[T any](ctx context.Context, width int, work func(ctx context.Context, item T) error) *Queue[T] {
	if width < 1 {
		width = 1
	}
	gctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(gctx)

	q := &Queue[T]{
		width:  width,
		items:  make(chan T, width*2), //nolint:mnd
		work:   work,
		g:      g,
		ctx:    gctx,
		cancel: cancel,
	}

	for i := 0; i < width; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil //nolint:nilerr
				case item, ok := <-q.items:
					if !ok {
						return nil
					}
					err := work(gctx, item)
					q.wg.Done()
					atomic.AddInt64(&q.pending, -1)
					if err != nil {
						return err
					}
				}
			}
		})
	}

	// Once the context is canceled the workers stop reading; discard whatever is still buffered
	// so that Drain (which waits on the WaitGroup) cannot hang on items nobody will process.
	// The channel is closed by Close, which ends the range.
	go func() {
		<-gctx.Done()
		for range q.items {
			q.wg.Done()
			atomic.AddInt64(&q.pending, -1)
		}
	}()

	return q
}

// Submit enqueues item, blocking if the queue's internal buffer is full. It returns the queue's
// context error if the queue has already been canceled by a failed item.
func (q *Queue[T]) Submit(item T) error {
	if q.ctx.Err() != nil {
		return q.ctx.Err()
	}
	q.wg.Add(1)
	atomic.AddInt64(&q.pending, 1)
	select {
	case q.items <- item:
		return nil
	case <-q.ctx.Done():
		q.wg.Done()
		atomic.AddInt64(&q.pending, -1)
		return q.ctx.Err()
	}
}

// Pending returns the number of items submitted but not yet processed, used by the title
// crawler's back-pressure check against the redirect-lookup queue (§4.D, §5).
func (q *Queue[T]) Pending() int64 {
	return atomic.LoadInt64(&q.pending)
}

// Drain waits until every item submitted so far has finished processing. It re-checks after the
// first zero to catch work enqueued by callbacks that were themselves still in flight, matching
// the "push a sentinel and wait again" idiom of §4.G.
func (q *Queue[T]) Drain() {
	q.wg.Wait()
	for atomic.LoadInt64(&q.pending) > 0 {
		q.wg.Wait()
	}
}

// Close stops accepting new items and waits for in-flight workers to exit, returning the first
// error (if any) reported by work. Every Submit must happen-before Close.
func (q *Queue[T]) Close() error {
	close(q.items)
	err := q.g.Wait()
	q.cancel()
	return errors.WithStack(err) //nolint:wrapcheck
}
