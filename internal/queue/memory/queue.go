// Package memory provides the in-process job queue between the engine and
// the executor pool.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/pagecache/internal/scrape"
)

// ErrClosed is returned once the queue has been closed.
var ErrClosed = scrape.ErrQueueClosed

// Queue is a bounded FIFO of job ids. Closing it stops hand-out at once;
// ids still buffered are dropped because their jobs remain pending in the
// store and are resumed on the next start.
type Queue struct {
	items     chan scrape.QueueItem
	done      chan struct{}
	closeOnce sync.Once
}

var _ scrape.Queue = (*Queue)(nil)

// ErrFull is returned by Enqueue when every slot is taken.
var ErrFull = scrape.ErrQueueFull

// NewQueue returns a queue holding up to capacity ids. With zero capacity
// Enqueue only succeeds when a worker is already waiting.
func NewQueue(capacity int) *Queue {
	return &Queue{
		items: make(chan scrape.QueueItem, max(capacity, 0)),
		done:  make(chan struct{}),
	}
}

// Enqueue adds item without waiting. A full queue yields ErrFull so the
// submitting request is never held behind running scrapes.
func (q *Queue) Enqueue(ctx context.Context, item scrape.QueueItem) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.items <- item:
		return nil
	default:
		return ErrFull
	}
}

// Dequeue waits for the next item.
func (q *Queue) Dequeue(ctx context.Context) (scrape.QueueItem, error) {
	select {
	case <-q.done:
		return scrape.QueueItem{}, ErrClosed
	default:
	}
	select {
	case item := <-q.items:
		return item, nil
	case <-q.done:
		return scrape.QueueItem{}, ErrClosed
	case <-ctx.Done():
		return scrape.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	}
}

// Len reports how many items are buffered.
func (q *Queue) Len() int {
	return len(q.items)
}

// Close stops the queue. It is safe to call more than once, and it wakes
// every blocked Dequeue.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}
