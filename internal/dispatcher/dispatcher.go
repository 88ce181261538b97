// Package dispatcher runs the executor pool and feeds it from the job queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/pagecache/internal/clock/system"
	"github.com/JakeFAU/pagecache/internal/scrape"
	"github.com/JakeFAU/pagecache/internal/worker"
)

// Dispatcher is the engine's scrape.Scheduler. Enqueued job ids are picked
// up by whichever worker dequeues first.
type Dispatcher struct {
	queue   scrape.Queue
	workers []*worker.Worker
	clock   scrape.Clock
}

var _ scrape.Scheduler = (*Dispatcher)(nil)

// New creates a Dispatcher. A nil clock uses the system clock.
func New(queue scrape.Queue, workers []*worker.Worker, clock scrape.Clock) *Dispatcher {
	if clock == nil {
		clock = system.New()
	}
	return &Dispatcher{queue: queue, workers: workers, clock: clock}
}

// Size returns the number of workers in the pool.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Run starts every worker and returns once all of them have stopped, either
// because ctx ended or because the queue was closed.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}
	wg.Wait()
}

// Enqueue stamps the submission time when unset and hands the item to the
// queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item scrape.QueueItem) error {
	if item.Submitted == 0 {
		item.Submitted = d.clock.Now().UnixNano()
	}
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("enqueue job %s: %w", item.JobID, err)
	}
	return nil
}
