// Package dispatcher manages worker fan-out over the job queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/pagerisk/internal/scan"
	"github.com/JakeFAU/pagerisk/internal/worker"
)

// Offerer is implemented by queues that can reject work instead of blocking.
type Offerer interface {
	Offer(item scan.QueueItem) error
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   scan.Queue
	workers []*worker.Worker
}

// New creates a Dispatcher.
func New(queue scan.Queue, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
	}
}

// Run starts all workers and blocks until the context finishes and every
// worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Enqueue hands a job to the queue. Queues that support it are offered the
// item so a saturated backlog fails fast.
func (d *Dispatcher) Enqueue(ctx context.Context, item scan.QueueItem) error {
	if o, ok := d.queue.(Offerer); ok {
		if err := o.Offer(item); err != nil {
			return fmt.Errorf("queue offer: %w", err)
		}
		return nil
	}
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
