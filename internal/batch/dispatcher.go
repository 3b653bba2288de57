package batch

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Dispatcher works through newly created batches in the background. Each
// worker takes one batch at a time and runs its tasks in order.
type Dispatcher struct {
	orch    *Orchestrator
	workers int
	queue   chan string

	mu      sync.RWMutex
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewDispatcher(orch *Orchestrator, workers, queueSize int) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 100
	}
	return &Dispatcher{
		orch:    orch,
		workers: workers,
		queue:   make(chan string, queueSize),
	}
}

// Start launches the workers. They stop when ctx is cancelled or Stop is
// called.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	zap.L().Info("Starting batch dispatcher", zap.Int("workers", d.workers))

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work(ctx, i)
	}
}

// Enqueue schedules batchID without blocking.
func (d *Dispatcher) Enqueue(batchID string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrDispatcherOff
	}
	select {
	case d.queue <- batchID:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop refuses new batches, lets queued ones drain and waits for the
// workers. A task that was already claimed always runs to its terminal
// status; once the parent context is cancelled, workers stop before
// claiming the next task and leave it pending.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	if d.cancel != nil {
		d.cancel()
	}
	zap.L().Info("Batch dispatcher stopped")
}

func (d *Dispatcher) work(ctx context.Context, id int) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case batchID, ok := <-d.queue:
			if !ok {
				return
			}
			succeeded, failed, err := d.orch.ProcessAll(ctx, batchID)
			if err != nil {
				zap.L().Error("Batch processing stopped early",
					zap.Int("worker", id),
					zap.String("batch_id", batchID),
					zap.Error(err))
				continue
			}
			zap.L().Info("Batch processed",
				zap.Int("worker", id),
				zap.String("batch_id", batchID),
				zap.Int("succeeded", succeeded),
				zap.Int("failed", failed))
		}
	}
}
