package virtio

import (
	"log/slog"
	"sync"
)

// QueueHandler processes one notified queue, normally by calling
// HandleDesc or one of the copy helpers on the queue it owns. An error
// tears the worker down: engine-level invariant violations are not
// recoverable for the queue group.
type QueueHandler func(queue uint16) error

// Worker drains the virtqueues of one device on a dedicated goroutine.
// Doorbells arrive through Notify (safe from any goroutine, never
// blocks); queue processing runs to completion batch by batch, and the
// shutdown signal is honored between batches, not mid-batch.
type Worker struct {
	name    string
	handler QueueHandler

	mu      sync.Mutex
	pending map[uint16]struct{}

	kick     chan struct{}
	shutdown chan struct{}
	done     chan struct{}
}

// NewWorker creates a worker; name only labels log output.
func NewWorker(name string, handler QueueHandler) *Worker {
	return &Worker{
		name:     name,
		handler:  handler,
		pending:  make(map[uint16]struct{}),
		kick:     make(chan struct{}, 1),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the worker goroutine.
func (w *Worker) Start() {
	go w.run()
}

// Notify records a doorbell for the indexed queue and wakes the
// worker. Notifications for the same queue coalesce; the caller (a
// vCPU exit path or an eventfd pump) is never blocked.
func (w *Worker) Notify(queue uint16) {
	w.mu.Lock()
	w.pending[queue] = struct{}{}
	w.mu.Unlock()
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Shutdown signals the worker to exit after the batch in progress and
// waits for it to stop.
func (w *Worker) Shutdown() {
	close(w.shutdown)
	<-w.done
}

func (w *Worker) run() {
	defer close(w.done)
	for {
		select {
		case <-w.shutdown:
			return
		case <-w.kick:
		}
		for {
			queue, ok := w.take()
			if !ok {
				break
			}
			if err := w.handler(queue); err != nil {
				slog.Error("virtio: queue handler failed, stopping worker",
					"worker", w.name, "queue", queue, "error", err)
				return
			}
			select {
			case <-w.shutdown:
				return
			default:
			}
		}
	}
}

// take pops one pending queue notification.
func (w *Worker) take() (uint16, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for queue := range w.pending {
		delete(w.pending, queue)
		return queue, true
	}
	return 0, false
}
