package virtio

import (
	"errors"
	"sync/atomic"
)

// ErrNotifierClosed is returned by Wait once a notifier is closed.
var ErrNotifierClosed = errors.New("virtio: notifier closed")

// Notifier is a queue doorbell: the notifying side kicks it, and Serve
// pumps the kicks into a Worker as notifications for one queue.
type Notifier interface {
	Kick() error
	Wait() error
	Serve(w *Worker, queue uint16)
	Close() error
}

// ChanNotifier is a channel-backed doorbell for in-process notifying
// (a vCPU exit handler calling straight into Go, or tests). Kicks
// coalesce: a doorbell rung faster than it is drained stays rung.
type ChanNotifier struct {
	ch     chan struct{}
	closed atomic.Bool
	done   chan struct{}
}

func NewChanNotifier() *ChanNotifier {
	return &ChanNotifier{
		ch:   make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Kick rings the doorbell. Never blocks.
func (n *ChanNotifier) Kick() error {
	if n.closed.Load() {
		return ErrNotifierClosed
	}
	select {
	case n.ch <- struct{}{}:
	default:
	}
	return nil
}

// Wait blocks until the doorbell rings or the notifier is closed.
func (n *ChanNotifier) Wait() error {
	select {
	case <-n.ch:
		return nil
	case <-n.done:
		return ErrNotifierClosed
	}
}

// Serve forwards doorbell signals to the worker until the notifier is
// closed. Run it on its own goroutine.
func (n *ChanNotifier) Serve(w *Worker, queue uint16) {
	for {
		if err := n.Wait(); err != nil {
			return
		}
		w.Notify(queue)
	}
}

// Close releases the notifier and unblocks any Wait.
func (n *ChanNotifier) Close() error {
	if n.closed.Swap(true) {
		return nil
	}
	close(n.done)
	return nil
}

var _ Notifier = (*ChanNotifier)(nil)
