//go:build linux

package virtio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// EventfdNotifier is an eventfd-backed doorbell. Its file descriptor
// can be registered with the hypervisor as an ioeventfd so guest
// writes to the queue notify register land here without a vCPU exit;
// Serve pumps the signals into a worker.
type EventfdNotifier struct {
	fd     int
	closed atomic.Bool
}

// NewEventfdNotifier creates a blocking eventfd.
func NewEventfdNotifier() (*EventfdNotifier, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("virtio: create eventfd: %w", err)
	}
	return &EventfdNotifier{fd: fd}, nil
}

// Fd returns the raw descriptor for hypervisor registration.
func (n *EventfdNotifier) Fd() int {
	return n.fd
}

// Kick rings the doorbell.
func (n *EventfdNotifier) Kick() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(n.fd, buf[:]); err != nil {
		return fmt.Errorf("virtio: write eventfd: %w", err)
	}
	return nil
}

// Wait blocks until the doorbell rings, consuming the signal.
func (n *EventfdNotifier) Wait() error {
	var buf [8]byte
	if _, err := unix.Read(n.fd, buf[:]); err != nil {
		return fmt.Errorf("virtio: read eventfd: %w", err)
	}
	return nil
}

// Serve forwards doorbell signals to the worker as notifications for
// the given queue until the notifier is closed. Run it on its own
// goroutine.
func (n *EventfdNotifier) Serve(w *Worker, queue uint16) {
	for {
		if err := n.Wait(); err != nil {
			if !n.closed.Load() {
				slog.Error("virtio: eventfd wait failed", "queue", queue, "error", err)
			}
			return
		}
		if n.closed.Load() {
			return
		}
		w.Notify(queue)
	}
}

// Close releases the eventfd. Kick once after marking closed so a
// Serve goroutine blocked in Wait observes the shutdown.
func (n *EventfdNotifier) Close() error {
	if n.closed.Swap(true) {
		return nil
	}
	kickErr := n.Kick()
	if err := unix.Close(n.fd); err != nil {
		return fmt.Errorf("virtio: close eventfd: %w", err)
	}
	return kickErr
}

var _ Notifier = (*EventfdNotifier)(nil)
