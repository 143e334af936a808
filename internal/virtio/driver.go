package virtio

import (
	"io"
)

// IrqSender delivers interrupts to the guest. Implementations must be
// safe for concurrent use: workers for every device sharing an
// interrupt controller call into one sender.
type IrqSender interface {
	// QueueIRQ signals completions on the indexed queue.
	QueueIRQ(index uint16)
	// ConfigIRQ signals a device configuration change.
	ConfigIRQ()
}

// DescResult is a DescOp's verdict on one descriptor chain.
type DescResult int

const (
	// DescDone completes the chain now with the reported length.
	DescDone DescResult = iota
	// DescDeferred parks the chain for later completion through
	// HandlePending.
	DescDeferred
	// DescBreak stops the current batch without error and returns the
	// chain to the ring for a later retry; used for backpressure when
	// a downstream resource would block.
	DescBreak
)

// DescOp processes one descriptor chain. written is only meaningful
// with DescDone. A returned error fails the chain and aborts the
// batch.
type DescOp func(chain *DescriptorChain) (result DescResult, written uint32, err error)

// Queue drives one virtqueue: it drains available chains into a
// caller-supplied operation, parks deferred chains for out-of-order
// completion, and batches interrupt delivery. A Queue belongs to a
// single worker goroutine.
type Queue struct {
	vq      VirtQueue
	index   uint16
	irq     IrqSender
	pending map[uint16]*DescriptorChain
}

// NewQueue wraps an activated virtqueue with its device-side queue
// index and interrupt capability.
func NewQueue(vq VirtQueue, index uint16, irq IrqSender) *Queue {
	return &Queue{
		vq:      vq,
		index:   index,
		irq:     irq,
		pending: make(map[uint16]*DescriptorChain),
	}
}

// VirtQueue returns the underlying ring.
func (q *Queue) VirtQueue() VirtQueue {
	return q.vq
}

// PendingLen returns the number of chains awaiting deferred
// completion.
func (q *Queue) PendingLen() int {
	return len(q.pending)
}

// HandleDesc drains every available descriptor chain through op.
// Doorbells are suppressed while a batch is being drained and
// re-enabled afterwards; a full fence and a final availability
// re-check close the race with a driver that submits a new chain just
// as the device stops polling. At most one queue interrupt is raised
// per call, no matter how many completed chains were individually
// interrupt-eligible.
func (q *Queue) HandleDesc(op DescOp) error {
	sendIRQ := false
	var ret error
out:
	for q.vq.HasNextDesc() {
		q.vq.EnableNotification(false)
		for {
			chain, err := q.vq.NextDesc()
			if err != nil {
				ret = err
				q.vq.EnableNotification(true)
				break out
			}
			if chain == nil {
				break
			}
			result, written, err := op(chain)
			switch {
			case err != nil:
				ret = err
				q.vq.UndoDesc(chain)
				q.vq.EnableNotification(true)
				break out
			case result == DescBreak:
				q.vq.UndoDesc(chain)
				q.vq.EnableNotification(true)
				break out
			case result == DescDeferred:
				q.pending[chain.ID] = chain
			default:
				sendIRQ = sendIRQ || q.vq.InterruptEnabled(chain)
				q.vq.PushUsed(chain, written)
			}
		}
		q.vq.EnableNotification(true)
		fullFence()
	}
	if sendIRQ {
		fullFence()
		q.irq.QueueIRQ(q.index)
	}
	return ret
}

// HandlePending completes a chain previously parked by a DescDeferred
// verdict. An id with no pending chain fails with an
// InvalidDescriptorError and leaves the pending store untouched; so
// does a failing op, allowing the caller to retry.
func (q *Queue) HandlePending(id uint16, op DescOp) error {
	chain, ok := q.pending[id]
	if !ok {
		return &InvalidDescriptorError{ID: id}
	}
	result, written, err := op(chain)
	if err != nil {
		return err
	}
	if result != DescDone {
		return nil
	}
	delete(q.pending, id)
	sendIRQ := q.vq.InterruptEnabled(chain)
	q.vq.PushUsed(chain, written)
	if sendIRQ {
		fullFence()
		q.irq.QueueIRQ(q.index)
	}
	return nil
}

// CopyFromReader fills writable chains from a byte stream (the receive
// direction of stream-backed devices). A zero-byte read against a
// chain that actually has room means the stream has nothing for us
// yet, so the batch stops without completing the chain; a read against
// a genuinely zero-length chain completes it with length zero. A
// would-block error from the stream stops the batch the same way.
func (q *Queue) CopyFromReader(r io.Reader) error {
	return q.HandleDesc(func(chain *DescriptorChain) (DescResult, uint32, error) {
		n, err := readVectored(r, chain.Writable)
		if n > 0 {
			return DescDone, uint32(n), nil
		}
		switch {
		case err == nil:
			if chain.WritableBytes() == 0 {
				return DescDone, 0, nil
			}
			return DescBreak, 0, nil
		case isWouldBlock(err):
			return DescBreak, 0, nil
		default:
			return DescBreak, 0, err
		}
	})
}

// CopyToWriter drains readable chains into a byte stream (the transmit
// direction), with the same zero-length and would-block treatment as
// CopyFromReader.
func (q *Queue) CopyToWriter(w io.Writer) error {
	return q.HandleDesc(func(chain *DescriptorChain) (DescResult, uint32, error) {
		n, err := writeVectored(w, chain.Readable)
		if n > 0 {
			return DescDone, uint32(n), nil
		}
		switch {
		case err == nil:
			if chain.ReadableBytes() == 0 {
				return DescDone, 0, nil
			}
			return DescBreak, 0, nil
		case isWouldBlock(err):
			return DescBreak, 0, nil
		default:
			return DescBreak, 0, err
		}
	})
}

// readVectored reads from r into bufs in order, stopping at the first
// short read. Empty buffers are skipped.
func readVectored(r io.Reader, bufs [][]byte) (int, error) {
	total := 0
	for _, buf := range bufs {
		if len(buf) == 0 {
			continue
		}
		n, err := r.Read(buf)
		total += n
		if err != nil {
			if total > 0 && err == io.EOF {
				return total, nil
			}
			return total, err
		}
		if n < len(buf) {
			break
		}
	}
	return total, nil
}

// writeVectored writes bufs to w in order, stopping at the first short
// write.
func writeVectored(w io.Writer, bufs [][]byte) (int, error) {
	total := 0
	for _, buf := range bufs {
		if len(buf) == 0 {
			continue
		}
		n, err := w.Write(buf)
		total += n
		if err != nil {
			return total, err
		}
		if n < len(buf) {
			break
		}
	}
	return total, nil
}
