// Package virtio implements the virtqueue transport shared by all
// virtio devices: the split and packed ring layouts, guest address
// translation for descriptor chains, and the generic per-queue driver
// that drains available descriptors and publishes completions.
//
// Hypervisor bindings, device configuration space, and device business
// logic live elsewhere; they consume this package through the VirtQueue
// and Queue types and the IrqSender and Notifier capabilities.
package virtio

import (
	"fmt"
	"sync/atomic"

	"github.com/tinyrange/virtio/internal/mem"
)

// QueueSizeMax is the largest ring size the engine accepts.
const QueueSizeMax = 256

// Descriptor flag bits shared by both ring layouts. The avail and used
// bits are only meaningful in packed rings.
const (
	descFlagNext     uint16 = 1 << 0
	descFlagWrite    uint16 = 1 << 1
	descFlagIndirect uint16 = 1 << 2
	descFlagAvail    uint16 = 1 << 7
	descFlagUsed     uint16 = 1 << 15
)

// Transport feature bits the ring engine understands. Device feature
// negotiation happens in the configuration layer; the negotiated word
// is passed to the queue constructors.
const (
	FeatureIndirectDesc = uint64(1) << 28
	FeatureEventIdx     = uint64(1) << 29
	FeatureVersion1     = uint64(1) << 32
	FeatureRingPacked   = uint64(1) << 34
)

// QueueRegister is the shared configuration of one virtqueue. The
// control plane mutates the fields while servicing guest configuration
// writes; the data plane snapshots them once per activation. The
// fields are individually atomic so neither side takes a lock on the
// notification path. A queue whose register changes mid-activation
// must be re-activated before the new values take effect.
type QueueRegister struct {
	Size    atomic.Uint32
	Desc    atomic.Uint64
	Driver  atomic.Uint64
	Device  atomic.Uint64
	Enabled atomic.Bool
}

// DescriptorChain is one request's scatter/gather buffers, translated
// into host memory. The chain is borrowed for the duration of one
// operation: it is either completed immediately via PushUsed or parked
// in the driver's pending store for deferred completion. The slices
// alias guest RAM and must not be retained past the activation that
// produced them.
type DescriptorChain struct {
	// ID identifies the chain to the guest: the head descriptor-table
	// index for split rings, the buffer id for packed rings.
	ID uint16

	Readable [][]byte
	Writable [][]byte

	index uint16
	count uint16
}

// Count returns the number of descriptors in the chain.
func (c *DescriptorChain) Count() uint16 {
	return c.count
}

// ReadableBytes returns the total length of the readable buffers.
func (c *DescriptorChain) ReadableBytes() int {
	n := 0
	for _, buf := range c.Readable {
		n += len(buf)
	}
	return n
}

// WritableBytes returns the total length of the writable buffers.
func (c *DescriptorChain) WritableBytes() int {
	n := 0
	for _, buf := range c.Writable {
		n += len(buf)
	}
	return n
}

// VirtQueue is the ring capability both layouts implement. One
// instance is bound to one activation: it holds byte-slice views of
// the rings resolved through a read-locked RAM view and local cursor
// state, so it must only be used from the queue's worker.
type VirtQueue interface {
	// Reg returns the register this queue was activated from.
	Reg() *QueueRegister

	// Size returns the snapshotted ring size.
	Size() uint16

	// HasNextDesc reports whether the driver has published a
	// descriptor chain the device has not yet fetched.
	HasNextDesc() bool

	// NextDesc fetches the next available chain, translating its
	// buffers into host memory. It returns (nil, nil) when nothing is
	// available.
	NextDesc() (*DescriptorChain, error)

	// UndoDesc returns the most recently fetched chain to the ring, so
	// the next fetch sees it again. Only the last chain handed out by
	// NextDesc may be undone, and only before anything later is
	// fetched or pushed.
	UndoDesc(chain *DescriptorChain)

	// PushUsed publishes a completion for the chain with the given
	// number of bytes written, making it guest visible.
	PushUsed(chain *DescriptorChain, written uint32)

	// EnableNotification tells the driver whether the device wants
	// doorbells while it is (not) polling the ring.
	EnableNotification(enable bool)

	// InterruptEnabled reports whether completing the chain obliges
	// the device to raise an interrupt, honoring the driver's
	// suppression state. It must be consulted before PushUsed moves
	// the used cursor.
	InterruptEnabled(chain *DescriptorChain) bool
}

// NewVirtQueue activates the queue described by reg against the given
// RAM view, selecting the ring layout from the negotiated features. A
// disabled queue yields (nil, nil): an inactive queue is a valid
// absence, not an error.
func NewVirtQueue(reg *QueueRegister, ram *mem.Ram, features uint64) (VirtQueue, error) {
	if features&FeatureRingPacked != 0 {
		q, err := NewPackedQueue(reg, ram, features)
		if q == nil || err != nil {
			return nil, err
		}
		return q, nil
	}
	q, err := NewSplitQueue(reg, ram, features)
	if q == nil || err != nil {
		return nil, err
	}
	return q, nil
}

// snapshotSize validates the ring size read from a register.
func snapshotSize(reg *QueueRegister) (uint16, error) {
	size := reg.Size.Load()
	if size == 0 || size > QueueSizeMax || size&(size-1) != 0 {
		return 0, fmt.Errorf("virtio: invalid queue size %d", size)
	}
	return uint16(size), nil
}

// fenceWord backs fullFence: a sequentially consistent read-modify-
// write orders every earlier memory access before every later one,
// which is the strongest barrier expressible inside the Go memory
// model. The guest driver runs on vCPU threads that only synchronize
// with us through ring memory, so publication points need this.
var fenceWord atomic.Uint32

func fullFence() {
	fenceWord.Add(1)
}
