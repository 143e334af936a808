package virtio

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/virtio/internal/mem"
)

const packedDescSize = 16

// descEvent is one event suppression word of a packed ring: a ring
// offset with its wrap bit, a disabled bit, and a bit selecting
// descriptor-specific (event-index style) notifications.
type descEvent uint32

func (e descEvent) offset() uint16    { return uint16(e) & 0x7fff }
func (e descEvent) wrap() bool        { return e&(1<<15) != 0 }
func (e descEvent) disabled() bool    { return e&(1<<16) != 0 }
func (e descEvent) descEnabled() bool { return e&(1<<17) != 0 }

func (e descEvent) withDisabled(disabled bool) descEvent {
	if disabled {
		return e | 1<<16
	}
	return e &^ (1 << 16)
}

// PackedQueue is the single-ring layout: one descriptor array serves
// both directions, with availability encoded in each descriptor's
// avail/used flag bits relative to a wrap counter that flips on every
// pass over the ring.
//
// The fetch cursor and the publish cursor are tracked separately, each
// with its own wrap counter, so chains parked for deferred completion
// can finish out of order: fetching advances avail, publishing
// advances used by the chain's descriptor count.
type PackedQueue struct {
	reg *QueueRegister
	ram *mem.Ram

	size     uint16
	eventIdx bool
	ring     []byte

	// driverEvent is written by the driver and read by the device to
	// decide interrupt suppression; deviceEvent is the reverse.
	driverEvent []byte
	deviceEvent []byte

	availIdx  uint16
	availWrap bool
	usedIdx   uint16
	usedWrap  bool
}

// NewPackedQueue snapshots reg and resolves the descriptor ring and
// the two event suppression words. A disabled queue yields (nil, nil).
func NewPackedQueue(reg *QueueRegister, ram *mem.Ram, features uint64) (*PackedQueue, error) {
	if !reg.Enabled.Load() {
		return nil, nil
	}
	size, err := snapshotSize(reg)
	if err != nil {
		return nil, err
	}

	ring, err := ram.Slice(reg.Desc.Load(), packedDescSize*uint64(size))
	if err != nil {
		return nil, fmt.Errorf("virtio: resolve descriptor ring: %w", err)
	}
	driverEvent, err := ram.Slice(reg.Driver.Load(), 4)
	if err != nil {
		return nil, fmt.Errorf("virtio: resolve driver event word: %w", err)
	}
	deviceEvent, err := ram.Slice(reg.Device.Load(), 4)
	if err != nil {
		return nil, fmt.Errorf("virtio: resolve device event word: %w", err)
	}

	q := &PackedQueue{
		reg:         reg,
		ram:         ram,
		size:        size,
		eventIdx:    features&FeatureEventIdx != 0,
		ring:        ring,
		driverEvent: driverEvent,
		deviceEvent: deviceEvent,
		availWrap:   true,
		usedWrap:    true,
	}
	// Fresh activation: doorbells start enabled.
	binary.LittleEndian.PutUint32(q.deviceEvent, 0)
	return q, nil
}

// Reg implements VirtQueue.
func (q *PackedQueue) Reg() *QueueRegister {
	return q.reg
}

// Size implements VirtQueue.
func (q *PackedQueue) Size() uint16 {
	return q.size
}

type packedDesc struct {
	addr  uint64
	len   uint32
	id    uint16
	flags uint16
}

func (q *PackedQueue) getDesc(index uint16) packedDesc {
	d := q.ring[int(index)*packedDescSize:]
	return packedDesc{
		addr:  binary.LittleEndian.Uint64(d[0:8]),
		len:   binary.LittleEndian.Uint32(d[8:12]),
		id:    binary.LittleEndian.Uint16(d[12:14]),
		flags: binary.LittleEndian.Uint16(d[14:16]),
	}
}

// flagIsAvail reports whether a descriptor's flag bits mark it
// available in the current lap: avail equal to the wrap counter, used
// different from it.
func (q *PackedQueue) flagIsAvail(flags uint16) bool {
	avail := flags&descFlagAvail != 0
	used := flags&descFlagUsed != 0
	return avail == q.availWrap && used != q.availWrap
}

// HasNextDesc implements VirtQueue.
func (q *PackedQueue) HasNextDesc() bool {
	return q.flagIsAvail(q.getDesc(q.availIdx).flags)
}

// NextDesc implements VirtQueue. The chain is identified by the buffer
// id carried in its last descriptor; the walk is bounded by the ring
// size.
func (q *PackedQueue) NextDesc() (*DescriptorChain, error) {
	if !q.HasNextDesc() {
		return nil, nil
	}
	head := q.availIdx

	var readable, writable []mem.IOV
	index := head
	count := uint16(0)
	var id uint16
	for {
		if count == q.size {
			return nil, &DescriptorChainTooLongError{Head: head, Size: q.size}
		}
		desc := q.getDesc(index)
		if desc.flags&descFlagIndirect != 0 {
			return nil, &IndirectDescriptorError{Index: index}
		}
		iov := mem.IOV{Addr: desc.addr, Len: uint64(desc.len)}
		if desc.flags&descFlagWrite != 0 {
			writable = append(writable, iov)
		} else {
			readable = append(readable, iov)
		}
		count++
		if desc.flags&descFlagNext == 0 {
			id = desc.id
			break
		}
		index = (index + 1) % q.size
	}

	readableBufs, err := q.ram.TranslateIOV(readable)
	if err != nil {
		return nil, fmt.Errorf("virtio: translate readable buffers of chain %d: %w", id, err)
	}
	writableBufs, err := q.ram.TranslateIOV(writable)
	if err != nil {
		return nil, fmt.Errorf("virtio: translate writable buffers of chain %d: %w", id, err)
	}

	q.availIdx += count
	if q.availIdx >= q.size {
		q.availIdx -= q.size
		q.availWrap = !q.availWrap
	}
	return &DescriptorChain{
		ID:       id,
		Readable: readableBufs,
		Writable: writableBufs,
		index:    head,
		count:    count,
	}, nil
}

// UndoDesc implements VirtQueue. The fetch cursor steps back over the
// chain's descriptors, unflipping the wrap counter if the advance had
// crossed the end of the ring.
func (q *PackedQueue) UndoDesc(chain *DescriptorChain) {
	if q.availIdx < chain.count {
		q.availIdx += q.size
		q.availWrap = !q.availWrap
	}
	q.availIdx -= chain.count
}

// PushUsed implements VirtQueue. One used descriptor is written at the
// publish cursor for the whole chain, its flags encoding "used" in the
// current lap (the inverse of the availability convention); the cursor
// then advances by the chain's descriptor count, wrapping and flipping
// the counter when it passes the end of the ring.
func (q *PackedQueue) PushUsed(chain *DescriptorChain, written uint32) {
	d := q.ring[int(q.usedIdx)*packedDescSize:]
	binary.LittleEndian.PutUint32(d[8:12], written)
	binary.LittleEndian.PutUint16(d[12:14], chain.ID)

	var flags uint16
	if q.usedWrap {
		flags = descFlagAvail | descFlagUsed
	}
	if written > 0 {
		flags |= descFlagWrite
	}
	// The flag word is what the driver polls; everything else must be
	// visible before it.
	fullFence()
	binary.LittleEndian.PutUint16(d[14:16], flags)

	q.usedIdx += chain.count
	if q.usedIdx >= q.size {
		q.usedIdx -= q.size
		q.usedWrap = !q.usedWrap
	}
}

// EnableNotification implements VirtQueue.
func (q *PackedQueue) EnableNotification(enable bool) {
	ev := descEvent(binary.LittleEndian.Uint32(q.deviceEvent))
	binary.LittleEndian.PutUint32(q.deviceEvent, uint32(ev.withDisabled(!enable)))
}

// InterruptEnabled implements VirtQueue. With descriptor-specific
// notifications the driver names a ring offset plus wrap bit; the
// completion raises an interrupt when that slot falls inside the span
// this chain's publish will cover, unwrapping the offset by one ring
// length when the driver's wrap bit disagrees with ours.
func (q *PackedQueue) InterruptEnabled(chain *DescriptorChain) bool {
	ev := descEvent(binary.LittleEndian.Uint32(q.driverEvent))
	if q.eventIdx && ev.descEnabled() {
		base := int(q.usedIdx)
		end := base + int(chain.count)
		offset := int(ev.offset())
		if ev.wrap() != q.usedWrap {
			offset += int(q.size)
		}
		return base <= offset && offset < end
	}
	return !ev.disabled()
}

var _ VirtQueue = (*PackedQueue)(nil)
