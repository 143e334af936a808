package virtio

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/virtio/internal/mem"
)

// Ring flag words of the split layout.
const (
	availFlagNoInterrupt uint16 = 1 // driver -> device: skip interrupts
	usedFlagNoNotify     uint16 = 1 // device -> driver: skip doorbells
)

const splitDescSize = 16

// SplitQueue is the linear two-ring layout: a descriptor table, an
// avail ring the driver appends to, and a used ring the device appends
// to. Ring memory is accessed through bounds-checked byte-slice views
// resolved once at activation; the cursors are free-running 16-bit
// counters taken modulo the ring size.
type SplitQueue struct {
	reg *QueueRegister
	ram *mem.Ram

	size      uint16
	eventIdx  bool
	descTable []byte
	availRing []byte
	usedRing  []byte

	lastAvailIdx uint16
	usedIdx      uint16
}

// NewSplitQueue snapshots reg and resolves the three rings into host
// memory. A disabled queue yields (nil, nil).
func NewSplitQueue(reg *QueueRegister, ram *mem.Ram, features uint64) (*SplitQueue, error) {
	if !reg.Enabled.Load() {
		return nil, nil
	}
	size, err := snapshotSize(reg)
	if err != nil {
		return nil, err
	}
	eventIdx := features&FeatureEventIdx != 0
	var extra uint64
	if eventIdx {
		extra = 2
	}

	descTable, err := ram.Slice(reg.Desc.Load(), splitDescSize*uint64(size))
	if err != nil {
		return nil, fmt.Errorf("virtio: resolve descriptor table: %w", err)
	}
	availRing, err := ram.Slice(reg.Driver.Load(), 4+2*uint64(size)+extra)
	if err != nil {
		return nil, fmt.Errorf("virtio: resolve avail ring: %w", err)
	}
	usedRing, err := ram.Slice(reg.Device.Load(), 4+8*uint64(size)+extra)
	if err != nil {
		return nil, fmt.Errorf("virtio: resolve used ring: %w", err)
	}

	return &SplitQueue{
		reg:       reg,
		ram:       ram,
		size:      size,
		eventIdx:  eventIdx,
		descTable: descTable,
		availRing: availRing,
		usedRing:  usedRing,
	}, nil
}

// Reg implements VirtQueue.
func (q *SplitQueue) Reg() *QueueRegister {
	return q.reg
}

// Size implements VirtQueue.
func (q *SplitQueue) Size() uint16 {
	return q.size
}

type splitDesc struct {
	addr  uint64
	len   uint32
	flags uint16
	next  uint16
}

func (q *SplitQueue) getDesc(index uint16) splitDesc {
	d := q.descTable[int(index)*splitDescSize:]
	return splitDesc{
		addr:  binary.LittleEndian.Uint64(d[0:8]),
		len:   binary.LittleEndian.Uint32(d[8:12]),
		flags: binary.LittleEndian.Uint16(d[12:14]),
		next:  binary.LittleEndian.Uint16(d[14:16]),
	}
}

func (q *SplitQueue) availFlags() uint16 {
	return binary.LittleEndian.Uint16(q.availRing[0:2])
}

func (q *SplitQueue) availIdx() uint16 {
	return binary.LittleEndian.Uint16(q.availRing[2:4])
}

func (q *SplitQueue) readAvail(index uint16) uint16 {
	off := 4 + 2*int(index%q.size)
	return binary.LittleEndian.Uint16(q.availRing[off:])
}

// usedEvent is the driver's interrupt threshold, stored past the avail
// ring entries. Only valid with EVENT_IDX.
func (q *SplitQueue) usedEvent() uint16 {
	off := 4 + 2*int(q.size)
	return binary.LittleEndian.Uint16(q.availRing[off:])
}

// setAvailEvent publishes the device's doorbell threshold, stored past
// the used ring entries. Only valid with EVENT_IDX.
func (q *SplitQueue) setAvailEvent(v uint16) {
	off := 4 + 8*int(q.size)
	binary.LittleEndian.PutUint16(q.usedRing[off:], v)
}

func (q *SplitQueue) setUsedFlags(v uint16) {
	binary.LittleEndian.PutUint16(q.usedRing[0:2], v)
}

func (q *SplitQueue) setUsedElem(slot uint16, id uint32, length uint32) {
	off := 4 + 8*int(slot)
	binary.LittleEndian.PutUint32(q.usedRing[off:], id)
	binary.LittleEndian.PutUint32(q.usedRing[off+4:], length)
}

func (q *SplitQueue) setUsedIdx(v uint16) {
	binary.LittleEndian.PutUint16(q.usedRing[2:4], v)
}

// HasNextDesc implements VirtQueue.
func (q *SplitQueue) HasNextDesc() bool {
	return q.lastAvailIdx != q.availIdx()
}

// NextDesc implements VirtQueue. The chain walk is bounded by the ring
// size so a cyclic next chain cannot hang the worker.
func (q *SplitQueue) NextDesc() (*DescriptorChain, error) {
	if !q.HasNextDesc() {
		return nil, nil
	}
	head := q.readAvail(q.lastAvailIdx)

	var readable, writable []mem.IOV
	index := head
	count := uint16(0)
	for {
		if count == q.size {
			return nil, &DescriptorChainTooLongError{Head: head, Size: q.size}
		}
		if index >= q.size {
			return nil, &InvalidDescriptorError{ID: index}
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
			break
		}
		index = desc.next
	}

	readableBufs, err := q.ram.TranslateIOV(readable)
	if err != nil {
		return nil, fmt.Errorf("virtio: translate readable buffers of descriptor %d: %w", head, err)
	}
	writableBufs, err := q.ram.TranslateIOV(writable)
	if err != nil {
		return nil, fmt.Errorf("virtio: translate writable buffers of descriptor %d: %w", head, err)
	}

	q.lastAvailIdx++
	return &DescriptorChain{
		ID:       head,
		Readable: readableBufs,
		Writable: writableBufs,
		index:    head,
		count:    count,
	}, nil
}

// UndoDesc implements VirtQueue.
func (q *SplitQueue) UndoDesc(chain *DescriptorChain) {
	q.lastAvailIdx--
}

// PushUsed implements VirtQueue. The element is written before a full
// fence, and the used index after it, so the guest never observes an
// index covering an unwritten element.
func (q *SplitQueue) PushUsed(chain *DescriptorChain, written uint32) {
	q.setUsedElem(q.usedIdx%q.size, uint32(chain.ID), written)
	q.usedIdx++
	fullFence()
	q.setUsedIdx(q.usedIdx)
}

// EnableNotification implements VirtQueue. With EVENT_IDX the doorbell
// window is expressed as an avail-event threshold; without it, the
// used ring's NO_NOTIFY flag is toggled.
func (q *SplitQueue) EnableNotification(enable bool) {
	if q.eventIdx {
		if enable {
			q.setAvailEvent(q.lastAvailIdx)
		} else {
			// Park the threshold one behind the cursor so nothing the
			// driver publishes during this batch rings the doorbell.
			q.setAvailEvent(q.lastAvailIdx - 1)
		}
		return
	}
	if enable {
		q.setUsedFlags(0)
	} else {
		q.setUsedFlags(usedFlagNoNotify)
	}
}

// InterruptEnabled implements VirtQueue. With EVENT_IDX the completion
// raises an interrupt exactly when the publish crosses the driver's
// used-event watermark; the comparison runs on the free-running 16-bit
// counters so ring wraparound is handled by modular arithmetic.
func (q *SplitQueue) InterruptEnabled(chain *DescriptorChain) bool {
	if q.eventIdx {
		next := q.usedIdx + 1
		return next-q.usedEvent()-1 < next-q.usedIdx
	}
	return q.availFlags()&availFlagNoInterrupt == 0
}

var _ VirtQueue = (*SplitQueue)(nil)
