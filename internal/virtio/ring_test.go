package virtio

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/tinyrange/virtio/internal/mem"
)

// Shared ring layout used by the queue tests. Everything lives in one
// heap region mapped at guest physical zero, so guest addresses are
// offsets into the region buffer.
const (
	testMemSize   = 2 << 20
	testDescAddr  = 0x1000
	testAvailAddr = 0x2000
	testUsedAddr  = 0x3000
	testDataAddr  = 0x4000
)

func newTestBus(t *testing.T) (*mem.Bus, *mem.Region) {
	t.Helper()
	bus := mem.NewBus()
	region := mem.NewRegion(testMemSize)
	if err := bus.Add(0, region); err != nil {
		t.Fatalf("add test region: %v", err)
	}
	return bus, region
}

func newTestRegister(size uint16) *QueueRegister {
	reg := &QueueRegister{}
	reg.Size.Store(uint32(size))
	reg.Desc.Store(testDescAddr)
	reg.Driver.Store(testAvailAddr)
	reg.Device.Store(testUsedAddr)
	reg.Enabled.Store(true)
	return reg
}

// splitRing writes driver-side split ring state into the test region.
type splitRing struct {
	buf  []byte
	size uint16
}

func (r *splitRing) writeDesc(index uint16, desc splitDesc) {
	d := r.buf[testDescAddr+int(index)*splitDescSize:]
	binary.LittleEndian.PutUint64(d[0:8], desc.addr)
	binary.LittleEndian.PutUint32(d[8:12], desc.len)
	binary.LittleEndian.PutUint16(d[12:14], desc.flags)
	binary.LittleEndian.PutUint16(d[14:16], desc.next)
}

func (r *splitRing) setAvailFlags(flags uint16) {
	binary.LittleEndian.PutUint16(r.buf[testAvailAddr:], flags)
}

func (r *splitRing) setAvailIdx(idx uint16) {
	binary.LittleEndian.PutUint16(r.buf[testAvailAddr+2:], idx)
}

func (r *splitRing) setAvailEntry(slot uint16, head uint16) {
	binary.LittleEndian.PutUint16(r.buf[testAvailAddr+4+2*int(slot):], head)
}

func (r *splitRing) setUsedEvent(v uint16) {
	binary.LittleEndian.PutUint16(r.buf[testAvailAddr+4+2*int(r.size):], v)
}

func (r *splitRing) usedFlags() uint16 {
	return binary.LittleEndian.Uint16(r.buf[testUsedAddr:])
}

func (r *splitRing) usedIdx() uint16 {
	return binary.LittleEndian.Uint16(r.buf[testUsedAddr+2:])
}

func (r *splitRing) usedElem(slot uint16) (id uint32, length uint32) {
	d := r.buf[testUsedAddr+4+8*int(slot):]
	return binary.LittleEndian.Uint32(d[0:4]), binary.LittleEndian.Uint32(d[4:8])
}

func (r *splitRing) availEvent() uint16 {
	return binary.LittleEndian.Uint16(r.buf[testUsedAddr+4+8*int(r.size):])
}

// packedRing writes driver-side packed ring state into the test
// region. The driver event word lives at the register's driver
// address, the device event word at its device address.
type packedRing struct {
	buf  []byte
	size uint16
}

func (r *packedRing) writeDesc(slot uint16, desc packedDesc) {
	d := r.buf[testDescAddr+int(slot)*packedDescSize:]
	binary.LittleEndian.PutUint64(d[0:8], desc.addr)
	binary.LittleEndian.PutUint32(d[8:12], desc.len)
	binary.LittleEndian.PutUint16(d[12:14], desc.id)
	binary.LittleEndian.PutUint16(d[14:16], desc.flags)
}

func (r *packedRing) readDesc(slot uint16) packedDesc {
	d := r.buf[testDescAddr+int(slot)*packedDescSize:]
	return packedDesc{
		addr:  binary.LittleEndian.Uint64(d[0:8]),
		len:   binary.LittleEndian.Uint32(d[8:12]),
		id:    binary.LittleEndian.Uint16(d[12:14]),
		flags: binary.LittleEndian.Uint16(d[14:16]),
	}
}

func (r *packedRing) setDriverEvent(ev descEvent) {
	binary.LittleEndian.PutUint32(r.buf[testAvailAddr:], uint32(ev))
}

func (r *packedRing) deviceEvent() descEvent {
	return descEvent(binary.LittleEndian.Uint32(r.buf[testUsedAddr:]))
}

// availFlags returns descriptor flag bits marking a slot available for
// the given driver wrap counter.
func availFlags(wrap bool) uint16 {
	if wrap {
		return descFlagAvail
	}
	return descFlagUsed
}

type mockIrqSender struct {
	mu     sync.Mutex
	queues []uint16
	config int
}

func (s *mockIrqSender) QueueIRQ(index uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues = append(s.queues, index)
}

func (s *mockIrqSender) ConfigIRQ() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config++
}

func (s *mockIrqSender) queueCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues)
}

// withRam runs a test body against a read-locked view of the bus, the
// way a worker runs an activation.
func withRam(t *testing.T, bus *mem.Bus, f func(ram *mem.Ram)) {
	t.Helper()
	err := bus.View(func(ram *mem.Ram) error {
		f(ram)
		return nil
	})
	if err != nil {
		t.Fatalf("view bus: %v", err)
	}
}

func TestNewVirtQueueDispatch(t *testing.T) {
	bus, _ := newTestBus(t)
	reg := newTestRegister(QueueSizeMax)

	withRam(t, bus, func(ram *mem.Ram) {
		q, err := NewVirtQueue(reg, ram, FeatureVersion1)
		if err != nil {
			t.Fatalf("activate split: %v", err)
		}
		if _, ok := q.(*SplitQueue); !ok {
			t.Errorf("default layout = %T, want *SplitQueue", q)
		}

		q, err = NewVirtQueue(reg, ram, FeatureVersion1|FeatureRingPacked)
		if err != nil {
			t.Fatalf("activate packed: %v", err)
		}
		if _, ok := q.(*PackedQueue); !ok {
			t.Errorf("packed layout = %T, want *PackedQueue", q)
		}

		reg.Enabled.Store(false)
		q, err = NewVirtQueue(reg, ram, FeatureVersion1)
		if err != nil || q != nil {
			t.Errorf("disabled queue = (%v, %v), want (nil, nil)", q, err)
		}
	})
}
