package virtio

import (
	"bytes"
	"errors"
	"testing"

	"github.com/tinyrange/virtio/internal/mem"
)

func newPackedQueue(t *testing.T, ram *mem.Ram, reg *QueueRegister, features uint64) *PackedQueue {
	t.Helper()
	q, err := NewPackedQueue(reg, ram, features)
	if err != nil {
		t.Fatalf("create packed queue: %v", err)
	}
	if q == nil {
		t.Fatalf("packed queue unexpectedly inactive")
	}
	return q
}

func TestPackedQueueDisabled(t *testing.T) {
	bus, _ := newTestBus(t)
	reg := newTestRegister(QueueSizeMax)
	reg.Enabled.Store(false)

	withRam(t, bus, func(ram *mem.Ram) {
		q, err := NewPackedQueue(reg, ram, FeatureRingPacked)
		if err != nil {
			t.Fatalf("create packed queue: %v", err)
		}
		if q != nil {
			t.Error("disabled queue should activate as nil, not as a queue")
		}
	})
}

func TestPackedQueueRoundTrip(t *testing.T) {
	bus, region := newTestBus(t)
	reg := newTestRegister(QueueSizeMax)
	ring := &packedRing{buf: region.Bytes(), size: QueueSizeMax}

	str1 := "Hello, World!"
	str2 := "Goodbye, World!"
	str1Addr := uint64(testDataAddr)
	str2Addr := str1Addr + uint64(len(str1))
	copy(region.Bytes()[str1Addr:], str1)
	copy(region.Bytes()[str2Addr:], str2)

	ring.writeDesc(0, packedDesc{
		addr: str1Addr, len: uint32(len(str1)),
		flags: availFlags(true) | descFlagNext,
	})
	ring.writeDesc(1, packedDesc{
		addr: str2Addr, len: uint32(len(str2)), id: 7,
		flags: availFlags(true),
	})

	withRam(t, bus, func(ram *mem.Ram) {
		q := newPackedQueue(t, ram, reg, FeatureRingPacked)
		if !q.HasNextDesc() {
			t.Fatal("published chain not seen as available")
		}

		chain, err := q.NextDesc()
		if err != nil {
			t.Fatalf("next desc: %v", err)
		}
		if chain.ID != 7 {
			t.Errorf("chain id = %d, want buffer id 7 from the tail descriptor", chain.ID)
		}
		if chain.Count() != 2 {
			t.Errorf("chain count = %d, want 2", chain.Count())
		}
		if len(chain.Readable) != 2 || len(chain.Writable) != 0 {
			t.Fatalf("chain has %d readable / %d writable buffers, want 2 / 0",
				len(chain.Readable), len(chain.Writable))
		}
		if !bytes.Equal(chain.Readable[0], []byte(str1)) || !bytes.Equal(chain.Readable[1], []byte(str2)) {
			t.Error("chain buffers do not match guest payload")
		}
		if q.HasNextDesc() {
			t.Error("chain still available after fetch")
		}

		q.PushUsed(chain, 0)
		used := ring.readDesc(0)
		if used.id != 7 {
			t.Errorf("used id = %d, want 7", used.id)
		}
		if used.flags&descFlagAvail == 0 || used.flags&descFlagUsed == 0 {
			t.Errorf("used flags = 0x%x, want AVAIL|USED set for wrap=true", used.flags)
		}
		if q.usedIdx != 2 {
			t.Errorf("used cursor = %d, want 2", q.usedIdx)
		}
	})
}

func TestPackedQueueAvailability(t *testing.T) {
	bus, region := newTestBus(t)
	reg := newTestRegister(QueueSizeMax)
	ring := &packedRing{buf: region.Bytes(), size: QueueSizeMax}

	withRam(t, bus, func(ram *mem.Ram) {
		q := newPackedQueue(t, ram, reg, FeatureRingPacked)

		// AVAIL must match the wrap counter and USED must differ.
		cases := []struct {
			flags uint16
			avail bool
		}{
			{descFlagAvail, true},
			{0, false},
			{descFlagAvail | descFlagUsed, false},
			{descFlagUsed, false},
		}
		for _, c := range cases {
			ring.writeDesc(0, packedDesc{flags: c.flags})
			if got := q.HasNextDesc(); got != c.avail {
				t.Errorf("flags 0x%x: available = %v, want %v", c.flags, got, c.avail)
			}
		}

		// After a wrap flip, the encoding inverts.
		q.availWrap = false
		ring.writeDesc(0, packedDesc{flags: descFlagUsed})
		if !q.HasNextDesc() {
			t.Error("descriptor not available after wrap flip")
		}
	})
}

func TestPackedQueueWrapCounter(t *testing.T) {
	bus, region := newTestBus(t)
	reg := newTestRegister(4)
	ring := &packedRing{buf: region.Bytes(), size: 4}

	withRam(t, bus, func(ram *mem.Ram) {
		q := newPackedQueue(t, ram, reg, FeatureRingPacked)

		// First lap: four single-descriptor chains.
		wrap := true
		for i := uint16(0); i < 4; i++ {
			ring.writeDesc(i, packedDesc{addr: testDataAddr, len: 16, id: i, flags: availFlags(wrap)})
		}
		for i := uint16(0); i < 4; i++ {
			chain, err := q.NextDesc()
			if err != nil || chain == nil {
				t.Fatalf("lap 1 next desc %d: (%v, %v)", i, chain, err)
			}
			q.PushUsed(chain, 0)
		}
		if q.usedWrap != false || q.usedIdx != 0 {
			t.Fatalf("after one lap: wrap=%v cursor=%d, want wrap flipped once and cursor 0",
				q.usedWrap, q.usedIdx)
		}
		if q.availWrap != false || q.availIdx != 0 {
			t.Fatalf("after one lap: avail wrap=%v cursor=%d, want wrap flipped once and cursor 0",
				q.availWrap, q.availIdx)
		}

		// Second lap: a three-descriptor chain then a chain crossing
		// the ring boundary.
		wrap = false
		ring.writeDesc(0, packedDesc{addr: testDataAddr, len: 16, flags: availFlags(wrap) | descFlagNext})
		ring.writeDesc(1, packedDesc{addr: testDataAddr, len: 16, flags: availFlags(wrap) | descFlagNext})
		ring.writeDesc(2, packedDesc{addr: testDataAddr, len: 16, id: 1, flags: availFlags(wrap)})
		ring.writeDesc(3, packedDesc{addr: testDataAddr, len: 16, flags: availFlags(wrap) | descFlagNext})

		chain, err := q.NextDesc()
		if err != nil || chain == nil || chain.Count() != 3 {
			t.Fatalf("three-descriptor chain: (%v, %v)", chain, err)
		}
		q.PushUsed(chain, 0)
		if q.usedIdx != 3 || q.usedWrap != false {
			t.Fatalf("cursor=%d wrap=%v after in-lap push, want 3 and unflipped", q.usedIdx, q.usedWrap)
		}

		// Boundary chain: slots 3 and 0 (the continuation is published
		// under the next lap's encoding).
		ring.writeDesc(0, packedDesc{addr: testDataAddr, len: 16, id: 2, flags: availFlags(!wrap)})
		chain, err = q.NextDesc()
		if err != nil || chain == nil || chain.Count() != 2 {
			t.Fatalf("boundary chain: (%v, %v)", chain, err)
		}
		q.PushUsed(chain, 0)
		// (3 + 2) - 4 = 1, wrap flipped back.
		if q.usedIdx != 1 || q.usedWrap != true {
			t.Errorf("cursor=%d wrap=%v after boundary push, want 1 and flipped", q.usedIdx, q.usedWrap)
		}
	})
}

func TestPackedQueueIndirectRejected(t *testing.T) {
	bus, region := newTestBus(t)
	reg := newTestRegister(QueueSizeMax)
	ring := &packedRing{buf: region.Bytes(), size: QueueSizeMax}

	ring.writeDesc(0, packedDesc{addr: testDataAddr, len: 16, flags: availFlags(true) | descFlagIndirect})

	withRam(t, bus, func(ram *mem.Ram) {
		q := newPackedQueue(t, ram, reg, FeatureRingPacked)
		_, err := q.NextDesc()
		var indirect *IndirectDescriptorError
		if !errors.As(err, &indirect) {
			t.Fatalf("indirect descriptor returned %v, want IndirectDescriptorError", err)
		}
	})
}

func TestPackedQueueEnableNotification(t *testing.T) {
	bus, region := newTestBus(t)
	reg := newTestRegister(QueueSizeMax)
	ring := &packedRing{buf: region.Bytes(), size: QueueSizeMax}

	withRam(t, bus, func(ram *mem.Ram) {
		q := newPackedQueue(t, ram, reg, FeatureRingPacked)
		if ring.deviceEvent().disabled() {
			t.Error("doorbells should start enabled after activation")
		}
		q.EnableNotification(false)
		if !ring.deviceEvent().disabled() {
			t.Error("device event word not marked disabled")
		}
		q.EnableNotification(true)
		if ring.deviceEvent().disabled() {
			t.Error("device event word still disabled after re-enable")
		}
	})
}

func TestPackedQueueInterruptFlags(t *testing.T) {
	bus, region := newTestBus(t)
	reg := newTestRegister(QueueSizeMax)
	ring := &packedRing{buf: region.Bytes(), size: QueueSizeMax}

	withRam(t, bus, func(ram *mem.Ram) {
		q := newPackedQueue(t, ram, reg, FeatureRingPacked)
		chain := &DescriptorChain{count: 1}

		ring.setDriverEvent(0)
		if !q.InterruptEnabled(chain) {
			t.Error("interrupt suppressed with events enabled")
		}
		ring.setDriverEvent(descEvent(0).withDisabled(true))
		if q.InterruptEnabled(chain) {
			t.Error("interrupt enabled despite disabled driver event word")
		}
	})
}

func TestPackedQueueInterruptWindow(t *testing.T) {
	bus, region := newTestBus(t)
	reg := newTestRegister(QueueSizeMax)
	ring := &packedRing{buf: region.Bytes(), size: QueueSizeMax}

	const descEnabled = descEvent(1 << 17)

	withRam(t, bus, func(ram *mem.Ram) {
		q := newPackedQueue(t, ram, reg, FeatureRingPacked|FeatureEventIdx)
		q.usedIdx = 10

		chain := &DescriptorChain{count: 3}

		// Offsets inside [10, 13) with the matching wrap bit trigger.
		for _, c := range []struct {
			offset uint16
			want   bool
		}{
			{9, false},
			{10, true},
			{12, true},
			{13, false},
		} {
			ring.setDriverEvent(descEnabled | descEvent(c.offset) | descEvent(1<<15))
			if got := q.InterruptEnabled(chain); got != c.want {
				t.Errorf("offset %d: interrupt enabled = %v, want %v", c.offset, got, c.want)
			}
		}

		// A mismatched wrap bit shifts the offset one ring length
		// forward, outside the window.
		ring.setDriverEvent(descEnabled | descEvent(10))
		if q.InterruptEnabled(chain) {
			t.Error("interrupt enabled across wrap mismatch")
		}

		// Near the end of the ring, a window spanning the boundary
		// reaches offsets published for the next lap.
		q.usedIdx = QueueSizeMax - 1
		ring.setDriverEvent(descEnabled | descEvent(0))
		if !q.InterruptEnabled(chain) {
			t.Error("interrupt suppressed for next-lap offset inside the window")
		}
	})
}

func TestPackedQueueUndoDesc(t *testing.T) {
	bus, region := newTestBus(t)
	reg := newTestRegister(4)
	ring := &packedRing{buf: region.Bytes(), size: 4}

	withRam(t, bus, func(ram *mem.Ram) {
		q := newPackedQueue(t, ram, reg, FeatureRingPacked)

		ring.writeDesc(0, packedDesc{addr: testDataAddr, len: 16, flags: availFlags(true) | descFlagNext})
		ring.writeDesc(1, packedDesc{addr: testDataAddr, len: 16, id: 9, flags: availFlags(true)})

		chain, err := q.NextDesc()
		if err != nil || chain == nil {
			t.Fatalf("next desc: (%v, %v)", chain, err)
		}
		if q.availIdx != 2 {
			t.Fatalf("fetch cursor = %d, want 2", q.availIdx)
		}
		q.UndoDesc(chain)
		if q.availIdx != 0 || q.availWrap != true {
			t.Fatalf("after undo: cursor=%d wrap=%v, want 0 and unflipped", q.availIdx, q.availWrap)
		}

		// The chain comes back on the next fetch.
		chain, err = q.NextDesc()
		if err != nil || chain == nil || chain.ID != 9 || chain.Count() != 2 {
			t.Fatalf("refetch: (%v, %v)", chain, err)
		}
		q.PushUsed(chain, 0)
	})
}

func TestPackedQueueUndoDescAcrossBoundary(t *testing.T) {
	bus, region := newTestBus(t)
	reg := newTestRegister(4)
	ring := &packedRing{buf: region.Bytes(), size: 4}

	withRam(t, bus, func(ram *mem.Ram) {
		q := newPackedQueue(t, ram, reg, FeatureRingPacked)

		// Burn a lap minus one so the next chain crosses the boundary.
		for i := uint16(0); i < 3; i++ {
			ring.writeDesc(i, packedDesc{addr: testDataAddr, len: 16, id: i, flags: availFlags(true)})
			chain, err := q.NextDesc()
			if err != nil || chain == nil {
				t.Fatalf("lap fill %d: (%v, %v)", i, chain, err)
			}
			q.PushUsed(chain, 0)
		}

		ring.writeDesc(3, packedDesc{addr: testDataAddr, len: 16, flags: availFlags(true) | descFlagNext})
		ring.writeDesc(0, packedDesc{addr: testDataAddr, len: 16, id: 5, flags: availFlags(false)})
		chain, err := q.NextDesc()
		if err != nil || chain == nil {
			t.Fatalf("boundary chain: (%v, %v)", chain, err)
		}
		if q.availIdx != 1 || q.availWrap != false {
			t.Fatalf("after boundary fetch: cursor=%d wrap=%v, want 1 and flipped", q.availIdx, q.availWrap)
		}
		q.UndoDesc(chain)
		if q.availIdx != 3 || q.availWrap != true {
			t.Errorf("after undo: cursor=%d wrap=%v, want 3 and unflipped", q.availIdx, q.availWrap)
		}
		if !q.HasNextDesc() {
			t.Error("undone boundary chain not visible to the fetch cursor")
		}
	})
}
