package main

import (
	"encoding/binary"
)

// Guest-physical layout of the benchmark rings.
const (
	descBase   = 0x1000
	driverBase = 0x10000
	deviceBase = 0x20000
	dataBase   = 0x100000
)

// Descriptor flag bits as defined by the virtio spec.
const (
	flagNext  uint16 = 1 << 0
	flagWrite uint16 = 1 << 1
	flagAvail uint16 = 1 << 7
	flagUsed  uint16 = 1 << 15
)

// driverSide plays the guest driver: it publishes writable chains and
// reaps the completions the device pushes back.
type driverSide interface {
	publish(n int)
	reap() int
}

type splitDriver struct {
	buf     []byte
	size    uint16
	payload uint32

	availCursor uint16
	lastUsed    uint16
}

func newSplitDriver(buf []byte, size uint16, payload uint32) *splitDriver {
	return &splitDriver{buf: buf, size: size, payload: payload}
}

func (d *splitDriver) publish(n int) {
	for i := 0; i < n; i++ {
		head := d.availCursor % d.size
		desc := d.buf[descBase+int(head)*16:]
		binary.LittleEndian.PutUint64(desc[0:8], dataBase+uint64(head)*uint64(d.payload))
		binary.LittleEndian.PutUint32(desc[8:12], d.payload)
		binary.LittleEndian.PutUint16(desc[12:14], flagWrite)
		binary.LittleEndian.PutUint16(desc[14:16], 0)
		binary.LittleEndian.PutUint16(d.buf[driverBase+4+2*int(head):], head)
		d.availCursor++
	}
	// Ask for one interrupt per batch, at its last completion.
	binary.LittleEndian.PutUint16(d.buf[driverBase+4+2*int(d.size):], d.availCursor-1)
	binary.LittleEndian.PutUint16(d.buf[driverBase+2:], d.availCursor)
}

func (d *splitDriver) reap() int {
	usedIdx := binary.LittleEndian.Uint16(d.buf[deviceBase+2:])
	n := usedIdx - d.lastUsed
	d.lastUsed = usedIdx
	return int(n)
}

type packedDriver struct {
	buf     []byte
	size    uint16
	payload uint32

	cursor uint16
	wrap   bool

	usedCursor uint16
	usedWrap   bool
}

func newPackedDriver(buf []byte, size uint16, payload uint32) *packedDriver {
	// Notifications and interrupts start enabled.
	binary.LittleEndian.PutUint32(buf[driverBase:], 0)
	return &packedDriver{buf: buf, size: size, payload: payload, wrap: true, usedWrap: true}
}

func (d *packedDriver) publish(n int) {
	for i := 0; i < n; i++ {
		slot := d.cursor
		flags := flagWrite
		if d.wrap {
			flags |= flagAvail
		} else {
			flags |= flagUsed
		}
		desc := d.buf[descBase+int(slot)*16:]
		binary.LittleEndian.PutUint64(desc[0:8], dataBase+uint64(slot)*uint64(d.payload))
		binary.LittleEndian.PutUint32(desc[8:12], d.payload)
		binary.LittleEndian.PutUint16(desc[12:14], slot)
		binary.LittleEndian.PutUint16(desc[14:16], flags)
		d.cursor++
		if d.cursor == d.size {
			d.cursor = 0
			d.wrap = !d.wrap
		}
	}
}

func (d *packedDriver) reap() int {
	n := 0
	for {
		flags := binary.LittleEndian.Uint16(d.buf[descBase+int(d.usedCursor)*16+14:])
		avail := flags&flagAvail != 0
		used := flags&flagUsed != 0
		if avail != used || avail != d.usedWrap {
			return n
		}
		n++
		d.usedCursor++
		if d.usedCursor == d.size {
			d.usedCursor = 0
			d.usedWrap = !d.usedWrap
		}
	}
}
