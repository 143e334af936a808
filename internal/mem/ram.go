package mem

import (
	"fmt"
	"sync"
)

// Region is one contiguous run of host memory backing a range of guest
// physical address space. The buffer may be a plain heap allocation
// (NewRegion) or an anonymous mapping (NewAnonymousRegion).
type Region struct {
	buf    []byte
	mapped bool
}

// NewRegion returns a heap-backed region of the given size. Heap
// regions are used by tests and portable builds; production guest RAM
// normally comes from NewAnonymousRegion so the hypervisor can map it
// into the guest.
func NewRegion(size uint64) *Region {
	return &Region{buf: make([]byte, size)}
}

// Size implements SlotBackend.
func (r *Region) Size() uint64 {
	return uint64(len(r.buf))
}

// Bytes returns the whole host buffer.
func (r *Region) Bytes() []byte {
	return r.buf
}

// Close releases the backing memory. For heap regions it is a no-op.
func (r *Region) Close() error {
	if !r.mapped {
		r.buf = nil
		return nil
	}
	return r.unmap()
}

// IOV is one guest-physical byte range of a scatter/gather list.
type IOV struct {
	Addr uint64
	Len  uint64
}

// Bus is the guest RAM layout: an address space of regions behind a
// read-write lock. The control plane adds and removes regions under
// the write lock; the data plane runs whole activations under one read
// guard via View, so in-flight translations never see the layout
// change.
type Bus struct {
	mu      sync.RWMutex
	regions AddressSpace[*Region]
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Add registers a region at the given guest physical base address.
func (b *Bus) Add(addr uint64, r *Region) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.regions.Add(addr, r)
	return err
}

// Remove unregisters and returns the region whose base address is
// exactly addr. The caller is responsible for closing it.
func (b *Bus) Remove(addr uint64) (*Region, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.regions.Remove(addr)
}

// Regions returns a snapshot of the layout as (base, region) pairs in
// ascending base order.
func (b *Bus) Regions() []Entry[*Region] {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entries := make([]Entry[*Region], 0, b.regions.Len())
	for addr, r := range b.regions.All() {
		entries = append(entries, Entry[*Region]{Addr: addr, Backend: r})
	}
	return entries
}

// View runs f with the layout read-locked. Slices handed out by the
// Ram view must not be retained past f's return.
func (b *Bus) View(f func(ram *Ram) error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return f(&Ram{regions: &b.regions})
}

// ReadAt implements io.ReaderAt over guest physical memory. Reads may
// span adjacent regions; a gap in the layout fails the read with a
// NotMappedError.
func (b *Bus) ReadAt(p []byte, off int64) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ram := Ram{regions: &b.regions}
	return ram.ReadAt(p, off)
}

// WriteAt implements io.WriterAt over guest physical memory.
func (b *Bus) WriteAt(p []byte, off int64) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ram := Ram{regions: &b.regions}
	return ram.WriteAt(p, off)
}

// Ram is a read-locked view of the bus layout, valid for the duration
// of one Bus.View call. All translation the ring engine performs goes
// through a Ram so a whole activation sees one consistent layout.
type Ram struct {
	regions *AddressSpace[*Region]
}

// Slice returns a bounds-checked host view of [gpa, gpa+length). The
// range must lie entirely inside a single region; a zero-length range
// yields nil.
func (ram *Ram) Slice(gpa uint64, length uint64) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	base, r, ok := ram.regions.Search(gpa)
	if !ok {
		return nil, &NotMappedError{Addr: gpa}
	}
	off := gpa - base
	if length > r.Size()-off {
		return nil, &NotMappedError{Addr: base + r.Size()}
	}
	return r.buf[off : off+length], nil
}

// TranslateIOV resolves a scatter/gather list into host byte slices,
// one per range. Every range must be fully covered by a single region.
func (ram *Ram) TranslateIOV(ranges []IOV) ([][]byte, error) {
	if len(ranges) == 0 {
		return nil, nil
	}
	bufs := make([][]byte, 0, len(ranges))
	for _, iov := range ranges {
		buf, err := ram.Slice(iov.Addr, iov.Len)
		if err != nil {
			return nil, err
		}
		bufs = append(bufs, buf)
	}
	return bufs, nil
}

// ReadAt implements io.ReaderAt. Unlike Slice, reads may cross region
// boundaries as long as every byte is mapped.
func (ram *Ram) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("mem: negative guest address %d", off)
	}
	n := 0
	addr := uint64(off)
	for n < len(p) {
		base, r, ok := ram.regions.Search(addr)
		if !ok {
			return n, &NotMappedError{Addr: addr}
		}
		c := copy(p[n:], r.buf[addr-base:])
		n += c
		addr += uint64(c)
	}
	return n, nil
}

// WriteAt implements io.WriterAt with the same coverage rules as
// ReadAt.
func (ram *Ram) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("mem: negative guest address %d", off)
	}
	n := 0
	addr := uint64(off)
	for n < len(p) {
		base, r, ok := ram.regions.Search(addr)
		if !ok {
			return n, &NotMappedError{Addr: addr}
		}
		c := copy(r.buf[addr-base:], p[n:])
		n += c
		addr += uint64(c)
	}
	return n, nil
}
