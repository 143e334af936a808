//go:build unix

package mem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// NewAnonymousRegion returns a region backed by an anonymous private
// mapping. This is the production backend for guest RAM: the returned
// buffer is page-aligned, so a hypervisor can hand it to the kernel as
// a guest memory slot.
func NewAnonymousRegion(size uint64) (*Region, error) {
	if size == 0 {
		return nil, fmt.Errorf("mem: cannot map zero-size region")
	}
	buf, err := unix.Mmap(
		-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, fmt.Errorf("mem: mmap %d bytes: %w", size, err)
	}
	return &Region{buf: buf, mapped: true}, nil
}

func (r *Region) unmap() error {
	buf := r.buf
	r.buf = nil
	if err := unix.Munmap(buf); err != nil {
		return fmt.Errorf("mem: munmap: %w", err)
	}
	return nil
}
