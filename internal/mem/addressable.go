package mem

import (
	"fmt"
	"iter"
	"slices"
	"sort"
)

// SlotBackend is anything that occupies a contiguous range of address
// space. Backends must report a non-zero size that stays constant for
// as long as they are registered.
type SlotBackend interface {
	Size() uint64
}

type slot[B SlotBackend] struct {
	addr    uint64
	backend B
}

// end returns the first address past the slot. It wraps to zero for a
// slot ending exactly at the top of the address space, so it is only
// used for error reporting; range checks use the subtraction form.
func (s *slot[B]) end() uint64 {
	return s.addr + s.backend.Size()
}

// AddressSpace maps non-overlapping address ranges to backends. Slots
// are kept sorted by base address, so lookups and insertions are
// binary searches. The zero value is an empty address space.
//
// AddressSpace is not safe for concurrent use; owners that share one
// across goroutines guard it with their own lock (see Bus).
type AddressSpace[B SlotBackend] struct {
	slots []slot[B]
}

// Add registers backend at addr. It fails with an OutOfRangeError if
// the range would wrap past the top of the address space, and with an
// OverlapError naming the conflicting slot if the range intersects an
// existing one. Only the would-be neighbors of the insertion point are
// inspected. On success the stored backend is returned.
func (a *AddressSpace[B]) Add(addr uint64, backend B) (B, error) {
	var zero B
	size := backend.Size()
	if size == 0 {
		return zero, fmt.Errorf("mem: cannot add zero-size backend at 0x%x", addr)
	}
	if size-1 > ^uint64(0)-addr {
		return zero, &OutOfRangeError{Addr: addr, Size: size}
	}
	end := addr + size

	i := sort.Search(len(a.slots), func(i int) bool {
		return a.slots[i].addr >= addr
	})
	// The subtraction form stays correct for a slot ending exactly at
	// the top of the address space, where addr+size wraps to zero.
	var conflict *slot[B]
	switch {
	case i < len(a.slots) && a.slots[i].addr-addr < size:
		conflict = &a.slots[i]
	case i > 0 && addr-a.slots[i-1].addr < a.slots[i-1].backend.Size():
		conflict = &a.slots[i-1]
	}
	if conflict != nil {
		return zero, &OverlapError{
			NewAddr:  addr,
			NewEnd:   end,
			CurrAddr: conflict.addr,
			CurrEnd:  conflict.end(),
		}
	}

	a.slots = slices.Insert(a.slots, i, slot[B]{addr: addr, backend: backend})
	return a.slots[i].backend, nil
}

// Remove deletes the slot whose base address is exactly addr and
// returns its backend. Addresses inside a slot do not match.
func (a *AddressSpace[B]) Remove(addr uint64) (B, error) {
	var zero B
	i, ok := slices.BinarySearchFunc(a.slots, addr, func(s slot[B], addr uint64) int {
		switch {
		case s.addr < addr:
			return -1
		case s.addr > addr:
			return 1
		default:
			return 0
		}
	})
	if !ok {
		return zero, &NotMappedError{Addr: addr}
	}
	backend := a.slots[i].backend
	a.slots = slices.Delete(a.slots, i, i+1)
	return backend, nil
}

// Search returns the slot containing addr, identified by its base
// address, or ok=false if no slot covers it.
func (a *AddressSpace[B]) Search(addr uint64) (base uint64, backend B, ok bool) {
	var zero B
	i := sort.Search(len(a.slots), func(i int) bool {
		return a.slots[i].addr > addr
	})
	if i == 0 {
		return 0, zero, false
	}
	s := &a.slots[i-1]
	if addr-s.addr >= s.backend.Size() {
		return 0, zero, false
	}
	return s.addr, s.backend, true
}

// All iterates over the slots in ascending base-address order.
func (a *AddressSpace[B]) All() iter.Seq2[uint64, B] {
	return func(yield func(uint64, B) bool) {
		for i := range a.slots {
			if !yield(a.slots[i].addr, a.slots[i].backend) {
				return
			}
		}
	}
}

// Backward iterates over the slots in descending base-address order.
func (a *AddressSpace[B]) Backward() iter.Seq2[uint64, B] {
	return func(yield func(uint64, B) bool) {
		for i := len(a.slots) - 1; i >= 0; i-- {
			if !yield(a.slots[i].addr, a.slots[i].backend) {
				return
			}
		}
	}
}

// Drain removes every slot whose base address falls in [lo, hi) and
// returns the removed entries in ascending order.
func (a *AddressSpace[B]) Drain(lo, hi uint64) []Entry[B] {
	start := sort.Search(len(a.slots), func(i int) bool {
		return a.slots[i].addr >= lo
	})
	end := sort.Search(len(a.slots), func(i int) bool {
		return a.slots[i].addr >= hi
	})
	if start == end {
		return nil
	}
	drained := make([]Entry[B], 0, end-start)
	for _, s := range a.slots[start:end] {
		drained = append(drained, Entry[B]{Addr: s.addr, Backend: s.backend})
	}
	a.slots = slices.Delete(a.slots, start, end)
	return drained
}

// Entry is one (base address, backend) pair returned by Drain.
type Entry[B SlotBackend] struct {
	Addr    uint64
	Backend B
}

// Len returns the number of registered slots.
func (a *AddressSpace[B]) Len() int {
	return len(a.slots)
}

// Last returns the slot with the highest base address.
func (a *AddressSpace[B]) Last() (base uint64, backend B, ok bool) {
	var zero B
	if len(a.slots) == 0 {
		return 0, zero, false
	}
	s := &a.slots[len(a.slots)-1]
	return s.addr, s.backend, true
}
