package mem

import "fmt"

// OutOfRangeError reports a range whose end would wrap past the top of
// the address space.
type OutOfRangeError struct {
	Addr uint64
	Size uint64
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("mem: range at 0x%x with size 0x%x overflows the address space", e.Addr, e.Size)
}

// OverlapError reports an insertion that intersects an existing slot.
// Overlaps are always rejected outright, never merged or truncated.
type OverlapError struct {
	NewAddr  uint64
	NewEnd   uint64
	CurrAddr uint64
	CurrEnd  uint64
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("mem: new range [0x%x, 0x%x) overlaps existing [0x%x, 0x%x)",
		e.NewAddr, e.NewEnd, e.CurrAddr, e.CurrEnd)
}

// NotMappedError reports an address not covered by any registered
// range.
type NotMappedError struct {
	Addr uint64
}

func (e *NotMappedError) Error() string {
	return fmt.Sprintf("mem: address 0x%x is not mapped", e.Addr)
}
