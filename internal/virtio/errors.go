package virtio

import "fmt"

// InvalidDescriptorError reports a descriptor id the engine has no
// record of: an out-of-bounds table index in a chain, or a completion
// for a pending id that does not exist (double completion, unknown
// id). For a running queue this is a protocol violation by the guest
// and tears down the owning worker.
type InvalidDescriptorError struct {
	ID uint16
}

func (e *InvalidDescriptorError) Error() string {
	return fmt.Sprintf("virtio: invalid descriptor id %d", e.ID)
}

// InvalidBufferError reports a chain whose buffer layout does not
// match the requested operation, e.g. a request chain missing its
// writable status buffer. Device implementations return it from their
// DescOp to fail a single malformed chain.
type InvalidBufferError struct {
	ID       uint16
	Readable int
	Writable int
}

func (e *InvalidBufferError) Error() string {
	return fmt.Sprintf("virtio: descriptor %d has unusable buffers (%d readable, %d writable)",
		e.ID, e.Readable, e.Writable)
}

// DescriptorChainTooLongError reports a chain that visited more
// descriptors than the ring holds. A well-formed ring cannot produce
// one; it indicates a corrupt or hostile ring, and the walk is
// abandoned rather than looping forever.
type DescriptorChainTooLongError struct {
	Head uint16
	Size uint16
}

func (e *DescriptorChainTooLongError) Error() string {
	return fmt.Sprintf("virtio: descriptor chain at %d exceeds ring size %d", e.Head, e.Size)
}

// IndirectDescriptorError reports a descriptor carrying the INDIRECT
// flag. Indirect tables are not implemented; chains using them are
// rejected explicitly instead of being misread as inline buffers.
type IndirectDescriptorError struct {
	Index uint16
}

func (e *IndirectDescriptorError) Error() string {
	return fmt.Sprintf("virtio: descriptor %d is indirect (not supported)", e.Index)
}
