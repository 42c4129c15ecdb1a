package kfmt

import "io"

// ringBufferSize is large enough to hold the memory map and allocator summary
// printed during bring-up. It must always be a power of 2.
const ringBufferSize = 4096

// ringBuffer holds Printf output produced before an output sink is attached.
// Once full, new writes overwrite the oldest bytes.
type ringBuffer struct {
	buffer         [ringBufferSize]byte
	rIndex, wIndex int
}

// Write writes len(p) bytes from p to the ringBuffer.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[rb.wIndex] = b
		rb.wIndex = (rb.wIndex + 1) & (ringBufferSize - 1)
		if rb.rIndex == rb.wIndex {
			rb.rIndex = (rb.rIndex + 1) & (ringBufferSize - 1)
		}
	}

	return len(p), nil
}

// Read reads up to len(p) bytes into p. It returns the number of bytes read (0
// <= n <= len(p)) and io.EOF once the buffer is drained.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	var limit int

	switch {
	case rb.rIndex < rb.wIndex:
		limit = rb.wIndex
	case rb.rIndex > rb.wIndex:
		// the unread data wraps; return the tail first
		limit = len(rb.buffer)
	default:
		return 0, io.EOF
	}

	n := copy(p, rb.buffer[rb.rIndex:limit])
	rb.rIndex = (rb.rIndex + n) & (ringBufferSize - 1)
	return n, nil
}
