package pmm

import (
	"io"
	"rvos/kernel"
	"rvos/kernel/mm"

	"github.com/pkg/errors"
)

var errNegativeSeek = errors.New("pmm: negative seek position")

// Page is a reference to a block of physically contiguous frames allocated
// through a Registry. Pages are small values: copying one does not add a
// reference, Retain does. Every reference must be dropped exactly once with
// Release.
type Page struct {
	reg *Registry
	pfn mm.PFN
}

// IsZero returns true for the zero Page, which references nothing.
func (p Page) IsZero() bool { return p.reg == nil }

// PFN returns the leader frame of the block.
func (p Page) PFN() mm.PFN { return p.pfn }

// Base returns the physical address of the first byte of the block.
func (p Page) Base() mm.Paddr { return p.pfn.Address() }

// Order returns log2 of the number of frames in the block.
func (p Page) Order() uint8 { return p.reg.order(p.pfn) }

// Size returns the block size in bytes.
func (p Page) Size() uintptr { return mm.OrderToSize(p.Order()) }

// RefCount returns the number of live references to the block.
func (p Page) RefCount() int32 { return p.reg.refCount(p.pfn) }

// Friends returns the non-leader frames of the block.
func (p Page) Friends() []mm.PFN {
	pages := mm.OrderToPages(p.Order())
	friends := make([]mm.PFN, 0, pages-1)
	for i := uintptr(1); i < pages; i++ {
		friends = append(friends, p.pfn+mm.PFN(i))
	}
	return friends
}

// Retain adds a reference to the block and returns p for convenience.
func (p Page) Retain() Page {
	p.reg.retain(p.pfn)
	return p
}

// Release drops a reference. Dropping the last reference returns the block to
// the allocator; the error reported by the allocator, if any, is returned.
func (p Page) Release() *kernel.Error {
	return p.reg.release(p.pfn)
}

// Bytes returns the contents of the block. The slice aliases physical memory
// and must not be used after the block is released.
func (p Page) Bytes() []byte {
	return p.reg.mem.Slice(p.Base(), p.Size())
}

// Stream returns a cursor over the block contents starting at offset 0.
func (p Page) Stream() *Stream {
	return &Stream{page: p}
}

// Stream provides io.Reader, io.Writer and io.Seeker access to a block. Reads
// stop at the end of the block; writes past the end fail with
// io.ErrShortWrite.
type Stream struct {
	page Page
	pos  int64
}

// Read implements io.Reader.
func (s *Stream) Read(p []byte) (int, error) {
	data := s.page.Bytes()
	if s.pos >= int64(len(data)) {
		return 0, io.EOF
	}
	n := copy(p, data[s.pos:])
	s.pos += int64(n)
	return n, nil
}

// Write implements io.Writer.
func (s *Stream) Write(p []byte) (int, error) {
	data := s.page.Bytes()
	if s.pos >= int64(len(data)) {
		return 0, io.ErrShortWrite
	}
	n := copy(data[s.pos:], p)
	s.pos += int64(n)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// Seek implements io.Seeker.
func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = s.pos + offset
	case io.SeekEnd:
		abs = int64(s.page.Size()) + offset
	default:
		return 0, errors.New("pmm: invalid whence")
	}
	if abs < 0 {
		return 0, errNegativeSeek
	}
	s.pos = abs
	return abs, nil
}
