// Package phys provides a bounds-checked window over physical RAM. Every read
// or write of physical memory made by the allocator, the page tables and the
// fault handler goes through a Memory value, which centralizes the alignment
// and range assertions.
package phys

import (
	"encoding/binary"
	"rvos/kernel"
	"rvos/kernel/kfmt"
	"rvos/kernel/mm"
)

var (
	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	errOutOfRange = &kernel.Error{Module: "phys", Message: "physical access outside of RAM"}
	errUnaligned  = &kernel.Error{Module: "phys", Message: "unaligned fixed-width physical access"}

	// ErrBadRegion is returned by New for an empty or unaligned RAM region.
	ErrBadRegion = &kernel.Error{Module: "phys", Message: "RAM region must be non-empty and page-aligned"}
)

// Memory is the window over the RAM range [Base(), End()).
type Memory struct {
	base mm.Paddr
	data []byte
}

// New reserves size bytes of backing storage and exposes them as physical RAM
// starting at base.
func New(base mm.Paddr, size mm.Size) (*Memory, error) {
	if size == 0 || !base.IsAligned() || uintptr(size)&(mm.PageSize-1) != 0 {
		return nil, ErrBadRegion
	}

	data, err := allocBacking(int(size))
	if err != nil {
		return nil, err
	}

	return &Memory{base: base, data: data}, nil
}

// Base returns the physical address of the first byte of RAM.
func (m *Memory) Base() mm.Paddr { return m.base }

// End returns the physical address just past the last byte of RAM.
func (m *Memory) End() mm.Paddr { return m.base + mm.Paddr(len(m.data)) }

// Size returns the amount of RAM in bytes.
func (m *Memory) Size() mm.Size { return mm.Size(len(m.data)) }

// Contains returns true if [pa, pa+n) lies inside RAM.
func (m *Memory) Contains(pa mm.Paddr, n uintptr) bool {
	return pa >= m.base && n <= uintptr(len(m.data)) && uintptr(pa-m.base) <= uintptr(len(m.data))-n
}

// Close releases the backing storage. The window must not be used afterwards.
func (m *Memory) Close() error {
	if m.data == nil {
		return nil
	}
	err := freeBacking(m.data)
	m.data = nil
	return err
}

// Slice returns the bytes of RAM in [pa, pa+n). Writes to the returned slice
// modify physical memory.
func (m *Memory) Slice(pa mm.Paddr, n uintptr) []byte {
	if !m.Contains(pa, n) {
		panicFn(errOutOfRange)
		return nil
	}
	off := uintptr(pa - m.base)
	return m.data[off : off+n : off+n]
}

// Frame returns the PageSize bytes of the frame that starts at pa.
func (m *Memory) Frame(pa mm.Paddr) []byte {
	if !pa.IsAligned() {
		panicFn(errUnaligned)
		return nil
	}
	return m.Slice(pa, mm.PageSize)
}

// Load8 reads the byte at pa.
func (m *Memory) Load8(pa mm.Paddr) byte {
	if b := m.Slice(pa, 1); b != nil {
		return b[0]
	}
	return 0
}

// Store8 writes the byte at pa.
func (m *Memory) Store8(pa mm.Paddr, v byte) {
	if b := m.Slice(pa, 1); b != nil {
		b[0] = v
	}
}

// Load64 reads the naturally aligned little-endian double word at pa.
func (m *Memory) Load64(pa mm.Paddr) uint64 {
	if pa&7 != 0 {
		panicFn(errUnaligned)
		return 0
	}
	if b := m.Slice(pa, 8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

// Store64 writes the naturally aligned little-endian double word at pa.
func (m *Memory) Store64(pa mm.Paddr, v uint64) {
	if pa&7 != 0 {
		panicFn(errUnaligned)
		return
	}
	if b := m.Slice(pa, 8); b != nil {
		binary.LittleEndian.PutUint64(b, v)
	}
}

// ReadBytes copies len(dst) bytes starting at pa into dst.
func (m *Memory) ReadBytes(pa mm.Paddr, dst []byte) {
	copy(dst, m.Slice(pa, uintptr(len(dst))))
}

// WriteBytes copies src into RAM starting at pa.
func (m *Memory) WriteBytes(pa mm.Paddr, src []byte) {
	copy(m.Slice(pa, uintptr(len(src))), src)
}

// Zero clears n bytes starting at pa.
func (m *Memory) Zero(pa mm.Paddr, n uintptr) {
	b := m.Slice(pa, n)
	for i := range b {
		b[i] = 0
	}
}

// Copy copies n bytes from src to dst. The ranges may overlap.
func (m *Memory) Copy(dst, src mm.Paddr, n uintptr) {
	copy(m.Slice(dst, n), m.Slice(src, n))
}

// Discard tells the host that the frames in [pa, pa+n) no longer hold useful
// data. Their contents are undefined afterwards.
func (m *Memory) Discard(pa mm.Paddr, n uintptr) error {
	if !pa.IsAligned() || n&(mm.PageSize-1) != 0 {
		return errUnaligned
	}
	return discardBacking(m.Slice(pa, n))
}
