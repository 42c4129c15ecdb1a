package vmm

import (
	"io"
	"rvos/kernel/mm"
	"rvos/kernel/mm/pmm"

	"github.com/pkg/errors"
)

// File is the backing store of a file-backed mapping. Size reports the
// current file length in bytes.
type File interface {
	io.ReaderAt
	io.WriterAt
	Size() int64
}

// Backing describes where the contents of a VMA come from. The set of
// implementations is closed: Anonymous and *FileBacking.
type Backing interface {
	// fill populates the freshly zeroed page that will be mapped at va
	// in an area starting at vmaStart.
	fill(vmaStart, va mm.Vaddr, page pmm.Page) error

	// writeBack stores the contents of the page mapped at va.
	writeBack(vmaStart, va mm.Vaddr, page pmm.Page) error

	// slice returns the backing of the part of the area that starts
	// delta bytes after the current start.
	slice(delta uintptr) Backing
}

// Anonymous backs zero-fill-on-demand memory.
type Anonymous struct{}

func (Anonymous) fill(_, _ mm.Vaddr, _ pmm.Page) error      { return nil }
func (Anonymous) writeBack(_, _ mm.Vaddr, _ pmm.Page) error { return nil }
func (a Anonymous) slice(_ uintptr) Backing                 { return a }

// FileBacking maps Length bytes of File starting at FileOffset to the range
// that starts VMAOffset bytes into the area. The rest of the area reads as
// zeros and is never written to the file.
type FileBacking struct {
	File       File
	FileOffset int64
	VMAOffset  uintptr
	Length     uintptr
}

// overlap returns the part of the page at va that the file covers as an
// offset into the page, the matching file offset and the byte count.
func (b *FileBacking) overlap(vmaStart, va mm.Vaddr) (uintptr, int64, int64) {
	var (
		covStart = vmaStart + mm.Vaddr(b.VMAOffset)
		covEnd   = covStart + mm.Vaddr(b.Length)
		lo       = max(va, covStart)
		hi       = min(va+mm.Vaddr(mm.PageSize), covEnd)
	)

	if lo >= hi {
		return 0, 0, 0
	}

	return uintptr(lo - va), b.FileOffset + int64(lo-covStart), int64(hi - lo)
}

func (b *FileBacking) fill(vmaStart, va mm.Vaddr, page pmm.Page) error {
	pageOff, fileOff, n := b.overlap(vmaStart, va)
	if n == 0 {
		return nil
	}

	stream := page.Stream()
	if _, err := stream.Seek(int64(pageOff), io.SeekStart); err != nil {
		return err
	}

	// A file that shrank after mapping leaves the tail of the page zeroed.
	if _, err := io.CopyN(stream, io.NewSectionReader(b.File, fileOff, n), n); err != nil && err != io.EOF {
		return errors.Wrapf(err, "vmm: read of %d bytes at file offset %d", n, fileOff)
	}

	return nil
}

func (b *FileBacking) writeBack(vmaStart, va mm.Vaddr, page pmm.Page) error {
	pageOff, fileOff, n := b.overlap(vmaStart, va)
	if n == 0 {
		return nil
	}

	stream := page.Stream()
	if _, err := stream.Seek(int64(pageOff), io.SeekStart); err != nil {
		return err
	}

	if _, err := io.CopyN(io.NewOffsetWriter(b.File, fileOff), stream, n); err != nil {
		return errors.Wrapf(err, "vmm: write-back of %d bytes at file offset %d", n, fileOff)
	}

	return nil
}

func (b *FileBacking) slice(delta uintptr) Backing {
	out := *b
	if delta <= b.VMAOffset {
		out.VMAOffset -= delta
		return &out
	}

	skipped := min(delta-b.VMAOffset, b.Length)
	out.VMAOffset = 0
	out.FileOffset += int64(skipped)
	out.Length -= skipped
	return &out
}
