package vmm

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"rvos/kernel/mm"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testTextVaddr = 0x1_0000
	testEntry     = testTextVaddr + 0x100
	testDataVaddr = 0x1_2010
	testDataOff   = 0x1010
)

var (
	testCode = []byte{0x93, 0x08, 0xd0, 0x05}
	testData = []byte("initialised data in the image...")
)

// buildTestELF returns a RISC-V executable with a read-execute text segment
// that also covers the headers and a read-write data segment with a bss tail.
func buildTestELF(t *testing.T, mutate func(*elf.Header64, []elf.Prog64)) []byte {
	t.Helper()

	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_RISCV),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     testEntry,
		Phoff:     64,
		Ehsize:    64,
		Phentsize: elf64PhdrSize,
		Phnum:     2,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	progs := []elf.Prog64{
		{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(elf.PF_R | elf.PF_X),
			Off:    0,
			Vaddr:  testTextVaddr,
			Filesz: 0x200,
			Memsz:  0x200,
			Align:  uint64(mm.PageSize),
		},
		{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(elf.PF_R | elf.PF_W),
			Off:    testDataOff,
			Vaddr:  testDataVaddr,
			Filesz: uint64(len(testData)),
			Memsz:  0x2000,
			Align:  uint64(mm.PageSize),
		},
	}

	if mutate != nil {
		mutate(&hdr, progs)
	}

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, &hdr))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, progs))

	image := make([]byte, testDataOff+len(testData))
	copy(image, buf.Bytes())
	copy(image[testEntry-testTextVaddr:], testCode)
	copy(image[testDataOff:], testData)
	return image
}

func TestNewFromELF(t *testing.T) {
	kernelSpace, reg := newTestKernelSpace(t)

	image := buildTestELF(t, nil)
	as, entry, err := NewFromELF(kernelSpace, image, &memFile{data: image})
	require.NoError(t, err)
	defer as.Release()

	assert.Equal(t, mm.Vaddr(testEntry), entry)
	assert.Zero(t, dataFrames(reg, as), "loading must not populate pages")

	heapStart := mm.Vaddr(0x1_6000)
	expVMAs := []VMAInfo{
		{Start: 0x1_0000, End: 0x1_1000, Flags: VMRead | VMExec | VMUser, FileBacked: true},
		{Start: 0x1_2000, End: 0x1_5000, Flags: VMRead | VMWrite | VMUser, FileBacked: true},
		{Start: heapStart, End: heapStart + mm.Vaddr(mm.UserHeapPages<<mm.PageShift), Flags: VMRead | VMWrite | VMUser},
		{Start: mm.UserStackTop - mm.Vaddr(mm.UserStackPages<<mm.PageShift), End: mm.UserStackTop, Flags: VMRead | VMWrite | VMUser},
	}
	assert.Equal(t, expVMAs, as.VMAs())

	start, brk := as.Heap()
	assert.Equal(t, heapStart, start)
	assert.Equal(t, heapStart, brk)

	assert.Equal(t, []AuxEntry{
		{AtPhdr, testTextVaddr + 64},
		{AtPhent, elf64PhdrSize},
		{AtPhnum, 2},
		{AtPagesz, uint64(mm.PageSize)},
		{AtEntry, testEntry},
		{AtNull, 0},
	}, as.Auxv())

	t.Run("segment contents", func(t *testing.T) {
		code := make([]byte, len(testCode))
		require.NoError(t, as.CopyIn(code, entry))
		assert.Equal(t, testCode, code)

		data := make([]byte, len(testData))
		require.NoError(t, as.CopyIn(data, testDataVaddr))
		assert.Equal(t, testData, data)

		assert.Equal(t, make([]byte, 16), []byte(readString(t, as, 0x1_2000, 16)), "bytes before the segment start are zero")
		assert.Equal(t, make([]byte, 16), []byte(readString(t, as, testDataVaddr+mm.Vaddr(len(testData)), 16)), "bss is zero")
		assert.Equal(t, make([]byte, 16), []byte(readString(t, as, 0x1_4000, 16)))
	})

	t.Run("text is not writable", func(t *testing.T) {
		err := as.CopyOut(entry, []byte{0})
		assert.Equal(t, ErrAccessViolation, errors.Cause(err))
	})

	t.Run("stack and heap are usable", func(t *testing.T) {
		require.NoError(t, as.CopyOut(mm.UserStackTop-8, []byte("argv")))
		require.NoError(t, as.CopyOut(heapStart, []byte("heap")))
		assert.Equal(t, "argv", readString(t, as, mm.UserStackTop-8, 4))
	})

	t.Run("private segments leave the file alone", func(t *testing.T) {
		file := &memFile{data: bytes.Clone(image)}
		other, _, err := NewFromELF(kernelSpace, image, file)
		require.NoError(t, err)

		require.NoError(t, other.CopyOut(testDataVaddr, []byte("XXXX")))
		require.NoError(t, other.Release())
		assert.Equal(t, image, file.data)
	})
}

func TestNewFromELFErrors(t *testing.T) {
	kernelSpace, reg := newTestKernelSpace(t)
	before := reg.LiveBlocks()

	specs := []struct {
		descr  string
		mutate func(*elf.Header64, []elf.Prog64)
	}{
		{"wrong machine", func(h *elf.Header64, _ []elf.Prog64) { h.Machine = uint16(elf.EM_X86_64) }},
		{"shared object", func(h *elf.Header64, _ []elf.Prog64) { h.Type = uint16(elf.ET_DYN) }},
		{"no loadable segments", func(_ *elf.Header64, p []elf.Prog64) {
			p[0].Type = uint32(elf.PT_NOTE)
			p[1].Type = uint32(elf.PT_NOTE)
		}},
		{"segment in kernel space", func(_ *elf.Header64, p []elf.Prog64) { p[1].Vaddr = uint64(mm.KernelMmapStart) }},
		{"segment in the null page", func(_ *elf.Header64, p []elf.Prog64) { p[0].Vaddr = 0 }},
		{"file size exceeds memory size", func(_ *elf.Header64, p []elf.Prog64) { p[1].Memsz = 4 }},
		{"overlapping segments", func(_ *elf.Header64, p []elf.Prog64) { p[1].Vaddr = testTextVaddr + 0x10 }},
		{"segment at the top of user space", func(_ *elf.Header64, p []elf.Prog64) {
			p[1].Vaddr = uint64(mm.UserStackTop) - 0x1000 + 0x10
			p[1].Memsz = 0x100
		}},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			image := buildTestELF(t, spec.mutate)
			as, _, err := NewFromELF(kernelSpace, image, &memFile{data: image})
			require.Error(t, err)
			assert.Nil(t, as)
			assert.Equal(t, before, reg.LiveBlocks())
		})
	}

	t.Run("not an elf image", func(t *testing.T) {
		_, _, err := NewFromELF(kernelSpace, []byte("#!/bin/sh\n"), nil)
		require.Error(t, err)
	})

	t.Run("rejected headers report the image error", func(t *testing.T) {
		image := buildTestELF(t, func(h *elf.Header64, _ []elf.Prog64) { h.Machine = uint16(elf.EM_X86_64) })
		_, _, err := NewFromELF(kernelSpace, image, &memFile{data: image})
		assert.Equal(t, ErrBadExecutable, errors.Cause(err))
	})
}

func TestAuxTypeString(t *testing.T) {
	specs := []struct {
		typ AuxType
		exp string
	}{
		{AtNull, "AT_NULL"},
		{AtPhdr, "AT_PHDR"},
		{AtPagesz, "AT_PAGESZ"},
		{AtEntry, "AT_ENTRY"},
		{AuxType(42), "AT_UNKNOWN"},
	}

	for _, spec := range specs {
		assert.Equal(t, spec.exp, spec.typ.String())
	}
}
