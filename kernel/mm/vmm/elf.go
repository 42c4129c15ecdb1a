package vmm

import (
	"bytes"
	"debug/elf"
	"rvos/kernel/mm"

	"github.com/pkg/errors"
)

// AuxType identifies an auxiliary vector entry passed to a new program.
type AuxType uint64

// Auxiliary vector entry types.
const (
	AtNull   AuxType = 0
	AtPhdr   AuxType = 3
	AtPhent  AuxType = 4
	AtPhnum  AuxType = 5
	AtPagesz AuxType = 6
	AtEntry  AuxType = 9
)

func (t AuxType) String() string {
	switch t {
	case AtNull:
		return "AT_NULL"
	case AtPhdr:
		return "AT_PHDR"
	case AtPhent:
		return "AT_PHENT"
	case AtPhnum:
		return "AT_PHNUM"
	case AtPagesz:
		return "AT_PAGESZ"
	case AtEntry:
		return "AT_ENTRY"
	}
	return "AT_UNKNOWN"
}

// AuxEntry is one (type, value) pair of the auxiliary vector.
type AuxEntry struct {
	Type  AuxType
	Value uint64
}

const (
	// elf64PhoffOffset is the offset of e_phoff in an ELF64 header.
	elf64PhoffOffset = 0x20

	// elf64PhdrSize is the size of one ELF64 program header.
	elf64PhdrSize = 56
)

// NewFromELF creates a user address space for the RISC-V executable in image.
// Every loadable segment becomes a private file-backed VMA reading from file,
// which must hold the same bytes as image. A heap starts one guard page above
// the highest segment and a stack of UserStackPages pages ends at
// UserStackTop. Nothing is populated until the program faults.
func NewFromELF(kernelSpace *AddressSpace, image []byte, file File) (*AddressSpace, mm.Vaddr, error) {
	f, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		return nil, 0, errors.Wrap(err, "vmm: parse executable")
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_RISCV || f.Type != elf.ET_EXEC {
		return nil, 0, errors.Wrapf(ErrBadExecutable, "class %s, machine %s, type %s", f.Class, f.Machine, f.Type)
	}

	as, kerr := NewUserSpace(kernelSpace)
	if kerr != nil {
		return nil, 0, kerr
	}

	if err = loadSegments(as, f, file); err != nil {
		_ = as.Release()
		return nil, 0, err
	}

	entry := mm.Vaddr(f.Entry)
	as.auxv = buildAuxv(f, image, entry)

	log.Debugf("loaded executable: entry 0x%x, %d segments", entry, len(f.Progs))
	return as, entry, nil
}

func loadSegments(as *AddressSpace, f *elf.File, file File) error {
	var loadEnd mm.Vaddr

	for i, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}

		va := mm.Vaddr(prog.Vaddr)
		start, end := va.Floor(), (va + mm.Vaddr(prog.Memsz)).Ceil()
		if prog.Filesz > prog.Memsz || end <= start || end > mm.UserSpaceEnd || start < userMmapStart {
			return errors.Wrapf(ErrBadExecutable, "segment %d: [0x%x - 0x%x)", i, uintptr(start), uintptr(end))
		}

		flags := VMUser
		if prog.Flags&elf.PF_R != 0 {
			flags |= VMRead
		}
		if prog.Flags&elf.PF_W != 0 {
			flags |= VMWrite | VMRead
		}
		if prog.Flags&elf.PF_X != 0 {
			flags |= VMExec
		}

		vma := newVMA(start, end, flags, &FileBacking{
			File:       file,
			FileOffset: int64(prog.Off),
			VMAOffset:  uintptr(va - start),
			Length:     uintptr(prog.Filesz),
		})
		if err := as.InsertVMA(vma); err != nil {
			return errors.Wrapf(err, "segment %d", i)
		}

		loadEnd = max(loadEnd, end)
	}

	if loadEnd == 0 {
		return errors.Wrap(ErrBadExecutable, "no loadable segments")
	}

	if err := as.InitHeap(loadEnd+mm.Vaddr(mm.PageSize), mm.UserHeapPages); err != nil {
		return errors.Wrap(err, "heap")
	}

	stack := newVMA(mm.UserStackTop-mm.Vaddr(mm.UserStackPages<<mm.PageShift), mm.UserStackTop, VMRead|VMWrite|VMUser, nil)
	if err := as.InsertVMA(stack); err != nil {
		return errors.Wrap(err, "stack")
	}

	return nil
}

// buildAuxv returns the auxiliary vector for the loaded image. AT_PHDR is only
// reported when the program headers lie inside a loaded segment.
func buildAuxv(f *elf.File, image []byte, entry mm.Vaddr) []AuxEntry {
	auxv := make([]AuxEntry, 0, 6)

	phoff := f.ByteOrder.Uint64(image[elf64PhoffOffset:])
	for _, prog := range f.Progs {
		if prog.Type == elf.PT_LOAD && phoff >= prog.Off && phoff < prog.Off+prog.Filesz {
			auxv = append(auxv, AuxEntry{AtPhdr, prog.Vaddr + phoff - prog.Off})
			break
		}
	}

	return append(auxv,
		AuxEntry{AtPhent, elf64PhdrSize},
		AuxEntry{AtPhnum, uint64(len(f.Progs))},
		AuxEntry{AtPagesz, uint64(mm.PageSize)},
		AuxEntry{AtEntry, uint64(entry)},
		AuxEntry{AtNull, 0},
	)
}

// Auxv returns the auxiliary vector of a space created by NewFromELF.
func (as *AddressSpace) Auxv() []AuxEntry {
	as.mutex.Acquire()
	defer as.mutex.Release()
	return append([]AuxEntry(nil), as.auxv...)
}
