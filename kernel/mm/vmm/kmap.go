package vmm

import "rvos/kernel/mm"

// Kmap creates a temporary read-write kernel mapping of length bytes in the
// kernel mapping region. With a nil file the mapping is anonymous; otherwise
// it shows the contents of file starting at fileOffset and changes are
// written back by Kunmap. Pages are populated on first access.
func (as *AddressSpace) Kmap(length uintptr, file File, fileOffset int64) (mm.Vaddr, error) {
	if !as.kernel {
		return 0, ErrNotKernelSpace
	}

	if file == nil {
		return as.MapAnonymous(0, length, VMRead|VMWrite, 0)
	}
	return as.MapFile(0, length, file, fileOffset, VMRead|VMWrite, MapShared)
}

// Kunmap tears down the kernel mapping that starts at va.
func (as *AddressSpace) Kunmap(va mm.Vaddr) error {
	if !as.kernel {
		return ErrNotKernelSpace
	}

	as.mutex.Acquire()
	defer as.mutex.Release()

	vma := as.findVMALocked(va)
	if vma == nil || vma.start != va {
		panicFn(ErrInvalidMapping)
		return ErrInvalidMapping
	}

	as.unlinkVMALocked(vma)
	return as.releaseVMALocked(vma)
}
