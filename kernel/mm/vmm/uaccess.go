package vmm

import "rvos/kernel/mm"

// CopyIn copies len(dst) bytes starting at the virtual address va of the
// space into dst. Pages that are not populated yet are faulted in, so the
// copy fails exactly where an access by the task itself would.
func (as *AddressSpace) CopyIn(dst []byte, va mm.Vaddr) error {
	as.mutex.Acquire()
	defer as.mutex.Release()

	mem := as.pt.mem
	return as.forEachChunkLocked(va, len(dst), AccessRead, func(pa mm.Paddr, off, n int) {
		mem.ReadBytes(pa, dst[off:off+n])
	})
}

// CopyOut copies src to the virtual address va of the space, breaking
// copy-on-write sharing where needed.
func (as *AddressSpace) CopyOut(va mm.Vaddr, src []byte) error {
	as.mutex.Acquire()
	defer as.mutex.Release()

	mem := as.pt.mem
	return as.forEachChunkLocked(va, len(src), AccessWrite, func(pa mm.Paddr, off, n int) {
		mem.WriteBytes(pa, src[off:off+n])
	})
}

// forEachChunkLocked splits [va, va+length) at page boundaries, resolves each
// piece to a physical address with the permissions required by kind and
// calls fn with the piece offset and length.
func (as *AddressSpace) forEachChunkLocked(va mm.Vaddr, length int, kind AccessKind, fn func(pa mm.Paddr, off, n int)) error {
	for off := 0; off < length; {
		cur := va + mm.Vaddr(off)
		n := min(length-off, int(mm.PageSize-cur.PageOffset()))

		pa, err := as.resolveLocked(cur, kind)
		if err != nil {
			return err
		}

		fn(pa, off, n)
		off += n
	}
	return nil
}

// resolveLocked translates va, faulting the page in first when the current
// leaf is missing or lacks the permission needed by kind.
func (as *AddressSpace) resolveLocked(va mm.Vaddr, kind AccessKind) (mm.Paddr, error) {
	need := FlagRead
	switch kind {
	case AccessWrite:
		need = FlagWrite
	case AccessExecute:
		need = FlagExec
	}

	if pa, flags, ok := as.pt.translate(va); ok && flags&need != 0 {
		return pa, nil
	}

	if err := as.handleFaultLocked(va, kind); err != nil {
		return 0, err
	}

	pa, flags, ok := as.pt.translate(va)
	if !ok || flags&need == 0 {
		return 0, fatalFault(ErrAccessViolation, va, kind)
	}
	return pa, nil
}
