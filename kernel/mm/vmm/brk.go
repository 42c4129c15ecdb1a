package vmm

import (
	"rvos/kernel"
	"rvos/kernel/mm"
)

// InitHeap creates the heap VMA with an initial reservation of the given
// number of pages starting at start and sets the program break to start. The
// heap area never shrinks below the initial reservation.
func (as *AddressSpace) InitHeap(start mm.Vaddr, pages uintptr) *kernel.Error {
	if as.kernel {
		return ErrKernelSpace
	}

	end := start + mm.Vaddr(pages<<mm.PageShift)
	if pages == 0 || start < as.regionStart || end > as.regionEnd || end < start {
		return ErrBadRange
	}

	as.mutex.Acquire()
	defer as.mutex.Release()

	if as.heap != nil {
		return ErrVMAOverlap
	}

	heap := newVMA(start, end, VMRead|VMWrite|VMUser, nil)
	if err := as.insertVMALocked(heap); err != nil {
		return err
	}

	as.heap = heap
	as.startBrk, as.brk, as.heapMin = start, start, heap.end
	return nil
}

// Heap returns the start of the heap and the current program break.
func (as *AddressSpace) Heap() (startBrk, brk mm.Vaddr) {
	as.mutex.Acquire()
	defer as.mutex.Release()
	return as.startBrk, as.brk
}

// Brk implements the brk system call. A zero value queries the current
// break, values below the start of the heap fail and any other value grows or
// shrinks the heap. The resulting break is returned.
func (as *AddressSpace) Brk(newBrk mm.Vaddr) (mm.Vaddr, error) {
	as.mutex.Acquire()
	defer as.mutex.Release()

	if as.heap == nil {
		return 0, ErrNoHeap
	}

	var err error
	switch {
	case newBrk == 0 || newBrk == as.brk:
	case newBrk < as.startBrk:
		err = ErrBadBrk
	case newBrk > as.brk:
		err = as.expandBrkLocked(newBrk)
	default:
		err = as.shrinkBrkLocked(newBrk)
	}

	return as.brk, err
}

// ExpandBrk raises the program break. The heap VMA grows when the new break
// passes its end; no frames are allocated until the new pages fault.
func (as *AddressSpace) ExpandBrk(newBrk mm.Vaddr) error {
	as.mutex.Acquire()
	defer as.mutex.Release()

	if as.heap == nil {
		return ErrNoHeap
	}
	if newBrk < as.brk {
		return ErrBadBrk
	}
	return as.expandBrkLocked(newBrk)
}

// ShrinkBrk lowers the program break and tears down the heap pages above it.
func (as *AddressSpace) ShrinkBrk(newBrk mm.Vaddr) error {
	as.mutex.Acquire()
	defer as.mutex.Release()

	if as.heap == nil {
		return ErrNoHeap
	}
	if newBrk > as.brk || newBrk < as.startBrk {
		return ErrBadBrk
	}
	return as.shrinkBrkLocked(newBrk)
}

func (as *AddressSpace) expandBrkLocked(newBrk mm.Vaddr) error {
	end := newBrk.Ceil()
	if end < newBrk || end > as.regionEnd {
		return ErrBrkCollision
	}

	if end > as.heap.end {
		if next := as.nextVMALocked(as.heap); next != nil && end > next.start {
			return ErrBrkCollision
		}
		as.heap.end = end
	}

	as.brk = newBrk
	return nil
}

// shrinkBrkLocked tears down every heap page at or above ceil(newBrk). The
// area itself never shrinks below the initial reservation; reserved pages
// above the break are unmapped and fault in zeroed when the heap grows again.
func (as *AddressSpace) shrinkBrkLocked(newBrk mm.Vaddr) error {
	as.brk = newBrk
	keep := newBrk.Ceil()

	var firstErr error
	if end := max(keep, as.heapMin); end < as.heap.end {
		firstErr = as.releaseVMALocked(as.heap.split(end))
	}

	for _, va := range as.heap.sortedPages() {
		if va < keep {
			continue
		}
		if as.heap.pages[va].cow {
			as.cowPages--
		}
		if err := as.heap.unmapPage(va); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if as.cowPages == 0 {
		as.cowSource = nil
	}

	return firstErr
}
