package vmm

import (
	"rvos/kernel"
	"rvos/kernel/mm"
)

// NewCOWChild creates a copy of parent that shares every populated frame
// instead of duplicating it. Private writable pages are demoted to read-only
// in both spaces and are copied by whichever side writes them first. Shared
// mappings stay writable and keep pointing at the same frames.
//
// A space that still shares frames with its own parent cannot be forked
// until ResolveCOW has been called on it.
func NewCOWChild(parent *AddressSpace) (*AddressSpace, error) {
	if parent.kernel {
		return nil, ErrKernelSpace
	}

	parent.mutex.Acquire()
	defer parent.mutex.Release()

	if parent.cowSource != nil {
		return nil, ErrNestedCOW
	}

	pt, err := NewUserPageTable(parent.kernelPT)
	if err != nil {
		return nil, err
	}

	child := newAddressSpace(pt, parent.kernelPT, false)
	child.startBrk, child.brk, child.heapMin = parent.startBrk, parent.brk, parent.heapMin
	child.auxv = append([]AuxEntry(nil), parent.auxv...)

	for _, vma := range parent.vmas {
		cv := newVMA(vma.start, vma.end, vma.flags, vma.backing)
		cv.dirty = vma.dirty
		cv.pt = child.pt
		child.linkVMALocked(cv)
		if vma == parent.heap {
			child.heap = cv
		}

		if err = shareVMAPages(parent, child, vma, cv); err != nil {
			_ = child.Release()
			return nil, err
		}
	}

	if child.cowPages != 0 {
		child.cowSource = parent
	}

	log.Debugf("cow fork: %d shared pages", child.cowPages)
	return child, nil
}

// shareVMAPages maps every populated page of vma into the child area cv.
func shareVMAPages(parent, child *AddressSpace, vma, cv *VMA) *kernel.Error {
	var (
		cow   = vma.flags&VMWrite != 0 && vma.flags&VMShared == 0
		flags = vma.flags.pteFlags()
	)

	if cow {
		flags &^= FlagWrite
	}

	for _, va := range vma.sortedPages() {
		vp := vma.pages[va]
		if err := child.pt.MapOnePage(va, vp.page.Base(), flags); err != nil {
			return err
		}
		cv.pages[va] = &vmaPage{page: vp.page.Retain(), cow: cow}

		if !cow {
			continue
		}
		child.cowPages++

		if !vp.cow {
			if err := parent.pt.Protect(va, flags); err != nil {
				return err
			}
			vp.cow = true
			parent.cowPages++
		}
	}

	return nil
}

// ResolveCOW gives the space a private copy of every page it still shares
// copy-on-write. Afterwards the space can be forked.
func (as *AddressSpace) ResolveCOW() error {
	as.mutex.Acquire()
	defer as.mutex.Release()

	for _, vma := range as.vmas {
		for _, va := range vma.sortedPages() {
			if vp := vma.pages[va]; vp.cow {
				if err := as.breakCOWLocked(vma, va, vp); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// SharedPages returns the number of pages still shared copy-on-write.
func (as *AddressSpace) SharedPages() int {
	as.mutex.Acquire()
	defer as.mutex.Release()
	return as.cowPages
}

// breakCOWLocked ends the sharing of the page at va. The frame is copied only
// if another space still references it; a sole owner gets its write
// permission back in place.
func (as *AddressSpace) breakCOWLocked(vma *VMA, va mm.Vaddr, vp *vmaPage) *kernel.Error {
	flags := vma.flags.pteFlags()

	if vp.page.RefCount() > 1 {
		copyPage, err := as.pt.frames.AllocBlock(0)
		if err != nil {
			return err
		}
		copy(copyPage.Bytes(), vp.page.Bytes())

		if _, err = as.pt.UnmapOnePage(va); err != nil {
			_ = copyPage.Release()
			return err
		}
		if err = as.pt.MapOnePage(va, copyPage.Base(), flags); err != nil {
			_ = copyPage.Release()
			return err
		}

		shared := vp.page
		vp.page = copyPage
		if err = shared.Release(); err != nil {
			log.Errorf("release of shared frame 0x%x failed: %s", shared.Base(), err.Error())
		}

		if vma.flags&VMExec != 0 {
			flushICacheFn()
		}
	} else if err := as.pt.Protect(va, flags); err != nil {
		return err
	}

	vp.cow = false
	as.cowPages--
	if as.cowPages == 0 {
		as.cowSource = nil
	}

	return nil
}
