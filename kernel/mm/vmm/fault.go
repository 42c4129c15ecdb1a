package vmm

import (
	"rvos/kernel/mm"

	"github.com/pkg/errors"
)

// HandleFault resolves a page fault at va caused by an access of the given
// kind. Missing pages are populated from the VMA backing and writes to pages
// shared copy-on-write get a private copy. A non-nil error means the fault is
// fatal for the faulting task; errors.Cause returns ErrNoVMA or
// ErrAccessViolation for faults caused by the task itself.
func (as *AddressSpace) HandleFault(va mm.Vaddr, kind AccessKind) error {
	as.mutex.Acquire()
	defer as.mutex.Release()

	log.Tracef("%s fault at 0x%x", kind.String(), va)
	return as.handleFaultLocked(va, kind)
}

func (as *AddressSpace) handleFaultLocked(va mm.Vaddr, kind AccessKind) error {
	as.faults++

	vma := as.findVMALocked(va)
	if vma == nil {
		return fatalFault(ErrNoVMA, va, kind)
	}

	if !vma.flags.permits(kind) {
		return fatalFault(ErrAccessViolation, va, kind)
	}

	page := va.Floor()
	vp, populated := vma.pages[page]
	if !populated {
		if err := vma.faultFill(page); err != nil {
			return fatalFault(err, va, kind)
		}
		return nil
	}

	if kind == AccessWrite && vp.cow {
		if err := as.breakCOWLocked(vma, page, vp); err != nil {
			return fatalFault(err, va, kind)
		}
		return nil
	}

	// The mapping already allows the access; the hart used a stale
	// translation.
	flushTLBEntryFn(page.Uintptr())
	return nil
}

func fatalFault(cause error, va mm.Vaddr, kind AccessKind) error {
	return errors.Wrapf(cause, "vmm: fatal %s fault at 0x%x", kind, uintptr(va))
}
