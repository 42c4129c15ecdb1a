package trap

import (
	"rvos/kernel/kfmt"
	"rvos/kernel/mm"
	"rvos/kernel/mm/vmm"

	"github.com/pkg/errors"
)

// FaultHandler resolves page faults. It is implemented by
// *vmm.AddressSpace.
type FaultHandler interface {
	HandleFault(va mm.Vaddr, kind vmm.AccessKind) error
}

// accessKind maps a page fault cause to the access that triggered it.
func accessKind(cause Cause) (vmm.AccessKind, bool) {
	switch cause {
	case InstructionPageFault:
		return vmm.AccessExecute, true
	case LoadPageFault:
		return vmm.AccessRead, true
	case StorePageFault:
		return vmm.AccessWrite, true
	}
	return 0, false
}

// InstallPageFaultHandlers routes the three page fault causes to
// HandlePageFault using the address space returned by current, which must be
// the one installed on the hart.
func InstallPageFaultHandlers(current func() FaultHandler) {
	handler := func(frame *Frame, regs *Regs) error {
		return HandlePageFault(current(), frame, regs)
	}

	HandleException(InstructionPageFault, handler)
	HandleException(LoadPageFault, handler)
	HandleException(StorePageFault, handler)
}

// HandlePageFault resolves the page fault described by frame against as. If
// the fault cannot be resolved the trap state is dumped and the error is
// returned so the task can be terminated; faults taken in supervisor mode
// panic.
func HandlePageFault(as FaultHandler, frame *Frame, regs *Regs) error {
	kind, ok := accessKind(frame.Cause())
	if !ok {
		return ErrNotPageFault
	}

	va := mm.Vaddr(frame.Stval)
	err := as.HandleFault(va, kind)
	if err == nil {
		return nil
	}

	nonRecoverablePageFault(va, kind, frame, regs, err)
	return err
}

func nonRecoverablePageFault(va mm.Vaddr, kind vmm.AccessKind, frame *Frame, regs *Regs, err error) {
	kfmt.Printf("\nPage fault while accessing address: 0x%16x\nReason: ", va)
	switch errors.Cause(err) {
	case vmm.ErrNoVMA:
		kfmt.Printf("%s of unmapped address", kind.String())
	case vmm.ErrAccessViolation:
		kfmt.Printf("%s not permitted by the mapping", kind.String())
	default:
		kfmt.Printf("%s fault could not be resolved: %s", kind.String(), err.Error())
	}
	kfmt.Printf("\n")

	dumpState(frame, regs)
	if !frame.FromUser() {
		panicFn(err)
	}
}
