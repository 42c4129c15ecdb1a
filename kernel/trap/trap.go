// Package trap decodes supervisor traps and routes exceptions to the
// registered handlers. Page faults are resolved through the address space of
// the faulting task.
package trap

import (
	"rvos/kernel"
	"rvos/kernel/kfmt"
)

// Cause is an exception code reported in scause.
type Cause uint64

// Exception codes defined by the RISC-V privileged specification.
const (
	InstructionMisaligned  = Cause(0)
	InstructionAccessFault = Cause(1)
	IllegalInstruction     = Cause(2)
	Breakpoint             = Cause(3)
	LoadMisaligned         = Cause(4)
	LoadAccessFault        = Cause(5)
	StoreMisaligned        = Cause(6)
	StoreAccessFault       = Cause(7)
	EnvCallFromUser        = Cause(8)
	EnvCallFromSupervisor  = Cause(9)

	// InstructionPageFault is raised when an instruction fetch finds no
	// valid leaf or a leaf without the X bit.
	InstructionPageFault = Cause(12)

	// LoadPageFault is raised by loads from unmapped or unreadable pages.
	LoadPageFault = Cause(13)

	// StorePageFault is raised by stores and AMOs to unmapped or
	// read-only pages.
	StorePageFault = Cause(15)

	numCauses = 16
)

var causeNames = [numCauses]string{
	"instruction address misaligned",
	"instruction access fault",
	"illegal instruction",
	"breakpoint",
	"load address misaligned",
	"load access fault",
	"store address misaligned",
	"store access fault",
	"environment call from U-mode",
	"environment call from S-mode",
	"reserved",
	"reserved",
	"instruction page fault",
	"load page fault",
	"reserved",
	"store page fault",
}

func (c Cause) String() string {
	if c < numCauses {
		return causeNames[c]
	}
	return "unknown"
}

// ExceptionHandler handles one exception. Changes to the frame and registers
// are propagated back to the trapped context when the handler returns nil. A
// non-nil error means the trapped task cannot continue.
type ExceptionHandler func(*Frame, *Regs) error

var (
	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	handlers [numCauses]ExceptionHandler

	// ErrUnhandledException is returned for exceptions without a handler.
	ErrUnhandledException = &kernel.Error{Module: "trap", Message: "unhandled exception"}

	// ErrUnexpectedInterrupt is returned when Dispatch receives an interrupt.
	ErrUnexpectedInterrupt = &kernel.Error{Module: "trap", Message: "interrupts are not routed through the exception table"}

	// ErrNotPageFault is returned by HandlePageFault for other causes.
	ErrNotPageFault = &kernel.Error{Module: "trap", Message: "trap is not a page fault"}
)

// HandleException registers a handler for the given exception code. A nil
// handler removes the registration.
func HandleException(cause Cause, handler ExceptionHandler) {
	if cause < numCauses {
		handlers[cause] = handler
	}
}

// Dispatch invokes the handler registered for the exception described by
// frame. Unhandled exceptions are dumped to the console; if they happened in
// supervisor mode the kernel panics.
func Dispatch(frame *Frame, regs *Regs) error {
	if frame.IsInterrupt() {
		return ErrUnexpectedInterrupt
	}

	cause := frame.Cause()
	if cause < numCauses && handlers[cause] != nil {
		return handlers[cause](frame, regs)
	}

	kfmt.Printf("\nUnhandled exception: %s (%d) at 0x%16x\n", cause.String(), uint64(cause), frame.Sepc)
	dumpState(frame, regs)
	if !frame.FromUser() {
		panicFn(ErrUnhandledException)
	}
	return ErrUnhandledException
}

func dumpState(frame *Frame, regs *Regs) {
	kfmt.Printf("\nRegisters:\n")
	if regs != nil {
		regs.Print()
	}
	frame.Print()
}
