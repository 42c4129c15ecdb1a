package trap

import "rvos/kernel/kfmt"

// regNames holds the ABI names of the integer registers.
var regNames = [32]string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

// Regs contains a snapshot of the integer registers when a trap occurred.
// X[0] is always zero.
type Regs struct {
	X [32]uint64
}

// Print outputs a dump of the register values to the active console.
func (r *Regs) Print() {
	for i := 1; i < len(r.X); i += 2 {
		if i+1 < len(r.X) {
			kfmt.Printf("%3s = %16x %3s = %16x\n", regNames[i], r.X[i], regNames[i+1], r.X[i+1])
			continue
		}
		kfmt.Printf("%3s = %16x\n", regNames[i], r.X[i])
	}
}

// Frame holds the supervisor CSRs saved by the trap entry code.
type Frame struct {
	Sepc    uint64
	Sstatus uint64
	Scause  uint64
	Stval   uint64
}

const (
	// scauseInterrupt is set in scause for asynchronous traps.
	scauseInterrupt = 1 << 63

	// sstatusSPP holds the privilege level the hart trapped from.
	sstatusSPP = 1 << 8
)

// IsInterrupt returns true if the trap was caused by an interrupt rather than
// an exception.
func (f *Frame) IsInterrupt() bool { return f.Scause&scauseInterrupt != 0 }

// Cause returns the exception code.
func (f *Frame) Cause() Cause { return Cause(f.Scause &^ scauseInterrupt) }

// FromUser returns true if the hart was running in user mode when it trapped.
func (f *Frame) FromUser() bool { return f.Sstatus&sstatusSPP == 0 }

// Print outputs a dump of the trap frame to the active console.
func (f *Frame) Print() {
	kfmt.Printf("SEPC   = %16x SSTATUS = %16x\n", f.Sepc, f.Sstatus)
	kfmt.Printf("SCAUSE = %16x STVAL   = %16x\n", f.Scause, f.Stval)
}
