// Package cpu exposes the supervisor-mode hart operations used by the memory
// manager: the satp root pointer, sfence.vma, fence.i and the sstatus.SIE
// interrupt-enable bit. The kernel core runs hosted, so the hart state lives in
// package variables that are updated atomically.
package cpu

import "sync/atomic"

const (
	// SatpModeSv39 is the translation-mode tag for 39-bit virtual addressing.
	SatpModeSv39 = uint64(8) << 60

	// SatpPPNMask selects the root page number bits of satp.
	SatpPPNMask = (uint64(1) << 44) - 1
)

var (
	// sie mirrors sstatus.SIE; the hart boots with interrupts enabled.
	sie uint32 = 1

	satp uint64

	tlbEntryFlushes uint64
	tlbFlushes      uint64
	icacheFlushes   uint64
)

// Stats reports how many fence instructions the hart has executed.
type Stats struct {
	TLBEntryFlushes uint64
	TLBFlushes      uint64
	ICacheFlushes   uint64
}

// EnableInterrupts sets sstatus.SIE.
func EnableInterrupts() {
	atomic.StoreUint32(&sie, 1)
}

// DisableInterrupts clears sstatus.SIE.
func DisableInterrupts() {
	atomic.StoreUint32(&sie, 0)
}

// InterruptsEnabled returns true if sstatus.SIE is set.
func InterruptsEnabled() bool {
	return atomic.LoadUint32(&sie) == 1
}

// SaveAndDisableInterrupts clears sstatus.SIE and returns its previous value so
// that it can be handed back to RestoreInterrupts.
func SaveAndDisableInterrupts() bool {
	return atomic.SwapUint32(&sie, 0) == 1
}

// RestoreInterrupts sets sstatus.SIE to the state returned by a previous call
// to SaveAndDisableInterrupts.
func RestoreInterrupts(enabled bool) {
	if enabled {
		atomic.StoreUint32(&sie, 1)
		return
	}
	atomic.StoreUint32(&sie, 0)
}

// Halt stops instruction execution on this hart. Calls to Halt never return.
func Halt() {
	select {}
}

// FlushTLBEntry executes sfence.vma for a single virtual address.
func FlushTLBEntry(virtAddr uintptr) {
	atomic.AddUint64(&tlbEntryFlushes, 1)
}

// FlushTLB executes sfence.vma with no operands, invalidating every
// translation cached by this hart.
func FlushTLB() {
	atomic.AddUint64(&tlbFlushes, 1)
}

// FlushICache executes fence.i so that instruction fetches observe prior
// stores to memory.
func FlushICache() {
	atomic.AddUint64(&icacheFlushes, 1)
}

// ReadSatp returns the value of the satp register.
func ReadSatp() uint64 {
	return atomic.LoadUint64(&satp)
}

// WriteSatp loads a new value into the satp register. Callers are expected to
// follow it with FlushTLB.
func WriteSatp(val uint64) {
	atomic.StoreUint64(&satp, val)
}

// MakeSatp builds a satp value selecting Sv39 translation rooted at the frame
// with the given physical page number.
func MakeSatp(rootPPN uint64) uint64 {
	return SatpModeSv39 | (rootPPN & SatpPPNMask)
}

// ReadStats returns the fence counters of this hart.
func ReadStats() Stats {
	return Stats{
		TLBEntryFlushes: atomic.LoadUint64(&tlbEntryFlushes),
		TLBFlushes:      atomic.LoadUint64(&tlbFlushes),
		ICacheFlushes:   atomic.LoadUint64(&icacheFlushes),
	}
}
