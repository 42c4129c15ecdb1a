package vmm

import "rvos/kernel/mm"

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uint64

// pageTableEntry describes a Sv39 page table entry. Bits 0-9 hold the flags
// and bits 10-53 the physical page number of the mapped frame or child table.
type pageTableEntry uint64

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uint64(pte) & uint64(flags)) == uint64(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uint64(pte) & uint64(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uint64(*pte) | uint64(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uint64(*pte) &^ uint64(flags))
}

// Flags returns the flag bits of the entry.
func (pte pageTableEntry) Flags() PageTableEntryFlag {
	return PageTableEntryFlag(uint64(pte) & pteFlagMask)
}

// IsLeaf returns true if the entry terminates a walk, which is the case when
// any of the R, W or X bits is set regardless of the valid bit.
func (pte pageTableEntry) IsLeaf() bool {
	return pte.HasAnyFlag(FlagRWX)
}

// Frame returns the physical page frame that this page table entry points to.
func (pte pageTableEntry) Frame() mm.PFN {
	return mm.PFN((uint64(pte) & ptePPNMask) >> ptePPNShift)
}

// SetFrame updates the page table entry to point to the given physical frame.
func (pte *pageTableEntry) SetFrame(frame mm.PFN) {
	*pte = (pageTableEntry)((uint64(*pte) &^ ptePPNMask) | (uint64(frame)<<ptePPNShift)&ptePPNMask)
}

// Address returns the physical address of the frame the entry points to.
func (pte pageTableEntry) Address() mm.Paddr {
	return pte.Frame().Address()
}
