package vmm

import "rvos/kernel/mm"

const (
	// pageLevels indicates the number of page levels used by Sv39.
	pageLevels = 3

	// leafLevel is the level whose entries map 4K pages.
	leafLevel = pageLevels - 1

	// entriesPerTable is the number of 8-byte entries in one table frame.
	entriesPerTable = 1 << 9

	// ptePPNShift is the bit offset of the physical page number in an entry.
	ptePPNShift = 10

	// ptePPNMask selects the 44-bit physical page number of an entry.
	ptePPNMask = uint64((1<<44)-1) << ptePPNShift

	// pteFlagMask selects the flag bits of an entry.
	pteFlagMask = uint64(0x3ff)
)

var (
	// pageLevelShifts defines the shift required to access each page table
	// component of a virtual address. Each level uses 9 bits which amounts
	// to 512 entries per table.
	pageLevelShifts = [pageLevels]uint8{
		30,
		21,
		12,
	}
)

const (
	// FlagValid is set when the entry holds a mapping or a child table.
	FlagValid PageTableEntryFlag = 1 << iota

	// FlagRead is set if the page can be read.
	FlagRead

	// FlagWrite is set if the page can be written to.
	FlagWrite

	// FlagExec is set if the page can be executed.
	FlagExec

	// FlagUser is set if user-mode code can access this page. If not set
	// only supervisor code can access it.
	FlagUser

	// FlagGlobal marks a mapping that exists in every address space.
	FlagGlobal

	// FlagAccessed is set by the hart when the page is accessed.
	FlagAccessed

	// FlagDirty is set by the hart when the page is modified.
	FlagDirty
)

// FlagRWX is the set of permission bits; an entry with any of them set is a
// leaf.
const FlagRWX = FlagRead | FlagWrite | FlagExec

// pageIndex returns the table index used at level to translate va.
func pageIndex(level uint8, va mm.Vaddr) uintptr {
	return (uintptr(va) >> pageLevelShifts[level]) & (entriesPerTable - 1)
}

// levelSize returns the number of bytes mapped by a leaf at level.
func levelSize(level uint8) uintptr {
	return uintptr(1) << pageLevelShifts[level]
}
