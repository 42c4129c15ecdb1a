package vmm

// VMAFlags describes the permissions and sharing mode of a virtual memory
// area.
type VMAFlags uint8

const (
	// VMRead allows loads from the area.
	VMRead VMAFlags = 1 << iota

	// VMWrite allows stores to the area.
	VMWrite

	// VMExec allows instruction fetches from the area.
	VMExec

	// VMUser makes the area accessible from user mode.
	VMUser

	// VMShared makes stores visible to every address space mapping the
	// same frames and, for file-backed areas, to the file.
	VMShared
)

// vmaPTEMask selects the flags that have a page table counterpart.
const vmaPTEMask = VMRead | VMWrite | VMExec | VMUser

// pteFlags returns the leaf flags for pages of an area with these flags. The
// R, W, X and U bits sit one position above their VMA counterparts.
func (f VMAFlags) pteFlags() PageTableEntryFlag {
	return PageTableEntryFlag(f&vmaPTEMask)<<1 | FlagValid
}

// permits returns true if an access of the given kind is allowed.
func (f VMAFlags) permits(kind AccessKind) bool {
	switch kind {
	case AccessRead:
		return f&VMRead != 0
	case AccessWrite:
		return f&VMWrite != 0
	case AccessExecute:
		return f&VMExec != 0
	}
	return false
}

// String renders the flags in the "rwxus" style used by /proc maps.
func (f VMAFlags) String() string {
	out := []byte("-----")
	for i, ch := range []byte("rwxus") {
		if f&(1<<uint(i)) != 0 {
			out[i] = ch
		}
	}
	return string(out)
}

// AccessKind is the type of memory access that caused a page fault.
type AccessKind uint8

// The supported access kinds.
const (
	AccessRead AccessKind = iota
	AccessWrite
	AccessExecute
)

func (k AccessKind) String() string {
	switch k {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessExecute:
		return "execute"
	}
	return "unknown"
}

// MapFlags modify how MapAnonymous and MapFile pick and share a range.
type MapFlags uint8

const (
	// MapShared creates a shared mapping. Without it the mapping is
	// private.
	MapShared MapFlags = 1 << iota

	// MapFixed makes the hint mandatory: the call fails instead of
	// searching for another range when the hint is occupied.
	MapFixed
)

// GrowDirection selects the order in which the gap search visits a region.
type GrowDirection uint8

const (
	// GrowUp returns the lowest gap that fits.
	GrowUp GrowDirection = iota

	// GrowDown returns the highest gap that fits.
	GrowDown
)
