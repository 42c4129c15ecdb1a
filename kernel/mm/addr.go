// Package mm contains the address, frame and size types shared by the physical
// and virtual memory managers, together with the system memory layout.
package mm

// Paddr is a physical address.
type Paddr uintptr

// Vaddr is a virtual address.
type Vaddr uintptr

// PFN is a physical frame number, the index of a PageSize frame in physical
// memory.
type PFN uintptr

// Uintptr returns the raw address value.
func (pa Paddr) Uintptr() uintptr { return uintptr(pa) }

// Floor rounds pa down to a page boundary.
func (pa Paddr) Floor() Paddr { return pa &^ Paddr(PageSize-1) }

// Ceil rounds pa up to a page boundary.
func (pa Paddr) Ceil() Paddr { return (pa + Paddr(PageSize-1)) &^ Paddr(PageSize-1) }

// IsAligned returns true if pa is page-aligned.
func (pa Paddr) IsAligned() bool { return pa&Paddr(PageSize-1) == 0 }

// PageOffset returns the offset of pa within its page.
func (pa Paddr) PageOffset() uintptr { return uintptr(pa) & (PageSize - 1) }

// PFN returns the frame that contains pa.
func (pa Paddr) PFN() PFN { return PFN(pa >> PageShift) }

// ToVirt returns the direct-map virtual address of pa.
func (pa Paddr) ToVirt() Vaddr { return Vaddr(pa) + PhysMemOffset }

// Uintptr returns the raw address value.
func (va Vaddr) Uintptr() uintptr { return uintptr(va) }

// Floor rounds va down to a page boundary.
func (va Vaddr) Floor() Vaddr { return va &^ Vaddr(PageSize-1) }

// Ceil rounds va up to a page boundary.
func (va Vaddr) Ceil() Vaddr { return (va + Vaddr(PageSize-1)) &^ Vaddr(PageSize-1) }

// IsAligned returns true if va is page-aligned.
func (va Vaddr) IsAligned() bool { return va&Vaddr(PageSize-1) == 0 }

// PageOffset returns the offset of va within its page.
func (va Vaddr) PageOffset() uintptr { return uintptr(va) & (PageSize - 1) }

// IsDirectMapped returns true if va lies inside the kernel direct map.
func (va Vaddr) IsDirectMapped() bool { return va >= DirectMapStart && va < DirectMapEnd }

// ToPhys returns the physical address behind a direct-map virtual address.
// The result is meaningless for addresses outside the direct map.
func (va Vaddr) ToPhys() Paddr { return Paddr(va - PhysMemOffset) }

// Address returns the physical address of the first byte of the frame.
func (f PFN) Address() Paddr { return Paddr(f << PageShift) }

// PFNFromAddress returns the frame that contains the given physical address.
// Unaligned addresses are rounded down to the frame that contains them.
func PFNFromAddress(pa Paddr) PFN { return PFN(pa >> PageShift) }

// PageRange calls fn for each page-aligned address in [start, end). Iteration
// stops early if fn returns false.
func PageRange(start, end Vaddr, fn func(Vaddr) bool) {
	for va := start.Floor(); va < end; va += Vaddr(PageSize) {
		if !fn(va) {
			return
		}
	}
}
