package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// MaxOrder is the number of block orders managed by the buddy allocator.
	// Valid orders are 0 to MaxOrder-1.
	MaxOrder = 11

	// MaxOrderPages is the number of frames in the largest block.
	MaxOrderPages = uintptr(1) << (MaxOrder - 1)
)

// Physical memory is linearly mapped into the upper half of every address
// space starting at PhysMemOffset.
const (
	PhysMemOffset  = Vaddr(0xffffffd800000000)
	DirectMapStart = PhysMemOffset
	DirectMapEnd   = Vaddr(0xfffffff700000000)
)

// Virtual memory layout. The user range and the kernel ranges never overlap in
// the low 39 bits.
const (
	UserSpaceStart = Vaddr(0x0)
	UserSpaceEnd   = Vaddr(0x10000000)

	// UserStackTop is the exclusive upper bound of the initial user stack.
	UserStackTop   = Vaddr(0x10000000)
	UserStackPages = 16

	// UserHeapPages is the size of the heap reservation made when a user
	// address space is created from an executable.
	UserHeapPages = 16

	// KernelMmapStart and KernelMmapEnd bound the region used for temporary
	// kernel mappings.
	KernelMmapStart = Vaddr(0xffffffc600000000)
	KernelMmapEnd   = Vaddr(0xffffffc700000000)
)
