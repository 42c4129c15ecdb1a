package pmm

import (
	"container/list"
	"rvos/kernel"
	"rvos/kernel/kfmt"
	"rvos/kernel/mm"
	"rvos/kernel/sync"
)

var (
	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	// ErrOutOfMemory is returned when no free block of the requested order
	// exists and none can be split from a higher order.
	ErrOutOfMemory = &kernel.Error{Module: "buddy", Message: "out of memory"}

	// ErrInvalidOrder is returned for orders >= mm.MaxOrder.
	ErrInvalidOrder = &kernel.Error{Module: "buddy", Message: "block order out of range"}

	errEmptyRegion    = &kernel.Error{Module: "buddy", Message: "managed region contains no whole pages"}
	errFreeOutOfRange = &kernel.Error{Module: "buddy", Message: "freed block lies outside the managed region"}
	errFreeMisaligned = &kernel.Error{Module: "buddy", Message: "freed block is not aligned to its order"}
	errDoubleFree     = &kernel.Error{Module: "buddy", Message: "block is already free"}
	errLostBuddy      = &kernel.Error{Module: "buddy", Message: "pair bit set but buddy missing from free list"}
)

// freeArea tracks the free blocks of a single order. The pairs bitmap holds
// one bit per buddy pair which is set when exactly one block of the pair is
// free.
type freeArea struct {
	blocks *list.List
	index  map[mm.Paddr]*list.Element
	pairs  bitmap
}

func (fa *freeArea) push(addr mm.Paddr) {
	fa.index[addr] = fa.blocks.PushBack(addr)
}

func (fa *freeArea) pop() (mm.Paddr, bool) {
	el := fa.blocks.Back()
	if el == nil {
		return 0, false
	}
	addr := fa.blocks.Remove(el).(mm.Paddr)
	delete(fa.index, addr)
	return addr, true
}

func (fa *freeArea) remove(addr mm.Paddr) bool {
	el, ok := fa.index[addr]
	if !ok {
		return false
	}
	fa.blocks.Remove(el)
	delete(fa.index, addr)
	return true
}

// BuddyAllocator manages a contiguous physical region as power-of-two blocks
// of frames. Splitting and coalescing are bounded by mm.MaxOrder, so Alloc and
// Free never walk more than mm.MaxOrder free areas.
type BuddyAllocator struct {
	mutex sync.IrqSpinlock

	start, end mm.Paddr
	totalPages uintptr
	freePages  uintptr

	areas [mm.MaxOrder]freeArea
}

// Init clips [start, end) to page boundaries and seeds the free areas with the
// largest aligned blocks that fit, working from the top order down.
func (b *BuddyAllocator) Init(start, end mm.Paddr) *kernel.Error {
	start, end = start.Ceil(), end.Floor()
	if end <= start {
		return errEmptyRegion
	}

	b.mutex.Acquire()
	defer b.mutex.Release()

	b.start, b.end = start, end
	b.totalPages = uintptr(end-start) >> mm.PageShift
	b.freePages = 0

	for order := uint8(0); order < mm.MaxOrder; order++ {
		blocks := b.totalPages >> order
		b.areas[order] = freeArea{
			blocks: list.New(),
			index:  make(map[mm.Paddr]*list.Element),
			pairs:  newBitmap(blocks/2 + 1),
		}
	}

	probe := start
	for order := int(mm.MaxOrder - 1); order >= 0; order-- {
		blockSize := mm.Paddr(mm.OrderToSize(uint8(order)))
		for end-probe >= blockSize {
			b.insertLocked(probe, uint8(order))
			b.freePages += mm.OrderToPages(uint8(order))
			probe += blockSize
		}
	}

	return nil
}

// Range returns the page-aligned region managed by the allocator.
func (b *BuddyAllocator) Range() (mm.Paddr, mm.Paddr) {
	return b.start, b.end
}

// TotalPages returns the number of frames in the managed region.
func (b *BuddyAllocator) TotalPages() uintptr {
	return b.totalPages
}

// FreePages returns the number of frames that are currently free.
func (b *BuddyAllocator) FreePages() uintptr {
	b.mutex.Acquire()
	defer b.mutex.Release()
	return b.freePages
}

// FreeBlocks returns the number of free blocks of the given order.
func (b *BuddyAllocator) FreeBlocks(order uint8) int {
	if order >= mm.MaxOrder {
		return 0
	}

	b.mutex.Acquire()
	defer b.mutex.Release()
	return b.areas[order].blocks.Len()
}

// Alloc reserves a block of 2^order frames and returns its base address.
func (b *BuddyAllocator) Alloc(order uint8) (mm.Paddr, *kernel.Error) {
	if order >= mm.MaxOrder {
		return 0, ErrInvalidOrder
	}

	b.mutex.Acquire()
	defer b.mutex.Release()

	addr, err := b.allocLocked(order)
	if err != nil {
		return 0, err
	}
	b.freePages -= mm.OrderToPages(order)
	return addr, nil
}

func (b *BuddyAllocator) allocLocked(order uint8) (mm.Paddr, *kernel.Error) {
	if order >= mm.MaxOrder {
		return 0, ErrOutOfMemory
	}

	area := &b.areas[order]
	if addr, ok := area.pop(); ok {
		if !b.isTopOrder(order) {
			area.pairs.toggle(b.pairIndex(addr, order))
		}
		return addr, nil
	}

	addr, err := b.allocLocked(order + 1)
	if err != nil {
		return 0, err
	}

	// keep the lower half and return the upper half to this order; its
	// buddy was just consumed so it cannot merge.
	b.insertLocked(addr+mm.Paddr(mm.OrderToSize(order)), order)
	return addr, nil
}

// Free returns a block previously obtained from Alloc with the same order.
func (b *BuddyAllocator) Free(addr mm.Paddr, order uint8) *kernel.Error {
	if order >= mm.MaxOrder {
		return ErrInvalidOrder
	}

	blockSize := mm.Paddr(mm.OrderToSize(order))
	switch {
	case addr < b.start || addr >= b.end || b.end-addr < blockSize:
		return errFreeOutOfRange
	case (addr-b.start)%blockSize != 0:
		return errFreeMisaligned
	}

	b.mutex.Acquire()
	defer b.mutex.Release()

	if _, free := b.areas[order].index[addr]; free {
		return errDoubleFree
	}

	b.insertLocked(addr, order)
	b.freePages += mm.OrderToPages(order)
	return nil
}

// insertLocked adds a free block at the given order, merging it with its
// buddy for as long as the buddy is also free.
func (b *BuddyAllocator) insertLocked(addr mm.Paddr, order uint8) {
	area := &b.areas[order]
	if b.isTopOrder(order) {
		area.push(addr)
		return
	}

	pair := b.pairIndex(addr, order)
	if !area.pairs.isSet(pair) {
		area.push(addr)
		area.pairs.set(pair)
		return
	}

	buddy := b.buddyOf(addr, order)
	if !area.remove(buddy) {
		panicFn(errLostBuddy)
		return
	}
	area.pairs.clear(pair)

	if buddy < addr {
		addr = buddy
	}
	b.insertLocked(addr, order+1)
}

func (b *BuddyAllocator) isTopOrder(order uint8) bool {
	return order == mm.MaxOrder-1
}

// blockIndex returns the index of the block at addr among all blocks of the
// given order, counting from the start of the region.
func (b *BuddyAllocator) blockIndex(addr mm.Paddr, order uint8) uintptr {
	return (uintptr(addr-b.start) >> mm.PageShift) >> order
}

// pairIndex maps both blocks of a buddy pair to the same bitmap bit.
func (b *BuddyAllocator) pairIndex(addr mm.Paddr, order uint8) uintptr {
	return b.blockIndex(addr, order) / 2
}

func (b *BuddyAllocator) buddyOf(addr mm.Paddr, order uint8) mm.Paddr {
	blockSize := mm.Paddr(mm.OrderToSize(order))
	if b.blockIndex(addr, order)%2 == 0 {
		return addr + blockSize
	}
	return addr - blockSize
}
