package pmm

import (
	"rvos/kernel"
	"rvos/kernel/kfmt"
	"rvos/kernel/mm"
	"rvos/kernel/mm/phys"
	"rvos/kernel/sync"
)

// discardMinOrder is the smallest block order whose host backing is handed
// back on release.
const discardMinOrder = 4

var (
	log = kfmt.NewLogger("pmm")

	errFrameInUse     = &kernel.Error{Module: "pmm", Message: "allocator returned a frame that is still tracked by a live block"}
	errFrameUntracked = &kernel.Error{Module: "pmm", Message: "frame is outside the registry range"}
	errDeadBlock      = &kernel.Error{Module: "pmm", Message: "reference count operation on a released block"}
)

// BlockAllocator hands out and takes back power-of-two runs of frames. It is
// implemented by BuddyAllocator.
type BlockAllocator interface {
	Alloc(order uint8) (mm.Paddr, *kernel.Error)
	Free(addr mm.Paddr, order uint8) *kernel.Error
}

// frameSlot describes one frame. Blocks are stored as an arena: the leader
// slot of a block carries its order and reference count while every other
// frame of the block only records the leader.
type frameSlot struct {
	leader mm.PFN
	refs   int32
	order  uint8
	live   bool
}

// Registry tracks every allocated block of frames and returns the block to its
// BlockAllocator when the last reference is released.
type Registry struct {
	mutex sync.IrqSpinlock

	blocks BlockAllocator
	mem    *phys.Memory

	base  mm.PFN
	slots []frameSlot

	liveBlocks uintptr
	liveFrames uintptr
}

// NewRegistry creates a registry with one empty slot per frame in
// [start, end). Blocks are obtained from blocks and zero-filled through mem.
func NewRegistry(blocks BlockAllocator, mem *phys.Memory, start, end mm.Paddr) *Registry {
	start, end = start.Floor(), end.Ceil()
	return &Registry{
		blocks: blocks,
		mem:    mem,
		base:   start.PFN(),
		slots:  make([]frameSlot, uintptr(end-start)>>mm.PageShift),
	}
}

// Memory returns the physical window used to access block contents.
func (r *Registry) Memory() *phys.Memory {
	return r.mem
}

// AllocBlock allocates a zero-filled block of 2^order frames. The returned
// Page holds the only reference to the block.
func (r *Registry) AllocBlock(order uint8) (Page, *kernel.Error) {
	base, err := r.blocks.Alloc(order)
	if err != nil {
		return Page{}, err
	}

	first, ok := r.slotIndex(base)
	if !ok || first+mm.OrderToPages(order) > uintptr(len(r.slots)) {
		panicFn(errFrameUntracked)
		return Page{}, errFrameUntracked
	}

	r.mutex.Acquire()
	for i := first; i < first+mm.OrderToPages(order); i++ {
		if r.slots[i].live {
			r.mutex.Release()
			panicFn(errFrameInUse)
			return Page{}, errFrameInUse
		}
	}

	leaderPFN := base.PFN()
	for i := first; i < first+mm.OrderToPages(order); i++ {
		r.slots[i] = frameSlot{leader: leaderPFN, live: true}
	}
	r.slots[first].refs = 1
	r.slots[first].order = order
	r.liveBlocks++
	r.liveFrames += mm.OrderToPages(order)
	r.mutex.Release()

	r.mem.Zero(base, mm.OrderToSize(order))
	return Page{reg: r, pfn: leaderPFN}, nil
}

// Lookup returns a new reference to the live block containing pa. The caller
// must Release the returned Page.
func (r *Registry) Lookup(pa mm.Paddr) (Page, bool) {
	idx, ok := r.slotIndex(pa)
	if !ok {
		return Page{}, false
	}

	r.mutex.Acquire()
	defer r.mutex.Release()

	if !r.slots[idx].live {
		return Page{}, false
	}

	leader := r.slots[idx].leader
	r.slots[leader-r.base].refs++
	return Page{reg: r, pfn: leader}, true
}

// LiveBlocks returns the number of blocks with at least one reference.
func (r *Registry) LiveBlocks() uintptr {
	r.mutex.Acquire()
	defer r.mutex.Release()
	return r.liveBlocks
}

// LiveFrames returns the number of frames that belong to live blocks.
func (r *Registry) LiveFrames() uintptr {
	r.mutex.Acquire()
	defer r.mutex.Release()
	return r.liveFrames
}

func (r *Registry) slotIndex(pa mm.Paddr) (uintptr, bool) {
	pfn := pa.PFN()
	if pfn < r.base || uintptr(pfn-r.base) >= uintptr(len(r.slots)) {
		return 0, false
	}
	return uintptr(pfn - r.base), true
}

// leaderSlot returns the slot of a live block leader. It must be called with
// the registry lock held.
func (r *Registry) leaderSlot(pfn mm.PFN) *frameSlot {
	idx, ok := r.slotIndex(pfn.Address())
	if !ok {
		return nil
	}
	slot := &r.slots[idx]
	if !slot.live || slot.leader != pfn || slot.refs <= 0 {
		return nil
	}
	return slot
}

func (r *Registry) retain(pfn mm.PFN) {
	r.mutex.Acquire()
	slot := r.leaderSlot(pfn)
	if slot == nil {
		r.mutex.Release()
		panicFn(errDeadBlock)
		return
	}
	slot.refs++
	r.mutex.Release()
}

// release drops one reference and, when it was the last one, clears the
// block's slots and frees its frames. The block allocator is called after the
// registry lock is dropped.
func (r *Registry) release(pfn mm.PFN) *kernel.Error {
	r.mutex.Acquire()
	slot := r.leaderSlot(pfn)
	if slot == nil {
		r.mutex.Release()
		panicFn(errDeadBlock)
		return errDeadBlock
	}

	slot.refs--
	if slot.refs > 0 {
		r.mutex.Release()
		return nil
	}

	order := slot.order
	first := uintptr(pfn - r.base)
	for i := first; i < first+mm.OrderToPages(order); i++ {
		r.slots[i] = frameSlot{}
	}
	r.liveBlocks--
	r.liveFrames -= mm.OrderToPages(order)
	r.mutex.Release()

	base := pfn.Address()
	if order >= discardMinOrder {
		if err := r.mem.Discard(base, mm.OrderToSize(order)); err != nil {
			log.Warnf("discard of block 0x%x failed: %s", base, err.Error())
		}
	}

	return r.blocks.Free(base, order)
}

func (r *Registry) refCount(pfn mm.PFN) int32 {
	r.mutex.Acquire()
	defer r.mutex.Release()
	if slot := r.leaderSlot(pfn); slot != nil {
		return slot.refs
	}
	return 0
}

func (r *Registry) order(pfn mm.PFN) uint8 {
	r.mutex.Acquire()
	defer r.mutex.Release()
	if slot := r.leaderSlot(pfn); slot != nil {
		return slot.order
	}
	return 0
}
