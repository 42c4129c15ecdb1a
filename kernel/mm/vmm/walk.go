package vmm

import (
	"rvos/kernel"
	"rvos/kernel/mm"
)

// WalkResult identifies the entry that terminated a page table walk.
type WalkResult struct {
	// Level is the table level holding the entry; 0 is the root and
	// leafLevel maps 4K pages.
	Level uint8

	// EntryAddr is the physical address of the 8-byte entry.
	EntryAddr mm.Paddr
}

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and the physical address of the
// entry for the walked virtual address at that level. If the function returns
// false, then the walk is aborted.
type pageTableWalker func(level uint8, entryAddr mm.Paddr) bool

// walk performs a page table walk for the given virtual address. The entry is
// reloaded after walkFn returns so that walkFn may install a missing child
// table. It must be called with the table lock held.
func (pt *PageTable) walk(va mm.Vaddr, walkFn pageTableWalker) {
	tableAddr := pt.root
	for level := uint8(0); level < pageLevels; level++ {
		entryAddr := tableAddr + mm.Paddr(pageIndex(level, va)<<mm.PointerShift)
		if !walkFn(level, entryAddr) {
			return
		}

		tableAddr = pt.loadEntry(entryAddr).Address()
	}
}

// walkLocked descends to the entry that maps va. A leaf terminates the walk
// at any level, valid or not. The walk fails only when it reaches an invalid
// non-leaf entry above the leaf level.
func (pt *PageTable) walkLocked(va mm.Vaddr) (WalkResult, bool) {
	var (
		res   WalkResult
		found bool
	)

	pt.walk(va, func(level uint8, entryAddr mm.Paddr) bool {
		pte := pt.loadEntry(entryAddr)
		if pte.IsLeaf() || level == leafLevel {
			res, found = WalkResult{Level: level, EntryAddr: entryAddr}, true
			return false
		}

		return pte.HasFlags(FlagValid)
	})

	return res, found
}

// walkAllocLocked behaves like walkLocked but installs a zeroed table for
// every missing intermediate level.
func (pt *PageTable) walkAllocLocked(va mm.Vaddr) (WalkResult, *kernel.Error) {
	var (
		res WalkResult
		err *kernel.Error
	)

	pt.walk(va, func(level uint8, entryAddr mm.Paddr) bool {
		pte := pt.loadEntry(entryAddr)
		if pte.IsLeaf() || level == leafLevel {
			res = WalkResult{Level: level, EntryAddr: entryAddr}
			return false
		}

		if pte.HasFlags(FlagValid) {
			return true
		}

		var tableAddr mm.Paddr
		if tableAddr, err = pt.allocTable(); err != nil {
			return false
		}

		var entry pageTableEntry
		entry.SetFrame(tableAddr.PFN())
		entry.SetFlags(FlagValid)
		pt.storeEntry(entryAddr, entry)
		return true
	})

	return res, err
}

func (pt *PageTable) loadEntry(entryAddr mm.Paddr) pageTableEntry {
	return pageTableEntry(pt.mem.Load64(entryAddr))
}

func (pt *PageTable) storeEntry(entryAddr mm.Paddr, pte pageTableEntry) {
	pt.mem.Store64(entryAddr, uint64(pte))
}
