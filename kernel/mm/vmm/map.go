package vmm

import (
	"rvos/kernel"
	"rvos/kernel/mm"
)

// Walk returns the entry that maps va without allocating anything. It fails
// if an intermediate table on the path is missing.
func (pt *PageTable) Walk(va mm.Vaddr) (WalkResult, bool) {
	pt.mutex.Acquire()
	defer pt.mutex.Release()
	return pt.walkLocked(va)
}

// WalkAlloc returns the entry that maps va, allocating any missing
// intermediate table on the way. Repeated calls for the same address return
// the same entry.
func (pt *PageTable) WalkAlloc(va mm.Vaddr) (WalkResult, *kernel.Error) {
	pt.mutex.Acquire()
	defer pt.mutex.Release()
	return pt.walkAllocLocked(va)
}

// MapOnePage establishes a mapping between the page containing va and the
// frame at pa. Existing mappings are never overwritten.
func (pt *PageTable) MapOnePage(va mm.Vaddr, pa mm.Paddr, flags PageTableEntryFlag) *kernel.Error {
	pt.mutex.Acquire()
	defer pt.mutex.Release()
	return pt.mapOneLocked(va, pa, flags, false)
}

// ForceMapOne installs a mapping for the page containing va replacing
// whatever leaf is present. It is reserved for fixed boot-time mappings.
func (pt *PageTable) ForceMapOne(va mm.Vaddr, pa mm.Paddr, flags PageTableEntryFlag) *kernel.Error {
	pt.mutex.Acquire()
	defer pt.mutex.Release()
	return pt.mapOneLocked(va, pa, flags, true)
}

func (pt *PageTable) mapOneLocked(va mm.Vaddr, pa mm.Paddr, flags PageTableEntryFlag, force bool) *kernel.Error {
	if flags&FlagRWX == 0 {
		return ErrNoPermissions
	}

	res, err := pt.walkAllocLocked(va)
	if err != nil {
		return err
	}

	if res.Level != leafLevel {
		panicFn(errHugePage)
		return errHugePage
	}

	pte := pt.loadEntry(res.EntryAddr)
	if !force && pte.HasFlags(FlagValid) {
		return ErrAlreadyMapped
	}

	pte = 0
	pte.SetFrame(pa.PFN())
	pte.SetFlags(flags | FlagValid)
	pt.storeEntry(res.EntryAddr, pte)
	flushTLBEntryFn(va.Floor().Uintptr())

	return nil
}

// UnmapOnePage removes the mapping for the page containing va and returns the
// physical address it pointed to. Unmapping an address that is not mapped
// is an invariant violation.
func (pt *PageTable) UnmapOnePage(va mm.Vaddr) (mm.Paddr, *kernel.Error) {
	pt.mutex.Acquire()
	defer pt.mutex.Release()

	res, found := pt.walkLocked(va)
	if !found || !pt.loadEntry(res.EntryAddr).HasFlags(FlagValid) {
		panicFn(ErrInvalidMapping)
		return 0, ErrInvalidMapping
	}

	if res.Level != leafLevel {
		panicFn(errHugePage)
		return 0, errHugePage
	}

	pte := pt.loadEntry(res.EntryAddr)
	pa := pte.Address()
	pte.ClearFlags(FlagValid)
	pte.SetFrame(0)
	pt.storeEntry(res.EntryAddr, pte)
	flushTLBEntryFn(va.Floor().Uintptr())

	return pa, nil
}

// MapPages maps the 2^order pages starting at va to the block starting at pa.
// The first page that cannot be mapped aborts the operation; pages mapped
// before it stay mapped.
func (pt *PageTable) MapPages(va mm.Vaddr, pa mm.Paddr, order uint8, flags PageTableEntryFlag) *kernel.Error {
	for i := uintptr(0); i < mm.OrderToPages(order); i++ {
		offset := i << mm.PageShift
		if err := pt.MapOnePage(va+mm.Vaddr(offset), pa+mm.Paddr(offset), flags); err != nil {
			return err
		}
	}
	return nil
}

// UnmapPages removes the 2^order single-page mappings starting at va.
func (pt *PageTable) UnmapPages(va mm.Vaddr, order uint8) *kernel.Error {
	for i := uintptr(0); i < mm.OrderToPages(order); i++ {
		if _, err := pt.UnmapOnePage(va + mm.Vaddr(i<<mm.PageShift)); err != nil {
			return err
		}
	}
	return nil
}

// IsNotMapped returns true if no valid mapping covers va.
func (pt *PageTable) IsNotMapped(va mm.Vaddr) bool {
	_, _, ok := pt.translate(va)
	return !ok
}

// IsNotMappedOrder returns true if none of the 2^order pages starting at va
// is mapped.
func (pt *PageTable) IsNotMappedOrder(va mm.Vaddr, order uint8) bool {
	for i := uintptr(0); i < mm.OrderToPages(order); i++ {
		if !pt.IsNotMapped(va + mm.Vaddr(i<<mm.PageShift)) {
			return false
		}
	}
	return true
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (pt *PageTable) Translate(va mm.Vaddr) (mm.Paddr, *kernel.Error) {
	pa, _, ok := pt.translate(va)
	if !ok {
		return 0, ErrInvalidMapping
	}
	return pa, nil
}

// KernelAddr returns the direct-map address through which the kernel can
// access the byte mapped at va.
func (pt *PageTable) KernelAddr(va mm.Vaddr) (mm.Vaddr, *kernel.Error) {
	pa, err := pt.Translate(va)
	if err != nil {
		return 0, err
	}
	return pa.ToVirt(), nil
}

// translate resolves va through a valid leaf at any level and also returns
// the leaf flags.
func (pt *PageTable) translate(va mm.Vaddr) (mm.Paddr, PageTableEntryFlag, bool) {
	pt.mutex.Acquire()
	defer pt.mutex.Release()

	res, found := pt.walkLocked(va)
	if !found {
		return 0, 0, false
	}

	pte := pt.loadEntry(res.EntryAddr)
	if !pte.HasFlags(FlagValid) || !pte.IsLeaf() {
		return 0, 0, false
	}

	offset := uintptr(va) & (levelSize(res.Level) - 1)
	return pte.Address() + mm.Paddr(offset), pte.Flags(), true
}

// Protect replaces the permission and user bits of the valid leaf that maps
// the page containing va.
func (pt *PageTable) Protect(va mm.Vaddr, flags PageTableEntryFlag) *kernel.Error {
	if flags&FlagRWX == 0 {
		return ErrNoPermissions
	}

	pt.mutex.Acquire()
	defer pt.mutex.Release()

	res, found := pt.walkLocked(va)
	if !found || !pt.loadEntry(res.EntryAddr).HasFlags(FlagValid) {
		return ErrInvalidMapping
	}

	if res.Level != leafLevel {
		panicFn(errHugePage)
		return errHugePage
	}

	const permMask = FlagRWX | FlagUser
	pte := pt.loadEntry(res.EntryAddr)
	pte.ClearFlags(permMask)
	pte.SetFlags(flags & permMask)
	pt.storeEntry(res.EntryAddr, pte)
	flushTLBEntryFn(va.Floor().Uintptr())

	return nil
}

// mapHuge installs a leaf at the given level so that one entry maps
// levelSize(level) bytes. It is used for the kernel direct map.
func (pt *PageTable) mapHuge(va mm.Vaddr, pa mm.Paddr, level uint8, flags PageTableEntryFlag) *kernel.Error {
	size := levelSize(level)
	if level >= leafLevel || uintptr(va)&(size-1) != 0 || uintptr(pa)&(size-1) != 0 {
		return errMisalignedHugePage
	}

	pt.mutex.Acquire()
	defer pt.mutex.Release()

	var err *kernel.Error
	pt.walk(va, func(curLevel uint8, entryAddr mm.Paddr) bool {
		pte := pt.loadEntry(entryAddr)
		if curLevel == level {
			if pte.HasFlags(FlagValid) {
				err = ErrAlreadyMapped
				return false
			}

			pte = 0
			pte.SetFrame(pa.PFN())
			pte.SetFlags(flags | FlagValid)
			pt.storeEntry(entryAddr, pte)
			return false
		}

		if pte.IsLeaf() {
			err = ErrAlreadyMapped
			return false
		}

		if !pte.HasFlags(FlagValid) {
			var tableAddr mm.Paddr
			if tableAddr, err = pt.allocTable(); err != nil {
				return false
			}
			pte = 0
			pte.SetFrame(tableAddr.PFN())
			pte.SetFlags(FlagValid)
			pt.storeEntry(entryAddr, pte)
		}
		return true
	})

	if err == nil {
		flushTLBEntryFn(va.Uintptr())
	}
	return err
}
