package vmm

import (
	"rvos/kernel/mm"
	"rvos/kernel/mm/pmm"
	"slices"
)

// vmaPage is a frame mapped by a VMA.
type vmaPage struct {
	page pmm.Page

	// cow is set while the frame is shared copy-on-write with another
	// address space and its leaf is mapped without write permission.
	cow bool
}

// VMA is a contiguous, page-aligned range [Start, End) of an address space
// with uniform permissions and backing. The pages map holds every page
// populated so far; each of them is mapped in the owning page table. VMAs are
// protected by the lock of the address space that owns them.
type VMA struct {
	start mm.Vaddr
	end   mm.Vaddr
	flags VMAFlags

	backing Backing
	dirty   bool

	pages map[mm.Vaddr]*vmaPage
	pt    *PageTable
}

func newVMA(start, end mm.Vaddr, flags VMAFlags, backing Backing) *VMA {
	if backing == nil {
		backing = Anonymous{}
	}

	return &VMA{
		start:   start,
		end:     end,
		flags:   flags,
		backing: backing,
		pages:   make(map[mm.Vaddr]*vmaPage),
	}
}

// NewVMA returns an unpopulated area descriptor that can be added to an
// address space with InsertVMA. A nil backing makes the area anonymous.
func NewVMA(start, end mm.Vaddr, flags VMAFlags, backing Backing) *VMA {
	return newVMA(start, end, flags, backing)
}

// Start returns the first address of the area.
func (v *VMA) Start() mm.Vaddr { return v.start }

// End returns the address just past the area.
func (v *VMA) End() mm.Vaddr { return v.end }

// Len returns the size of the area in bytes.
func (v *VMA) Len() uintptr { return uintptr(v.end - v.start) }

// Flags returns the permissions of the area.
func (v *VMA) Flags() VMAFlags { return v.flags }

// Backing returns the source of the area contents.
func (v *VMA) Backing() Backing { return v.backing }

// Contains returns true if va lies inside the area.
func (v *VMA) Contains(va mm.Vaddr) bool { return va >= v.start && va < v.end }

// IsAnonymous returns true for zero-fill-on-demand areas.
func (v *VMA) IsAnonymous() bool {
	_, anon := v.backing.(Anonymous)
	return anon
}

// Dirty returns true once a page of a writable area has been populated.
func (v *VMA) Dirty() bool { return v.dirty }

// Resident returns the number of populated pages.
func (v *VMA) Resident() int { return len(v.pages) }

func (v *VMA) overlaps(start, end mm.Vaddr) bool {
	return v.start < end && start < v.end
}

// sortedPages returns the addresses of the populated pages in ascending order.
func (v *VMA) sortedPages() []mm.Vaddr {
	keys := make([]mm.Vaddr, 0, len(v.pages))
	for va := range v.pages {
		keys = append(keys, va)
	}
	slices.Sort(keys)
	return keys
}

// faultFill populates the page at va: a zeroed frame is allocated, filled
// from the backing and mapped with the permissions of the area.
func (v *VMA) faultFill(va mm.Vaddr) error {
	if !va.IsAligned() || !v.Contains(va) {
		return errBadFaultAddr
	}

	if _, populated := v.pages[va]; populated {
		return ErrAlreadyMapped
	}

	page, err := v.pt.frames.AllocBlock(0)
	if err != nil {
		return err
	}

	if fillErr := v.backing.fill(v.start, va, page); fillErr != nil {
		_ = page.Release()
		return fillErr
	}

	if v.flags&VMExec != 0 {
		flushICacheFn()
	}

	if err = v.pt.MapOnePage(va, page.Base(), v.flags.pteFlags()); err != nil {
		_ = page.Release()
		return err
	}

	v.pages[va] = &vmaPage{page: page}
	if v.flags&VMWrite != 0 {
		v.dirty = true
	}

	return nil
}

// unmapPage removes the page at va from the area and the page table. Pages of
// dirty shared file mappings are written back before the frame reference is
// dropped. Every step runs even if an earlier one fails; the first error is
// returned.
func (v *VMA) unmapPage(va mm.Vaddr) error {
	vp, populated := v.pages[va]
	if !populated {
		return nil
	}
	delete(v.pages, va)

	var firstErr error
	if _, err := v.pt.UnmapOnePage(va); err != nil {
		firstErr = err
	}

	if v.dirty && v.flags&VMShared != 0 {
		if err := v.backing.writeBack(v.start, va, vp.page); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := vp.page.Release(); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}

// Release tears down every populated page in ascending address order. Errors
// are logged and the first one is returned once all pages are gone.
func (v *VMA) Release() error {
	var firstErr error
	for _, va := range v.sortedPages() {
		if err := v.unmapPage(va); err != nil {
			log.Errorf("teardown of page 0x%x failed: %s", va, err.Error())
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// split cuts the area at the page-aligned address at and returns the upper
// part [at, End). The populated pages above at move to the returned area.
func (v *VMA) split(at mm.Vaddr) *VMA {
	upper := newVMA(at, v.end, v.flags, v.backing.slice(uintptr(at-v.start)))
	upper.dirty = v.dirty
	upper.pt = v.pt

	for va, vp := range v.pages {
		if va >= at {
			upper.pages[va] = vp
			delete(v.pages, va)
		}
	}

	v.end = at
	return upper
}

// VMAInfo is a snapshot of the state of a VMA.
type VMAInfo struct {
	Start, End mm.Vaddr
	Flags      VMAFlags
	FileBacked bool
	Dirty      bool
	Resident   int
}

func (v *VMA) info() VMAInfo {
	return VMAInfo{
		Start:      v.start,
		End:        v.end,
		Flags:      v.flags,
		FileBacked: !v.IsAnonymous(),
		Dirty:      v.dirty,
		Resident:   len(v.pages),
	}
}
