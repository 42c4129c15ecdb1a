package vmm

import (
	"rvos/kernel"
	"rvos/kernel/mm"
	"rvos/kernel/sync"
	"sort"
)

// userMmapStart keeps the first user page unmapped so that null pointer
// dereferences always fault.
const userMmapStart = mm.UserSpaceStart + mm.Vaddr(mm.PageSize)

// AddressSpace owns one page table and the ordered, non-overlapping set of
// VMAs mapped through it. User spaces also track the heap and may share
// frames copy-on-write with the space they were forked from.
type AddressSpace struct {
	mutex sync.IrqSpinlock

	kernel   bool
	pt       *PageTable
	kernelPT *PageTable

	// vmas is sorted by start address.
	vmas  []*VMA
	cache vmaCache

	// mmap region and search direction.
	regionStart mm.Vaddr
	regionEnd   mm.Vaddr
	growDir     GrowDirection

	heap     *VMA
	startBrk mm.Vaddr
	brk      mm.Vaddr
	heapMin  mm.Vaddr

	// cowSource is the space this one was forked from while cowPages of
	// its pages are still shared copy-on-write.
	cowSource *AddressSpace
	cowPages  int

	faults uint64
	auxv   []AuxEntry
}

func newAddressSpace(pt, kernelPT *PageTable, kernelSpace bool) *AddressSpace {
	as := &AddressSpace{
		kernel:   kernelSpace,
		pt:       pt,
		kernelPT: kernelPT,
	}

	if kernelSpace {
		as.kernelPT = pt
		as.regionStart, as.regionEnd, as.growDir = mm.KernelMmapStart, mm.KernelMmapEnd, GrowUp
	} else {
		as.regionStart, as.regionEnd, as.growDir = userMmapStart, mm.UserSpaceEnd, GrowDown
	}

	return as
}

// NewUserSpace creates an empty user address space whose page table shares
// the kernel half of kernelSpace.
func NewUserSpace(kernelSpace *AddressSpace) (*AddressSpace, *kernel.Error) {
	if !kernelSpace.kernel {
		return nil, ErrNotKernelSpace
	}

	pt, err := NewUserPageTable(kernelSpace.pt)
	if err != nil {
		return nil, err
	}

	return newAddressSpace(pt, kernelSpace.pt, false), nil
}

// IsKernel returns true for the kernel address space.
func (as *AddressSpace) IsKernel() bool { return as.kernel }

// PageTable returns the page table of the space.
func (as *AddressSpace) PageTable() *PageTable { return as.pt }

// Install activates the page table of the space on the current hart.
func (as *AddressSpace) Install() { as.pt.Install() }

// FindVMA returns the VMA that contains va or nil.
func (as *AddressSpace) FindVMA(va mm.Vaddr) *VMA {
	as.mutex.Acquire()
	defer as.mutex.Release()
	return as.findVMALocked(va)
}

func (as *AddressSpace) findVMALocked(va mm.Vaddr) *VMA {
	if vma := as.cache.lookup(va); vma != nil {
		return vma
	}

	idx := sort.Search(len(as.vmas), func(i int) bool { return as.vmas[i].end > va })
	if idx == len(as.vmas) || as.vmas[idx].start > va {
		return nil
	}

	as.cache.insert(as.vmas[idx])
	return as.vmas[idx]
}

// FaultCount returns the number of page faults handled for the space.
func (as *AddressSpace) FaultCount() uint64 {
	as.mutex.Acquire()
	defer as.mutex.Release()
	return as.faults
}

// VMAs returns a snapshot of every VMA in address order.
func (as *AddressSpace) VMAs() []VMAInfo {
	as.mutex.Acquire()
	defer as.mutex.Release()

	out := make([]VMAInfo, 0, len(as.vmas))
	for _, vma := range as.vmas {
		out = append(out, vma.info())
	}
	return out
}

// FindUnmappedRange looks for length free bytes inside [regionStart,
// regionEnd). A non-zero hint is accepted only if no VMA intersects
// [hint, hint+length); otherwise the VMAs are scanned in the given direction
// for the first gap that fits. The result is an unpopulated anonymous VMA
// descriptor that has not been inserted.
func (as *AddressSpace) FindUnmappedRange(hint mm.Vaddr, length uintptr, dir GrowDirection, regionStart, regionEnd mm.Vaddr) (*VMA, bool) {
	as.mutex.Acquire()
	defer as.mutex.Release()
	return as.findUnmappedRangeLocked(hint, length, dir, regionStart, regionEnd)
}

func (as *AddressSpace) findUnmappedRangeLocked(hint mm.Vaddr, length uintptr, dir GrowDirection, regionStart, regionEnd mm.Vaddr) (*VMA, bool) {
	length = uintptr(mm.Vaddr(length).Ceil())
	if length == 0 || regionEnd <= regionStart || length > uintptr(regionEnd-regionStart) {
		return nil, false
	}

	if hint != 0 {
		end := hint + mm.Vaddr(length)
		if !hint.IsAligned() || hint < regionStart || end > regionEnd || end < hint || as.overlapsLocked(hint, end) {
			return nil, false
		}
		return newVMA(hint, end, 0, nil), true
	}

	size := mm.Vaddr(length)
	if dir == GrowUp {
		cursor := regionStart
		for _, vma := range as.vmas {
			if vma.end <= cursor {
				continue
			}
			if vma.start >= regionEnd {
				break
			}
			if vma.start > cursor && vma.start-cursor >= size {
				return newVMA(cursor, cursor+size, 0, nil), true
			}
			cursor = max(cursor, vma.end)
		}

		if cursor < regionEnd && regionEnd-cursor >= size {
			return newVMA(cursor, cursor+size, 0, nil), true
		}
		return nil, false
	}

	cursor := regionEnd
	for i := len(as.vmas) - 1; i >= 0; i-- {
		vma := as.vmas[i]
		if vma.start >= cursor {
			continue
		}
		if vma.end <= regionStart {
			break
		}
		if vma.end < cursor && cursor-vma.end >= size {
			return newVMA(cursor-size, cursor, 0, nil), true
		}
		cursor = min(cursor, vma.start)
	}

	if cursor > regionStart && cursor-regionStart >= size {
		return newVMA(cursor-size, cursor, 0, nil), true
	}
	return nil, false
}

// overlapsLocked returns true if any VMA intersects [start, end).
func (as *AddressSpace) overlapsLocked(start, end mm.Vaddr) bool {
	idx := sort.Search(len(as.vmas), func(i int) bool { return as.vmas[i].end > start })
	return idx < len(as.vmas) && as.vmas[idx].start < end
}

// InsertVMA adds an unpopulated VMA to the space. The VMA must be
// page-aligned, non-empty and must not intersect any existing VMA.
func (as *AddressSpace) InsertVMA(vma *VMA) *kernel.Error {
	as.mutex.Acquire()
	defer as.mutex.Release()
	return as.insertVMALocked(vma)
}

func (as *AddressSpace) insertVMALocked(vma *VMA) *kernel.Error {
	if !vma.start.IsAligned() || !vma.end.IsAligned() || vma.start >= vma.end {
		return ErrBadRange
	}

	if as.overlapsLocked(vma.start, vma.end) {
		return ErrVMAOverlap
	}

	vma.pt = as.pt
	as.linkVMALocked(vma)
	return nil
}

// linkVMALocked inserts vma in address order without any checks.
func (as *AddressSpace) linkVMALocked(vma *VMA) {
	idx := sort.Search(len(as.vmas), func(i int) bool { return as.vmas[i].start > vma.start })
	as.vmas = append(as.vmas, nil)
	copy(as.vmas[idx+1:], as.vmas[idx:])
	as.vmas[idx] = vma
}

// unlinkVMALocked removes vma from the ordered set and the cache. The VMA
// keeps its pages.
func (as *AddressSpace) unlinkVMALocked(vma *VMA) {
	as.cache.invalidate(vma)
	for i, cur := range as.vmas {
		if cur == vma {
			as.vmas = append(as.vmas[:i], as.vmas[i+1:]...)
			return
		}
	}
}

// nextVMALocked returns the VMA that follows vma in address order.
func (as *AddressSpace) nextVMALocked(vma *VMA) *VMA {
	idx := sort.Search(len(as.vmas), func(i int) bool { return as.vmas[i].start > vma.start })
	if idx == len(as.vmas) {
		return nil
	}
	return as.vmas[idx]
}

// mapFlags returns the VMA flags for a mapping request. Writable mappings are
// also readable since Sv39 reserves the write-only encoding.
func (as *AddressSpace) mapFlags(prot VMAFlags, flags MapFlags) VMAFlags {
	out := prot & (VMRead | VMWrite | VMExec)
	if out&VMWrite != 0 {
		out |= VMRead
	}
	if !as.kernel {
		out |= VMUser
	}
	if flags&MapShared != 0 {
		out |= VMShared
	}
	return out
}

// placeLocked picks the range for a new mapping. An occupied hint falls back
// to a search unless MapFixed is set.
func (as *AddressSpace) placeLocked(hint mm.Vaddr, length uintptr, flags MapFlags) (*VMA, *kernel.Error) {
	if length == 0 || (hint != 0 && !hint.IsAligned()) {
		return nil, ErrBadRange
	}

	vma, ok := as.findUnmappedRangeLocked(hint, length, as.growDir, as.regionStart, as.regionEnd)
	if !ok && hint != 0 && flags&MapFixed == 0 {
		vma, ok = as.findUnmappedRangeLocked(0, length, as.growDir, as.regionStart, as.regionEnd)
	}

	if !ok {
		return nil, ErrNoSpace
	}
	return vma, nil
}

// MapAnonymous reserves length bytes of zero-fill-on-demand memory and
// returns the start of the new mapping. Frames are allocated by faults.
func (as *AddressSpace) MapAnonymous(hint mm.Vaddr, length uintptr, prot VMAFlags, flags MapFlags) (mm.Vaddr, error) {
	if prot&(VMRead|VMWrite|VMExec) == 0 {
		return 0, ErrNoPermissions
	}

	as.mutex.Acquire()
	defer as.mutex.Release()

	vma, err := as.placeLocked(hint, length, flags)
	if err != nil {
		return 0, err
	}

	vma.flags = as.mapFlags(prot, flags)
	if err = as.insertVMALocked(vma); err != nil {
		return 0, err
	}

	log.Debugf("anonymous mapping [0x%x - 0x%x] %s", vma.start, vma.end, vma.flags.String())
	return vma.start, nil
}

// MapFile maps length bytes of file starting at the page-aligned fileOffset.
// Bytes past the end of the file read as zeros and are never written back.
func (as *AddressSpace) MapFile(hint mm.Vaddr, length uintptr, file File, fileOffset int64, prot VMAFlags, flags MapFlags) (mm.Vaddr, error) {
	if file == nil || fileOffset < 0 || uintptr(fileOffset)&(mm.PageSize-1) != 0 {
		return 0, ErrBadRange
	}

	if prot&(VMRead|VMWrite|VMExec) == 0 {
		return 0, ErrNoPermissions
	}

	var covered uintptr
	if size := file.Size(); size > fileOffset {
		covered = min(length, uintptr(size-fileOffset))
	}

	as.mutex.Acquire()
	defer as.mutex.Release()

	vma, err := as.placeLocked(hint, length, flags)
	if err != nil {
		return 0, err
	}

	vma.flags = as.mapFlags(prot, flags)
	vma.backing = &FileBacking{File: file, FileOffset: fileOffset, Length: covered}
	if err = as.insertVMALocked(vma); err != nil {
		return 0, err
	}

	log.Debugf("file mapping [0x%x - 0x%x] %s offset %d", vma.start, vma.end, vma.flags.String(), fileOffset)
	return vma.start, nil
}

// Unmap removes every mapping in [addr, addr+length). Areas that straddle the
// range boundaries are split and only the part inside the range is torn down.
// The heap can only be resized through Brk.
func (as *AddressSpace) Unmap(addr mm.Vaddr, length uintptr) error {
	end := addr + mm.Vaddr(length).Ceil()
	if !addr.IsAligned() || length == 0 || end < addr {
		return ErrBadRange
	}

	as.mutex.Acquire()
	defer as.mutex.Release()

	var victims []*VMA
	for _, vma := range as.vmas {
		if !vma.overlaps(addr, end) {
			continue
		}
		if vma == as.heap {
			return ErrBadRange
		}
		victims = append(victims, vma)
	}

	var firstErr error
	for _, vma := range victims {
		if vma.start < addr {
			upper := vma.split(addr)
			as.linkVMALocked(upper)
			vma = upper
		}
		if vma.end > end {
			as.linkVMALocked(vma.split(end))
		}

		as.unlinkVMALocked(vma)
		if err := as.releaseVMALocked(vma); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// releaseVMALocked tears down the pages of a VMA that is no longer linked and
// stops counting the ones it shared copy-on-write.
func (as *AddressSpace) releaseVMALocked(vma *VMA) error {
	for _, vp := range vma.pages {
		if vp.cow {
			as.cowPages--
		}
	}
	if as.cowPages == 0 {
		as.cowSource = nil
	}

	return vma.Release()
}

// Release tears down every VMA, dropping the reference each populated page
// holds, and frees the page table. The space must not be used afterwards.
func (as *AddressSpace) Release() error {
	as.mutex.Acquire()
	defer as.mutex.Release()

	var firstErr error
	for _, vma := range as.vmas {
		if err := vma.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	as.vmas = nil
	as.cache.reset()
	as.heap = nil
	as.cowSource, as.cowPages = nil, 0

	if err := as.pt.Release(); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}
