// Package vmm implements virtual memory: Sv39 page tables, address spaces made
// of virtual memory areas that are populated lazily on page faults,
// copy-on-write fork, file-backed mappings and the executable loader.
package vmm

import (
	"rvos/kernel"
	"rvos/kernel/cpu"
	"rvos/kernel/kfmt"
	"rvos/kernel/mm"
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	flushTLBEntryFn = cpu.FlushTLBEntry
	flushTLBFn      = cpu.FlushTLB
	flushICacheFn   = cpu.FlushICache
	writeSatpFn     = cpu.WriteSatp
	readSatpFn      = cpu.ReadSatp
	saveIrqFn       = cpu.SaveAndDisableInterrupts
	restoreIrqFn    = cpu.RestoreInterrupts
	panicFn         = kfmt.Panic

	log = kfmt.NewLogger("vmm")

	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrAlreadyMapped is returned when mapping a page that already has a valid leaf.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "virtual address is already mapped"}

	// ErrNoPermissions is returned when a leaf would be installed without any of the R, W or X bits.
	ErrNoPermissions = &kernel.Error{Module: "vmm", Message: "leaf mapping requires at least one of the read, write or execute permissions"}

	// ErrBadRange is returned for empty, unaligned or out of bounds address ranges.
	ErrBadRange = &kernel.Error{Module: "vmm", Message: "invalid virtual address range"}

	// ErrVMAOverlap is returned when inserting a VMA that intersects an existing one.
	ErrVMAOverlap = &kernel.Error{Module: "vmm", Message: "virtual memory area overlaps an existing area"}

	// ErrNoSpace is returned when no gap in the mapping region can hold a request.
	ErrNoSpace = &kernel.Error{Module: "vmm", Message: "no unmapped range large enough"}

	// ErrNoVMA is the cause of a fault on an address that no VMA covers.
	ErrNoVMA = &kernel.Error{Module: "vmm", Message: "address is not covered by any virtual memory area"}

	// ErrAccessViolation is the cause of a fault that the VMA permissions forbid.
	ErrAccessViolation = &kernel.Error{Module: "vmm", Message: "access violates the permissions of the virtual memory area"}

	// ErrNoHeap is returned by brk operations on an address space without a heap.
	ErrNoHeap = &kernel.Error{Module: "vmm", Message: "address space has no heap"}

	// ErrBadBrk is returned for a program break below the start of the heap.
	ErrBadBrk = &kernel.Error{Module: "vmm", Message: "invalid program break"}

	// ErrBrkCollision is returned when growing the heap would overlap the next VMA.
	ErrBrkCollision = &kernel.Error{Module: "vmm", Message: "heap growth collides with the next virtual memory area"}

	// ErrNestedCOW is returned when forking an address space that still shares frames with its own parent.
	ErrNestedCOW = &kernel.Error{Module: "vmm", Message: "address space still shares copy-on-write frames with its parent"}

	// ErrKernelSpace is returned for user-only operations on the kernel address space.
	ErrKernelSpace = &kernel.Error{Module: "vmm", Message: "operation is not supported on the kernel address space"}

	// ErrNotKernelSpace is returned for kernel-only operations on a user address space.
	ErrNotKernelSpace = &kernel.Error{Module: "vmm", Message: "operation requires the kernel address space"}

	// ErrBadExecutable is returned when an image cannot be loaded.
	ErrBadExecutable = &kernel.Error{Module: "vmm", Message: "image is not a loadable RISC-V executable"}

	errHugePage           = &kernel.Error{Module: "vmm", Message: "walk reached a huge page where a 4K page was expected"}
	errMisalignedHugePage = &kernel.Error{Module: "vmm", Message: "huge page mapping must be aligned to its size"}
	errActiveTable        = &kernel.Error{Module: "vmm", Message: "attempt to release the active page table"}
	errBadFaultAddr       = &kernel.Error{Module: "vmm", Message: "fault fill address is unaligned or outside the area"}
)

// directMapFlags are used for the gigapage leaves of the kernel direct map.
const directMapFlags = FlagRead | FlagWrite | FlagExec | FlagGlobal | FlagAccessed | FlagDirty

// Init creates the kernel address space: the physical memory managed by
// frames is mapped at PhysMemOffset using gigapages and the top-level entries
// covering the kernel mapping region are populated so that user tables
// created afterwards share them. The new space is installed on the hart.
func Init(frames FrameAllocator) (*AddressSpace, *kernel.Error) {
	kernelSpace, err := NewKernelSpace(frames)
	if err != nil {
		return nil, err
	}

	kernelSpace.Install()
	return kernelSpace, nil
}

// NewKernelSpace builds the kernel address space without installing it.
func NewKernelSpace(frames FrameAllocator) (*AddressSpace, *kernel.Error) {
	pt, err := NewPageTable(frames)
	if err != nil {
		return nil, err
	}

	if err = setupDirectMap(pt); err != nil {
		_ = pt.Release()
		return nil, err
	}

	if err = reserveKernelTables(pt, mm.KernelMmapStart, mm.KernelMmapEnd); err != nil {
		_ = pt.Release()
		return nil, err
	}

	return newAddressSpace(pt, nil, true), nil
}

// setupDirectMap maps every gigabyte that overlaps RAM at its direct-map
// address.
func setupDirectMap(pt *PageTable) *kernel.Error {
	var (
		mem  = pt.mem
		size = mm.Paddr(levelSize(0))
	)

	for pa := mem.Base() &^ (size - 1); pa < mem.End(); pa += size {
		if err := pt.mapHuge(pa.ToVirt(), pa, 0, directMapFlags); err != nil {
			return err
		}
	}

	log.Infof("direct map: [0x%16x - 0x%16x]", mem.Base().ToVirt(), mem.End().ToVirt())
	return nil
}

// reserveKernelTables allocates the second-level tables for every root entry
// covering [start, end). Root entries are copied into each user table when it
// is created, so kernel mappings added later stay visible everywhere.
func reserveKernelTables(pt *PageTable, start, end mm.Vaddr) *kernel.Error {
	pt.mutex.Acquire()
	defer pt.mutex.Release()

	step := mm.Vaddr(levelSize(0))
	for va := start; va < end; va += step {
		entryAddr := pt.root + mm.Paddr(pageIndex(0, va)<<mm.PointerShift)
		if pt.loadEntry(entryAddr).HasFlags(FlagValid) {
			continue
		}

		tableAddr, err := pt.allocTable()
		if err != nil {
			return err
		}

		var pte pageTableEntry
		pte.SetFrame(tableAddr.PFN())
		pte.SetFlags(FlagValid)
		pt.storeEntry(entryAddr, pte)
	}

	return nil
}
