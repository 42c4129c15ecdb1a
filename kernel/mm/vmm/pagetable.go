package vmm

import (
	"rvos/kernel"
	"rvos/kernel/cpu"
	"rvos/kernel/mm"
	"rvos/kernel/mm/phys"
	"rvos/kernel/mm/pmm"
	"rvos/kernel/sync"
)

// FrameAllocator supplies zero-filled, reference-counted blocks of frames and
// the physical window used to access them. It is implemented by
// pmm.Registry.
type FrameAllocator interface {
	AllocBlock(order uint8) (pmm.Page, *kernel.Error)
	Memory() *phys.Memory
}

// PageTable is a Sv39 radix tree. The table owns the frames that hold its own
// nodes (the root and every intermediate table it allocated); the frames it
// maps belong to the VMAs that installed them.
type PageTable struct {
	// mutex protects the entries and the private frame list.
	mutex sync.IrqSpinlock

	frames FrameAllocator
	mem    *phys.Memory
	root   mm.Paddr

	private []pmm.Page
}

// NewPageTable allocates an empty page table.
func NewPageTable(frames FrameAllocator) (*PageTable, *kernel.Error) {
	pt := &PageTable{
		frames: frames,
		mem:    frames.Memory(),
	}

	root, err := pt.allocTable()
	if err != nil {
		return nil, err
	}
	pt.root = root

	return pt, nil
}

// NewUserPageTable allocates a page table whose root is a copy of the kernel
// root. The upper half of the new table therefore shares every kernel
// intermediate table without walking them.
func NewUserPageTable(kernelPT *PageTable) (*PageTable, *kernel.Error) {
	pt, err := NewPageTable(kernelPT.frames)
	if err != nil {
		return nil, err
	}

	kernelPT.mutex.Acquire()
	pt.mem.Copy(pt.root, kernelPT.root, mm.PageSize)
	kernelPT.mutex.Release()

	return pt, nil
}

// Root returns the physical address of the root table.
func (pt *PageTable) Root() mm.Paddr {
	return pt.root
}

// Satp returns the satp value that activates this table.
func (pt *PageTable) Satp() uint64 {
	return cpu.MakeSatp(uint64(pt.root.PFN()))
}

// Install activates the table on the current hart and flushes the TLB.
// Interrupts stay disabled until the flush completes.
func (pt *PageTable) Install() {
	irqState := saveIrqFn()
	writeSatpFn(pt.Satp())
	flushTLBFn()
	restoreIrqFn(irqState)
}

// IsActive returns true if the table is the one installed on the hart.
func (pt *PageTable) IsActive() bool {
	return readSatpFn() == pt.Satp()
}

// PrivateFrames returns the number of frames used by the table nodes.
func (pt *PageTable) PrivateFrames() int {
	pt.mutex.Acquire()
	defer pt.mutex.Release()
	return len(pt.private)
}

// Release returns every table node frame to the frame allocator. Mapped
// frames are not touched; they must have been unmapped by their owners. The
// first error reported by the allocator is returned after all frames have
// been released.
func (pt *PageTable) Release() *kernel.Error {
	if pt.IsActive() {
		panicFn(errActiveTable)
		return errActiveTable
	}

	pt.mutex.Acquire()
	private := pt.private
	pt.private = nil
	pt.mutex.Release()

	var firstErr *kernel.Error
	for _, page := range private {
		if err := page.Release(); err != nil {
			log.Errorf("release of table frame 0x%x failed: %s", page.Base(), err.Error())
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

// allocTable allocates a zeroed frame for a table node and records it as
// private. The table lock, when held, is taken before the registry lock.
func (pt *PageTable) allocTable() (mm.Paddr, *kernel.Error) {
	page, err := pt.frames.AllocBlock(0)
	if err != nil {
		return 0, err
	}

	pt.private = append(pt.private, page)
	return page.Base(), nil
}
