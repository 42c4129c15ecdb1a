// Package pmm manages physical memory: a buddy allocator hands out
// power-of-two blocks of frames and a registry tracks the reference-counted
// owners of every allocated block.
package pmm

import (
	"rvos/kernel"
	"rvos/kernel/mm"
	"rvos/kernel/mm/phys"
)

// Init sets up the physical memory allocation sub-system over the RAM exposed
// by mem. Frames below reservedEnd (the kernel image and boot data) are never
// handed out.
func Init(mem *phys.Memory, reservedEnd mm.Paddr) (*BuddyAllocator, *Registry, *kernel.Error) {
	start := mem.Base()
	if reservedEnd > start {
		start = reservedEnd
	}

	buddy := new(BuddyAllocator)
	if err := buddy.Init(start, mem.End()); err != nil {
		return nil, nil, err
	}

	first, last := buddy.Range()
	registry := NewRegistry(buddy, mem, first, last)

	printMemoryMap(mem, buddy)
	return buddy, registry, nil
}

func printMemoryMap(mem *phys.Memory, buddy *BuddyAllocator) {
	first, last := buddy.Range()
	log.Infof("RAM: [0x%16x - 0x%16x], size: %dKb", mem.Base(), mem.End(), uint64(mem.Size()/mm.Kb))
	log.Infof("managed: [0x%16x - 0x%16x], free pages: %d", first, last, buddy.FreePages())
	for order := uint8(0); order < mm.MaxOrder; order++ {
		if n := buddy.FreeBlocks(order); n != 0 {
			log.Debugf("order %2d: %d free blocks", order, n)
		}
	}
}
