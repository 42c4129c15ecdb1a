// Package kmain brings up the memory-management core: it claims RAM, builds
// the physical allocators and the kernel address space and routes page
// faults to the running address space.
package kmain

import (
	"rvos/kernel"
	"rvos/kernel/kfmt"
	"rvos/kernel/mm"
	"rvos/kernel/mm/phys"
	"rvos/kernel/mm/pmm"
	"rvos/kernel/mm/vmm"
	"rvos/kernel/sync"
	"rvos/kernel/trap"

	"github.com/pkg/errors"
)

var (
	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	log = kfmt.NewLogger("kmain")

	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
)

// System holds the state created by Boot.
type System struct {
	Mem         *phys.Memory
	Buddy       *pmm.BuddyAllocator
	Frames      *pmm.Registry
	KernelSpace *vmm.AddressSpace

	mutex   sync.Spinlock
	current *vmm.AddressSpace
}

// Boot initializes physical memory, the frame allocators and the kernel
// address space described by cfg. The kernel space is installed on the hart
// and page faults are routed to the running address space.
func Boot(cfg Config) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kfmt.SetLogLevel(cfg.LogLevel)

	mem, err := phys.New(cfg.RAMBase, cfg.RAMSize)
	if err != nil {
		return nil, errors.Wrap(err, "kmain: claim RAM")
	}

	buddy, frames, kerr := pmm.Init(mem, cfg.KernelEnd)
	if kerr != nil {
		_ = mem.Close()
		return nil, kerr
	}

	kernelSpace, kerr := vmm.Init(frames)
	if kerr != nil {
		_ = mem.Close()
		return nil, kerr
	}

	sys := &System{
		Mem:         mem,
		Buddy:       buddy,
		Frames:      frames,
		KernelSpace: kernelSpace,
		current:     kernelSpace,
	}
	trap.InstallPageFaultHandlers(sys.currentFaultHandler)

	log.Infof("memory core ready: %d free pages, %d page table frames", buddy.FreePages(), frames.LiveBlocks())
	return sys, nil
}

// Switch installs the page table of as on the hart and makes it the target of
// page faults.
func (s *System) Switch(as *vmm.AddressSpace) {
	s.mutex.Acquire()
	defer s.mutex.Release()

	as.Install()
	s.current = as
}

// Current returns the address space installed on the hart.
func (s *System) Current() *vmm.AddressSpace {
	s.mutex.Acquire()
	defer s.mutex.Release()
	return s.current
}

func (s *System) currentFaultHandler() trap.FaultHandler {
	return s.Current()
}

// Exec creates a user address space for the executable image. file must
// hold the same bytes as image.
func (s *System) Exec(image []byte, file vmm.File) (*vmm.AddressSpace, mm.Vaddr, error) {
	return vmm.NewFromELF(s.KernelSpace, image, file)
}

// Shutdown switches back to the kernel space and returns RAM to the host.
// The system must not be used afterwards.
func (s *System) Shutdown() error {
	s.Switch(s.KernelSpace)
	return s.Mem.Close()
}

// Kmain boots the kernel with the supplied configuration. Any boot error is
// fatal. Kmain is not expected to return.
func Kmain(cfg Config) {
	if _, err := Boot(cfg); err != nil {
		panicFn(err)
		return
	}

	// Use panicFn instead of panic to prevent the compiler from treating
	// the panic path as dead code.
	panicFn(errKmainReturned)
}
