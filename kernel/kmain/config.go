package kmain

import (
	"rvos/kernel"
	"rvos/kernel/kfmt"
	"rvos/kernel/mm"
)

var (
	errBadRAMBase   = &kernel.Error{Module: "kmain", Message: "RAM base must be page-aligned"}
	errBadRAMSize   = &kernel.Error{Module: "kmain", Message: "RAM size must be a non-zero multiple of the page size"}
	errBadKernelEnd = &kernel.Error{Module: "kmain", Message: "kernel image end must lie inside RAM"}
	errRAMTooSmall  = &kernel.Error{Module: "kmain", Message: "no RAM left above the kernel image"}
	errBadLogLevel  = &kernel.Error{Module: "kmain", Message: "unknown log level"}
)

// Config describes the machine the kernel boots on.
type Config struct {
	// RAMBase is the physical address of the first byte of RAM.
	RAMBase mm.Paddr

	// RAMSize is the amount of RAM in bytes.
	RAMSize mm.Size

	// KernelEnd is the first physical address past the kernel image and
	// boot data. Frames below it are never allocated.
	KernelEnd mm.Paddr

	LogLevel kfmt.Level
}

// DefaultConfig returns the layout of the QEMU virt board: 128M of RAM at
// 0x80000000 with the kernel loaded by the SBI firmware at 0x80200000.
func DefaultConfig() Config {
	return Config{
		RAMBase:   0x80000000,
		RAMSize:   128 * mm.Mb,
		KernelEnd: 0x80400000,
		LogLevel:  kfmt.LevelInfo,
	}
}

// Validate checks that the configuration describes a usable machine.
func (c Config) Validate() error {
	switch {
	case !c.RAMBase.IsAligned():
		return errBadRAMBase
	case c.RAMSize == 0 || uintptr(c.RAMSize)&(mm.PageSize-1) != 0:
		return errBadRAMSize
	case c.KernelEnd < c.RAMBase || c.KernelEnd > c.RAMBase+mm.Paddr(c.RAMSize):
		return errBadKernelEnd
	case c.RAMBase+mm.Paddr(c.RAMSize)-c.KernelEnd.Ceil() < mm.Paddr(mm.PageSize):
		return errRAMTooSmall
	}
	return nil
}

var levelNames = map[string]kfmt.Level{
	"error": kfmt.LevelError,
	"warn":  kfmt.LevelWarn,
	"info":  kfmt.LevelInfo,
	"debug": kfmt.LevelDebug,
	"trace": kfmt.LevelTrace,
}

// ParseLogLevel converts a level name such as "debug" to a kfmt.Level.
func ParseLogLevel(name string) (kfmt.Level, error) {
	if level, ok := levelNames[name]; ok {
		return level, nil
	}
	return 0, errBadLogLevel
}
