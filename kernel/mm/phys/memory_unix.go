//go:build linux || darwin || freebsd

package phys

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// allocBacking maps anonymous host memory to serve as RAM. Fresh anonymous
// mappings read as zero, matching RAM after reset.
func allocBacking(size int) ([]byte, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap %d bytes of RAM backing", size)
	}
	return data, nil
}

func freeBacking(data []byte) error {
	return errors.Wrap(unix.Munmap(data), "munmap RAM backing")
}

// discardBacking returns the host pages behind a freed block so large
// simulated RAM sizes do not pin host memory.
func discardBacking(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return errors.Wrap(unix.Madvise(data, unix.MADV_DONTNEED), "madvise RAM backing")
}
