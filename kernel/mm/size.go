package mm

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// Pages returns the number of pages needed to hold s bytes.
func (s Size) Pages() uintptr {
	return (uintptr(s) + PageSize - 1) >> PageShift
}

// OrderToPages returns the number of frames in a block of the given order.
func OrderToPages(order uint8) uintptr {
	return uintptr(1) << order
}

// OrderToSize returns the size in bytes of a block of the given order.
func OrderToSize(order uint8) uintptr {
	return PageSize << order
}

// SizeToOrder returns the smallest block order that can hold size bytes.
func SizeToOrder(size uintptr) uint8 {
	var order uint8
	for OrderToSize(order) < size {
		order++
	}
	return order
}
