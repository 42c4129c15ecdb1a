package pmm

// bitmap is a fixed-size set of bits backed by 64-bit words.
type bitmap struct {
	words []uint64
	len   uintptr
}

func newBitmap(n uintptr) bitmap {
	return bitmap{
		words: make([]uint64, (n+63)>>6),
		len:   n,
	}
}

// isSet returns true if bit i is set. Out of range bits read as clear.
func (b *bitmap) isSet(i uintptr) bool {
	if i >= b.len {
		return false
	}
	return b.words[i>>6]&(1<<(i&63)) != 0
}

func (b *bitmap) set(i uintptr) {
	b.words[i>>6] |= 1 << (i & 63)
}

func (b *bitmap) clear(i uintptr) {
	b.words[i>>6] &^= 1 << (i & 63)
}

// toggle flips bit i and returns its new value.
func (b *bitmap) toggle(i uintptr) bool {
	b.words[i>>6] ^= 1 << (i & 63)
	return b.isSet(i)
}
