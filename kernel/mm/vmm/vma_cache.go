package vmm

import "rvos/kernel/mm"

// vmaCacheSize is the number of recently used VMAs remembered per address
// space.
const vmaCacheSize = 10

// vmaCache keeps the most recently used VMAs, most recent first, so that
// repeated faults in the same area skip the ordered search.
type vmaCache struct {
	entries [vmaCacheSize]*VMA
	n       int
}

func (c *vmaCache) lookup(va mm.Vaddr) *VMA {
	for i := 0; i < c.n; i++ {
		if vma := c.entries[i]; vma.Contains(va) {
			c.promote(i)
			return vma
		}
	}
	return nil
}

func (c *vmaCache) insert(vma *VMA) {
	if c.n < vmaCacheSize {
		c.n++
	}
	copy(c.entries[1:c.n], c.entries[:c.n-1])
	c.entries[0] = vma
}

func (c *vmaCache) promote(i int) {
	vma := c.entries[i]
	copy(c.entries[1:i+1], c.entries[:i])
	c.entries[0] = vma
}

// invalidate drops vma from the cache.
func (c *vmaCache) invalidate(vma *VMA) {
	for i := 0; i < c.n; i++ {
		if c.entries[i] == vma {
			copy(c.entries[i:c.n-1], c.entries[i+1:c.n])
			c.n--
			c.entries[c.n] = nil
			return
		}
	}
}

func (c *vmaCache) reset() {
	*c = vmaCache{}
}
