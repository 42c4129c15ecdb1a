package pmm

import (
	"math/rand"
	"rvos/kernel/mm"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type areaState struct {
	blocks []mm.Paddr
	pairs  []uint64
}

func snapshot(b *BuddyAllocator) [mm.MaxOrder]areaState {
	var state [mm.MaxOrder]areaState
	for order := range b.areas {
		area := &b.areas[order]
		for el := area.blocks.Front(); el != nil; el = el.Next() {
			state[order].blocks = append(state[order].blocks, el.Value.(mm.Paddr))
		}
		sort.Slice(state[order].blocks, func(i, j int) bool {
			return state[order].blocks[i] < state[order].blocks[j]
		})
		state[order].pairs = append([]uint64(nil), area.pairs.words...)
	}
	return state
}

func newBuddy(t *testing.T, start, end mm.Paddr) *BuddyAllocator {
	t.Helper()
	var b BuddyAllocator
	require.Nil(t, b.Init(start, end))
	return &b
}

func TestBuddyInit(t *testing.T) {
	b := newBuddy(t, 0x1000, 0x1000000)

	start, end := b.Range()
	assert.Equal(t, mm.Paddr(0x1000), start)
	assert.Equal(t, mm.Paddr(0x1000000), end)
	assert.Equal(t, uintptr(4095), b.TotalPages())
	assert.Equal(t, uintptr(4095), b.FreePages())

	// 4095 = 3*1024 + 512 + 256 + ... + 1
	assert.Equal(t, 3, b.FreeBlocks(mm.MaxOrder-1))
	for order := uint8(0); order < mm.MaxOrder-1; order++ {
		assert.Equal(t, 1, b.FreeBlocks(order), "order %d", order)
	}

	t.Run("unaligned bounds are clipped", func(t *testing.T) {
		b := newBuddy(t, 0x1001, 0x5fff)
		start, end := b.Range()
		assert.Equal(t, mm.Paddr(0x2000), start)
		assert.Equal(t, mm.Paddr(0x5000), end)
		assert.Equal(t, uintptr(3), b.FreePages())
	})

	t.Run("empty region", func(t *testing.T) {
		var b BuddyAllocator
		assert.Equal(t, errEmptyRegion, b.Init(0x1001, 0x1fff))
	})
}

func TestBuddyRoundTrip(t *testing.T) {
	b := newBuddy(t, 0x1000, 0x1000000)
	postInit := b.FreePages()

	for order := uint8(0); order < mm.MaxOrder; order++ {
		before := snapshot(b)

		addr, err := b.Alloc(order)
		require.Nil(t, err, "order %d", order)
		assert.Equal(t, postInit-mm.OrderToPages(order), b.FreePages())

		require.Nil(t, b.Free(addr, order))
		assert.Equal(t, before, snapshot(b), "order %d", order)
		assert.Equal(t, postInit, b.FreePages())
	}

	t.Run("round trip through a split", func(t *testing.T) {
		// consume the lone order-0 block so the next alloc must split
		held, err := b.Alloc(0)
		require.Nil(t, err)

		before := snapshot(b)
		addr, err := b.Alloc(0)
		require.Nil(t, err)
		assert.Equal(t, 1, b.FreeBlocks(0))

		require.Nil(t, b.Free(addr, 0))
		assert.Equal(t, before, snapshot(b))

		require.Nil(t, b.Free(held, 0))
		assert.Equal(t, postInit, b.FreePages())
	})
}

func TestBuddyMerge(t *testing.T) {
	for _, freeUpperFirst := range []bool{false, true} {
		b := newBuddy(t, 0x100000, 0x102000)
		require.Equal(t, 1, b.FreeBlocks(1))

		lower, err := b.Alloc(0)
		require.Nil(t, err)
		upper, err := b.Alloc(0)
		require.Nil(t, err)
		assert.Equal(t, mm.Paddr(0x100000), lower)
		assert.Equal(t, mm.Paddr(0x101000), upper)
		assert.Equal(t, 0, b.FreeBlocks(0))
		assert.Equal(t, 0, b.FreeBlocks(1))

		first, second := lower, upper
		if freeUpperFirst {
			first, second = upper, lower
		}

		require.Nil(t, b.Free(first, 0))
		assert.Equal(t, 1, b.FreeBlocks(0))

		require.Nil(t, b.Free(second, 0))
		assert.Equal(t, 0, b.FreeBlocks(0), "upper first: %t", freeUpperFirst)
		assert.Equal(t, 1, b.FreeBlocks(1), "upper first: %t", freeUpperFirst)
	}
}

func TestBuddyNonOverlap(t *testing.T) {
	type block struct {
		addr  mm.Paddr
		order uint8
	}

	var (
		b    = newBuddy(t, 0x80000000, 0x80000000+4*mm.Paddr(mm.Mb))
		rng  = rand.New(rand.NewSource(42))
		live []block
	)

	overlaps := func(a, c block) bool {
		aEnd := a.addr + mm.Paddr(mm.OrderToSize(a.order))
		cEnd := c.addr + mm.Paddr(mm.OrderToSize(c.order))
		return a.addr < cEnd && c.addr < aEnd
	}

	for i := 0; i < 2000; i++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			victim := rng.Intn(len(live))
			require.Nil(t, b.Free(live[victim].addr, live[victim].order))
			live = append(live[:victim], live[victim+1:]...)
			continue
		}

		order := uint8(rng.Intn(5))
		addr, err := b.Alloc(order)
		if err == ErrOutOfMemory {
			continue
		}
		require.Nil(t, err)

		nb := block{addr, order}
		for _, other := range live {
			require.False(t, overlaps(nb, other), "block %x/%d overlaps %x/%d", nb.addr, nb.order, other.addr, other.order)
		}
		live = append(live, nb)
	}

	for _, blk := range live {
		require.Nil(t, b.Free(blk.addr, blk.order))
	}
	assert.Equal(t, b.TotalPages(), b.FreePages())
	assert.Equal(t, 1, b.FreeBlocks(mm.MaxOrder-1))
}

func TestBuddyExhaustion(t *testing.T) {
	b := newBuddy(t, 0x1000, 0x9000)

	var count uintptr
	for {
		_, err := b.Alloc(0)
		if err != nil {
			assert.Equal(t, ErrOutOfMemory, err)
			break
		}
		count++
	}

	assert.Equal(t, b.TotalPages(), count)
	assert.Zero(t, b.FreePages())

	_, err := b.Alloc(mm.MaxOrder - 1)
	assert.Equal(t, ErrOutOfMemory, err)
}

func TestBuddyErrors(t *testing.T) {
	b := newBuddy(t, 0x1000, 0x1000000)

	_, err := b.Alloc(mm.MaxOrder)
	assert.Equal(t, ErrInvalidOrder, err)

	addr, err := b.Alloc(1)
	require.Nil(t, err)

	specs := []struct {
		descr  string
		addr   mm.Paddr
		order  uint8
		expErr interface{}
	}{
		{"invalid order", addr, mm.MaxOrder, ErrInvalidOrder},
		{"below start", 0, 0, errFreeOutOfRange},
		{"past end", 0x1000000, 0, errFreeOutOfRange},
		{"block overruns end", 0xfff000, 1, errFreeOutOfRange},
		{"misaligned for order", addr + 0x1000, 1, errFreeMisaligned},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			assert.Equal(t, spec.expErr, b.Free(spec.addr, spec.order))
		})
	}

	t.Run("double free", func(t *testing.T) {
		require.Nil(t, b.Free(addr, 1))
		// freeing a block that is sitting on its free list
		top := b.areas[mm.MaxOrder-1].blocks.Back().Value.(mm.Paddr)
		assert.Equal(t, errDoubleFree, b.Free(top, mm.MaxOrder-1))
	})
}
