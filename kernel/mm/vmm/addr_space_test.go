package vmm

import (
	"math/rand"
	"rvos/kernel/mm"
	"rvos/kernel/mm/pmm"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKernelSpace(t *testing.T) (*AddressSpace, *pmm.Registry) {
	t.Helper()

	reg := newTestRegistry(t)
	kernelSpace, err := NewKernelSpace(reg)
	require.Nil(t, err)
	t.Cleanup(func() { kernelSpace.Release() })
	return kernelSpace, reg
}

func newTestUserSpace(t *testing.T) (*AddressSpace, *pmm.Registry) {
	t.Helper()

	kernelSpace, reg := newTestKernelSpace(t)
	as, err := NewUserSpace(kernelSpace)
	require.Nil(t, err)
	return as, reg
}

// dataFrames returns the number of live blocks that are not page table nodes
// of the given spaces or of the kernel space they were created from.
func dataFrames(reg *pmm.Registry, spaces ...*AddressSpace) int {
	tables := make(map[*PageTable]struct{})
	for _, as := range spaces {
		tables[as.pt] = struct{}{}
		tables[as.kernelPT] = struct{}{}
	}

	n := int(reg.LiveBlocks())
	for pt := range tables {
		n -= pt.PrivateFrames()
	}
	return n
}

func assertNoOverlap(t *testing.T, as *AddressSpace) {
	t.Helper()

	vmas := as.VMAs()
	for i := range vmas {
		require.True(t, vmas[i].Start < vmas[i].End, "empty vma %d", i)
		require.True(t, vmas[i].Start.IsAligned() && vmas[i].End.IsAligned(), "unaligned vma %d", i)
		if i > 0 {
			require.True(t, vmas[i-1].End <= vmas[i].Start, "vma %d [0x%x, 0x%x) overlaps its predecessor", i, vmas[i].Start, vmas[i].End)
		}
	}
}

func TestNewKernelSpace(t *testing.T) {
	kernelSpace, reg := newTestKernelSpace(t)

	assert.True(t, kernelSpace.IsKernel())
	// root plus one table per gigabyte of the kernel mapping region
	assert.Equal(t, 5, kernelSpace.pt.PrivateFrames())
	assert.Equal(t, uintptr(5), reg.LiveBlocks())

	pa, err := kernelSpace.pt.Translate((testRAMBase + 0x7ff_fff).ToVirt())
	require.Nil(t, err)
	assert.Equal(t, testRAMBase+0x7ff_fff, pa)

	as, err := NewUserSpace(kernelSpace)
	require.Nil(t, err)
	defer as.Release()

	t.Run("kernel mappings created after the fork are visible to users", func(t *testing.T) {
		va, err := kernelSpace.Kmap(mm.PageSize, nil, 0)
		require.NoError(t, err)
		require.NoError(t, kernelSpace.CopyOut(va, []byte("shared")))

		pa, kerr := as.pt.Translate(va)
		require.Nil(t, kerr)
		kpa, kerr := kernelSpace.pt.Translate(va)
		require.Nil(t, kerr)
		assert.Equal(t, kpa, pa)

		require.NoError(t, kernelSpace.Kunmap(va))
	})

	t.Run("user space from a user space", func(t *testing.T) {
		_, err := NewUserSpace(as)
		assert.Equal(t, ErrNotKernelSpace, err)
	})
}

func TestFindUnmappedRange(t *testing.T) {
	as, _ := newTestUserSpace(t)
	defer as.Release()

	const (
		regionStart = mm.Vaddr(0x10_0000)
		regionEnd   = mm.Vaddr(0x20_0000)
	)

	for _, r := range [][2]mm.Vaddr{{0x10_0000, 0x10_2000}, {0x10_4000, 0x10_5000}, {0x10_6000, 0x10_7000}, {0x1f_f000, 0x20_0000}} {
		require.Nil(t, as.InsertVMA(NewVMA(r[0], r[1], VMRead|VMUser, nil)))
	}

	specs := []struct {
		descr    string
		hint     mm.Vaddr
		length   uintptr
		dir      GrowDirection
		expOK    bool
		expStart mm.Vaddr
	}{
		{"lowest gap growing up", 0, 0x2000, GrowUp, true, 0x10_2000},
		{"gap too small for the request skipped", 0, 0x3000, GrowUp, true, 0x10_7000},
		{"length rounded up to pages", 0, 0x1001, GrowUp, true, 0x10_2000},
		{"highest gap growing down", 0, 0x2000, GrowDown, true, 0x1f_d000},
		{"free hint", 0x10_2000, 0x1000, GrowUp, true, 0x10_2000},
		{"hint overlapping a vma", 0x10_1000, 0x1000, GrowUp, false, 0},
		{"hint spanning two small vmas", 0x10_3000, 0x4000, GrowDown, false, 0},
		{"unaligned hint", 0x10_2001, 0x1000, GrowUp, false, 0},
		{"hint outside the region", 0x30_0000, 0x1000, GrowUp, false, 0},
		{"zero length", 0, 0, GrowUp, false, 0},
		{"larger than the region", 0, 0x20_0000, GrowDown, false, 0},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			vma, ok := as.FindUnmappedRange(spec.hint, spec.length, spec.dir, regionStart, regionEnd)
			require.Equal(t, spec.expOK, ok)
			if !ok {
				return
			}

			assert.Equal(t, spec.expStart, vma.Start())
			assert.Equal(t, uintptr(mm.Vaddr(spec.length).Ceil()), vma.Len())
			assert.Zero(t, vma.Resident())
		})
	}

	t.Run("search does not insert", func(t *testing.T) {
		assert.Len(t, as.VMAs(), 4)
	})

	t.Run("full region", func(t *testing.T) {
		_, ok := as.FindUnmappedRange(0, 0xf9_000, GrowUp, regionStart, regionEnd)
		assert.False(t, ok)
	})
}

func TestInsertAndFindVMA(t *testing.T) {
	as, _ := newTestUserSpace(t)
	defer as.Release()

	first := NewVMA(0x10_0000, 0x10_4000, VMRead|VMUser, nil)
	second := NewVMA(0x20_0000, 0x20_1000, VMRead|VMUser, nil)
	require.Nil(t, as.InsertVMA(second))
	require.Nil(t, as.InsertVMA(first))

	specs := []struct {
		descr  string
		vma    *VMA
		expErr interface{}
	}{
		{"overlaps the start", NewVMA(0x0f_f000, 0x10_1000, VMRead, nil), ErrVMAOverlap},
		{"inside", NewVMA(0x10_1000, 0x10_2000, VMRead, nil), ErrVMAOverlap},
		{"overlaps the end", NewVMA(0x20_0000, 0x20_2000, VMRead, nil), ErrVMAOverlap},
		{"empty", NewVMA(0x30_0000, 0x30_0000, VMRead, nil), ErrBadRange},
		{"unaligned", NewVMA(0x30_0010, 0x30_1000, VMRead, nil), ErrBadRange},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			assert.Equal(t, spec.expErr, as.InsertVMA(spec.vma))
		})
	}

	assert.Equal(t, first, as.FindVMA(0x10_0000))
	assert.Equal(t, first, as.FindVMA(0x10_3fff))
	assert.Equal(t, second, as.FindVMA(0x20_0fff))
	assert.Nil(t, as.FindVMA(0x10_4000))
	assert.Nil(t, as.FindVMA(0x0))

	// the second lookup is served by the cache
	assert.Equal(t, second, as.cache.entries[0])
	assert.Equal(t, first, as.FindVMA(0x10_2000))
	assert.Equal(t, first, as.cache.entries[0])
}

func TestVMACache(t *testing.T) {
	var (
		c    vmaCache
		vmas []*VMA
	)

	for i := 0; i < vmaCacheSize+2; i++ {
		start := mm.Vaddr(i+1) << 20
		vma := NewVMA(start, start+mm.Vaddr(mm.PageSize), VMRead, nil)
		vmas = append(vmas, vma)
		c.insert(vma)
	}

	assert.Equal(t, vmaCacheSize, c.n)
	assert.Nil(t, c.lookup(vmas[0].Start()), "oldest entries are evicted")
	assert.Nil(t, c.lookup(vmas[1].Start()))
	assert.Equal(t, vmas[2], c.lookup(vmas[2].Start()))
	assert.Equal(t, vmas[2], c.entries[0])

	c.invalidate(vmas[2])
	assert.Equal(t, vmaCacheSize-1, c.n)
	assert.Nil(t, c.lookup(vmas[2].Start()))

	c.reset()
	assert.Zero(t, c.n)
}

func TestVMANonOverlap(t *testing.T) {
	as, _ := newTestUserSpace(t)
	defer as.Release()

	var (
		rng    = rand.New(rand.NewSource(7))
		mapped []mm.Vaddr
	)

	for i := 0; i < 300; i++ {
		switch {
		case len(mapped) > 0 && rng.Intn(4) == 0:
			victim := rng.Intn(len(mapped))
			vma := as.FindVMA(mapped[victim])
			require.NotNil(t, vma)
			require.NoError(t, as.Unmap(vma.Start(), vma.Len()))
			mapped = append(mapped[:victim], mapped[victim+1:]...)
		default:
			var (
				hint   mm.Vaddr
				length = uintptr(rng.Intn(8)+1) << mm.PageShift
			)
			if rng.Intn(2) == 0 {
				hint = mm.Vaddr(rng.Intn(0x800)+1) << mm.PageShift
			}

			va, err := as.MapAnonymous(hint, length, VMRead|VMWrite, 0)
			if errors.Cause(err) == ErrNoSpace {
				continue
			}
			require.NoError(t, err)
			mapped = append(mapped, va)
		}

		assertNoOverlap(t, as)
	}
}

func TestMapAnonymous(t *testing.T) {
	as, _ := newTestUserSpace(t)
	defer as.Release()

	t.Run("search grows down from the top of user space", func(t *testing.T) {
		va, err := as.MapAnonymous(0, 0x1800, VMRead|VMWrite, 0)
		require.NoError(t, err)
		assert.Equal(t, mm.UserSpaceEnd-0x2000, va)

		vma := as.FindVMA(va)
		require.NotNil(t, vma)
		assert.Equal(t, VMRead|VMWrite|VMUser, vma.Flags())
		assert.True(t, vma.IsAnonymous())
		assert.Zero(t, vma.Resident())
	})

	t.Run("fixed hint", func(t *testing.T) {
		va, err := as.MapAnonymous(0x40_0000, 0x2000, VMRead, MapFixed)
		require.NoError(t, err)
		assert.Equal(t, mm.Vaddr(0x40_0000), va)

		_, err = as.MapAnonymous(0x40_1000, 0x1000, VMRead, MapFixed)
		assert.Equal(t, ErrNoSpace, err)
	})

	t.Run("occupied hint falls back to a search", func(t *testing.T) {
		va, err := as.MapAnonymous(0x40_0000, 0x1000, VMRead, 0)
		require.NoError(t, err)
		assert.NotEqual(t, mm.Vaddr(0x40_0000), va)
	})

	t.Run("write implies read", func(t *testing.T) {
		va, err := as.MapAnonymous(0, 0x1000, VMWrite, 0)
		require.NoError(t, err)
		assert.Equal(t, VMRead|VMWrite|VMUser, as.FindVMA(va).Flags())
	})

	t.Run("shared", func(t *testing.T) {
		va, err := as.MapAnonymous(0, 0x1000, VMRead|VMWrite, MapShared)
		require.NoError(t, err)
		assert.Equal(t, VMRead|VMWrite|VMUser|VMShared, as.FindVMA(va).Flags())
	})

	specs := []struct {
		descr  string
		hint   mm.Vaddr
		length uintptr
		prot   VMAFlags
		expErr error
	}{
		{"zero length", 0, 0, VMRead, ErrBadRange},
		{"unaligned hint", 0x50_0010, 0x1000, VMRead, ErrBadRange},
		{"no permissions", 0, 0x1000, VMUser, ErrNoPermissions},
		{"larger than user space", 0, uintptr(mm.UserSpaceEnd), VMRead, ErrNoSpace},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			_, err := as.MapAnonymous(spec.hint, spec.length, spec.prot, 0)
			assert.Equal(t, spec.expErr, err)
		})
	}

	assertNoOverlap(t, as)
}

func TestUnmap(t *testing.T) {
	as, reg := newTestUserSpace(t)
	defer as.Release()

	va, err := as.MapAnonymous(0x40_0000, 4*mm.PageSize, VMRead|VMWrite, MapFixed)
	require.NoError(t, err)

	for i := uintptr(0); i < 4; i++ {
		require.NoError(t, as.CopyOut(va+mm.Vaddr(i*mm.PageSize), []byte{byte(i + 1)}))
	}
	require.Equal(t, 4, dataFrames(reg, as))

	t.Run("middle of a vma", func(t *testing.T) {
		require.NoError(t, as.Unmap(va+0x1000, 2*mm.PageSize))

		vmas := as.VMAs()
		require.Len(t, vmas, 2)
		assert.Equal(t, va, vmas[0].Start)
		assert.Equal(t, va+0x1000, vmas[0].End)
		assert.Equal(t, va+0x3000, vmas[1].Start)
		assert.Equal(t, va+0x4000, vmas[1].End)
		assert.Equal(t, 1, vmas[0].Resident)
		assert.Equal(t, 1, vmas[1].Resident)
		assert.Equal(t, 2, dataFrames(reg, as))
		assert.True(t, as.pt.IsNotMapped(va+0x1000))
		assert.True(t, as.pt.IsNotMapped(va+0x2000))

		buf := make([]byte, 1)
		require.NoError(t, as.CopyIn(buf, va+0x3000))
		assert.Equal(t, byte(4), buf[0])

		err := as.CopyIn(buf, va+0x1000)
		assert.Equal(t, ErrNoVMA, errors.Cause(err))
	})

	t.Run("range covering several vmas", func(t *testing.T) {
		require.NoError(t, as.Unmap(va, 4*mm.PageSize))
		assert.Empty(t, as.VMAs())
		assert.Zero(t, dataFrames(reg, as))
	})

	t.Run("bad ranges", func(t *testing.T) {
		assert.Equal(t, ErrBadRange, as.Unmap(0x1001, 0x1000))
		assert.Equal(t, ErrBadRange, as.Unmap(0x1000, 0))
	})

	t.Run("heap is managed by brk", func(t *testing.T) {
		require.Nil(t, as.InitHeap(0x80_0000, 4))
		assert.Equal(t, ErrBadRange, as.Unmap(0x80_0000, mm.PageSize))
	})
}

func TestAddressSpaceRelease(t *testing.T) {
	kernelSpace, reg := newTestKernelSpace(t)
	before := reg.LiveBlocks()

	as, err := NewUserSpace(kernelSpace)
	require.Nil(t, err)

	va, merr := as.MapAnonymous(0, 8*mm.PageSize, VMRead|VMWrite, 0)
	require.NoError(t, merr)
	for i := uintptr(0); i < 8; i += 2 {
		require.NoError(t, as.CopyOut(va+mm.Vaddr(i*mm.PageSize), []byte("x")))
	}
	require.Equal(t, 4, dataFrames(reg, as))

	require.NoError(t, as.Release())
	assert.Equal(t, before, reg.LiveBlocks())
}
