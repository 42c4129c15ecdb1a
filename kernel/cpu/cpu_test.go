package cpu

import "testing"

func TestInterruptState(t *testing.T) {
	defer EnableInterrupts()

	EnableInterrupts()
	if !InterruptsEnabled() {
		t.Fatal("expected interrupts to be enabled")
	}

	specs := []struct {
		initial bool
	}{
		{true},
		{false},
	}

	for specIndex, spec := range specs {
		RestoreInterrupts(spec.initial)

		prev := SaveAndDisableInterrupts()
		if prev != spec.initial {
			t.Errorf("[spec %d] expected saved state to be %t; got %t", specIndex, spec.initial, prev)
		}

		if InterruptsEnabled() {
			t.Errorf("[spec %d] expected interrupts to be disabled after save", specIndex)
		}

		RestoreInterrupts(prev)
		if got := InterruptsEnabled(); got != spec.initial {
			t.Errorf("[spec %d] expected restored state to be %t; got %t", specIndex, spec.initial, got)
		}
	}
}

func TestSatp(t *testing.T) {
	defer WriteSatp(0)

	val := MakeSatp(0x80123)
	if exp := SatpModeSv39 | 0x80123; val != exp {
		t.Fatalf("expected satp value %x; got %x", exp, val)
	}

	WriteSatp(val)
	if got := ReadSatp(); got != val {
		t.Fatalf("expected ReadSatp to return %x; got %x", val, got)
	}
}

func TestFenceCounters(t *testing.T) {
	before := ReadStats()

	FlushTLBEntry(0x1000)
	FlushTLB()
	FlushTLB()
	FlushICache()

	after := ReadStats()
	if got := after.TLBEntryFlushes - before.TLBEntryFlushes; got != 1 {
		t.Errorf("expected 1 sfence.vma vaddr; got %d", got)
	}
	if got := after.TLBFlushes - before.TLBFlushes; got != 2 {
		t.Errorf("expected 2 global sfence.vma; got %d", got)
	}
	if got := after.ICacheFlushes - before.ICacheFlushes; got != 1 {
		t.Errorf("expected 1 fence.i; got %d", got)
	}
}
