// Package sync provides the spinlock primitives used by the memory manager.
// The scheduler is cooperative, so no lock here may be held across a context
// switch and all waiting is busy-spinning.
package sync

import (
	"rvos/kernel"
	"rvos/kernel/cpu"
	"rvos/kernel/kfmt"
	"sync/atomic"
)

const (
	// attemptsBeforeYielding is the number of failed acquire attempts after
	// which the spinning task calls yieldFn.
	attemptsBeforeYielding = 64

	defaultMaxAcquireAttempts = 0x100000
)

var (
	// yieldFn is invoked while spinning; tests substitute runtime.Gosched.
	yieldFn func()

	// maxAcquireAttempts bounds spinning. Exceeding it is treated as a
	// deadlock.
	maxAcquireAttempts uint64 = defaultMaxAcquireAttempts

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	saveIrqFn    = cpu.SaveAndDisableInterrupts
	restoreIrqFn = cpu.RestoreInterrupts

	errDeadlock = &kernel.Error{Module: "sync", Message: "spinlock retry limit exceeded; suspected deadlock"}
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will spin
// until the retry limit is reached and the kernel panics.
func (l *Spinlock) Acquire() {
	acquireSpinlock(&l.state)
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

func acquireSpinlock(state *uint32) {
	var attempts uint64
	for !atomic.CompareAndSwapUint32(state, 0, 1) {
		attempts++
		if attempts >= maxAcquireAttempts {
			panicFn(errDeadlock)
			return
		}

		if attempts%attemptsBeforeYielding == 0 && yieldFn != nil {
			yieldFn()
		}
	}
}

// IrqSpinlock is a Spinlock that also disables local interrupts while held.
// The interrupt-enable state observed at Acquire is restored by Release, so
// nested critical sections never re-enable interrupts early.
type IrqSpinlock struct {
	lock       Spinlock
	irqEnabled bool
}

// Acquire disables interrupts and blocks until the lock is held.
func (l *IrqSpinlock) Acquire() {
	prev := saveIrqFn()
	l.lock.Acquire()
	l.irqEnabled = prev
}

// TryToAcquire attempts to acquire the lock without spinning. On failure the
// interrupt state is left untouched.
func (l *IrqSpinlock) TryToAcquire() bool {
	prev := saveIrqFn()
	if !l.lock.TryToAcquire() {
		restoreIrqFn(prev)
		return false
	}
	l.irqEnabled = prev
	return true
}

// Release relinquishes the lock and restores the interrupt state that was
// active when it was acquired.
func (l *IrqSpinlock) Release() {
	prev := l.irqEnabled
	l.lock.Release()
	restoreIrqFn(prev)
}
