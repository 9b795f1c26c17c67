// Package pagelock implements the per-page read/write lock state machine
// described in spec.md §4.1: a futex-like word where even values are the
// read count doubled, odd values signal a waiting writer (blocking new
// readers), and the sentinel maxState means write-locked. A separate
// wake counter is bumped on write-unlock and on the waiting-writer-to-
// unlocked transition, giving writer preference with bounded reader wait.
//
// The word and wake counter live inline in a page's header (see store.Page)
// so the lock travels with the page bytes; Lock is just a thin accessor over
// two *uint32 fields pinned by the caller.
package pagelock

import (
	"runtime"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ptr reinterprets a *uint32 as the *int32 the futex syscall wrapper expects.
// Safe: both are 4-byte, naturally aligned machine words.
func ptr(p *uint32) unsafe.Pointer { return unsafe.Pointer(p) }

const maxState uint32 = 0xFFFFFFFF

// Lock is a view over a page's lock-state word and wake counter. Both must
// be 4-byte aligned addresses that outlive the Lock (they are fields inside
// the owning page's header).
type Lock struct {
	state *uint32
	wake  *uint32
}

// New constructs a Lock view over the given state word and wake counter.
func New(state, wake *uint32) *Lock {
	return &Lock{state: state, wake: wake}
}

// RLock acquires a shared (read) latch. It blocks while a writer holds the
// lock or one is waiting (writer preference).
func (l *Lock) RLock() {
	for {
		cur := atomic.LoadUint32(l.state)
		if cur == maxState || cur&1 == 1 {
			// write-locked, or a writer is waiting: don't pile on more
			// readers, wait for the wake counter to advance.
			l.waitOnWake(atomic.LoadUint32(l.wake))
			continue
		}
		if atomic.CompareAndSwapUint32(l.state, cur, cur+2) {
			return
		}
		runtime.Gosched()
	}
}

// RUnlock releases a shared latch.
func (l *Lock) RUnlock() {
	for {
		cur := atomic.LoadUint32(l.state)
		if cur < 2 {
			panic("pagelock: RUnlock of a page with no readers")
		}
		next := cur - 2
		if atomic.CompareAndSwapUint32(l.state, cur, next) {
			if next == 1 {
				// last reader left behind a waiting writer: wake it.
				l.bumpAndWake()
			}
			return
		}
	}
}

// Lock acquires the exclusive (write) latch. It signals waiting intent by
// setting the low bit so new readers back off, then spins/waits until the
// last reader leaves, at which point it claims maxState.
func (l *Lock) Lock() {
	for {
		cur := atomic.LoadUint32(l.state)
		switch {
		case cur == 0:
			if atomic.CompareAndSwapUint32(l.state, 0, maxState) {
				return
			}
		case cur == maxState:
			l.waitOnWake(atomic.LoadUint32(l.wake))
		case cur&1 == 0:
			// readers present, no writer waiting yet: announce intent.
			if atomic.CompareAndSwapUint32(l.state, cur, cur|1) {
				l.waitOnWake(atomic.LoadUint32(l.wake))
			}
		default:
			// a writer is already announced as waiting; try to become it
			// once the readers drain (state becomes exactly 1).
			if cur == 1 && atomic.CompareAndSwapUint32(l.state, 1, maxState) {
				return
			}
			l.waitOnWake(atomic.LoadUint32(l.wake))
		}
	}
}

// Unlock releases the exclusive latch and wakes anyone waiting.
func (l *Lock) Unlock() {
	if !atomic.CompareAndSwapUint32(l.state, maxState, 0) {
		panic("pagelock: Unlock of a page that is not write-locked")
	}
	l.bumpAndWake()
}

// bumpAndWake advances the wake counter and wakes any futex waiters on it;
// it is the mechanism by which both "write unlock" and the "waiting writer
// -> unlocked" transition (spec.md §4.1) become observable to blocked
// waiters without a busy spin.
func (l *Lock) bumpAndWake() {
	atomic.AddUint32(l.wake, 1)
	_, _ = unix.FutexWake((*int32)(ptr(l.wake)), 1<<30)
}

// waitOnWake blocks until the wake counter changes from the observed value,
// using the futex syscall so the wait is a real kernel block rather than a
// spin, with a short timeout as a defensive bound against a missed wake.
func (l *Lock) waitOnWake(observed uint32) {
	ts := unix.Timespec{Sec: 0, Nsec: 5_000_000}
	_ = unix.Futex((*int32)(ptr(l.wake)), unix.FUTEX_WAIT, int32(observed), &ts, nil, 0)
}
