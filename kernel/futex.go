package kernel

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-kcore/kernel/internal/klist"
	"github.com/joeycumines/go-kcore/mm"
)

// FutexBitsetMatchAny matches every waiter, see FutexTable.Wake.
const FutexBitsetMatchAny uint32 = 0xffffffff

// FutexTable implements address-keyed waiting for user space. Waiters are
// hashed by address into a fixed number of buckets, each with its own lock
// and waiter list; a bucket holds waiters for many addresses.
type FutexTable struct {
	k       *Kernel
	buckets []futexBucket
	mask    uint64
}

type futexBucket struct {
	waiters klist.List[*futexWaiter]
	mu      sync.Mutex
}

// futexWaiter is embedded in each Thread, a thread waits on at most one
// futex at a time.
type futexWaiter struct {
	t  *Thread
	ev *Event
	as mm.AddressSpace
	// the bucket the waiter is queued in, changed under both bucket locks
	bucket   atomic.Pointer[futexBucket]
	link     klist.Entry[*futexWaiter]
	addr     mm.Addr
	expected uint32
	bitset   uint32
	woken    atomic.Bool
}

func (w *futexWaiter) init(t *Thread) {
	w.t = t
	w.ev = NewEvent("futex:" + t.name)
	w.link.Value = w
}

func newFutexTable(k *Kernel, buckets int) *FutexTable {
	return &FutexTable{
		k:       k,
		buckets: make([]futexBucket, buckets),
		mask:    uint64(buckets - 1),
	}
}

func (f *FutexTable) index(addr mm.Addr) uint64 {
	// fibonacci hashing of the word index
	return (uint64(addr>>2) * 0x9e3779b97f4a7c15 >> 32) & f.mask
}

func (f *FutexTable) bucket(addr mm.Addr) *futexBucket {
	return &f.buckets[f.index(addr)]
}

func (w *futexWaiter) matches(as mm.AddressSpace, addr mm.Addr, bitset uint32) bool {
	return w.as == as && w.addr == addr && w.bitset&bitset != 0
}

// lockBucket locks and returns the bucket w is currently queued in.
func (w *futexWaiter) lockBucket() *futexBucket {
	for {
		b := w.bucket.Load()
		b.mu.Lock()
		if w.bucket.Load() == b {
			return b
		}
		b.mu.Unlock()
	}
}

// Wait blocks t while the word at addr in as holds expected, until woken by
// Wake with an intersecting bitset, the timeout expires (negative means no
// timeout), or a signal arrives. The value check and the enqueue are atomic
// with respect to Wake.
//
// Errors: ErrFutexValueMismatch, ErrTimedOut, ErrInterrupted,
// ErrInvalidArgument, or an address space fault. A wake that races with a
// timeout or signal takes precedence.
func (f *FutexTable) Wait(t *Thread, as mm.AddressSpace, addr mm.Addr, expected uint32, timeout time.Duration, bitset uint32) error {
	if bitset == 0 || as == nil {
		return ErrInvalidArgument
	}
	t.checkSelf("futex wait")

	w := &t.futex
	b := f.bucket(addr)
	b.mu.Lock()
	v, err := as.LoadUint32(addr)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	if v != expected {
		b.mu.Unlock()
		return ErrFutexValueMismatch
	}
	w.as = as
	w.addr = addr
	w.expected = expected
	w.bitset = bitset
	w.woken.Store(false)
	w.bucket.Store(b)
	b.waiters.PushBack(&w.link)
	b.mu.Unlock()
	f.k.metrics.futexWaits.Add(1)

	var reason WakeReason
	if timeout < 0 {
		reason = w.ev.WaitCond(t, w.woken.Load)
	} else {
		reason = w.ev.WaitCondTimeout(t, w.woken.Load, timeout)
	}

	b = w.lockBucket()
	if w.link.In(&b.waiters) {
		b.waiters.Remove(&w.link)
	}
	woken := w.woken.Load()
	b.mu.Unlock()

	switch {
	case woken:
		return nil
	case reason == WokenByTimeout:
		return ErrTimedOut
	case reason == Interrupted:
		return ErrInterrupted
	default:
		// spurious, the caller re-checks the futex word
		return nil
	}
}

// Wake wakes up to n waiters on exactly addr in as whose bitset intersects
// bitset, oldest first, returning the number woken.
func (f *FutexTable) Wake(as mm.AddressSpace, addr mm.Addr, n int, bitset uint32) (int, error) {
	if bitset == 0 {
		return 0, ErrInvalidArgument
	}
	if n <= 0 {
		return 0, nil
	}
	b := f.bucket(addr)
	b.mu.Lock()
	woken := f.wakeLocked(b, as, addr, n, bitset)
	b.mu.Unlock()
	return woken, nil
}

func (f *FutexTable) wakeLocked(b *futexBucket, as mm.AddressSpace, addr mm.Addr, n int, bitset uint32) int {
	woken := 0
	for e := range b.waiters.All() {
		if woken >= n {
			break
		}
		w := e.Value
		if !w.matches(as, addr, bitset) {
			continue
		}
		b.waiters.Remove(e)
		w.woken.Store(true)
		w.ev.Trigger(false)
		woken++
	}
	if woken != 0 {
		f.k.metrics.futexWakes.Add(uint64(woken))
	}
	return woken
}

// Requeue wakes up to nWake waiters on addr, then moves up to nRequeue of
// the remaining waiters on addr to addr2, returning the total woken and
// moved. If cmp is set the word at addr must hold cmpVal, otherwise
// ErrFutexValueMismatch is returned and nothing changes.
func (f *FutexTable) Requeue(as mm.AddressSpace, addr mm.Addr, nWake int, addr2 mm.Addr, nRequeue int, cmp bool, cmpVal uint32) (int, error) {
	if as == nil || nWake < 0 || nRequeue < 0 {
		return 0, ErrInvalidArgument
	}
	i1, i2 := f.index(addr), f.index(addr2)
	b1, b2 := &f.buckets[i1], &f.buckets[i2]
	switch {
	case i1 == i2:
		b1.mu.Lock()
		defer b1.mu.Unlock()
	case i1 < i2:
		b1.mu.Lock()
		b2.mu.Lock()
		defer b1.mu.Unlock()
		defer b2.mu.Unlock()
	default:
		b2.mu.Lock()
		b1.mu.Lock()
		defer b2.mu.Unlock()
		defer b1.mu.Unlock()
	}

	if cmp {
		v, err := as.LoadUint32(addr)
		if err != nil {
			return 0, err
		}
		if v != cmpVal {
			return 0, ErrFutexValueMismatch
		}
	}

	woken := f.wakeLocked(b1, as, addr, nWake, FutexBitsetMatchAny)
	moved := 0
	for e := range b1.waiters.All() {
		if moved >= nRequeue {
			break
		}
		w := e.Value
		if w.as != as || w.addr != addr {
			continue
		}
		b1.waiters.Remove(e)
		w.addr = addr2
		w.bucket.Store(b2)
		b2.waiters.PushBack(e)
		moved++
	}
	return woken + moved, nil
}

// Waiters returns the number of threads waiting on addr in as.
func (f *FutexTable) Waiters(as mm.AddressSpace, addr mm.Addr) int {
	b := f.bucket(addr)
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for e := range b.waiters.All() {
		if e.Value.as == as && e.Value.addr == addr {
			n++
		}
	}
	return n
}
