package kernel

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-kcore/goroutineid"
	"github.com/joeycumines/go-kcore/kernel/internal/klist"
	"github.com/joeycumines/go-kcore/mm"
)

// ThreadID identifies a thread. IDs start at 1 and are never reused.
type ThreadID uint64

// Thread is a schedulable execution context, backed by a goroutine that
// only executes while the scheduler has given it a CPU.
//
// Operations that may suspend take the calling *Thread explicitly, and halt
// the kernel if invoked from any goroutine other than the thread's own, or
// from interrupt context.
type Thread struct {
	k       *Kernel
	entry   func(*Thread) int
	as      mm.AddressSpace
	permit  chan struct{}
	done    chan struct{}
	exitEv  *Event
	timeout *Timer

	// the event this thread is linked into, written under that event's lock
	blockedOn atomic.Pointer[Event]

	futex futexWaiter

	name     string
	runLink  klist.Entry[*Thread]
	waitLink klist.Entry[*Thread]

	gid        atomic.Uint64
	waitGen    atomic.Uint64
	sigPending atomic.Uint64
	sigMask    atomic.Uint64

	id ThreadID

	// guarded by Scheduler.mu
	readyAt time.Duration
	cpu     int
	slice   int
	state   ThreadState

	exitStatus int

	needResched atomic.Bool
	exited      atomic.Bool

	// guarded by the lock of the event in blockedOn
	wakeReason    WakeReason
	interruptible bool

	kind    ThreadKind
	aborted bool
}

// SpawnOption configures a thread created by Spawn.
type SpawnOption interface {
	applySpawn(*Thread)
}

type spawnOptionImpl struct {
	applySpawnFunc func(*Thread)
}

func (o *spawnOptionImpl) applySpawn(t *Thread) {
	o.applySpawnFunc(t)
}

// WithAddressSpace sets the address space owned by the thread.
func WithAddressSpace(as mm.AddressSpace) SpawnOption {
	return &spawnOptionImpl{func(t *Thread) {
		t.as = as
	}}
}

// WithSignalMask sets the initial signal mask of the thread.
func WithSignalMask(mask uint64) SpawnOption {
	return &spawnOptionImpl{func(t *Thread) {
		t.sigMask.Store(mask &^ unmaskableSignals)
	}}
}

// ID returns the thread id, unique for the life of the kernel.
func (t *Thread) ID() ThreadID { return t.id }

// Name returns the name given to Spawn.
func (t *Thread) Name() string { return t.name }

// Kind reports whether this is a user or kernel thread.
func (t *Thread) Kind() ThreadKind { return t.kind }

// Kernel returns the kernel the thread belongs to.
func (t *Thread) Kernel() *Kernel { return t.k }

// AddressSpace returns the address space owned by the thread, which is nil
// for most kernel threads.
func (t *Thread) AddressSpace() mm.AddressSpace { return t.as }

func (t *Thread) String() string {
	return fmt.Sprintf("%s[%d]", t.name, t.id)
}

// State returns the current run-state.
func (t *Thread) State() ThreadState {
	t.k.sched.mu.Lock()
	defer t.k.sched.mu.Unlock()
	return t.state
}

// Done is closed once the thread is dead.
func (t *Thread) Done() <-chan struct{} { return t.done }

// ExitStatus returns the status the thread exited with. It is only
// meaningful once Done is closed.
func (t *Thread) ExitStatus() int { return t.exitStatus }

// checkSelf halts the kernel unless the caller is the thread's own
// goroutine, outside interrupt context.
func (t *Thread) checkSelf(op string) {
	gid := goroutineid.Get()
	if t.k.irq.InInterruptGoroutine(gid) {
		t.k.halt(t, op+" from interrupt context")
	}
	if t.gid.Load() != gid {
		t.k.halt(t, op+" from a goroutine other than the thread's own")
	}
}

// park blocks the thread's goroutine until the scheduler dispatches it.
func (t *Thread) park() {
	select {
	case <-t.permit:
	case <-t.k.sched.stop:
		t.aborted = true
		runtime.Goexit()
	}
	t.k.sched.finishSwitch()
}

// Exit terminates the calling thread with status. It never returns.
func (t *Thread) Exit(status int) {
	t.checkSelf("exit")
	t.exitStatus = status
	runtime.Goexit()
}

// Yield gives up the CPU to the next runnable thread, if any.
func (t *Thread) Yield() {
	t.checkSelf("yield")
	t.k.sched.yield(t, false)
}

// CheckPreempt yields if a timer tick flagged the thread for preemption,
// reporting whether it did.
func (t *Thread) CheckPreempt() bool {
	if !t.needResched.Swap(false) {
		return false
	}
	t.checkSelf("preempt")
	t.k.sched.yield(t, true)
	return true
}

// Join blocks self until t is dead, returning its exit status.
func (t *Thread) Join(self *Thread) (int, error) {
	if t == self {
		return 0, ErrJoinSelf
	}
	t.exitEv.WaitUninterruptible(self, t.exited.Load)
	return t.exitStatus, nil
}

// Sleep suspends the thread for d, by arming its timer and waiting for the
// timer's event. If interrupted by a signal the unslept time is returned.
func (t *Thread) Sleep(d time.Duration) (time.Duration, WakeReason) {
	if d <= 0 {
		return 0, WokenByTimeout
	}
	tm := t.timeout
	if err := tm.Arm(d, nil); err != nil {
		return d, WokenByTimeout
	}
	reason := tm.Event().WaitCond(t, tm.Fired)
	// a stale trigger left by an earlier expiry is not this sleep ending
	for reason == WokenNormally && !tm.Fired() {
		reason = tm.Event().WaitCond(t, tm.Fired)
	}
	remaining := tm.Remaining()
	tm.Disarm()
	if reason == WokenNormally {
		reason = WokenByTimeout
		remaining = 0
	}
	return remaining, reason
}

// SleepUntil suspends the thread until the kernel clock reaches deadline.
func (t *Thread) SleepUntil(deadline time.Duration) (time.Duration, WakeReason) {
	return t.Sleep(deadline - t.k.clock.Now())
}

// wakeFromWait wakes the thread out of its current wait with reason. A
// non-zero gen restricts the wake to that wait. It reports whether the
// thread was woken.
func (t *Thread) wakeFromWait(gen uint64, reason WakeReason) bool {
	for {
		e := t.blockedOn.Load()
		if e == nil {
			return false
		}
		e.mu.Lock()
		if t.blockedOn.Load() != e {
			e.mu.Unlock()
			continue
		}
		if (gen != 0 && t.waitGen.Load() != gen) || (reason == Interrupted && !t.interruptible) {
			e.mu.Unlock()
			return false
		}
		e.wakeLocked(t, reason)
		e.mu.Unlock()
		return true
	}
}

// detach unlinks an aborted thread from the wait queue and futex bucket it
// was parked in.
func (t *Thread) detach() {
	for {
		e := t.blockedOn.Load()
		if e == nil {
			break
		}
		e.mu.Lock()
		if t.blockedOn.Load() == e {
			e.waiters.Remove(&t.waitLink)
			t.blockedOn.Store(nil)
			e.mu.Unlock()
			break
		}
		e.mu.Unlock()
	}
	if t.futex.bucket.Load() != nil {
		b := t.futex.lockBucket()
		if t.futex.link.In(&b.waiters) {
			b.waiters.Remove(&t.futex.link)
		}
		b.mu.Unlock()
	}
}

// finish runs on the thread's goroutine as it terminates.
func (t *Thread) finish() {
	if r := recover(); r != nil {
		if _, ok := r.(*HaltError); !ok {
			t.k.recordHalt(t, fmt.Sprintf("thread panicked: %v", r))
		}
		t.aborted = true
	}
	if t.aborted {
		t.k.sched.abort(t)
		return
	}
	t.k.sched.exit(t)
}
