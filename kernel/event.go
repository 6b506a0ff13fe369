package kernel

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-kcore/kernel/internal/klist"
)

// Event is the wait queue every blocking service is built on. Threads
// suspend on it with the Wait family, and any context, including interrupt
// handlers, wakes them with Trigger.
//
// A Trigger that finds no waiter leaves the event pending, and the next
// wait consumes the pending flag instead of suspending, so a trigger
// sequenced before a wait is never lost. Waiters are woken in FIFO order.
type Event struct {
	subs    atomic.Pointer[[]*Subscription]
	name    string
	waiters klist.List[*Thread]
	mu      sync.Mutex
	pending bool
	dead    bool
}

// Subscription is a readiness observer registered with Event.Subscribe.
type Subscription struct {
	ev *Event
	fn func()
}

// NewEvent returns an event with no waiters, not pending.
func NewEvent(name string) *Event {
	return &Event{name: name}
}

// Name returns the name the event was created with, used in diagnostics.
func (e *Event) Name() string { return e.name }

// Wait suspends t until the event is triggered, consuming a pending trigger
// without suspending. User threads are woken early, with Interrupted, when a
// signal is deliverable.
func (e *Event) Wait(t *Thread) WakeReason {
	return e.wait(t, waitParams{})
}

// WaitTimeout is Wait bounded by d, returning WokenByTimeout if it expires
// first. A non-positive d only consumes a pending trigger.
func (e *Event) WaitTimeout(t *Thread, d time.Duration) WakeReason {
	return e.wait(t, waitParams{timeout: d, timed: true})
}

// WaitCond suspends t until cond is satisfied. The condition is evaluated
// under the event's lock before t is linked, so a state change followed by
// a Trigger cannot be missed. The pending flag is discarded, and a return
// of WokenNormally does not imply cond holds: callers loop.
func (e *Event) WaitCond(t *Thread, cond func() bool) WakeReason {
	return e.wait(t, waitParams{cond: cond})
}

// WaitCondTimeout is WaitCond bounded by d.
func (e *Event) WaitCondTimeout(t *Thread, cond func() bool, d time.Duration) WakeReason {
	return e.wait(t, waitParams{cond: cond, timeout: d, timed: true})
}

// WaitUninterruptible waits until cond holds, ignoring signals. A nil cond
// waits for a single trigger.
func (e *Event) WaitUninterruptible(t *Thread, cond func() bool) {
	if cond == nil {
		e.wait(t, waitParams{uninterruptible: true})
		return
	}
	for {
		if e.wait(t, waitParams{cond: cond, uninterruptible: true}); cond() {
			return
		}
	}
}

type waitParams struct {
	cond            func() bool
	timeout         time.Duration
	timed           bool
	uninterruptible bool
}

func (e *Event) wait(t *Thread, p waitParams) WakeReason {
	t.checkSelf("wait")

	e.mu.Lock()
	if e.dead {
		e.mu.Unlock()
		t.k.halt(t, "wait on destroyed event "+e.name)
	}
	if p.cond != nil {
		e.pending = false
		if p.cond() {
			e.mu.Unlock()
			return WokenNormally
		}
	} else if e.pending {
		e.pending = false
		e.mu.Unlock()
		return WokenNormally
	}

	interruptible := t.kind == UserThread && !p.uninterruptible
	if interruptible && t.HasDeliverableSignal() {
		e.mu.Unlock()
		return Interrupted
	}
	if p.timed && p.timeout <= 0 {
		e.mu.Unlock()
		return WokenByTimeout
	}
	if t.waitLink.Linked() || t.blockedOn.Load() != nil {
		e.mu.Unlock()
		t.k.halt(t, "thread already linked into a wait queue")
	}

	gen := t.waitGen.Add(1)
	t.interruptible = interruptible
	t.wakeReason = WokenNormally
	e.waiters.PushBack(&t.waitLink)
	t.blockedOn.Store(e)

	// pairs with SendSignal, which sets pending before loading blockedOn
	if interruptible && t.HasDeliverableSignal() {
		e.unlinkLocked(t)
		e.mu.Unlock()
		return Interrupted
	}

	if p.timed {
		if err := t.timeout.Arm(p.timeout, func() { t.wakeFromWait(gen, WokenByTimeout) }); err != nil {
			e.unlinkLocked(t)
			e.mu.Unlock()
			return WokenByTimeout
		}
	}

	t.k.sched.block(t)
	e.mu.Unlock()
	t.park()

	if p.timed {
		t.timeout.Disarm()
	}
	return t.wakeReason
}

func (e *Event) unlinkLocked(t *Thread) {
	if !e.waiters.Remove(&t.waitLink) {
		e.mu.Unlock()
		t.k.halt(t, "corrupted wait queue link on event "+e.name)
	}
	t.blockedOn.Store(nil)
}

// wakeLocked unlinks t and makes it runnable, in one step under e.mu.
func (e *Event) wakeLocked(t *Thread, reason WakeReason) {
	e.unlinkLocked(t)
	t.wakeReason = reason
	t.k.sched.wake(t)
}

// Trigger wakes the longest waiting thread, or every waiting thread if
// wakeAll is set, returning the number woken. With no waiters the event is
// left pending. Subscribers are notified after the waiters are woken.
// Trigger may be called from any context.
func (e *Event) Trigger(wakeAll bool) int {
	e.mu.Lock()
	n := 0
	for {
		front := e.waiters.Front()
		if front == nil {
			break
		}
		e.wakeLocked(front.Value, WokenNormally)
		n++
		if !wakeAll {
			break
		}
	}
	if n == 0 {
		e.pending = true
	}
	e.mu.Unlock()

	if subs := e.subs.Load(); subs != nil {
		for _, s := range *subs {
			s.fn()
		}
	}
	return n
}

// Subscribe registers fn to be called after every Trigger, from the
// triggering context, without the event's lock held. fn must not suspend.
func (e *Event) Subscribe(fn func()) *Subscription {
	s := &Subscription{ev: e, fn: fn}
	e.mu.Lock()
	defer e.mu.Unlock()
	var next []*Subscription
	if old := e.subs.Load(); old != nil {
		next = append(next, *old...)
	}
	next = append(next, s)
	e.subs.Store(&next)
	return s
}

// Cancel removes the subscription. It is safe to call more than once.
func (s *Subscription) Cancel() {
	e := s.ev
	e.mu.Lock()
	defer e.mu.Unlock()
	old := e.subs.Load()
	if old == nil {
		return
	}
	next := make([]*Subscription, 0, len(*old))
	for _, v := range *old {
		if v != s {
			next = append(next, v)
		}
	}
	e.subs.Store(&next)
}

// Waiters returns the number of linked waiters.
func (e *Event) Waiters() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.waiters.Len()
}

// Pending reports whether a trigger is waiting to be consumed.
func (e *Event) Pending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

// Destroy retires the event, dropping its subscriptions. Destroying an
// event that still has waiters halts the kernel.
func (e *Event) Destroy() {
	e.mu.Lock()
	if front := e.waiters.Front(); front != nil {
		n := e.waiters.Len()
		e.mu.Unlock()
		front.Value.k.halt(front.Value, fmt.Sprintf("event %s destroyed with %d waiters", e.name, n))
	}
	e.dead = true
	e.subs.Store(nil)
	e.mu.Unlock()
}
