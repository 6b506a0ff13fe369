package kernel

import (
	"container/heap"
	"math"
	"sync"
	"time"

	"github.com/joeycumines/go-kcore/clock"
)

// TimerQueue holds every armed timer, ordered by absolute deadline. The
// timer interrupt advances it, firing expired timers in interrupt context.
type TimerQueue struct {
	k      *Kernel
	device *clock.OneShot
	timers timerHeap
	seq    uint64
	live   int
	max    int
	mu     sync.Mutex
}

// Timer is a one-shot alarm on a relative delay. On expiry its callback,
// if any, is invoked, then its event is triggered (waking all waiters).
type Timer struct {
	q        *TimerQueue
	ev       *Event
	cb       func()
	name     string
	deadline time.Duration
	seq      uint64
	index    int
	fired    bool
	released bool
}

// timerHeap is a min-heap of armed timers, ties broken by arm order.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

func newTimerQueue(k *Kernel, max int) *TimerQueue {
	return &TimerQueue{k: k, max: max}
}

// NewTimer allocates a timer slot.
func (q *TimerQueue) NewTimer(name string) (*Timer, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.max > 0 && q.live >= q.max {
		return nil, ErrTimerSlotsExhausted
	}
	q.live++
	return &Timer{q: q, ev: NewEvent("timer:" + name), name: name, index: -1}, nil
}

// Armed returns the number of pending timers.
func (q *TimerQueue) Armed() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers)
}

// Live returns the number of allocated timer slots.
func (q *TimerQueue) Live() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.live
}

// Next returns the earliest pending deadline.
func (q *TimerQueue) Next() (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.timers) == 0 {
		return 0, false
	}
	return q.timers[0].deadline, true
}

// Advance fires every timer with a deadline at or before now, returning
// how many fired. It is called from the timer interrupt.
func (q *TimerQueue) Advance(now time.Duration) int {
	type expiry struct {
		t  *Timer
		cb func()
	}
	var expired []expiry

	q.mu.Lock()
	for len(q.timers) != 0 && q.timers[0].deadline <= now {
		t := heap.Pop(&q.timers).(*Timer)
		t.fired = true
		expired = append(expired, expiry{t: t, cb: t.cb})
	}
	q.programLocked()
	q.mu.Unlock()

	for _, x := range expired {
		if x.cb != nil {
			x.cb()
		}
		x.t.ev.Trigger(true)
	}
	if n := len(expired); n != 0 {
		q.k.metrics.timersFired.Add(uint64(n))
		return n
	}
	return 0
}

// programLocked points the one-shot device, in tickless mode, at the
// earliest deadline.
func (q *TimerQueue) programLocked() {
	if q.device == nil {
		return
	}
	if len(q.timers) == 0 {
		q.device.Cancel()
		return
	}
	q.device.Program(q.timers[0].deadline)
}

// Name returns the name given to NewTimer.
func (t *Timer) Name() string { return t.name }

// Event returns the event triggered on expiry.
func (t *Timer) Event() *Event { return t.ev }

// Arm schedules the timer to fire d from now, with an optional callback
// invoked in interrupt context. Arming a pending timer moves its deadline.
func (t *Timer) Arm(d time.Duration, cb func()) error {
	q := t.q
	q.mu.Lock()
	defer q.mu.Unlock()
	if t.released {
		return ErrTimerReleased
	}
	now := q.k.clock.Now()
	switch {
	case d < 0:
		d = 0
	case d > math.MaxInt64-now:
		d = math.MaxInt64 - now
	}
	t.deadline = now + d
	t.cb = cb
	t.fired = false
	q.seq++
	t.seq = q.seq
	if t.index >= 0 {
		heap.Fix(&q.timers, t.index)
	} else {
		heap.Push(&q.timers, t)
	}
	q.programLocked()
	return nil
}

// Disarm cancels the timer if it is pending, reporting whether it was.
// Disarming a fired or already disarmed timer is a no-op.
func (t *Timer) Disarm() bool {
	q := t.q
	q.mu.Lock()
	defer q.mu.Unlock()
	if t.index < 0 {
		return false
	}
	first := t.index == 0
	heap.Remove(&q.timers, t.index)
	if first {
		q.programLocked()
	}
	return true
}

// Fired reports whether the timer expired since it was last armed.
func (t *Timer) Fired() bool {
	t.q.mu.Lock()
	defer t.q.mu.Unlock()
	return t.fired
}

// Pending reports whether the timer is armed and has not fired.
func (t *Timer) Pending() bool {
	t.q.mu.Lock()
	defer t.q.mu.Unlock()
	return t.index >= 0
}

// Deadline returns the absolute deadline of the last arm.
func (t *Timer) Deadline() time.Duration {
	t.q.mu.Lock()
	defer t.q.mu.Unlock()
	return t.deadline
}

// Remaining returns the time left until a pending timer fires, or zero.
func (t *Timer) Remaining() time.Duration {
	q := t.q
	q.mu.Lock()
	defer q.mu.Unlock()
	if t.index < 0 {
		return 0
	}
	return max(t.deadline-q.k.clock.Now(), 0)
}

// Release disarms the timer and frees its slot. Further arms fail.
func (t *Timer) Release() {
	q := t.q
	q.mu.Lock()
	defer q.mu.Unlock()
	if t.index >= 0 {
		first := t.index == 0
		heap.Remove(&q.timers, t.index)
		if first {
			q.programLocked()
		}
	}
	if !t.released {
		t.released = true
		q.live--
	}
}
