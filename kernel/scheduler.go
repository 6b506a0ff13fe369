package kernel

import (
	"context"
	"sync"

	"github.com/joeycumines/go-kcore/goroutineid"
	"github.com/joeycumines/go-kcore/kernel/internal/klist"
)

// Scheduler multiplexes threads onto a fixed number of CPUs. The run queue
// is FIFO, and a thread runs until it blocks, yields, exits, or accepts a
// preemption requested by the timer tick.
//
// A CPU is handed to a thread by sending on the thread's permit channel, and
// a thread gives its CPU away by updating the run queue then parking on its
// permit channel. All queue manipulation happens under mu, which is released
// before the outgoing goroutine parks.
type Scheduler struct {
	k       *Kernel
	stop    chan struct{}
	threads map[ThreadID]*Thread
	zombies []*Thread
	cpus    []cpuState
	runq    klist.List[*Thread]
	wg      sync.WaitGroup

	nextID    ThreadID
	timeslice int

	stopOnce sync.Once
	mu       sync.Mutex
	stopped  bool
}

type cpuState struct {
	current *Thread
}

func newScheduler(k *Kernel, cpus, timeslice int) *Scheduler {
	return &Scheduler{
		k:         k,
		stop:      make(chan struct{}),
		threads:   make(map[ThreadID]*Thread),
		cpus:      make([]cpuState, cpus),
		timeslice: timeslice,
	}
}

// Spawn creates a thread running entry, enqueued as ready. The thread exits
// with the status returned by entry, or passed to Thread.Exit.
func (s *Scheduler) Spawn(name string, kind ThreadKind, entry func(*Thread) int, opts ...SpawnOption) (*Thread, error) {
	if entry == nil {
		return nil, ErrInvalidArgument
	}

	timer, err := s.k.timers.NewTimer("timeout:" + name)
	if err != nil {
		s.k.logger.Err().
			Str("thread", name).
			Err(err).
			Log("kernel: spawn failed")
		return nil, err
	}

	t := &Thread{
		k:       s.k,
		entry:   entry,
		permit:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		exitEv:  NewEvent("exit:" + name),
		timeout: timer,
		name:    name,
		kind:    kind,
		cpu:     -1,
	}
	t.runLink.Value = t
	t.waitLink.Value = t
	t.futex.init(t)
	for _, opt := range opts {
		if opt != nil {
			opt.applySpawn(t)
		}
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		timer.Release()
		return nil, ErrSchedulerStopped
	}
	s.nextID++
	t.id = s.nextID
	s.threads[t.id] = t
	s.wg.Add(1)
	s.readyLocked(t)
	s.mu.Unlock()

	go s.run(t)

	s.k.logger.Debug().
		Str("thread", name).
		Uint64("tid", uint64(t.id)).
		Str("kind", kind.String()).
		Log("kernel: thread spawned")
	return t, nil
}

func (s *Scheduler) run(t *Thread) {
	defer s.wg.Done()
	defer t.finish()
	t.gid.Store(goroutineid.Get())
	t.park()
	t.exitStatus = t.entry(t)
}

// transitionLocked moves t to state to, halting on an illegal transition.
func (s *Scheduler) transitionLocked(t *Thread, to ThreadState) {
	if !CanTransition(t.state, to) {
		from := t.state
		s.mu.Unlock()
		s.k.halt(t, "illegal thread transition "+from.String()+" -> "+to.String())
	}
	t.state = to
}

func (s *Scheduler) readyLocked(t *Thread) {
	s.transitionLocked(t, StateReady)
	t.readyAt = s.k.clock.Now()
	s.runq.PushBack(&t.runLink)
	s.dispatchLocked()
}

// dispatchLocked gives every idle CPU the thread at the head of the run
// queue.
func (s *Scheduler) dispatchLocked() {
	for i := range s.cpus {
		c := &s.cpus[i]
		if c.current != nil {
			continue
		}
		e := s.runq.PopFront()
		if e == nil {
			break
		}
		next := e.Value
		s.transitionLocked(next, StateRunning)
		next.cpu = i
		next.slice = s.timeslice
		next.needResched.Store(false)
		c.current = next
		s.k.metrics.recordDispatch(s.k.clock.Now() - next.readyAt)
		select {
		case next.permit <- struct{}{}:
		default:
			s.mu.Unlock()
			s.k.halt(next, "thread dispatched twice")
		}
	}
	s.k.metrics.recordRunQueue(s.runq.Len())
}

// switchAwayLocked releases the CPU held by t, which must be the calling
// thread, to the next runnable thread.
func (s *Scheduler) switchAwayLocked(t *Thread) {
	if t.cpu < 0 || s.cpus[t.cpu].current != t {
		s.mu.Unlock()
		s.k.halt(t, "switch away from a thread not on a cpu")
	}
	s.cpus[t.cpu].current = nil
	t.cpu = -1
	s.k.metrics.contextSwitches.Add(1)
	s.dispatchLocked()
}

// block moves the running thread t to the blocked state and gives away its
// CPU. The caller holds the lock of the event t is linked into, and must
// park t after releasing it.
func (s *Scheduler) block(t *Thread) {
	s.mu.Lock()
	s.transitionLocked(t, StateBlocked)
	s.switchAwayLocked(t)
	s.mu.Unlock()
}

// wake makes the blocked thread t runnable. The caller holds the lock of
// the event t was unlinked from.
func (s *Scheduler) wake(t *Thread) {
	s.mu.Lock()
	s.readyLocked(t)
	s.mu.Unlock()
	s.k.metrics.wakeups.Add(1)
}

func (s *Scheduler) yield(t *Thread, preempted bool) {
	s.mu.Lock()
	if s.runq.Len() == 0 {
		t.slice = s.timeslice
		s.mu.Unlock()
		if s.k.throttle.Allow(idleYieldCategory{}) {
			s.k.logger.Trace().
				Str("thread", t.name).
				Log("kernel: yield with empty run queue")
		}
		return
	}
	s.transitionLocked(t, StateReady)
	t.readyAt = s.k.clock.Now()
	s.runq.PushBack(&t.runLink)
	s.switchAwayLocked(t)
	s.mu.Unlock()
	if preempted {
		s.k.metrics.preemptions.Add(1)
	} else {
		s.k.metrics.yields.Add(1)
	}
	t.park()
}

type idleYieldCategory struct{}

// Tick accounts one timer tick against every running thread, flagging those
// whose timeslice is spent for preemption when other threads are waiting.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	waiting := s.runq.Len() != 0
	for i := range s.cpus {
		t := s.cpus[i].current
		if t == nil {
			continue
		}
		t.slice--
		if t.slice <= 0 && waiting {
			t.needResched.Store(true)
		}
	}
}

func (s *Scheduler) exit(t *Thread) {
	t.exited.Store(true)
	t.exitEv.Trigger(true)

	s.mu.Lock()
	s.transitionLocked(t, StateDead)
	s.zombies = append(s.zombies, t)
	s.switchAwayLocked(t)
	s.mu.Unlock()

	close(t.done)
	s.k.logger.Debug().
		Str("thread", t.name).
		Uint64("tid", uint64(t.id)).
		Int("status", t.exitStatus).
		Log("kernel: thread exited")
}

// abort tears down a thread that stopped without exiting, after a halt or
// shutdown.
func (s *Scheduler) abort(t *Thread) {
	t.detach()
	s.mu.Lock()
	if t.cpu >= 0 && s.cpus[t.cpu].current == t {
		s.cpus[t.cpu].current = nil
	}
	t.cpu = -1
	if t.runLink.Linked() {
		s.runq.Remove(&t.runLink)
	}
	t.state = StateDead
	delete(s.threads, t.id)
	s.mu.Unlock()
	t.exited.Store(true)
	t.timeout.Release()
	close(t.done)
}

// finishSwitch reclaims threads that exited before the switch that just
// completed.
func (s *Scheduler) finishSwitch() {
	s.mu.Lock()
	zombies := s.zombies
	s.zombies = nil
	for _, z := range zombies {
		delete(s.threads, z.id)
	}
	s.mu.Unlock()
	for _, z := range zombies {
		z.timeout.Release()
		s.k.logger.Trace().
			Str("thread", z.name).
			Uint64("tid", uint64(z.id)).
			Log("kernel: thread reaped")
	}
}

// Current returns the thread running on cpu, or nil.
func (s *Scheduler) Current(cpu int) *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cpu < 0 || cpu >= len(s.cpus) {
		return nil
	}
	return s.cpus[cpu].current
}

// CPUs returns the number of CPUs.
func (s *Scheduler) CPUs() int { return len(s.cpus) }

// RunQueueLen returns the number of ready threads waiting for a CPU.
func (s *Scheduler) RunQueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runq.Len()
}

// Threads returns the threads that have not been reclaimed, in no
// particular order.
func (s *Scheduler) Threads() []*Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Thread, 0, len(s.threads))
	for _, t := range s.threads {
		out = append(out, t)
	}
	return out
}

// SchedStats is a point in time view of the scheduler.
type SchedStats struct {
	CPUs    int
	Busy    int
	Ready   int
	Threads int
}

// Stats returns the CPU occupancy and queue lengths.
func (s *Scheduler) Stats() SchedStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	x := SchedStats{CPUs: len(s.cpus), Ready: s.runq.Len(), Threads: len(s.threads)}
	for _, c := range s.cpus {
		if c.current != nil {
			x.Busy++
		}
	}
	return x
}

// Lookup returns the live thread with id.
func (s *Scheduler) Lookup(id ThreadID) (*Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	return t, ok
}

func (s *Scheduler) closeStop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// shutdown stops accepting threads and terminates every parked thread,
// waiting for thread goroutines to finish or ctx to be done.
func (s *Scheduler) shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.closeStop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.finishSwitch()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
