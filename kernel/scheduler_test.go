package kernel

import (
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_exitStatus(t *testing.T) {
	k := newTestKernel(t)
	th := spawn(t, k, "ret", UserThread, func(*Thread) int { return 7 })
	assert.Equal(t, 7, join(t, th))

	th = spawn(t, k, "exit", UserThread, func(th *Thread) int {
		th.Exit(3)
		return 1
	})
	assert.Equal(t, 3, join(t, th))
	assert.Equal(t, StateDead, th.State())
}

func TestScheduler_reclaimsAfterSwitch(t *testing.T) {
	k := newTestKernel(t)
	a := spawn(t, k, "a", UserThread, func(*Thread) int { return 0 })
	join(t, a)

	// a is reclaimed by the next thread to be switched in
	b := spawn(t, k, "b", UserThread, func(*Thread) int { return 0 })
	join(t, b)
	_, ok := k.Scheduler().Lookup(a.ID())
	assert.False(t, ok)
	assert.True(t, a.timeout.released)
}

func TestScheduler_Spawn_nilEntry(t *testing.T) {
	k := newTestKernel(t)
	_, err := k.Spawn("nil", UserThread, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestScheduler_ids(t *testing.T) {
	k := newTestKernel(t)
	a := spawn(t, k, "a", UserThread, func(*Thread) int { return 0 })
	b := spawn(t, k, "b", UserThread, func(*Thread) int { return 0 })
	assert.Less(t, a.ID(), b.ID())
	assert.Equal(t, "a["+strconv.FormatUint(uint64(a.ID()), 10)+"]", a.String())
	join(t, a)
	join(t, b)
}

func TestScheduler_Join(t *testing.T) {
	k := newTestKernel(t)
	ev := NewEvent("ev")
	target := spawn(t, k, "target", UserThread, func(th *Thread) int {
		ev.Wait(th)
		return 42
	})
	joiner := spawn(t, k, "joiner", UserThread, func(th *Thread) int {
		if _, err := th.Join(th); err != ErrJoinSelf {
			return -1
		}
		status, err := target.Join(th)
		if err != nil {
			return -1
		}
		return status
	})
	waitBlocked(t, target, joiner)
	ev.Trigger(false)
	assert.Equal(t, 42, join(t, joiner))
}

func TestScheduler_singleCPU(t *testing.T) {
	k := newTestKernel(t)
	var running, peak atomic.Int32
	body := func(th *Thread) int {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		runtime.Gosched()
		running.Add(-1)
		th.Yield()
		return 0
	}
	var threads []*Thread
	for range 8 {
		threads = append(threads, spawn(t, k, "w", UserThread, body))
	}
	for _, th := range threads {
		join(t, th)
	}
	assert.Equal(t, int32(1), peak.Load())
}

func TestScheduler_multiCPU(t *testing.T) {
	k := newTestKernel(t, WithCPUs(2))
	aRunning, bRunning := make(chan struct{}), make(chan struct{})
	a := spawn(t, k, "a", UserThread, func(*Thread) int {
		close(aRunning)
		<-bRunning
		return 0
	})
	b := spawn(t, k, "b", UserThread, func(*Thread) int {
		close(bRunning)
		<-aRunning
		return 0
	})
	join(t, a)
	join(t, b)
}

func TestScheduler_Yield(t *testing.T) {
	k := newTestKernel(t, WithMetrics(true))
	var (
		mu    sync.Mutex
		turns []string
	)
	record := func(s string) {
		mu.Lock()
		turns = append(turns, s)
		mu.Unlock()
	}

	// hold the only CPU until both threads are queued
	release := make(chan struct{})
	gate := spawn(t, k, "gate", KernelThread, func(*Thread) int {
		<-release
		return 0
	})
	require.Eventually(t, func() bool {
		return k.Scheduler().Current(0) == gate
	}, testTimeout, time.Millisecond)

	a := spawn(t, k, "a", UserThread, func(th *Thread) int {
		record("a1")
		th.Yield()
		record("a2")
		return 0
	})
	b := spawn(t, k, "b", UserThread, func(th *Thread) int {
		record("b1")
		th.Yield()
		record("b2")
		return 0
	})
	close(release)
	join(t, a)
	join(t, b)
	assert.Equal(t, []string{"a1", "b1", "a2", "b2"}, turns)
	assert.NotZero(t, k.Metrics().Yields)
}

func TestScheduler_preemption(t *testing.T) {
	k := newTestKernel(t, WithTimeslice(1), WithMetrics(true))
	var (
		stop      atomic.Bool
		preempted atomic.Int32
	)
	spinner := spawn(t, k, "spinner", UserThread, func(th *Thread) int {
		for !stop.Load() {
			if th.CheckPreempt() {
				preempted.Add(1)
			}
			runtime.Gosched()
		}
		return 0
	})
	require.Eventually(t, func() bool {
		return k.Scheduler().Current(0) == spinner
	}, testTimeout, time.Millisecond)

	other := spawn(t, k, "other", UserThread, func(*Thread) int {
		stop.Store(true)
		return 0
	})
	assert.Equal(t, 1, k.Scheduler().RunQueueLen())
	require.Eventually(t, func() bool {
		k.Tick()
		return stop.Load()
	}, testTimeout, time.Millisecond)

	join(t, other)
	join(t, spinner)
	assert.NotZero(t, preempted.Load())
	assert.NotZero(t, k.Metrics().Preemptions)
}

func TestScheduler_noPreemptionWhenIdle(t *testing.T) {
	k := newTestKernel(t, WithTimeslice(1))
	th := spawn(t, k, "solo", UserThread, func(th *Thread) int {
		th.k.Tick()
		th.k.Tick()
		if th.CheckPreempt() {
			return 1
		}
		return 0
	})
	assert.Equal(t, 0, join(t, th))
}

func TestScheduler_Threads(t *testing.T) {
	k := newTestKernel(t)
	ev := NewEvent("ev")
	th := spawn(t, k, "w", UserThread, func(th *Thread) int {
		ev.Wait(th)
		return 0
	})
	waitBlocked(t, th)
	assert.Contains(t, k.Scheduler().Threads(), th)
	got, ok := k.Scheduler().Lookup(th.ID())
	require.True(t, ok)
	assert.Same(t, th, got)
	assert.Nil(t, k.Scheduler().Current(5))
	require.Eventually(t, func() bool {
		st := k.Scheduler().Stats()
		return st.Busy == 0 && st.Ready == 0
	}, testTimeout, time.Millisecond)
	st := k.Scheduler().Stats()
	assert.Equal(t, k.Scheduler().CPUs(), st.CPUs)
	assert.GreaterOrEqual(t, st.Threads, 1)
	ev.Trigger(false)
	join(t, th)
}
