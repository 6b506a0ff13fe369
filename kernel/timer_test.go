package kernel

import (
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimer_disarmIdempotent(t *testing.T) {
	clk := newManualClock()
	k := newTestKernel(t, WithClock(clk))
	tm, err := k.Timers().NewTimer("t")
	require.NoError(t, err)

	var fired atomic.Int32
	cb := func() { fired.Add(1) }

	require.NoError(t, tm.Arm(10*time.Millisecond, cb))
	assert.True(t, tm.Pending())
	assert.True(t, tm.Disarm())
	assert.False(t, tm.Disarm())
	clk.Advance(20 * time.Millisecond)
	k.Tick()
	assert.Zero(t, fired.Load())
	assert.False(t, tm.Fired())

	require.NoError(t, tm.Arm(5*time.Millisecond, cb))
	clk.Advance(5 * time.Millisecond)
	k.Tick()
	assert.Equal(t, int32(1), fired.Load())
	assert.True(t, tm.Fired())
	assert.False(t, tm.Disarm())
	assert.True(t, tm.Event().Pending())
}

func TestTimerQueue_order(t *testing.T) {
	clk := newManualClock()
	k := newTestKernel(t, WithClock(clk))
	q := k.Timers()

	var order []string
	arm := func(name string, d time.Duration) *Timer {
		tm, err := q.NewTimer(name)
		require.NoError(t, err)
		require.NoError(t, tm.Arm(d, func() { order = append(order, name) }))
		return tm
	}
	arm("c", 30*time.Millisecond)
	arm("a", 10*time.Millisecond)
	arm("b1", 20*time.Millisecond)
	arm("b2", 20*time.Millisecond)
	moved := arm("d", 5*time.Millisecond)
	require.NoError(t, moved.Arm(40*time.Millisecond, func() { order = append(order, "d") }))

	next, ok := q.Next()
	require.True(t, ok)
	assert.Equal(t, 10*time.Millisecond, next)
	assert.Equal(t, 5, q.Armed())

	clk.Advance(25 * time.Millisecond)
	assert.Equal(t, 3, q.Advance(clk.Now()))
	assert.Equal(t, []string{"a", "b1", "b2"}, order)

	clk.Advance(time.Second)
	assert.Equal(t, 2, q.Advance(clk.Now()))
	assert.Equal(t, []string{"a", "b1", "b2", "c", "d"}, order)
	_, ok = q.Next()
	assert.False(t, ok)
}

func TestTimer_armClamps(t *testing.T) {
	clk := newManualClock()
	clk.Advance(time.Second)
	k := newTestKernel(t, WithClock(clk))
	tm, err := k.Timers().NewTimer("t")
	require.NoError(t, err)

	require.NoError(t, tm.Arm(math.MaxInt64, nil))
	assert.Equal(t, time.Duration(math.MaxInt64), tm.Deadline())

	require.NoError(t, tm.Arm(-time.Second, nil))
	assert.Equal(t, time.Second, tm.Deadline())
	assert.Equal(t, 1, k.Timers().Advance(clk.Now()))
}

func TestTimer_Release(t *testing.T) {
	k := newTestKernel(t, WithClock(newManualClock()))
	live := k.Timers().Live()
	tm, err := k.Timers().NewTimer("t")
	require.NoError(t, err)
	assert.Equal(t, live+1, k.Timers().Live())
	require.NoError(t, tm.Arm(time.Second, nil))

	tm.Release()
	tm.Release()
	assert.Equal(t, live, k.Timers().Live())
	assert.False(t, tm.Pending())
	assert.ErrorIs(t, tm.Arm(time.Second, nil), ErrTimerReleased)
}

func TestTimerQueue_slotsExhausted(t *testing.T) {
	// the IoService worker holds one slot
	k := newTestKernel(t, WithMaxTimers(2))
	tm, err := k.Timers().NewTimer("t")
	require.NoError(t, err)
	_, err = k.Timers().NewTimer("t2")
	assert.ErrorIs(t, err, ErrTimerSlotsExhausted)
	_, err = k.Spawn("no-timer", UserThread, func(*Thread) int { return 0 })
	assert.ErrorIs(t, err, ErrTimerSlotsExhausted)

	tm.Release()
	th := spawn(t, k, "ok", UserThread, func(*Thread) int { return 0 })
	join(t, th)
}

func TestTimer_remaining(t *testing.T) {
	clk := newManualClock()
	k := newTestKernel(t, WithClock(clk))
	tm, err := k.Timers().NewTimer("t")
	require.NoError(t, err)
	require.NoError(t, tm.Arm(100*time.Millisecond, nil))
	clk.Advance(30 * time.Millisecond)
	assert.Equal(t, 70*time.Millisecond, tm.Remaining())
	tm.Disarm()
	assert.Zero(t, tm.Remaining())
}

func TestTimer_tickless(t *testing.T) {
	clk := newManualClock()
	k := newTestKernel(t, WithClock(clk), WithTickless(true))
	tm, err := k.Timers().NewTimer("t")
	require.NoError(t, err)
	var fired atomic.Bool
	require.NoError(t, tm.Arm(50*time.Millisecond, func() { fired.Store(true) }))

	deadline, armed := k.oneshot.Deadline()
	require.True(t, armed)
	assert.Equal(t, 50*time.Millisecond, deadline)

	clk.Advance(49 * time.Millisecond)
	assert.False(t, fired.Load())
	// no tick, the one-shot device raises the timer line
	clk.Advance(time.Millisecond)
	require.Eventually(t, fired.Load, testTimeout, time.Millisecond)
	_, armed = k.oneshot.Deadline()
	assert.False(t, armed)
}

func TestTimer_ticklessHost(t *testing.T) {
	k := newTestKernel(t, WithTickless(true))
	tm, err := k.Timers().NewTimer("t")
	require.NoError(t, err)
	require.NoError(t, tm.Arm(5*time.Millisecond, nil))
	require.Eventually(t, tm.Fired, testTimeout, time.Millisecond)
}

func TestTimer_periodicTick(t *testing.T) {
	k := newTestKernel(t, WithTickInterval(time.Millisecond))
	tm, err := k.Timers().NewTimer("t")
	require.NoError(t, err)
	require.NoError(t, tm.Arm(5*time.Millisecond, nil))
	require.Eventually(t, tm.Fired, testTimeout, time.Millisecond)
	assert.NotZero(t, k.Metrics().TimersFired)
}

func TestThread_Sleep(t *testing.T) {
	clk := newManualClock()
	k := newTestKernel(t, WithClock(clk), WithTickless(true))
	var (
		remaining atomic.Int64
		reason    atomic.Int32
	)
	th := spawn(t, k, "sleeper", UserThread, func(th *Thread) int {
		rem, r := th.Sleep(50 * time.Millisecond)
		remaining.Store(int64(rem))
		reason.Store(int32(r))
		return 0
	})
	waitBlocked(t, th)
	clk.Advance(50 * time.Millisecond)
	join(t, th)
	assert.Equal(t, WokenByTimeout, WakeReason(reason.Load()))
	assert.Zero(t, remaining.Load())
}

func TestThread_Sleep_staleTrigger(t *testing.T) {
	clk := newManualClock()
	k := newTestKernel(t, WithClock(clk), WithTickless(true))
	var (
		remaining atomic.Int64
		reason    atomic.Int32
	)
	th := spawn(t, k, "sleeper", UserThread, func(th *Thread) int {
		rem, r := th.Sleep(time.Hour)
		remaining.Store(int64(rem))
		reason.Store(int32(r))
		return 0
	})
	waitBlocked(t, th)

	// a trigger that did not come from the timer expiring
	th.timeout.Event().Trigger(true)
	select {
	case <-th.Done():
		t.Fatal("sleep ended before the deadline")
	case <-time.After(50 * time.Millisecond):
	}
	waitBlocked(t, th)
	assert.True(t, th.timeout.Pending())

	clk.Advance(time.Hour)
	join(t, th)
	assert.Equal(t, WokenByTimeout, WakeReason(reason.Load()))
	assert.Zero(t, remaining.Load())
}

func TestThread_Sleep_interrupted(t *testing.T) {
	clk := newManualClock()
	k := newTestKernel(t, WithClock(clk))
	var (
		remaining atomic.Int64
		reason    atomic.Int32
	)
	th := spawn(t, k, "sleeper", UserThread, func(th *Thread) int {
		rem, r := th.Sleep(100 * time.Millisecond)
		remaining.Store(int64(rem))
		reason.Store(int32(r))
		return 0
	})
	waitBlocked(t, th)
	clk.Advance(30 * time.Millisecond)
	require.NoError(t, th.SendSignal(SIGALRM))
	join(t, th)
	assert.Equal(t, Interrupted, WakeReason(reason.Load()))
	assert.Equal(t, int64(70*time.Millisecond), remaining.Load())
	assert.False(t, th.timeout.Pending())
}

func TestThread_SleepUntil_past(t *testing.T) {
	clk := newManualClock()
	clk.Advance(time.Second)
	k := newTestKernel(t, WithClock(clk))
	th := spawn(t, k, "sleeper", UserThread, func(th *Thread) int {
		rem, r := th.SleepUntil(time.Millisecond)
		if rem != 0 || r != WokenByTimeout {
			return 1
		}
		return 0
	})
	assert.Equal(t, 0, join(t, th))
}
