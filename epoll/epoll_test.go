package epoll

import (
	"context"
	"testing"
	"time"

	"github.com/joeycumines/go-kcore/clock"
	"github.com/joeycumines/go-kcore/kernel"
	"github.com/joeycumines/go-kcore/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

func newTestKernel(t *testing.T, opts ...kernel.Option) *kernel.Kernel {
	t.Helper()
	k, err := kernel.Boot(opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_ = k.Shutdown(ctx)
	})
	return k
}

type waitResult struct {
	events []Event
	err    error
}

func spawnWait(t *testing.T, k *kernel.Kernel, in *Instance, max int, timeout time.Duration) (*kernel.Thread, <-chan waitResult) {
	t.Helper()
	ch := make(chan waitResult, 1)
	th, err := k.Spawn("epoll-wait", kernel.UserThread, func(th *kernel.Thread) int {
		evs, err := in.Wait(th, max, timeout)
		ch <- waitResult{evs, err}
		return 0
	})
	require.NoError(t, err)
	return th, ch
}

func result(t *testing.T, ch <-chan waitResult) waitResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(testTimeout):
		t.Fatal("wait did not return")
		return waitResult{}
	}
}

// poll runs a zero timeout Wait on a fresh thread.
func poll(t *testing.T, k *kernel.Kernel, in *Instance) []Event {
	t.Helper()
	_, ch := spawnWait(t, k, in, 16, 0)
	r := result(t, ch)
	require.NoError(t, r.err)
	return r.events
}

func write(t *testing.T, w vfs.File, s string) {
	t.Helper()
	_, err := w.Write(nil, []byte(s))
	require.NoError(t, err)
}

func TestInstance_levelTriggeredPersists(t *testing.T) {
	k := newTestKernel(t)
	in := New(k)
	r, w := vfs.NewPipe(64)
	require.NoError(t, in.Ctl(CtlAdd, 3, r, Event{Events: vfs.EventIn, Data: 3}))

	assert.Empty(t, poll(t, k, in))
	write(t, w, "x")
	for range 2 {
		evs := poll(t, k, in)
		require.Len(t, evs, 1)
		assert.Equal(t, Event{Events: vfs.EventIn, Data: 3}, evs[0])
	}
}

func TestInstance_edgeTriggeredReportsOnce(t *testing.T) {
	k := newTestKernel(t)
	in := New(k)
	r, w := vfs.NewPipe(64)
	require.NoError(t, in.Ctl(CtlAdd, 3, r, Event{Events: vfs.EventIn | vfs.EventET, Data: 7}))

	write(t, w, "x")
	evs := poll(t, k, in)
	require.Len(t, evs, 1)
	assert.Equal(t, uint64(7), evs[0].Data)
	assert.Empty(t, poll(t, k, in))

	// new data is a new edge
	write(t, w, "y")
	assert.Len(t, poll(t, k, in), 1)
	assert.Empty(t, poll(t, k, in))
}

func TestInstance_edgeTriggeredPartialRead(t *testing.T) {
	k := newTestKernel(t)
	in := New(k)
	r, w := vfs.NewPipe(64)
	require.NoError(t, in.Ctl(CtlAdd, 3, r, Event{Events: vfs.EventIn | vfs.EventET, Data: 3}))

	write(t, w, "xy")
	assert.Equal(t, []Event{{Events: vfs.EventIn, Data: 3}}, poll(t, k, in))

	// still readable, but draining is not an edge
	buf := make([]byte, 1)
	for range 2 {
		n, err := r.Read(nil, buf)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		assert.Empty(t, poll(t, k, in))
	}

	write(t, w, "z")
	assert.Equal(t, []Event{{Events: vfs.EventIn, Data: 3}}, poll(t, k, in))
}

func TestInstance_reportsEachReadyOnce(t *testing.T) {
	k := newTestKernel(t)
	in := New(k)
	r1, w1 := vfs.NewPipe(64)
	r2, w2 := vfs.NewPipe(64)
	require.NoError(t, in.Ctl(CtlAdd, 3, r1, Event{Events: vfs.EventIn, Data: 3}))
	require.NoError(t, in.Ctl(CtlAdd, 4, vfs.NewEventFD(0, false), Event{Events: vfs.EventIn, Data: 4}))
	require.NoError(t, in.Ctl(CtlAdd, 5, r2, Event{Events: vfs.EventIn, Data: 5}))

	write(t, w1, "x")
	assert.Equal(t, []Event{{Events: vfs.EventIn, Data: 3}}, poll(t, k, in))

	write(t, w2, "x")
	evs := poll(t, k, in)
	require.Len(t, evs, 2)
	assert.ElementsMatch(t, []uint64{3, 5}, []uint64{evs[0].Data, evs[1].Data})

	// one at a time, the ready registrations take turns
	var seen []uint64
	for range 4 {
		_, ch := spawnWait(t, k, in, 1, 0)
		r := result(t, ch)
		require.NoError(t, r.err)
		require.Len(t, r.events, 1)
		seen = append(seen, r.events[0].Data)
	}
	assert.Equal(t, []uint64{seen[0], seen[1], seen[0], seen[1]}, seen)
	assert.NotEqual(t, seen[0], seen[1])
}

func TestInstance_oneShot(t *testing.T) {
	k := newTestKernel(t)
	in := New(k)
	r, w := vfs.NewPipe(64)
	require.NoError(t, in.Ctl(CtlAdd, 3, r, Event{Events: vfs.EventIn | vfs.EventOneShot}))
	write(t, w, "x")
	assert.Len(t, poll(t, k, in), 1)
	assert.Empty(t, poll(t, k, in))

	require.NoError(t, in.Ctl(CtlMod, 3, r, Event{Events: vfs.EventIn | vfs.EventOneShot}))
	assert.Len(t, poll(t, k, in), 1)
	assert.Empty(t, poll(t, k, in))
}

func TestInstance_hupAlwaysReported(t *testing.T) {
	k := newTestKernel(t)
	in := New(k)
	r, w := vfs.NewPipe(64)
	require.NoError(t, in.Ctl(CtlAdd, 3, r, Event{Events: 0}))
	assert.Empty(t, poll(t, k, in))
	require.NoError(t, w.Close())
	evs := poll(t, k, in)
	require.Len(t, evs, 1)
	assert.Equal(t, vfs.EventHup, evs[0].Events)
}

func TestInstance_blocksUntilReady(t *testing.T) {
	k := newTestKernel(t)
	in := New(k)
	r, w := vfs.NewPipe(64)
	e := vfs.NewEventFD(0, false)
	require.NoError(t, in.Ctl(CtlAdd, 3, r, Event{Events: vfs.EventIn, Data: 3}))
	require.NoError(t, in.Ctl(CtlAdd, 4, e, Event{Events: vfs.EventIn, Data: 4}))

	th, ch := spawnWait(t, k, in, 8, -1)
	require.Eventually(t, func() bool { return th.State() == kernel.StateBlocked }, testTimeout, time.Millisecond)
	write(t, w, "x")
	res := result(t, ch)
	require.NoError(t, res.err)
	require.Len(t, res.events, 1)
	assert.Equal(t, uint64(3), res.events[0].Data)
}

func TestInstance_timeout(t *testing.T) {
	clk := clock.NewManual(0, time.Unix(0, 0))
	k := newTestKernel(t, kernel.WithClock(clk), kernel.WithTickless(true))
	in := New(k)
	r, _ := vfs.NewPipe(64)
	require.NoError(t, in.Ctl(CtlAdd, 3, r, Event{Events: vfs.EventIn}))

	th, ch := spawnWait(t, k, in, 8, 100*time.Millisecond)
	require.Eventually(t, func() bool { return th.State() == kernel.StateBlocked }, testTimeout, time.Millisecond)
	clk.Advance(100 * time.Millisecond)
	res := result(t, ch)
	assert.NoError(t, res.err)
	assert.Empty(t, res.events)
}

func TestInstance_interrupted(t *testing.T) {
	k := newTestKernel(t)
	in := New(k)
	th, ch := spawnWait(t, k, in, 8, -1)
	require.Eventually(t, func() bool { return th.State() == kernel.StateBlocked }, testTimeout, time.Millisecond)
	require.NoError(t, th.SendSignal(kernel.SIGINT))
	assert.ErrorIs(t, result(t, ch).err, vfs.ErrInterrupted)
}

func TestInstance_nested(t *testing.T) {
	k := newTestKernel(t)
	outer, inner := New(k), New(k)
	r, w := vfs.NewPipe(64)
	require.NoError(t, inner.Ctl(CtlAdd, 3, r, Event{Events: vfs.EventIn}))
	require.NoError(t, outer.Ctl(CtlAdd, 5, inner, Event{Events: vfs.EventIn, Data: 5}))
	assert.ErrorIs(t, inner.Ctl(CtlAdd, 6, outer, Event{Events: vfs.EventIn}), ErrLoop)

	th, ch := spawnWait(t, k, outer, 8, -1)
	require.Eventually(t, func() bool { return th.State() == kernel.StateBlocked }, testTimeout, time.Millisecond)
	assert.Zero(t, inner.Poll(vfs.EventIn))
	write(t, w, "x")
	res := result(t, ch)
	require.NoError(t, res.err)
	require.Len(t, res.events, 1)
	assert.Equal(t, Event{Events: vfs.EventIn, Data: 5}, res.events[0])
	assert.Equal(t, vfs.EventIn, inner.Poll(vfs.EventIn))
}

func TestInstance_Ctl_errors(t *testing.T) {
	k := newTestKernel(t)
	in := New(k)
	r, _ := vfs.NewPipe(64)

	assert.ErrorIs(t, in.Ctl(CtlAdd, 1, in, Event{}), ErrInvalid)
	assert.ErrorIs(t, in.Ctl(CtlAdd, 1, nil, Event{}), ErrInvalid)
	assert.ErrorIs(t, in.Ctl(CtlAdd, 1, vfs.NewGenericFile(nil), Event{}), ErrNotPollable)
	assert.ErrorIs(t, in.Ctl(CtlMod, 1, r, Event{}), ErrNotRegistered)
	assert.ErrorIs(t, in.Ctl(CtlDel, 1, r, Event{}), ErrNotRegistered)
	require.NoError(t, in.Ctl(CtlAdd, 1, r, Event{Events: vfs.EventIn}))
	assert.ErrorIs(t, in.Ctl(CtlAdd, 1, r, Event{}), ErrExists)
	assert.ErrorIs(t, in.Ctl(Op(99), 1, r, Event{}), ErrInvalid)
	assert.Equal(t, 1, in.Len())

	require.NoError(t, in.Ctl(CtlDel, 1, r, Event{}))
	assert.Zero(t, in.Len())
	require.NoError(t, in.Ctl(CtlAdd, 1, r, Event{Events: vfs.EventIn}))
}

func TestInstance_Close(t *testing.T) {
	k := newTestKernel(t)
	in := New(k)
	r, w := vfs.NewPipe(64)
	require.NoError(t, in.Ctl(CtlAdd, 3, r, Event{Events: vfs.EventIn}))

	th, ch := spawnWait(t, k, in, 8, -1)
	require.Eventually(t, func() bool { return th.State() == kernel.StateBlocked }, testTimeout, time.Millisecond)
	require.NoError(t, in.Close())
	assert.ErrorIs(t, result(t, ch).err, ErrClosed)
	assert.ErrorIs(t, in.Close(), vfs.ErrClosed)
	assert.Zero(t, in.Len())

	// the pipe no longer notifies the closed set
	write(t, w, "x")
	assert.NoError(t, k.Err())
	assert.ErrorIs(t, in.Ctl(CtlAdd, 3, r, Event{Events: vfs.EventIn}), ErrClosed)
}
