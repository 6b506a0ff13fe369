package sys

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/joeycumines/go-kcore/clock"
	"github.com/joeycumines/go-kcore/epoll"
	"github.com/joeycumines/go-kcore/kernel"
	"github.com/joeycumines/go-kcore/mm"
	"github.com/joeycumines/go-kcore/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const testTimeout = 5 * time.Second

// user memory layout shared by the tests
const (
	memBase  mm.Addr = 0x10000
	memSize          = 4096
	word1            = memBase
	word2            = memBase + 4
	reqAddr          = memBase + 0x100
	remAddr          = memBase + 0x120
	tsAddr           = memBase + 0x140
	evsAddr          = memBase + 0x200
	evAddr           = memBase + 0x300
	fdsAddr          = memBase + 0x340
	maskAddr         = memBase + 0x380
	bufAddr          = memBase + 0x400
	badAddr  mm.Addr = 0x10
)

type env struct {
	k    *kernel.Kernel
	s    *Syscalls
	as   *mm.Flat
	proc *Process
}

func newEnv(t *testing.T, opts ...kernel.Option) *env {
	t.Helper()
	k, err := kernel.Boot(append([]kernel.Option{kernel.WithCPUs(2)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_ = k.Shutdown(ctx)
	})
	as := mm.NewFlat(memBase, memSize)
	return &env{k: k, s: New(k), as: as, proc: NewProcess(as, 0)}
}

// newManualEnv returns an env whose timers only fire as clk is advanced.
func newManualEnv(t *testing.T) (*env, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Second, time.Unix(1700000000, 0))
	return newEnv(t, kernel.WithClock(clk), kernel.WithTickless(true)), clk
}

// run executes fn as a syscall sequence on a new user thread.
func (e *env) run(t *testing.T, fn func(task *Task) int64) (*kernel.Thread, <-chan int64) {
	t.Helper()
	ch := make(chan int64, 1)
	th, err := e.k.Spawn(t.Name(), kernel.UserThread, func(th *kernel.Thread) int {
		ch <- fn(&Task{Thread: th, Proc: e.proc})
		return 0
	}, kernel.WithAddressSpace(e.as))
	require.NoError(t, err)
	return th, ch
}

func (e *env) call(t *testing.T, fn func(task *Task) int64) int64 {
	t.Helper()
	_, ch := e.run(t, fn)
	return await(t, ch)
}

func await(t *testing.T, ch <-chan int64) int64 {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(testTimeout):
		t.Fatal("syscall did not return")
		return 0
	}
}

func waitBlocked(t *testing.T, th *kernel.Thread) {
	t.Helper()
	require.Eventually(t, func() bool {
		return th.State() == kernel.StateBlocked
	}, testTimeout, time.Millisecond)
}

func errno(e unix.Errno) int64 { return -int64(e) }

func (e *env) putTimespec(t *testing.T, addr mm.Addr, d time.Duration) {
	t.Helper()
	require.NoError(t, mm.WriteTimespec(e.as, addr, mm.DurationToTimespec(d)))
}

func (e *env) timespec(t *testing.T, addr mm.Addr) time.Duration {
	t.Helper()
	ts, err := mm.ReadTimespec(e.as, addr)
	require.NoError(t, err)
	return time.Duration(ts.Nano())
}

func TestErrno(t *testing.T) {
	for _, tc := range [...]struct {
		err   error
		errno unix.Errno
	}{
		{nil, 0},
		{kernel.ErrFutexValueMismatch, unix.EAGAIN},
		{kernel.ErrTimedOut, unix.ETIMEDOUT},
		{vfs.ErrInterrupted, unix.EINTR},
		{fmt.Errorf("copy: %w", mm.ErrFault), unix.EFAULT},
		{mm.ErrMisaligned, unix.EINVAL},
		{kernel.ErrTimerSlotsExhausted, unix.ENOMEM},
		{vfs.ErrTooManyFiles, unix.EMFILE},
		{vfs.ErrBrokenPipe, unix.EPIPE},
		{epoll.ErrExists, unix.EEXIST},
		{epoll.ErrNotRegistered, unix.ENOENT},
		{epoll.ErrNotPollable, unix.EPERM},
		{epoll.ErrLoop, unix.ELOOP},
		{fmt.Errorf("something else"), unix.EIO},
	} {
		t.Run(fmt.Sprint(tc.err), func(t *testing.T) {
			assert.Equal(t, tc.errno, Errno(tc.err))
		})
	}
}

func TestGettid_SchedYield(t *testing.T) {
	e := newEnv(t)
	th, ch := e.run(t, func(task *Task) int64 {
		if r := e.s.SchedYield(task); r != 0 {
			return r
		}
		return e.s.Gettid(task)
	})
	assert.Equal(t, int64(th.ID()), await(t, ch))
}
