//go:build linux && amd64

package sys

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestSyscall(t *testing.T) {
	e, clk := newManualEnv(t)
	clk.Set(3 * time.Second)

	th, ch := e.run(t, func(task *Task) int64 {
		return e.s.Syscall(task, unix.SYS_GETTID, [6]uint64{})
	})
	assert.Equal(t, int64(th.ID()), await(t, ch))

	assert.Zero(t, e.call(t, func(task *Task) int64 {
		return e.s.Syscall(task, unix.SYS_CLOCK_GETTIME, [6]uint64{unix.CLOCK_MONOTONIC, uint64(tsAddr)})
	}))
	assert.Equal(t, 3*time.Second, e.timespec(t, tsAddr))

	assert.Equal(t, int64(1700000003), e.call(t, func(task *Task) int64 {
		return e.s.Syscall(task, unix.SYS_TIME, [6]uint64{})
	}))

	// negative fds are sign extended from the low 32 bits
	assert.Equal(t, errno(unix.EBADF), e.call(t, func(task *Task) int64 {
		return e.s.Syscall(task, unix.SYS_CLOSE, [6]uint64{0xffffffff})
	}))

	assert.Equal(t, errno(unix.ENOSYS), e.call(t, func(task *Task) int64 {
		return e.s.Syscall(task, unix.SYS_GETPID, [6]uint64{})
	}))
	assert.Equal(t, errno(unix.ENOSYS), e.call(t, func(task *Task) int64 {
		return e.s.Syscall(task, 100000, [6]uint64{})
	}))
}
