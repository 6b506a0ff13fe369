// Package sys is the syscall surface of the kernel core. Every call returns
// a non-negative result on success, or a negated errno value, and gives the
// scheduler a chance to preempt the calling thread before returning.
package sys

import (
	"errors"

	"github.com/joeycumines/go-kcore/epoll"
	"github.com/joeycumines/go-kcore/internal/klog"
	"github.com/joeycumines/go-kcore/kernel"
	"github.com/joeycumines/go-kcore/mm"
	"github.com/joeycumines/go-kcore/vfs"
	"golang.org/x/sys/unix"
)

// Process is the state shared by the threads of a user program.
type Process struct {
	AS    mm.AddressSpace
	Files *vfs.FDTable
}

// NewProcess returns a process over as, with an empty descriptor table of
// at most maxFiles entries (vfs.DefaultMaxFiles if not positive).
func NewProcess(as mm.AddressSpace, maxFiles int) *Process {
	return &Process{AS: as, Files: vfs.NewFDTable(maxFiles)}
}

// Task is the caller of a syscall: a thread, and the process it runs in.
type Task struct {
	Thread *kernel.Thread
	Proc   *Process
}

// Syscalls implements the syscall surface for the threads of one kernel.
type Syscalls struct {
	k        *kernel.Kernel
	logger   klog.Logger
	throttle *klog.Throttle
}

// New binds a syscall surface to k.
func New(k *kernel.Kernel) *Syscalls {
	return &Syscalls{
		k:        k,
		logger:   k.Logger(),
		throttle: klog.NewThrottle(nil),
	}
}

// Kernel returns the kernel the syscalls operate on.
func (s *Syscalls) Kernel() *kernel.Kernel { return s.k }

// errno values for the errors returned by the kernel primitives, matched
// in order with errors.Is
var errnoTable = [...]struct {
	err   error
	errno unix.Errno
}{
	{kernel.ErrFutexValueMismatch, unix.EAGAIN},
	{kernel.ErrTimedOut, unix.ETIMEDOUT},
	{kernel.ErrInterrupted, unix.EINTR},
	{kernel.ErrInvalidArgument, unix.EINVAL},
	{kernel.ErrTimerSlotsExhausted, unix.ENOMEM},
	{kernel.ErrIoServiceStopped, unix.EIO},
	{mm.ErrFault, unix.EFAULT},
	{mm.ErrMisaligned, unix.EINVAL},
	{vfs.ErrWouldBlock, unix.EAGAIN},
	{vfs.ErrBadFD, unix.EBADF},
	{vfs.ErrClosed, unix.EBADF},
	{vfs.ErrBrokenPipe, unix.EPIPE},
	{vfs.ErrInvalid, unix.EINVAL},
	{vfs.ErrTooManyFiles, unix.EMFILE},
	{epoll.ErrExists, unix.EEXIST},
	{epoll.ErrNotRegistered, unix.ENOENT},
	{epoll.ErrInvalid, unix.EINVAL},
	{epoll.ErrNotPollable, unix.EPERM},
	{epoll.ErrLoop, unix.ELOOP},
	{epoll.ErrClosed, unix.EBADF},
}

// Errno translates an error from the kernel primitives into an errno value,
// zero for a nil error. Errors without a mapping translate to EIO.
func Errno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	for _, v := range errnoTable {
		if errors.Is(err, v.err) {
			return v.errno
		}
	}
	return unix.EIO
}

func neg(errno unix.Errno) int64 { return -int64(errno) }

// fail converts err to a syscall result, logging errors that have no errno.
func (s *Syscalls) fail(name string, err error) int64 {
	errno := Errno(err)
	if errno == unix.EIO && s.throttle.Allow(name) {
		s.logger.Err().
			Str("syscall", name).
			Err(err).
			Log("sys: unmapped error")
	}
	return neg(errno)
}

// ret completes a syscall, honoring any pending preemption.
func (s *Syscalls) ret(t *Task, name string, r int64) int64 {
	if r < 0 {
		s.logger.Trace().
			Uint64("tid", uint64(t.Thread.ID())).
			Str("syscall", name).
			Str("errno", unix.Errno(-r).Error()).
			Log("sys: failed")
	}
	t.Thread.CheckPreempt()
	return r
}

// SchedYield gives up the CPU to the next runnable thread.
func (s *Syscalls) SchedYield(t *Task) int64 {
	t.Thread.Yield()
	return s.ret(t, "sched_yield", 0)
}

// Gettid returns the id of the calling thread.
func (s *Syscalls) Gettid(t *Task) int64 {
	return s.ret(t, "gettid", int64(t.Thread.ID()))
}
