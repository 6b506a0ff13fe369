//go:build linux && amd64

package sys

import (
	"github.com/joeycumines/go-kcore/mm"
	"golang.org/x/sys/unix"
)

// Syscall dispatches the syscall numbered nr, using the x86-64 Linux
// numbering and argument order. Unimplemented syscalls return -ENOSYS.
func (s *Syscalls) Syscall(t *Task, nr uintptr, a [6]uint64) int64 {
	switch nr {
	case unix.SYS_READ:
		return s.Read(t, fdArg(a[0]), mm.Addr(a[1]), int(a[2]))
	case unix.SYS_WRITE:
		return s.Write(t, fdArg(a[0]), mm.Addr(a[1]), int(a[2]))
	case unix.SYS_CLOSE:
		return s.Close(t, fdArg(a[0]))
	case unix.SYS_SCHED_YIELD:
		return s.SchedYield(t)
	case unix.SYS_NANOSLEEP:
		return s.Nanosleep(t, mm.Addr(a[0]), mm.Addr(a[1]))
	case unix.SYS_GETTIMEOFDAY:
		return s.Gettimeofday(t, mm.Addr(a[0]), mm.Addr(a[1]))
	case unix.SYS_GETTID:
		return s.Gettid(t)
	case unix.SYS_TIME:
		return s.Time(t, mm.Addr(a[0]))
	case unix.SYS_FUTEX:
		return s.Futex(t, mm.Addr(a[0]), int(int32(a[1])), uint32(a[2]), a[3], mm.Addr(a[4]), uint32(a[5]))
	case unix.SYS_EPOLL_CREATE:
		return s.EpollCreate(t, int(int32(a[0])))
	case unix.SYS_EPOLL_CREATE1:
		return s.EpollCreate1(t, int(int32(a[0])))
	case unix.SYS_EPOLL_CTL:
		return s.EpollCtl(t, fdArg(a[0]), int(int32(a[1])), fdArg(a[2]), mm.Addr(a[3]))
	case unix.SYS_EPOLL_WAIT:
		return s.EpollWait(t, fdArg(a[0]), mm.Addr(a[1]), int(int32(a[2])), int(int32(a[3])))
	case unix.SYS_EPOLL_PWAIT:
		return s.EpollPwait(t, fdArg(a[0]), mm.Addr(a[1]), int(int32(a[2])), int(int32(a[3])), mm.Addr(a[4]), int(a[5]))
	case unix.SYS_CLOCK_GETTIME:
		return s.ClockGettime(t, int32(a[0]), mm.Addr(a[1]))
	case unix.SYS_CLOCK_GETRES:
		return s.ClockGetres(t, int32(a[0]), mm.Addr(a[1]))
	case unix.SYS_CLOCK_NANOSLEEP:
		return s.ClockNanosleep(t, int32(a[0]), int(int32(a[1])), mm.Addr(a[2]), mm.Addr(a[3]))
	case unix.SYS_PIPE2:
		return s.Pipe2(t, mm.Addr(a[0]), int(int32(a[1])))
	case unix.SYS_EVENTFD2:
		return s.Eventfd2(t, uint32(a[0]), int(int32(a[1])))
	default:
		if s.throttle.Allow(nr) {
			s.logger.Debug().
				Uint64("nr", uint64(nr)).
				Log("sys: unimplemented syscall")
		}
		return s.ret(t, "unknown", neg(unix.ENOSYS))
	}
}

func fdArg(v uint64) int { return int(int32(v)) }
