package sys

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/joeycumines/go-kcore/epoll"
	"github.com/joeycumines/go-kcore/mm"
	"github.com/joeycumines/go-kcore/vfs"
	"golang.org/x/sys/unix"
)

// maxEpollEvents bounds the maxevents argument of epoll_wait.
const maxEpollEvents = math.MaxInt32 / mm.SizeofEpollEvent

// sizeofSigset is the only sigsetsize accepted by epoll_pwait.
const sizeofSigset = 8

// EpollCreate creates an epoll instance. size is only validated.
func (s *Syscalls) EpollCreate(t *Task, size int) int64 {
	if size <= 0 {
		return s.ret(t, "epoll_create", neg(unix.EINVAL))
	}
	return s.ret(t, "epoll_create", s.epollCreate(t, 0))
}

// EpollCreate1 creates an epoll instance. The only valid flag is
// EPOLL_CLOEXEC, which has no effect.
func (s *Syscalls) EpollCreate1(t *Task, flags int) int64 {
	return s.ret(t, "epoll_create1", s.epollCreate(t, flags))
}

func (s *Syscalls) epollCreate(t *Task, flags int) int64 {
	if flags&^unix.EPOLL_CLOEXEC != 0 {
		return neg(unix.EINVAL)
	}
	in := epoll.New(s.k)
	fd, err := t.Proc.Files.Install(in)
	if err != nil {
		_ = in.Close()
		return s.fail("epoll_create", err)
	}
	return int64(fd)
}

// instance resolves epfd, which must refer to an epoll instance.
func (s *Syscalls) instance(t *Task, epfd int) (*epoll.Instance, int64) {
	f, err := t.Proc.Files.Get(epfd)
	if err != nil {
		return nil, s.fail("epoll", err)
	}
	in, ok := f.(*epoll.Instance)
	if !ok {
		return nil, neg(unix.EINVAL)
	}
	return in, 0
}

// EpollCtl adds, modifies or removes the registration of fd with the epoll
// instance epfd. The event at ev is ignored for EPOLL_CTL_DEL.
func (s *Syscalls) EpollCtl(t *Task, epfd int, op int, fd int, ev mm.Addr) int64 {
	return s.ret(t, "epoll_ctl", s.epollCtl(t, epfd, op, fd, ev))
}

func (s *Syscalls) epollCtl(t *Task, epfd int, op int, fd int, ev mm.Addr) int64 {
	in, errno := s.instance(t, epfd)
	if in == nil {
		return errno
	}
	file, err := t.Proc.Files.Get(fd)
	if err != nil {
		return s.fail("epoll_ctl", err)
	}
	var event epoll.Event
	switch op {
	case unix.EPOLL_CTL_ADD, unix.EPOLL_CTL_MOD:
		uev, err := mm.ReadEpollEvent(t.Proc.AS, ev)
		if err != nil {
			return s.fail("epoll_ctl", err)
		}
		event = epoll.Event{
			Events: vfs.EventMask(uev.Events),
			Data:   uint64(uint32(uev.Fd)) | uint64(uint32(uev.Pad))<<32,
		}
	case unix.EPOLL_CTL_DEL:
	default:
		return neg(unix.EINVAL)
	}
	if err := in.Ctl(epoll.Op(op), fd, file, event); err != nil {
		return s.fail("epoll_ctl", err)
	}
	return 0
}

// EpollWait waits for up to maxevents ready registrations of epfd, writing
// them to events. A negative timeout, in milliseconds, waits indefinitely,
// and zero polls. It returns the number of events written.
func (s *Syscalls) EpollWait(t *Task, epfd int, events mm.Addr, maxevents int, timeout int) int64 {
	return s.ret(t, "epoll_wait", s.epollWait(t, epfd, events, maxevents, timeout))
}

// EpollPwait is EpollWait with the signal mask of the caller replaced by the
// mask at sigmask, if not zero, for the duration of the wait.
func (s *Syscalls) EpollPwait(t *Task, epfd int, events mm.Addr, maxevents int, timeout int, sigmask mm.Addr, sigsetsize int) int64 {
	if sigmask != 0 {
		if sigsetsize != sizeofSigset {
			return s.ret(t, "epoll_pwait", neg(unix.EINVAL))
		}
		var b [sizeofSigset]byte
		if err := t.Proc.AS.CopyIn(sigmask, b[:]); err != nil {
			return s.ret(t, "epoll_pwait", s.fail("epoll_pwait", err))
		}
		old := t.Thread.SetSignalMask(binary.LittleEndian.Uint64(b[:]))
		defer t.Thread.SetSignalMask(old)
	}
	return s.ret(t, "epoll_pwait", s.epollWait(t, epfd, events, maxevents, timeout))
}

func (s *Syscalls) epollWait(t *Task, epfd int, events mm.Addr, maxevents int, timeout int) int64 {
	if maxevents <= 0 || maxevents > maxEpollEvents {
		return neg(unix.EINVAL)
	}
	in, errno := s.instance(t, epfd)
	if in == nil {
		return errno
	}
	d := time.Duration(-1)
	if timeout >= 0 {
		d = time.Duration(timeout) * time.Millisecond
	}
	evs, err := in.Wait(t.Thread, maxevents, d)
	if err != nil {
		return s.fail("epoll_wait", err)
	}
	if len(evs) == 0 {
		return 0
	}
	out := make([]unix.EpollEvent, len(evs))
	for i, ev := range evs {
		out[i] = unix.EpollEvent{
			Events: uint32(ev.Events),
			Fd:     int32(uint32(ev.Data)),
			Pad:    int32(uint32(ev.Data >> 32)),
		}
	}
	if err := mm.WriteEpollEvents(t.Proc.AS, events, out); err != nil {
		return s.fail("epoll_wait", err)
	}
	return int64(len(out))
}
