package sys

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/joeycumines/go-kcore/kernel"
	"github.com/joeycumines/go-kcore/mm"
	"github.com/joeycumines/go-kcore/vfs"
	"golang.org/x/sys/unix"
)

// maxRW caps the bytes transferred by one Read or Write.
const maxRW = 1 << 20

// Pipe2 creates a pipe, writing its read and write descriptors to fds as
// two 32-bit integers. Valid flags are O_NONBLOCK and O_CLOEXEC.
func (s *Syscalls) Pipe2(t *Task, fds mm.Addr, flags int) int64 {
	return s.ret(t, "pipe2", s.pipe2(t, fds, flags))
}

func (s *Syscalls) pipe2(t *Task, fds mm.Addr, flags int) int64 {
	if flags&^(unix.O_NONBLOCK|unix.O_CLOEXEC) != 0 {
		return neg(unix.EINVAL)
	}
	r, w := vfs.NewPipe(vfs.DefaultPipeCapacity)
	if flags&unix.O_NONBLOCK != 0 {
		r.SetNonblock(true)
		w.SetNonblock(true)
	}
	files := t.Proc.Files
	rfd, err := files.Install(r)
	if err != nil {
		_, _ = r.Close(), w.Close()
		return s.fail("pipe2", err)
	}
	wfd, err := files.Install(w)
	if err != nil {
		_ = files.Close(rfd)
		_ = w.Close()
		return s.fail("pipe2", err)
	}
	var b [8]byte
	binary.LittleEndian.PutUint32(b[0:], uint32(rfd))
	binary.LittleEndian.PutUint32(b[4:], uint32(wfd))
	if err := t.Proc.AS.CopyOut(fds, b[:]); err != nil {
		_, _ = files.Close(rfd), files.Close(wfd)
		return s.fail("pipe2", err)
	}
	return 0
}

// Eventfd2 creates an eventfd counter starting at initval. Valid flags are
// EFD_CLOEXEC, EFD_NONBLOCK and EFD_SEMAPHORE.
func (s *Syscalls) Eventfd2(t *Task, initval uint32, flags int) int64 {
	return s.ret(t, "eventfd2", s.eventfd2(t, initval, flags))
}

func (s *Syscalls) eventfd2(t *Task, initval uint32, flags int) int64 {
	if flags&^(unix.EFD_CLOEXEC|unix.EFD_NONBLOCK|unix.EFD_SEMAPHORE) != 0 {
		return neg(unix.EINVAL)
	}
	f := vfs.NewEventFD(uint64(initval), flags&unix.EFD_SEMAPHORE != 0)
	if flags&unix.EFD_NONBLOCK != 0 {
		f.SetNonblock(true)
	}
	fd, err := t.Proc.Files.Install(f)
	if err != nil {
		_ = f.Close()
		return s.fail("eventfd2", err)
	}
	return int64(fd)
}

// Read reads up to n bytes from fd into buf, returning the number read,
// zero at end of file.
func (s *Syscalls) Read(t *Task, fd int, buf mm.Addr, n int) int64 {
	return s.ret(t, "read", s.read(t, fd, buf, n))
}

func (s *Syscalls) read(t *Task, fd int, buf mm.Addr, n int) int64 {
	if n < 0 {
		return neg(unix.EINVAL)
	}
	f, err := t.Proc.Files.Get(fd)
	if err != nil {
		return s.fail("read", err)
	}
	p := make([]byte, min(n, maxRW))
	nr, err := f.Read(t.Thread, p)
	if err != nil && !errors.Is(err, io.EOF) && nr == 0 {
		return s.fail("read", err)
	}
	if nr == 0 {
		return 0
	}
	if err := t.Proc.AS.CopyOut(buf, p[:nr]); err != nil {
		return s.fail("read", err)
	}
	return int64(nr)
}

// Write writes up to n bytes from buf to fd, returning the number written.
// Writing to a pipe without readers also sends SIGPIPE to the caller.
func (s *Syscalls) Write(t *Task, fd int, buf mm.Addr, n int) int64 {
	return s.ret(t, "write", s.write(t, fd, buf, n))
}

func (s *Syscalls) write(t *Task, fd int, buf mm.Addr, n int) int64 {
	if n < 0 {
		return neg(unix.EINVAL)
	}
	f, err := t.Proc.Files.Get(fd)
	if err != nil {
		return s.fail("write", err)
	}
	p := make([]byte, min(n, maxRW))
	if err := t.Proc.AS.CopyIn(buf, p); err != nil {
		return s.fail("write", err)
	}
	nw, err := f.Write(t.Thread, p)
	if err != nil && nw == 0 {
		if errors.Is(err, vfs.ErrBrokenPipe) {
			_ = t.Thread.SendSignal(kernel.SIGPIPE)
		}
		return s.fail("write", err)
	}
	return int64(nw)
}

// Close releases fd, closing its file.
func (s *Syscalls) Close(t *Task, fd int) int64 {
	r := int64(0)
	if err := t.Proc.Files.Close(fd); err != nil {
		r = s.fail("close", err)
	}
	return s.ret(t, "close", r)
}
