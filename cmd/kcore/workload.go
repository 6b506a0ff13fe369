package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/joeycumines/go-kcore/blockdev"
	"github.com/joeycumines/go-kcore/mm"
	"github.com/joeycumines/go-kcore/sys"
	"golang.org/x/sys/unix"
)

// workload starts the threads of one demonstration, using the user memory
// at mem, regionSize bytes long.
type workload func(r *runner, name string, mem mm.Addr) error

var workloads = map[string]workload{
	"futex": futexWorkload,
	"pipe":  pipeWorkload,
	"sleep": sleepWorkload,
	"disk":  diskWorkload,
}

func workloadNames() []string { return []string{"futex", "pipe", "sleep", "disk"} }

// pollTimeout bounds every blocking call, so threads notice the deadline.
const pollTimeout = 100 * time.Millisecond

// check converts a syscall result into an error.
func check(call string, r int64) error {
	if r < 0 {
		return fmt.Errorf("%s: %w", call, unix.Errno(-r))
	}
	return nil
}

func isErrno(r int64, errnos ...unix.Errno) bool {
	for _, e := range errnos {
		if r == -int64(e) {
			return true
		}
	}
	return false
}

// futexWorkload bounces a word between two threads, each waking the other
// with FUTEX_WAKE and sleeping with a bounded FUTEX_WAIT.
func futexWorkload(r *runner, name string, mem mm.Addr) error {
	word, timeout := mem, mem+16
	if err := mm.WriteTimespec(r.as, timeout, mm.DurationToTimespec(pollTimeout)); err != nil {
		return err
	}
	const op = sys.FUTEX_PRIVATE_FLAG
	s := r.s

	// waitWhile blocks while the word holds v, reporting whether the
	// deadline passed first.
	waitWhile := func(t *sys.Task, v uint32) (bool, error) {
		for {
			cur, err := t.Proc.AS.LoadUint32(word)
			if err != nil {
				return false, err
			}
			if cur != v {
				return false, nil
			}
			if r.expired() {
				return true, nil
			}
			res := s.Futex(t, word, sys.FUTEX_WAIT|op, v, uint64(timeout), 0, 0)
			if res < 0 && !isErrno(res, unix.EAGAIN, unix.ETIMEDOUT) {
				return false, check("futex wait", res)
			}
		}
	}
	handoff := func(t *sys.Task, v uint32) error {
		if err := t.Proc.AS.StoreUint32(word, v); err != nil {
			return err
		}
		return check("futex wake", s.Futex(t, word, sys.FUTEX_WAKE|op, 1, 0, 0, 0))
	}

	r.spawn(name, "ping", func(t *sys.Task) (ops uint64, err error) {
		for !r.expired() {
			if err := handoff(t, 1); err != nil {
				return ops, err
			}
			if done, err := waitWhile(t, 1); err != nil || done {
				return ops, err
			}
			ops++
		}
		return ops, nil
	})
	r.spawn(name, "pong", func(t *sys.Task) (ops uint64, err error) {
		for {
			if done, err := waitWhile(t, 0); err != nil || done {
				return ops, err
			}
			if err := handoff(t, 0); err != nil {
				return ops, err
			}
			ops++
		}
	})
	return nil
}

// pipeWorkload streams a byte pattern through a pipe. The consumer waits
// for input with epoll and checks every byte.
func pipeWorkload(r *runner, name string, mem mm.Addr) error {
	const chunk = 64
	var (
		fds   = mem
		ev    = mem + 0x10
		evs   = mem + 0x20
		wbuf  = mem + 0x100
		rbuf  = mem + 0x200
		rsize = 256
	)
	s := r.s
	pattern := func(off uint64) byte { return byte(off % 251) }

	consumer := func(rfd int) func(t *sys.Task) (uint64, error) {
		return func(t *sys.Task) (total uint64, err error) {
			defer func() {
				err = errors.Join(err, check("close", s.Close(t, rfd)))
			}()
			epfd := s.EpollCreate1(t, unix.EPOLL_CLOEXEC)
			if err := check("epoll_create1", epfd); err != nil {
				return 0, err
			}
			defer func() {
				err = errors.Join(err, check("close", s.Close(t, int(epfd))))
			}()
			var b [mm.SizeofEpollEvent]byte
			binary.LittleEndian.PutUint32(b[0:], unix.EPOLLIN)
			binary.LittleEndian.PutUint64(b[4:], uint64(rfd))
			if err := t.Proc.AS.CopyOut(ev, b[:]); err != nil {
				return 0, err
			}
			if err := check("epoll_ctl", s.EpollCtl(t, int(epfd), unix.EPOLL_CTL_ADD, rfd, ev)); err != nil {
				return 0, err
			}
			p := make([]byte, rsize)
			for {
				n := s.EpollWait(t, int(epfd), evs, 1, int(pollTimeout/time.Millisecond))
				if err := check("epoll_wait", n); err != nil {
					return total, err
				}
				if n == 0 {
					continue
				}
				n = s.Read(t, rfd, rbuf, rsize)
				if err := check("read", n); err != nil {
					return total, err
				}
				if n == 0 {
					return total, nil
				}
				if err := t.Proc.AS.CopyIn(rbuf, p[:n]); err != nil {
					return total, err
				}
				for i, c := range p[:n] {
					if want := pattern(total + uint64(i)); c != want {
						return total, fmt.Errorf("byte %d: got %#x want %#x", total+uint64(i), c, want)
					}
				}
				total += uint64(n)
			}
		}
	}

	r.spawn(name, "producer", func(t *sys.Task) (total uint64, err error) {
		if err := check("pipe2", s.Pipe2(t, fds, unix.O_CLOEXEC)); err != nil {
			return 0, err
		}
		var b [8]byte
		if err := t.Proc.AS.CopyIn(fds, b[:]); err != nil {
			return 0, err
		}
		rfd, wfd := int(int32(binary.LittleEndian.Uint32(b[0:]))), int(int32(binary.LittleEndian.Uint32(b[4:])))
		defer func() {
			err = errors.Join(err, check("close", s.Close(t, wfd)))
		}()
		r.spawn(name, "consumer", consumer(rfd))

		p := make([]byte, chunk)
		for !r.expired() {
			for i := range p {
				p[i] = pattern(total + uint64(i))
			}
			if err := t.Proc.AS.CopyOut(wbuf, p); err != nil {
				return total, err
			}
			n := s.Write(t, wfd, wbuf, chunk)
			if err := check("write", n); err != nil {
				return total, err
			}
			if n != chunk {
				return total, fmt.Errorf("short write: %d", n)
			}
			total += chunk
		}
		return total, nil
	})
	return nil
}

// sleepWorkload alternates relative and absolute clock_nanosleep calls,
// failing on any early wakeup.
func sleepWorkload(r *runner, name string, mem mm.Addr) error {
	const interval = 5 * time.Millisecond
	req, before, after := mem, mem+0x10, mem+0x20
	s := r.s

	now := func(t *sys.Task, addr mm.Addr) (time.Duration, error) {
		if err := check("clock_gettime", s.ClockGettime(t, unix.CLOCK_MONOTONIC, addr)); err != nil {
			return 0, err
		}
		ts, err := mm.ReadTimespec(t.Proc.AS, addr)
		if err != nil {
			return 0, err
		}
		return time.Duration(ts.Nano()), nil
	}

	r.spawn(name, "sleeper", func(t *sys.Task) (ops uint64, err error) {
		var late time.Duration
		defer func() {
			r.logger.Info().
				Str("workload", name).
				Uint64("sleeps", ops).
				Dur("max_late", late).
				Log("kcore: sleep lateness")
		}()
		for !r.expired() {
			start, err := now(t, before)
			if err != nil {
				return ops, err
			}
			flags, target := 0, interval
			if ops%2 == 1 {
				flags, target = unix.TIMER_ABSTIME, start+interval
			}
			if err := mm.WriteTimespec(t.Proc.AS, req, mm.DurationToTimespec(target)); err != nil {
				return ops, err
			}
			if err := check("clock_nanosleep", s.ClockNanosleep(t, unix.CLOCK_MONOTONIC, flags, req, 0)); err != nil {
				return ops, err
			}
			end, err := now(t, after)
			if err != nil {
				return ops, err
			}
			elapsed := end - start
			if elapsed < interval {
				return ops, fmt.Errorf("woke after %s, want at least %s", elapsed, interval)
			}
			late = max(late, elapsed-interval)
			ops++
		}
		return ops, nil
	})
	return nil
}

// diskWorkload writes and reads back sector patterns on a RAM disk from two
// threads, each owning half the disk.
func diskWorkload(r *runner, name string, _ mm.Addr) error {
	d, err := blockdev.NewRAMDisk(r.k, r.cfg.Disk.Sectors, r.cfg.diskOptions()...)
	if err != nil {
		return err
	}
	r.onClose(func() error {
		st := d.Stats()
		r.logger.Info().
			Str("workload", name).
			Uint64("reads", st.Reads).
			Uint64("writes", st.Writes).
			Uint64("batches", st.Batches).
			Uint64("interrupts", st.Interrupts).
			Log("kcore: disk stats")
		return d.Close()
	})

	const run = 4
	half := d.Sectors() / 2
	if half < run {
		return fmt.Errorf("disk too small: %d sectors", d.Sectors())
	}
	for i := range uint64(2) {
		base := i * half
		r.spawn(name, fmt.Sprintf("io%d", i), func(t *sys.Task) (ops uint64, err error) {
			w := make([]byte, run*blockdev.SectorSize)
			rb := make([]byte, len(w))
			for !r.expired() {
				lba := base + (ops*7)%(half-run+1)
				for j := range w {
					w[j] = byte(lba) ^ byte(ops) ^ byte(j)
				}
				if err := d.Write(t.Thread, lba, w); err != nil {
					return ops, err
				}
				if err := d.Read(t.Thread, lba, rb); err != nil {
					return ops, err
				}
				for j := range w {
					if rb[j] != w[j] {
						return ops, fmt.Errorf("lba %d byte %d: read %#x wrote %#x", lba, j, rb[j], w[j])
					}
				}
				ops++
			}
			return ops, nil
		})
	}
	return nil
}
