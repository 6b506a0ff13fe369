package sys

import (
	"encoding/binary"
	"time"

	"github.com/joeycumines/go-kcore/kernel"
	"github.com/joeycumines/go-kcore/mm"
	"golang.org/x/sys/unix"
)

// defaultCoarseResolution is the granularity of the coarse clocks when the
// kernel runs without a tick device.
const defaultCoarseResolution = 4 * time.Millisecond

// Nanosleep suspends the caller for the interval at req. If a signal cuts
// the sleep short, the unslept time is written to rem, if not zero.
func (s *Syscalls) Nanosleep(t *Task, req, rem mm.Addr) int64 {
	return s.ret(t, "nanosleep", s.sleep(t, unix.CLOCK_MONOTONIC, 0, req, rem))
}

// ClockNanosleep is Nanosleep measured on clockid, which may be
// CLOCK_REALTIME, CLOCK_MONOTONIC or CLOCK_BOOTTIME. With TIMER_ABSTIME in
// flags, req is an absolute deadline and rem is never written.
func (s *Syscalls) ClockNanosleep(t *Task, clockid int32, flags int, req, rem mm.Addr) int64 {
	switch clockid {
	case unix.CLOCK_REALTIME, unix.CLOCK_MONOTONIC, unix.CLOCK_BOOTTIME:
	default:
		return s.ret(t, "clock_nanosleep", neg(unix.EINVAL))
	}
	return s.ret(t, "clock_nanosleep", s.sleep(t, clockid, flags, req, rem))
}

func (s *Syscalls) sleep(t *Task, clockid int32, flags int, req, rem mm.Addr) int64 {
	as := t.Proc.AS
	ts, err := mm.ReadTimespec(as, req)
	if err != nil {
		return s.fail("nanosleep", err)
	}
	d, ok := mm.TimespecToDuration(ts)
	if !ok {
		return neg(unix.EINVAL)
	}
	abs := flags&unix.TIMER_ABSTIME != 0
	if abs {
		d = s.untilDeadline(d, clockid == unix.CLOCK_REALTIME)
	}

	remaining, reason := t.Thread.Sleep(d)
	if reason != kernel.Interrupted {
		return 0
	}
	if !abs && rem != 0 {
		if err := mm.WriteTimespec(as, rem, mm.DurationToTimespec(remaining)); err != nil {
			return s.fail("nanosleep", err)
		}
	}
	return neg(unix.EINTR)
}

func (s *Syscalls) coarseResolution() time.Duration {
	if d := s.k.TickInterval(); d > 0 {
		return d
	}
	return defaultCoarseResolution
}

// now reads clockid, reporting false for an unsupported clock.
func (s *Syscalls) now(clockid int32) (unix.Timespec, bool) {
	clk := s.k.Clock()
	switch clockid {
	case unix.CLOCK_REALTIME:
		return unix.NsecToTimespec(clk.Realtime().UnixNano()), true
	case unix.CLOCK_REALTIME_COARSE:
		return unix.NsecToTimespec(clk.Realtime().Truncate(s.coarseResolution()).UnixNano()), true
	case unix.CLOCK_MONOTONIC, unix.CLOCK_MONOTONIC_RAW, unix.CLOCK_BOOTTIME:
		return mm.DurationToTimespec(clk.Now()), true
	case unix.CLOCK_MONOTONIC_COARSE:
		return mm.DurationToTimespec(clk.Now().Truncate(s.coarseResolution())), true
	default:
		return unix.Timespec{}, false
	}
}

// ClockGettime writes the current reading of clockid to tp.
func (s *Syscalls) ClockGettime(t *Task, clockid int32, tp mm.Addr) int64 {
	ts, ok := s.now(clockid)
	if !ok {
		return s.ret(t, "clock_gettime", neg(unix.EINVAL))
	}
	if err := mm.WriteTimespec(t.Proc.AS, tp, ts); err != nil {
		return s.ret(t, "clock_gettime", s.fail("clock_gettime", err))
	}
	return s.ret(t, "clock_gettime", 0)
}

// ClockGetres writes the resolution of clockid to res, if not zero.
func (s *Syscalls) ClockGetres(t *Task, clockid int32, res mm.Addr) int64 {
	var d time.Duration
	switch clockid {
	case unix.CLOCK_REALTIME, unix.CLOCK_MONOTONIC, unix.CLOCK_MONOTONIC_RAW, unix.CLOCK_BOOTTIME:
		d = s.k.Clock().Resolution()
	case unix.CLOCK_REALTIME_COARSE, unix.CLOCK_MONOTONIC_COARSE:
		d = s.coarseResolution()
	default:
		return s.ret(t, "clock_getres", neg(unix.EINVAL))
	}
	if res != 0 {
		if err := mm.WriteTimespec(t.Proc.AS, res, mm.DurationToTimespec(d)); err != nil {
			return s.ret(t, "clock_getres", s.fail("clock_getres", err))
		}
	}
	return s.ret(t, "clock_getres", 0)
}

// Gettimeofday writes the wall clock time to tv, and a zeroed timezone to
// tz, each if not zero.
func (s *Syscalls) Gettimeofday(t *Task, tv, tz mm.Addr) int64 {
	as := t.Proc.AS
	if tv != 0 {
		now := s.k.Clock().Realtime()
		if err := mm.WriteTimeval(as, tv, unix.NsecToTimeval(now.UnixNano())); err != nil {
			return s.ret(t, "gettimeofday", s.fail("gettimeofday", err))
		}
	}
	if tz != 0 {
		// struct timezone, both fields obsolete
		var b [8]byte
		if err := as.CopyOut(tz, b[:]); err != nil {
			return s.ret(t, "gettimeofday", s.fail("gettimeofday", err))
		}
	}
	return s.ret(t, "gettimeofday", 0)
}

// Time returns the wall clock time in seconds, also storing it at tloc if
// not zero.
func (s *Syscalls) Time(t *Task, tloc mm.Addr) int64 {
	sec := s.k.Clock().Realtime().Unix()
	if tloc != 0 {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(sec))
		if err := t.Proc.AS.CopyOut(tloc, b[:]); err != nil {
			return s.ret(t, "time", s.fail("time", err))
		}
	}
	return s.ret(t, "time", sec)
}
