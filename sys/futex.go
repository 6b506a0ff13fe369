package sys

import (
	"math"
	"time"

	"github.com/joeycumines/go-kcore/kernel"
	"github.com/joeycumines/go-kcore/mm"
	"golang.org/x/sys/unix"
)

// futex(2) operations, from <linux/futex.h>.
const (
	FUTEX_WAIT           = 0
	FUTEX_WAKE           = 1
	FUTEX_REQUEUE        = 3
	FUTEX_CMP_REQUEUE    = 4
	FUTEX_WAIT_BITSET    = 9
	FUTEX_WAKE_BITSET    = 10
	FUTEX_PRIVATE_FLAG   = 128
	FUTEX_CLOCK_REALTIME = 256

	futexCmdMask = ^(FUTEX_PRIVATE_FLAG | FUTEX_CLOCK_REALTIME)
)

// Futex implements futex(2). Private and shared futexes are treated alike,
// both keyed by the address space of the caller.
//
// For FUTEX_WAIT, utime is the address of a relative timeout, and for
// FUTEX_WAIT_BITSET the address of an absolute deadline, measured on the
// realtime clock if FUTEX_CLOCK_REALTIME is set; zero means no timeout. For
// the requeue operations utime is instead the number of waiters to requeue.
func (s *Syscalls) Futex(t *Task, addr mm.Addr, op int, val uint32, utime uint64, addr2 mm.Addr, val3 uint32) int64 {
	return s.ret(t, "futex", s.futex(t, addr, op, val, utime, addr2, val3))
}

func (s *Syscalls) futex(t *Task, addr mm.Addr, op int, val uint32, utime uint64, addr2 mm.Addr, val3 uint32) int64 {
	cmd := op & futexCmdMask
	realtime := op&FUTEX_CLOCK_REALTIME != 0
	if realtime && cmd != FUTEX_WAIT && cmd != FUTEX_WAIT_BITSET {
		return neg(unix.ENOSYS)
	}
	if addr%4 != 0 {
		return neg(unix.EINVAL)
	}

	as := t.Proc.AS
	ft := s.k.Futex()
	switch cmd {
	case FUTEX_WAIT, FUTEX_WAIT_BITSET:
		bitset := kernel.FutexBitsetMatchAny
		if cmd == FUTEX_WAIT_BITSET {
			bitset = val3
		}
		if bitset == 0 {
			return neg(unix.EINVAL)
		}
		timeout := time.Duration(-1)
		if utime != 0 {
			ts, err := mm.ReadTimespec(as, mm.Addr(utime))
			if err != nil {
				return s.fail("futex", err)
			}
			d, ok := mm.TimespecToDuration(ts)
			if !ok {
				return neg(unix.EINVAL)
			}
			timeout = d
			if cmd == FUTEX_WAIT_BITSET {
				timeout = s.untilDeadline(d, realtime)
			}
		}
		if err := ft.Wait(t.Thread, as, addr, val, timeout, bitset); err != nil {
			return s.fail("futex", err)
		}
		return 0

	case FUTEX_WAKE, FUTEX_WAKE_BITSET:
		bitset := kernel.FutexBitsetMatchAny
		if cmd == FUTEX_WAKE_BITSET {
			bitset = val3
		}
		if bitset == 0 {
			return neg(unix.EINVAL)
		}
		n, err := ft.Wake(as, addr, futexCount(val), bitset)
		if err != nil {
			return s.fail("futex", err)
		}
		return int64(n)

	case FUTEX_REQUEUE, FUTEX_CMP_REQUEUE:
		if addr2%4 != 0 {
			return neg(unix.EINVAL)
		}
		nWake, nRequeue := int32(val), int32(uint32(utime))
		if nWake < 0 || nRequeue < 0 {
			return neg(unix.EINVAL)
		}
		n, err := ft.Requeue(as, addr, int(nWake), addr2, int(nRequeue), cmd == FUTEX_CMP_REQUEUE, val3)
		if err != nil {
			return s.fail("futex", err)
		}
		return int64(n)

	default:
		return neg(unix.ENOSYS)
	}
}

// futexCount interprets the wake count argument. Counts beyond MaxInt32
// wake every waiter.
func futexCount(val uint32) int {
	if val > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(val)
}

// untilDeadline converts an absolute deadline, on the monotonic clock or
// the realtime clock, to a relative timeout. A passed deadline yields zero.
func (s *Syscalls) untilDeadline(deadline time.Duration, realtime bool) time.Duration {
	clk := s.k.Clock()
	var d time.Duration
	if realtime {
		d = time.Unix(0, int64(deadline)).Sub(clk.Realtime())
	} else {
		d = deadline - clk.Now()
	}
	return max(d, 0)
}
