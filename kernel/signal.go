package kernel

import (
	"math/bits"

	"golang.org/x/sys/unix"
)

// Signal is a signal number, 1 through NumSignals.
type Signal uint8

// NumSignals is the highest signal number.
const NumSignals = 64

const (
	SIGHUP  = Signal(unix.SIGHUP)
	SIGINT  = Signal(unix.SIGINT)
	SIGKILL = Signal(unix.SIGKILL)
	SIGUSR1 = Signal(unix.SIGUSR1)
	SIGUSR2 = Signal(unix.SIGUSR2)
	SIGPIPE = Signal(unix.SIGPIPE)
	SIGALRM = Signal(unix.SIGALRM)
	SIGTERM = Signal(unix.SIGTERM)
	SIGCHLD = Signal(unix.SIGCHLD)
	SIGSTOP = Signal(unix.SIGSTOP)
)

const unmaskableSignals = 1<<(SIGKILL-1) | 1<<(SIGSTOP-1)

func (s Signal) valid() bool { return s >= 1 && s <= NumSignals }

// Bit returns the mask bit of s.
func (s Signal) Bit() uint64 { return 1 << (s - 1) }

// SendSignal marks sig pending for t. If sig is not masked and t is in an
// interruptible wait, the wait returns Interrupted.
func (t *Thread) SendSignal(sig Signal) error {
	if !sig.valid() {
		return ErrInvalidSignal
	}
	t.sigPending.Or(sig.Bit())
	// pairs with the wait path, which stores blockedOn before checking
	if t.sigMask.Load()&sig.Bit() == 0 {
		t.wakeFromWait(0, Interrupted)
	}
	t.k.logger.Trace().
		Str("thread", t.name).
		Int("signal", int(sig)).
		Log("kernel: signal sent")
	return nil
}

// SignalMask returns the blocked signals.
func (t *Thread) SignalMask() uint64 { return t.sigMask.Load() }

// SetSignalMask replaces the blocked signals, returning the previous mask.
// SIGKILL and SIGSTOP cannot be blocked.
func (t *Thread) SetSignalMask(mask uint64) uint64 {
	return t.sigMask.Swap(mask &^ unmaskableSignals)
}

// PendingSignals returns the pending signals, masked or not.
func (t *Thread) PendingSignals() uint64 { return t.sigPending.Load() }

// HasDeliverableSignal reports whether an unmasked signal is pending.
func (t *Thread) HasDeliverableSignal() bool {
	return t.sigPending.Load()&^t.sigMask.Load() != 0
}

// DequeueSignal removes and returns the lowest deliverable pending signal.
func (t *Thread) DequeueSignal() (Signal, bool) {
	for {
		pending := t.sigPending.Load()
		deliverable := pending &^ t.sigMask.Load()
		if deliverable == 0 {
			return 0, false
		}
		sig := Signal(bits.TrailingZeros64(deliverable) + 1)
		if t.sigPending.CompareAndSwap(pending, pending&^sig.Bit()) {
			return sig, true
		}
	}
}
