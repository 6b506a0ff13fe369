package kernel

import (
	"errors"
	"fmt"
)

var (
	// ErrSchedulerStopped is returned by Spawn after Shutdown.
	ErrSchedulerStopped = errors.New("kernel: scheduler stopped")

	// ErrTimerSlotsExhausted is returned when the configured maximum number
	// of timers is in use.
	ErrTimerSlotsExhausted = errors.New("kernel: no free timer slots")

	// ErrTimerReleased is returned when arming a released timer.
	ErrTimerReleased = errors.New("kernel: timer released")

	// ErrFutexValueMismatch is returned by FutexTable.Wait when the futex
	// word did not hold the expected value.
	ErrFutexValueMismatch = errors.New("kernel: futex value mismatch")

	// ErrTimedOut is returned by blocking operations whose timeout expired.
	ErrTimedOut = errors.New("kernel: timed out")

	// ErrInterrupted is returned by blocking operations cut short by a
	// signal.
	ErrInterrupted = errors.New("kernel: interrupted")

	// ErrInvalidArgument is returned for malformed requests.
	ErrInvalidArgument = errors.New("kernel: invalid argument")

	// ErrIoServiceStopped is returned by IoService.Push after Stop.
	ErrIoServiceStopped = errors.New("kernel: io service stopped")

	// ErrInvalidSignal is returned for signal numbers outside 1..64.
	ErrInvalidSignal = errors.New("kernel: invalid signal")

	// ErrJoinSelf is returned when a thread attempts to join itself.
	ErrJoinSelf = errors.New("kernel: thread cannot join itself")

	// ErrHalted is wrapped by every HaltError.
	ErrHalted = errors.New("kernel: halted")
)

// HaltError describes a fatal invariant violation. The kernel stops
// scheduling once one has been raised, and the goroutine that detected it
// panics with the *HaltError.
type HaltError struct {
	Reason string
	// Thread is the name of the thread involved, if any.
	Thread string
}

func (e *HaltError) Error() string {
	if e.Thread != "" {
		return fmt.Sprintf("kernel: halted: %s (thread %s)", e.Reason, e.Thread)
	}
	return "kernel: halted: " + e.Reason
}

func (e *HaltError) Unwrap() error { return ErrHalted }
