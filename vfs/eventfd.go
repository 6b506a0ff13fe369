package vfs

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/joeycumines/go-kcore/kernel"
)

const eventFDMax = math.MaxUint64 - 1

type eventFD struct {
	fileState
	ev        *kernel.Event
	count     uint64
	mu        sync.Mutex
	semaphore bool
}

// NewEventFD returns an event counter file. Reads return and reset the
// counter, or decrement it by one in semaphore mode, blocking while it is
// zero. Writes add to the counter, blocking while that would overflow.
// Values are 8 bytes in host byte order.
func NewEventFD(initval uint64, semaphore bool) File {
	return &eventFD{
		ev:        kernel.NewEvent("eventfd"),
		count:     min(initval, eventFDMax),
		semaphore: semaphore,
	}
}

func (e *eventFD) Kind() Kind { return KindEventFD }

func (e *eventFD) readable() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count != 0
}

func (e *eventFD) Read(t *kernel.Thread, p []byte) (int, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	if len(p) < 8 {
		return 0, ErrInvalid
	}
	for {
		e.mu.Lock()
		if e.count != 0 {
			v := e.count
			if e.semaphore {
				v = 1
			}
			e.count -= v
			e.mu.Unlock()
			binary.NativeEndian.PutUint64(p, v)
			e.ev.Trigger(true)
			return 8, nil
		}
		e.mu.Unlock()
		if e.nonblock.Load() {
			return 0, ErrWouldBlock
		}
		if e.ev.WaitCond(t, e.readable) == kernel.Interrupted {
			return 0, ErrInterrupted
		}
	}
}

func (e *eventFD) Write(t *kernel.Thread, p []byte) (int, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	if len(p) < 8 {
		return 0, ErrInvalid
	}
	v := binary.NativeEndian.Uint64(p)
	if v == math.MaxUint64 {
		return 0, ErrInvalid
	}
	fits := func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return eventFDMax-e.count >= v
	}
	for {
		e.mu.Lock()
		if eventFDMax-e.count >= v {
			e.count += v
			e.mu.Unlock()
			if v != 0 {
				e.ev.Trigger(true)
			}
			return 8, nil
		}
		e.mu.Unlock()
		if e.nonblock.Load() {
			return 0, ErrWouldBlock
		}
		if e.ev.WaitCond(t, fits) == kernel.Interrupted {
			return 0, ErrInterrupted
		}
	}
}

func (e *eventFD) Poll(mask EventMask) EventMask {
	e.mu.Lock()
	defer e.mu.Unlock()
	var ready EventMask
	if e.count != 0 {
		ready |= EventIn | EventRdNorm
	}
	if e.count < eventFDMax {
		ready |= EventOut | EventWrNorm
	}
	return ready & (mask | eventAlways)
}

func (e *eventFD) Readiness() []*kernel.Event { return []*kernel.Event{e.ev} }

func (e *eventFD) Close() error {
	if !e.markClosed() {
		return ErrClosed
	}
	e.ev.Trigger(true)
	return nil
}
