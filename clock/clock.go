// Package clock provides the time sources and timer devices of the kernel
// core.
package clock

import (
	"sync"
	"time"
)

// Clock is the monotonic time source consumed by the kernel.
type Clock interface {
	// Now returns the monotonic time since an arbitrary fixed epoch.
	Now() time.Duration
	// Realtime returns the wall clock time.
	Realtime() time.Time
	// Resolution returns the granularity of Now.
	Resolution() time.Duration
}

// Watcher is implemented by clocks that advance under program control,
// allowing devices to observe every change of time.
type Watcher interface {
	// Watch registers fn to be called, after the clock moved, with the new
	// time. The returned function removes the registration.
	Watch(fn func(now time.Duration)) (cancel func())
}

// Manual is a Clock that only moves when told to. It is intended for
// deterministic tests and simulations.
type Manual struct {
	base     time.Time
	watchers map[uint64]func(now time.Duration)
	now      time.Duration
	nextID   uint64
	mu       sync.Mutex
}

var _ interface {
	Clock
	Watcher
} = (*Manual)(nil)

// NewManual returns a Manual clock reading start, with a realtime epoch of
// base.
func NewManual(start time.Duration, base time.Time) *Manual {
	return &Manual{
		base:     base,
		now:      start,
		watchers: make(map[uint64]func(now time.Duration)),
	}
}

func (m *Manual) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Realtime() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.base.Add(m.now)
}

func (m *Manual) Resolution() time.Duration { return time.Nanosecond }

// Advance moves the clock forward by d (negative values are ignored) and
// returns the new time. Watchers are called on the calling goroutine.
func (m *Manual) Advance(d time.Duration) time.Duration {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	m.now += d
	now := m.now
	m.mu.Unlock()
	m.notify(now)
	return now
}

// Set moves the clock to now, if it is later than the current time.
func (m *Manual) Set(now time.Duration) {
	m.mu.Lock()
	if now < m.now {
		now = m.now
	}
	m.now = now
	m.mu.Unlock()
	m.notify(now)
}

func (m *Manual) Watch(fn func(now time.Duration)) (cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.watchers[id] = fn
	return func() {
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
	}
}

func (m *Manual) notify(now time.Duration) {
	m.mu.Lock()
	fns := make([]func(time.Duration), 0, len(m.watchers))
	for _, fn := range m.watchers {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(now)
	}
}
