// Package epoll aggregates the readiness of many files into one waitable
// set, with level-triggered, edge-triggered and one-shot reporting.
package epoll

import (
	"errors"
	"sync"
	"time"

	"github.com/joeycumines/go-kcore/kernel"
	"github.com/joeycumines/go-kcore/vfs"
	"golang.org/x/exp/slices"
	"golang.org/x/sys/unix"
)

// Op is an epoll_ctl operation.
type Op int

const (
	CtlAdd Op = unix.EPOLL_CTL_ADD
	CtlDel Op = unix.EPOLL_CTL_DEL
	CtlMod Op = unix.EPOLL_CTL_MOD
)

// maxNesting bounds the depth of epoll instances watching each other.
const maxNesting = 4

var (
	ErrExists        = errors.New("epoll: file already registered")
	ErrNotRegistered = errors.New("epoll: file not registered")
	ErrInvalid       = errors.New("epoll: invalid argument")
	ErrNotPollable   = errors.New("epoll: file does not support polling")
	ErrLoop          = errors.New("epoll: registration would create a loop")
	ErrClosed        = errors.New("epoll: instance closed")
)

// Event is a registration request or a readiness report.
type Event struct {
	Events vfs.EventMask
	Data   uint64
}

type key struct {
	file vfs.File
	fd   int
}

type registration struct {
	file vfs.File
	subs []*kernel.Subscription
	data uint64
	fd   int
	slot int

	// interest, including the ET and ONESHOT flags
	events vfs.EventMask
	// readiness observed at the last report or poll
	prev vfs.EventMask
	// set by a readiness notification since the last report
	dirty bool
	// a ONESHOT registration that already reported
	disabled bool
}

func (r *registration) interest() vfs.EventMask {
	return r.events &^ (vfs.EventET | vfs.EventOneShot)
}

// Instance is an epoll set. It is itself a pollable file, readable while any
// registration would be reported.
type Instance struct {
	k     *kernel.Kernel
	ev    *kernel.Event
	regs  map[key]*registration
	slots []*registration
	mu    sync.Mutex

	cursor   int
	waiting  int
	nonblock bool
	closed   bool
}

var _ vfs.File = (*Instance)(nil)

// New returns an empty epoll set.
func New(k *kernel.Kernel) *Instance {
	return &Instance{
		k:    k,
		ev:   kernel.NewEvent("epoll"),
		regs: make(map[key]*registration),
	}
}

// Ctl adds, modifies or removes the registration of file under fd.
func (in *Instance) Ctl(op Op, fd int, file vfs.File, event Event) error {
	if file == nil || fd < 0 {
		return ErrInvalid
	}
	if file == vfs.File(in) {
		return ErrInvalid
	}
	if !vfs.Pollable(file) {
		return ErrNotPollable
	}
	if op == CtlAdd {
		if inner, ok := file.(*Instance); ok && inner.reaches(in, maxNesting) {
			return ErrLoop
		}
	}

	k := key{file: file, fd: fd}
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return ErrClosed
	}
	reg := in.regs[k]
	switch op {
	case CtlAdd:
		if reg != nil {
			in.mu.Unlock()
			return ErrExists
		}
		reg = &registration{file: file, fd: fd, events: event.Events, data: event.Data}
		reg.slot = slices.Index(in.slots, nil)
		if reg.slot < 0 {
			reg.slot = len(in.slots)
			in.slots = append(in.slots, reg)
		} else {
			in.slots[reg.slot] = reg
		}
		for _, ev := range file.Readiness() {
			reg.subs = append(reg.subs, ev.Subscribe(func() { in.notify(reg) }))
		}
		in.regs[k] = reg

	case CtlMod:
		if reg == nil {
			in.mu.Unlock()
			return ErrNotRegistered
		}
		reg.events = event.Events
		reg.data = event.Data
		reg.prev = 0
		reg.dirty = false
		reg.disabled = false

	case CtlDel:
		if reg == nil {
			in.mu.Unlock()
			return ErrNotRegistered
		}
		in.removeLocked(k, reg)

	default:
		in.mu.Unlock()
		return ErrInvalid
	}
	n := len(in.regs)
	in.mu.Unlock()

	in.k.Logger().Trace().
		Int("op", int(op)).
		Int("fd", fd).
		Stringer("events", event.Events).
		Int("registrations", n).
		Log("epoll: ctl")

	// re-evaluate waiters against the new set
	in.ev.Trigger(true)
	return nil
}

func (in *Instance) removeLocked(k key, reg *registration) {
	for _, s := range reg.subs {
		s.Cancel()
	}
	reg.subs = nil
	in.slots[reg.slot] = nil
	in.slots = trimNil(in.slots)
	delete(in.regs, k)
}

// trimNil drops trailing free slots.
func trimNil(s []*registration) []*registration {
	for len(s) != 0 && s[len(s)-1] == nil {
		s = s[:len(s)-1]
	}
	return s
}

// notify runs from the triggering context of a registered file's
// readiness event.
func (in *Instance) notify(reg *registration) {
	in.mu.Lock()
	reg.dirty = true
	in.mu.Unlock()
	in.ev.Trigger(true)
}

// reaches reports whether target is watched by in, directly or through
// nested instances, within depth levels.
func (in *Instance) reaches(target *Instance, depth int) bool {
	if in == target {
		return true
	}
	if depth == 0 {
		return true
	}
	in.mu.Lock()
	var inner []*Instance
	for _, reg := range in.slots {
		if reg == nil {
			continue
		}
		if x, ok := reg.file.(*Instance); ok {
			inner = append(inner, x)
		}
	}
	in.mu.Unlock()
	for _, x := range inner {
		if x.reaches(target, depth-1) {
			return true
		}
	}
	return false
}

// reportable returns the readiness reg would report, without consuming it.
func (reg *registration) reportable() vfs.EventMask {
	if reg.disabled {
		return 0
	}
	cur := reg.file.Poll(reg.interest())
	if cur == 0 {
		return 0
	}
	if reg.events&vfs.EventET != 0 && !reg.dirty && cur&^reg.prev == 0 {
		return 0
	}
	return cur
}

// ready reports whether any registration would be reported.
func (in *Instance) ready() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return true
	}
	for _, reg := range in.slots {
		if reg != nil && reg.reportable() != 0 {
			return true
		}
	}
	return false
}

// collectLocked reports up to max ready registrations, starting after the
// last one reported by the previous call so that none is starved.
func (in *Instance) collectLocked(max int) []Event {
	var out []Event
	n := len(in.slots)
	start, next := in.cursor, in.cursor
	for i := 0; i < n && len(out) < max; i++ {
		idx := (start + i) % n
		reg := in.slots[idx]
		if reg == nil {
			continue
		}
		cur := reg.reportable()
		if cur == 0 {
			if !reg.disabled {
				reg.prev = reg.file.Poll(reg.interest())
				reg.dirty = false
			}
			continue
		}
		out = append(out, Event{Events: cur, Data: reg.data})
		reg.prev = cur
		reg.dirty = false
		if reg.events&vfs.EventOneShot != 0 {
			reg.disabled = true
		}
		next = idx + 1
	}
	in.cursor = next
	return out
}

// Wait returns up to max ready registrations. A negative timeout waits
// indefinitely, zero polls, and a positive timeout bounds the wait. An empty
// result with a nil error means the timeout expired.
func (in *Instance) Wait(t *kernel.Thread, max int, timeout time.Duration) ([]Event, error) {
	if max <= 0 {
		return nil, ErrInvalid
	}
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return nil, ErrClosed
	}
	in.waiting++
	in.mu.Unlock()
	defer in.leave()

	clk := in.k.Clock()
	deadline := clk.Now() + timeout
	for {
		in.mu.Lock()
		if in.closed {
			in.mu.Unlock()
			return nil, ErrClosed
		}
		evs := in.collectLocked(max)
		in.mu.Unlock()
		if len(evs) != 0 || timeout == 0 {
			return evs, nil
		}

		var reason kernel.WakeReason
		if timeout < 0 {
			reason = in.ev.WaitCond(t, in.ready)
		} else {
			remaining := deadline - clk.Now()
			if remaining <= 0 {
				return nil, nil
			}
			reason = in.ev.WaitCondTimeout(t, in.ready, remaining)
		}
		switch reason {
		case kernel.Interrupted:
			return nil, vfs.ErrInterrupted
		case kernel.WokenByTimeout:
			in.mu.Lock()
			evs = in.collectLocked(max)
			in.mu.Unlock()
			return evs, nil
		}
	}
}

func (in *Instance) leave() {
	in.mu.Lock()
	in.waiting--
	destroy := in.closed && in.waiting == 0
	in.mu.Unlock()
	if destroy {
		in.ev.Destroy()
	}
}

// Len returns the number of registrations.
func (in *Instance) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.regs)
}

func (in *Instance) Kind() vfs.Kind { return vfs.KindEpoll }

func (in *Instance) Read(*kernel.Thread, []byte) (int, error) { return 0, vfs.ErrInvalid }

func (in *Instance) Write(*kernel.Thread, []byte) (int, error) { return 0, vfs.ErrInvalid }

// Poll reports EventIn while a Wait would return without blocking.
func (in *Instance) Poll(mask vfs.EventMask) vfs.EventMask {
	if mask&vfs.EventIn != 0 && in.ready() {
		return vfs.EventIn
	}
	return 0
}

func (in *Instance) Readiness() []*kernel.Event { return []*kernel.Event{in.ev} }

func (in *Instance) SetNonblock(nonblock bool) {
	in.mu.Lock()
	in.nonblock = nonblock
	in.mu.Unlock()
}

// Close drops every registration. Threads blocked in Wait return ErrClosed.
func (in *Instance) Close() error {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return vfs.ErrClosed
	}
	in.closed = true
	for k, reg := range in.regs {
		for _, s := range reg.subs {
			s.Cancel()
		}
		delete(in.regs, k)
	}
	in.slots = nil
	destroy := in.waiting == 0
	in.mu.Unlock()

	in.ev.Trigger(true)
	if destroy {
		in.ev.Destroy()
	}
	return nil
}
