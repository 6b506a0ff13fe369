// Package vfs defines the capability set shared by every file-like kernel
// resource, with the blocking pipes, sockets and counters built on
// kernel.Event, and the per-process descriptor table.
package vfs

import (
	"errors"
	"strings"

	"github.com/joeycumines/go-kcore/kernel"
	"golang.org/x/sys/unix"
)

// EventMask is a set of readiness conditions, using the Linux epoll bit
// values.
type EventMask uint32

const (
	EventIn     EventMask = unix.EPOLLIN
	EventPri    EventMask = unix.EPOLLPRI
	EventOut    EventMask = unix.EPOLLOUT
	EventErr    EventMask = unix.EPOLLERR
	EventHup    EventMask = unix.EPOLLHUP
	EventRdNorm EventMask = unix.EPOLLRDNORM
	EventWrNorm EventMask = unix.EPOLLWRNORM
	EventRdHup  EventMask = unix.EPOLLRDHUP

	// EventOneShot and EventET are registration flags, never readiness.
	EventOneShot EventMask = 1 << 30
	EventET      EventMask = 1 << 31

	// always reported, whether requested or not
	eventAlways = EventErr | EventHup
)

var eventNames = [...]struct {
	bit  EventMask
	name string
}{
	{EventIn, "IN"},
	{EventPri, "PRI"},
	{EventOut, "OUT"},
	{EventErr, "ERR"},
	{EventHup, "HUP"},
	{EventRdNorm, "RDNORM"},
	{EventWrNorm, "WRNORM"},
	{EventRdHup, "RDHUP"},
	{EventOneShot, "ONESHOT"},
	{EventET, "ET"},
}

func (m EventMask) String() string {
	if m == 0 {
		return "0"
	}
	var parts []string
	for _, v := range eventNames {
		if m&v.bit != 0 {
			parts = append(parts, v.name)
		}
	}
	return strings.Join(parts, "|")
}

// Kind identifies the type of a File.
type Kind uint8

const (
	KindGeneric Kind = iota
	KindPipe
	KindSocketStream
	KindSocketDatagram
	KindTTY
	KindEventFD
	KindInotify
	KindEpoll
)

func (k Kind) String() string {
	switch k {
	case KindGeneric:
		return "generic"
	case KindPipe:
		return "pipe"
	case KindSocketStream:
		return "socket-stream"
	case KindSocketDatagram:
		return "socket-datagram"
	case KindTTY:
		return "tty"
	case KindEventFD:
		return "eventfd"
	case KindInotify:
		return "inotify"
	case KindEpoll:
		return "epoll"
	default:
		return "unknown"
	}
}

var (
	ErrWouldBlock   = errors.New("vfs: operation would block")
	ErrBadFD        = errors.New("vfs: bad file descriptor")
	ErrClosed       = errors.New("vfs: file closed")
	ErrBrokenPipe   = errors.New("vfs: broken pipe")
	ErrInvalid      = errors.New("vfs: invalid argument")
	ErrTooManyFiles = errors.New("vfs: too many open files")

	// ErrInterrupted is returned when a blocking operation is cut short by
	// a signal before transferring any data.
	ErrInterrupted = kernel.ErrInterrupted
)

// File is the capability set of an open file. Read and Write may suspend t
// unless the file is non-blocking. Poll never suspends.
type File interface {
	Kind() Kind
	Read(t *kernel.Thread, p []byte) (int, error)
	Write(t *kernel.Thread, p []byte) (int, error)

	// Poll returns the subset of mask currently satisfied. EventErr and
	// EventHup are reported even when not requested.
	Poll(mask EventMask) EventMask

	// Readiness returns the events triggered whenever the result of Poll
	// may have changed.
	Readiness() []*kernel.Event

	SetNonblock(nonblock bool)
	Close() error
}

// Pollable reports whether f supports readiness notification. Regular
// files are always ready and cannot be watched.
func Pollable(f File) bool {
	return f != nil && f.Kind() != KindGeneric
}
