package vfs

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-kcore/kernel"
)

// DefaultPipeCapacity is the buffer size of a pipe created with a
// non-positive capacity.
const DefaultPipeCapacity = 4096

// pipeBuffer is one direction of a pipe or stream socket. Readers wait on
// readable, writers on writable. A write triggers readable, a read triggers
// writable, and closing either side triggers both, always outside mu.
type pipeBuffer struct {
	ring     *ringBuffer[byte]
	readable *kernel.Event
	writable *kernel.Event
	mu       sync.Mutex
	rclosed  bool
	wclosed  bool
}

func newPipeBuffer(name string, capacity int) *pipeBuffer {
	if capacity <= 0 {
		capacity = DefaultPipeCapacity
	}
	size := 1
	for size < capacity {
		size <<= 1
	}
	return &pipeBuffer{
		ring:     newRingBuffer[byte](size),
		readable: kernel.NewEvent(name + ":r"),
		writable: kernel.NewEvent(name + ":w"),
	}
}

func (b *pipeBuffer) canRead() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ring.Len() != 0 || b.wclosed
}

func (b *pipeBuffer) canWrite() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ring.Free() != 0 || b.rclosed
}

func (b *pipeBuffer) changed() {
	b.readable.Trigger(true)
	b.writable.Trigger(true)
}

func (b *pipeBuffer) read(t *kernel.Thread, p []byte, nonblock bool) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		b.mu.Lock()
		n := b.ring.Read(p)
		eof := b.wclosed
		b.mu.Unlock()
		switch {
		case n != 0:
			b.writable.Trigger(true)
			return n, nil
		case eof:
			return 0, io.EOF
		case nonblock:
			return 0, ErrWouldBlock
		}
		if b.readable.WaitCond(t, b.canRead) == kernel.Interrupted {
			return 0, ErrInterrupted
		}
	}
}

// write transfers all of p, blocking for space, unless nonblocking or
// interrupted, in which case a partial count is returned if any was
// written.
func (b *pipeBuffer) write(t *kernel.Thread, p []byte, nonblock bool) (int, error) {
	var done int
	for done < len(p) {
		b.mu.Lock()
		if b.rclosed {
			b.mu.Unlock()
			return done, ErrBrokenPipe
		}
		n := b.ring.Write(p[done:])
		b.mu.Unlock()
		if n != 0 {
			done += n
			b.readable.Trigger(true)
			continue
		}
		if nonblock {
			if done != 0 {
				return done, nil
			}
			return 0, ErrWouldBlock
		}
		if b.writable.WaitCond(t, b.canWrite) == kernel.Interrupted {
			if done != 0 {
				return done, nil
			}
			return 0, ErrInterrupted
		}
	}
	return done, nil
}

// readReady returns the read side readiness.
func (b *pipeBuffer) readReady() EventMask {
	b.mu.Lock()
	defer b.mu.Unlock()
	var m EventMask
	if b.ring.Len() != 0 {
		m |= EventIn | EventRdNorm
	}
	if b.wclosed {
		m |= EventHup | EventRdHup
	}
	return m
}

// writeReady returns the write side readiness.
func (b *pipeBuffer) writeReady() EventMask {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rclosed {
		return EventErr
	}
	if b.ring.Free() != 0 {
		return EventOut | EventWrNorm
	}
	return 0
}

func (b *pipeBuffer) closeRead() {
	b.mu.Lock()
	b.rclosed = true
	b.mu.Unlock()
	b.changed()
}

func (b *pipeBuffer) closeWrite() {
	b.mu.Lock()
	b.wclosed = true
	b.mu.Unlock()
	b.changed()
}

// buffered returns the number of unread bytes.
func (b *pipeBuffer) buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ring.Len()
}

// fileState holds the flags common to every File implementation.
type fileState struct {
	nonblock atomic.Bool
	closed   atomic.Bool
}

func (s *fileState) SetNonblock(nonblock bool) { s.nonblock.Store(nonblock) }

// markClosed reports whether this call closed the file.
func (s *fileState) markClosed() bool { return s.closed.CompareAndSwap(false, true) }

type pipeEnd struct {
	fileState
	b     *pipeBuffer
	write bool
}

// NewPipe returns the read and write ends of a pipe buffering capacity
// bytes, rounded up to a power of two.
func NewPipe(capacity int) (r, w File) {
	b := newPipeBuffer("pipe", capacity)
	return &pipeEnd{b: b}, &pipeEnd{b: b, write: true}
}

func (p *pipeEnd) Kind() Kind { return KindPipe }

func (p *pipeEnd) Read(t *kernel.Thread, buf []byte) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	if p.write {
		return 0, ErrBadFD
	}
	return p.b.read(t, buf, p.nonblock.Load())
}

func (p *pipeEnd) Write(t *kernel.Thread, buf []byte) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	if !p.write {
		return 0, ErrBadFD
	}
	return p.b.write(t, buf, p.nonblock.Load())
}

func (p *pipeEnd) Poll(mask EventMask) EventMask {
	var ready EventMask
	if p.write {
		ready = p.b.writeReady()
	} else {
		ready = p.b.readReady()
	}
	return ready & (mask | eventAlways)
}

func (p *pipeEnd) Readiness() []*kernel.Event {
	if p.write {
		return []*kernel.Event{p.b.writable}
	}
	return []*kernel.Event{p.b.readable}
}

func (p *pipeEnd) Close() error {
	if !p.markClosed() {
		return ErrClosed
	}
	if p.write {
		p.b.closeWrite()
	} else {
		p.b.closeRead()
	}
	return nil
}

type socketEnd struct {
	fileState
	in  *pipeBuffer
	out *pipeBuffer
}

// NewSocketPair returns two connected stream sockets, each direction
// buffering capacity bytes.
func NewSocketPair(capacity int) (a, b File) {
	ab := newPipeBuffer("sock", capacity)
	ba := newPipeBuffer("sock", capacity)
	return &socketEnd{in: ba, out: ab}, &socketEnd{in: ab, out: ba}
}

func (s *socketEnd) Kind() Kind { return KindSocketStream }

func (s *socketEnd) Read(t *kernel.Thread, p []byte) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	return s.in.read(t, p, s.nonblock.Load())
}

func (s *socketEnd) Write(t *kernel.Thread, p []byte) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	return s.out.write(t, p, s.nonblock.Load())
}

func (s *socketEnd) Poll(mask EventMask) EventMask {
	ready := s.in.readReady()
	w := s.out.writeReady()
	ready |= w &^ EventErr
	// HUP only once both directions are shut
	if ready&EventHup != 0 && w&EventErr == 0 {
		ready &^= EventHup
	}
	return ready & (mask | eventAlways)
}

func (s *socketEnd) Readiness() []*kernel.Event {
	return []*kernel.Event{s.in.readable, s.out.writable}
}

// Buffered returns the number of bytes waiting to be read.
func (s *socketEnd) Buffered() int { return s.in.buffered() }

func (s *socketEnd) Close() error {
	if !s.markClosed() {
		return ErrClosed
	}
	s.in.closeRead()
	s.out.closeWrite()
	return nil
}
