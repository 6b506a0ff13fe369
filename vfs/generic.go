package vfs

import (
	"io"
	"sync"

	"github.com/joeycumines/go-kcore/kernel"
)

type genericFile struct {
	fileState
	data []byte
	off  int
	mu   sync.Mutex
}

// NewGenericFile returns a regular in-memory file holding a copy of data.
// It never blocks and is always ready.
func NewGenericFile(data []byte) File {
	return &genericFile{data: append([]byte(nil), data...)}
}

func (g *genericFile) Kind() Kind { return KindGeneric }

func (g *genericFile) Read(_ *kernel.Thread, p []byte) (int, error) {
	if g.closed.Load() {
		return 0, ErrClosed
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(p) == 0 {
		return 0, nil
	}
	if g.off >= len(g.data) {
		return 0, io.EOF
	}
	n := copy(p, g.data[g.off:])
	g.off += n
	return n, nil
}

func (g *genericFile) Write(_ *kernel.Thread, p []byte) (int, error) {
	if g.closed.Load() {
		return 0, ErrClosed
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if end := g.off + len(p); end > len(g.data) {
		g.data = append(g.data, make([]byte, end-len(g.data))...)
	}
	n := copy(g.data[g.off:], p)
	g.off += n
	return n, nil
}

func (g *genericFile) Poll(mask EventMask) EventMask {
	return (EventIn | EventRdNorm | EventOut | EventWrNorm) & mask
}

func (g *genericFile) Readiness() []*kernel.Event { return nil }

func (g *genericFile) Close() error {
	if !g.markClosed() {
		return ErrClosed
	}
	return nil
}
