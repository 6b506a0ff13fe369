package vfs

import (
	"context"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/joeycumines/go-kcore/kernel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

func newTestKernel(t *testing.T) *kernel.Kernel {
	t.Helper()
	k, err := kernel.Boot(kernel.WithCPUs(2))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_ = k.Shutdown(ctx)
	})
	return k
}

// run executes fn on a new user thread, returning its error.
func run(t *testing.T, k *kernel.Kernel, fn func(th *kernel.Thread) error) <-chan error {
	t.Helper()
	ch := make(chan error, 1)
	_, err := k.Spawn(t.Name(), kernel.UserThread, func(th *kernel.Thread) int {
		ch <- fn(th)
		return 0
	})
	require.NoError(t, err)
	return ch
}

func await(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(testTimeout):
		t.Fatal("thread did not finish")
		return nil
	}
}

func TestEventMask_String(t *testing.T) {
	assert.Equal(t, "0", EventMask(0).String())
	assert.Equal(t, "IN|OUT|ET", (EventIn | EventOut | EventET).String())
	assert.Equal(t, "socket-stream", KindSocketStream.String())
}

func TestPipe_readWrite(t *testing.T) {
	k := newTestKernel(t)
	r, w := NewPipe(16)
	assert.Equal(t, KindPipe, r.Kind())
	assert.Equal(t, EventOut, w.Poll(EventOut))
	assert.Zero(t, r.Poll(EventIn))

	got := make(chan string, 1)
	reader := run(t, k, func(th *kernel.Thread) error {
		buf := make([]byte, 32)
		n, err := r.Read(th, buf)
		got <- string(buf[:n])
		return err
	})
	require.NoError(t, await(t, run(t, k, func(th *kernel.Thread) error {
		_, err := w.Write(th, []byte("hello"))
		return err
	})))
	require.NoError(t, await(t, reader))
	assert.Equal(t, "hello", <-got)

	_, err := r.Write(nil, []byte("x"))
	assert.ErrorIs(t, err, ErrBadFD)
	_, err = w.Read(nil, make([]byte, 1))
	assert.ErrorIs(t, err, ErrBadFD)
}

func TestPipe_blockingWriteFillsThenDrains(t *testing.T) {
	k := newTestKernel(t)
	r, w := NewPipe(4)
	payload := []byte("0123456789")
	writer := run(t, k, func(th *kernel.Thread) error {
		n, err := w.Write(th, payload)
		if err == nil && n != len(payload) {
			return io.ErrShortWrite
		}
		return err
	})
	var out []byte
	require.NoError(t, await(t, run(t, k, func(th *kernel.Thread) error {
		buf := make([]byte, 3)
		for len(out) < len(payload) {
			n, err := r.Read(th, buf)
			if err != nil {
				return err
			}
			out = append(out, buf[:n]...)
		}
		return nil
	})))
	require.NoError(t, await(t, writer))
	assert.Equal(t, payload, out)
}

func TestPipe_eofAndBrokenPipe(t *testing.T) {
	r, w := NewPipe(8)
	_, err := w.Write(nil, []byte("ab"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Close(), ErrClosed)
	assert.Equal(t, EventIn|EventHup, r.Poll(EventIn))

	buf := make([]byte, 8)
	n, err := r.Read(nil, buf)
	require.NoError(t, err)
	assert.Equal(t, "ab", string(buf[:n]))
	_, err = r.Read(nil, buf)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, EventHup, r.Poll(EventIn))

	r2, w2 := NewPipe(8)
	require.NoError(t, r2.Close())
	_, err = w2.Write(nil, []byte("x"))
	assert.ErrorIs(t, err, ErrBrokenPipe)
	assert.Equal(t, EventErr, w2.Poll(EventOut))
}

func TestPipe_nonblock(t *testing.T) {
	r, w := NewPipe(2)
	r.SetNonblock(true)
	w.SetNonblock(true)
	_, err := r.Read(nil, make([]byte, 1))
	assert.ErrorIs(t, err, ErrWouldBlock)

	n, err := w.Write(nil, []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, w.Poll(EventOut))
	_, err = w.Write(nil, []byte("c"))
	assert.ErrorIs(t, err, ErrWouldBlock)
}

func TestPipe_readInterrupted(t *testing.T) {
	k := newTestKernel(t)
	r, _ := NewPipe(8)
	started := make(chan *kernel.Thread, 1)
	errs := make(chan error, 1)
	_, err := k.Spawn("reader", kernel.UserThread, func(th *kernel.Thread) int {
		started <- th
		_, err := r.Read(th, make([]byte, 1))
		errs <- err
		return 0
	})
	require.NoError(t, err)
	th := <-started
	require.Eventually(t, func() bool { return th.State() == kernel.StateBlocked }, testTimeout, time.Millisecond)
	require.NoError(t, th.SendSignal(kernel.SIGINT))
	assert.ErrorIs(t, await(t, errs), ErrInterrupted)
}

func TestPipe_readinessEvent(t *testing.T) {
	r, w := NewPipe(8)
	var readable, writable int
	subR := r.Readiness()[0].Subscribe(func() { readable++ })
	defer subR.Cancel()
	subW := w.Readiness()[0].Subscribe(func() { writable++ })
	defer subW.Cancel()

	_, err := w.Write(nil, []byte("xy"))
	require.NoError(t, err)
	assert.Equal(t, 1, readable)
	assert.Zero(t, writable)

	_, err = r.Read(nil, make([]byte, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, readable)
	assert.Equal(t, 1, writable)

	require.NoError(t, w.Close())
	assert.Equal(t, 2, readable)
}

func TestSocketPair(t *testing.T) {
	a, b := NewSocketPair(16)
	assert.Equal(t, KindSocketStream, a.Kind())
	assert.Equal(t, EventOut, a.Poll(EventIn|EventOut))

	_, err := a.Write(nil, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, EventIn|EventOut, b.Poll(EventIn|EventOut))
	buf := make([]byte, 8)
	n, err := b.Read(nil, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))

	_, err = b.Write(nil, []byte("pong"))
	require.NoError(t, err)
	n, err = a.Read(nil, buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf[:n]))

	require.NoError(t, b.Close())
	assert.Equal(t, EventHup|EventRdHup, a.Poll(EventRdHup))
	_, err = a.Read(nil, buf)
	assert.ErrorIs(t, err, io.EOF)
	_, err = a.Write(nil, []byte("x"))
	assert.ErrorIs(t, err, ErrBrokenPipe)
}

func TestEventFD(t *testing.T) {
	k := newTestKernel(t)
	e := NewEventFD(0, false)
	assert.Equal(t, EventOut, e.Poll(EventIn|EventOut))

	val := func(v uint64) []byte {
		b := make([]byte, 8)
		binary.NativeEndian.PutUint64(b, v)
		return b
	}
	got := make(chan uint64, 1)
	reader := run(t, k, func(th *kernel.Thread) error {
		buf := make([]byte, 8)
		if _, err := e.Read(th, buf); err != nil {
			return err
		}
		got <- binary.NativeEndian.Uint64(buf)
		return nil
	})
	_, err := e.Write(nil, val(3))
	require.NoError(t, err)
	_, err = e.Write(nil, val(4))
	require.NoError(t, err)
	require.NoError(t, await(t, reader))
	v := <-got
	assert.True(t, v == 3 || v == 7, "read %d", v)

	_, err = e.Write(nil, val(^uint64(0)))
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = e.Read(nil, make([]byte, 4))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestEventFD_semaphore(t *testing.T) {
	e := NewEventFD(2, true)
	e.SetNonblock(true)
	buf := make([]byte, 8)
	for range 2 {
		_, err := e.Read(nil, buf)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), binary.NativeEndian.Uint64(buf))
	}
	_, err := e.Read(nil, buf)
	assert.ErrorIs(t, err, ErrWouldBlock)
	assert.Zero(t, e.Poll(EventIn))
}

func TestGenericFile(t *testing.T) {
	g := NewGenericFile([]byte("abc"))
	assert.False(t, Pollable(g))
	assert.Equal(t, EventIn|EventOut, g.Poll(EventIn|EventOut))
	assert.Nil(t, g.Readiness())
	buf := make([]byte, 2)
	n, err := g.Read(nil, buf)
	require.NoError(t, err)
	assert.Equal(t, "ab", string(buf[:n]))
	n, err = g.Write(nil, []byte("XYZ"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	_, err = g.Read(nil, buf)
	assert.ErrorIs(t, err, io.EOF)
	require.NoError(t, g.Close())
	_, err = g.Read(nil, buf)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFDTable(t *testing.T) {
	x := NewFDTable(3)
	r, w := NewPipe(8)
	g := NewGenericFile(nil)

	for i, f := range []File{r, w, g} {
		fd, err := x.Install(f)
		require.NoError(t, err)
		assert.Equal(t, i, fd)
	}
	_, err := x.Install(NewGenericFile(nil))
	assert.ErrorIs(t, err, ErrTooManyFiles)
	_, err = x.Install(nil)
	assert.ErrorIs(t, err, ErrInvalid)

	require.NoError(t, x.Close(0))
	_, err = x.Get(0)
	assert.ErrorIs(t, err, ErrBadFD)
	assert.ErrorIs(t, x.Close(0), ErrBadFD)
	assert.Equal(t, 2, x.Len())

	fd, err := x.Install(g)
	require.NoError(t, err)
	assert.Equal(t, 0, fd)

	f, err := x.Get(1)
	require.NoError(t, err)
	assert.Same(t, w, f)

	x.CloseAll()
	assert.Zero(t, x.Len())
	_, err = w.Write(nil, []byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
}
