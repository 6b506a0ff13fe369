// Package blockdev implements a RAM-backed block device, driven the way a
// disk controller is: commands are queued to the controller, which executes
// them in batches and signals completion by interrupt.
//
// Threads access the disk with ReadSectors and WriteSectors, which suspend
// until the completion interrupt arrives. Read and Write route the same
// operations through the kernel's IoService, and ReadAsync and WriteAsync
// let code outside any thread queue them.
package blockdev

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-kcore/internal/klog"
	"github.com/joeycumines/go-kcore/irq"
	"github.com/joeycumines/go-kcore/kernel"
)

// SectorSize is the size of a sector, in bytes.
const SectorSize = 512

var (
	ErrOutOfRange  = errors.New("blockdev: sector out of range")
	ErrShortBuffer = errors.New("blockdev: buffer is not a whole number of sectors")
	ErrClosed      = errors.New("blockdev: disk closed")
)

// Op is a controller command.
type Op uint8

const (
	OpRead Op = iota
	OpWrite
)

func (o Op) String() string {
	if o == OpWrite {
		return "write"
	}
	return "read"
}

type request struct {
	ev   *kernel.Event
	buf  []byte
	err  error
	lba  uint64
	op   Op
	done atomic.Bool
}

// Stats reports controller activity.
type Stats struct {
	Reads   uint64
	Writes  uint64
	Sectors uint64
	Batches uint64
	// Interrupts counts completion interrupts raised, either posted for
	// asynchronous delivery or raised directly.
	Interrupts uint64
}

// Disk is a RAM-backed block device. Instances must be initialized using
// NewRAMDisk, and released with Close.
type Disk struct {
	// betteralign:ignore

	k             *kernel.Kernel
	logger        klog.Logger
	line          irq.Line
	maxBatch      int
	flushInterval time.Duration
	sectors       uint64

	cmdCh     chan *request // sent on submit
	stopped   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	// guarded by mu
	data      []byte
	completed []*request
	stats     Stats
	mu        sync.Mutex
}

// NewRAMDisk returns a zeroed disk of the given number of sectors, with its
// controller running, and its completion handler registered on the kernel's
// interrupt controller.
func NewRAMDisk(k *kernel.Kernel, sectors uint64, opts ...Option) (*Disk, error) {
	if k == nil {
		return nil, errors.New("blockdev: nil kernel")
	}
	if sectors == 0 {
		return nil, errors.New("blockdev: sectors must be positive")
	}
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	d := &Disk{
		k:             k,
		logger:        k.Logger(),
		line:          cfg.line,
		maxBatch:      cfg.maxBatch,
		flushInterval: cfg.flushInterval,
		sectors:       sectors,
		cmdCh:         make(chan *request),
		stopped:       make(chan struct{}),
		done:          make(chan struct{}),
		data:          make([]byte, sectors*SectorSize),
	}
	if err := k.IRQ().Register(d.line, "blockdev", d.interrupt); err != nil {
		return nil, fmt.Errorf("blockdev: %w", err)
	}

	go d.run()

	d.logger.Debug().
		Uint64("sectors", sectors).
		Int("irq", int(d.line)).
		Int("max_batch", d.maxBatch).
		Dur("flush_interval", d.flushInterval).
		Log("blockdev: disk attached")
	return d, nil
}

// Sectors returns the capacity of the disk, in sectors.
func (d *Disk) Sectors() uint64 { return d.sectors }

// Stats returns a snapshot of the controller statistics.
func (d *Disk) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// ReadSectors reads len(buf)/SectorSize sectors starting at lba into buf,
// suspending t until the controller completes the command. The wait is not
// interruptible.
func (d *Disk) ReadSectors(t *kernel.Thread, lba uint64, buf []byte) error {
	return d.do(t, OpRead, lba, buf)
}

// WriteSectors writes buf to the disk starting at lba, suspending t until
// the controller completes the command. The wait is not interruptible.
func (d *Disk) WriteSectors(t *kernel.Thread, lba uint64, buf []byte) error {
	return d.do(t, OpWrite, lba, buf)
}

// Read performs ReadSectors on the IoService worker, suspending t until it
// completes.
func (d *Disk) Read(t *kernel.Thread, lba uint64, buf []byte) error {
	return d.k.IoService().Call(t, func(w *kernel.Thread) error {
		return d.ReadSectors(w, lba, buf)
	})
}

// Write performs WriteSectors on the IoService worker, suspending t until it
// completes.
func (d *Disk) Write(t *kernel.Thread, lba uint64, buf []byte) error {
	return d.k.IoService().Call(t, func(w *kernel.Thread) error {
		return d.WriteSectors(w, lba, buf)
	})
}

// ReadAsync queues a ReadSectors on the IoService worker. It never suspends.
func (d *Disk) ReadAsync(lba uint64, buf []byte) (*kernel.IoRequest, error) {
	if err := d.validate(lba, buf); err != nil {
		return nil, err
	}
	return d.k.IoService().Submit(func(w *kernel.Thread) error {
		return d.ReadSectors(w, lba, buf)
	})
}

// WriteAsync queues a WriteSectors on the IoService worker. It never
// suspends.
func (d *Disk) WriteAsync(lba uint64, buf []byte) (*kernel.IoRequest, error) {
	if err := d.validate(lba, buf); err != nil {
		return nil, err
	}
	return d.k.IoService().Submit(func(w *kernel.Thread) error {
		return d.WriteSectors(w, lba, buf)
	})
}

func (d *Disk) validate(lba uint64, buf []byte) error {
	if len(buf) == 0 || len(buf)%SectorSize != 0 {
		return fmt.Errorf("%w: %d bytes", ErrShortBuffer, len(buf))
	}
	n := uint64(len(buf) / SectorSize)
	if lba >= d.sectors || n > d.sectors-lba {
		return fmt.Errorf("%w: %d+%d of %d", ErrOutOfRange, lba, n, d.sectors)
	}
	return nil
}

func (d *Disk) do(t *kernel.Thread, op Op, lba uint64, buf []byte) error {
	if err := d.validate(lba, buf); err != nil {
		return err
	}
	r := &request{
		ev:  kernel.NewEvent("blockdev:" + op.String()),
		buf: buf,
		lba: lba,
		op:  op,
	}
	select {
	case <-d.stopped:
		return ErrClosed
	case d.cmdCh <- r:
	}
	r.ev.WaitUninterruptible(t, r.done.Load)
	return r.err
}

// interrupt is the completion handler, run in interrupt context.
func (d *Disk) interrupt(irq.Line) {
	d.mu.Lock()
	completed := d.completed
	d.completed = nil
	d.mu.Unlock()
	for _, r := range completed {
		r.done.Store(true)
		r.ev.Trigger(true)
	}
}

// run is the controller loop, accumulating commands into a batch that is
// executed once it reaches maxBatch, or flushInterval after its first
// command.
func (d *Disk) run() {
	defer close(d.done)

	var (
		batch  []*request
		timer  *time.Timer
		flushC <-chan time.Time
	)

	flush := func(post bool) {
		if timer != nil {
			timer.Stop()
			timer, flushC = nil, nil
		}
		if len(batch) == 0 {
			return
		}
		d.execute(batch, post)
		batch = nil
	}

	for {
		select {
		case <-d.stopped:
			// completions still queued for delivery are not guaranteed to
			// be delivered past Close
			flush(false)
			d.interrupt(d.line)
			return

		case r := <-d.cmdCh:
			batch = append(batch, r)
			if d.maxBatch > 0 && len(batch) >= d.maxBatch {
				flush(true)
			} else if d.flushInterval > 0 && len(batch) == 1 {
				timer = time.NewTimer(d.flushInterval)
				flushC = timer.C
			}

		case <-flushC:
			timer, flushC = nil, nil
			flush(true)
		}
	}
}

// execute performs a batch of commands against the backing store, then
// raises the completion interrupt, posting it for asynchronous delivery if
// post is set and the post queue has room.
func (d *Disk) execute(batch []*request, post bool) {
	d.mu.Lock()
	for _, r := range batch {
		off := r.lba * SectorSize
		switch r.op {
		case OpRead:
			copy(r.buf, d.data[off:off+uint64(len(r.buf))])
			d.stats.Reads++
		case OpWrite:
			copy(d.data[off:], r.buf)
			d.stats.Writes++
		}
		d.stats.Sectors += uint64(len(r.buf) / SectorSize)
	}
	d.stats.Batches++
	d.stats.Interrupts++
	d.completed = append(d.completed, batch...)
	d.mu.Unlock()

	d.logger.Trace().
		Int("irq", int(d.line)).
		Int("commands", len(batch)).
		Log("blockdev: batch complete")

	if !post || !d.k.IRQ().Post(d.line) {
		d.k.IRQ().Raise(d.line)
	}
}

// Close stops the controller, completing any batched commands, and
// unregisters the completion handler. Commands submitted after Close fail
// with ErrClosed.
func (d *Disk) Close() error {
	d.closeOnce.Do(func() {
		close(d.stopped)
		<-d.done
		if err := d.k.IRQ().Unregister(d.line); err != nil && !errors.Is(err, irq.ErrNotRegistered) {
			d.closeErr = err
		}
		d.logger.Debug().
			Int("irq", int(d.line)).
			Log("blockdev: disk detached")
	})
	return d.closeErr
}
