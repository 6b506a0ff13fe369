package irq

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-kcore/goroutineid"
	"github.com/joeycumines/go-kcore/internal/klog"
)

// Line identifies an interrupt line.
type Line uint8

// NumLines is the number of lines supported by a Controller.
const NumLines = 64

const (
	// LineTimer is raised by the system tick and the one-shot timer device.
	LineTimer Line = 0
	// LineBlock is raised by block device completions.
	LineBlock Line = 14
)

var (
	ErrLineOutOfRange = errors.New("irq: line out of range")
	ErrLineInUse      = errors.New("irq: line already has a handler")
	ErrNilHandler     = errors.New("irq: nil handler")
	ErrNotRegistered  = errors.New("irq: line has no handler")
)

// Handler services an interrupt. Handlers run in interrupt context and must
// not suspend. A handler may be invoked concurrently with itself, when the
// same line is raised from different goroutines.
type Handler func(line Line)

type handlerEntry struct {
	fn   Handler
	name string
}

// LineStats reports the activity of a single line.
type LineStats struct {
	Name      string
	Delivered uint64
	Spurious  uint64
	Latched   uint64
	Dropped   uint64
}

// Controller routes raised lines to registered handlers.
type Controller struct {
	logger   klog.Logger
	throttle *klog.Throttle
	posted   chan Line
	drainCfg DrainConfig

	// goroutine id -> nesting depth of handlers executing on it
	active map[uint64]int

	handlers  [NumLines]handlerEntry
	delivered [NumLines]atomic.Uint64
	spurious  [NumLines]atomic.Uint64
	latchedN  [NumLines]atomic.Uint64
	dropped   [NumLines]atomic.Uint64

	masked  uint64
	latched uint64

	mu       sync.Mutex
	activeMu sync.Mutex
}

// NewController returns a Controller with every line unmasked and no
// handlers registered.
func NewController(opts ...Option) (*Controller, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Controller{
		logger:   cfg.logger,
		throttle: klog.NewThrottle(nil),
		posted:   make(chan Line, cfg.postBuffer),
		drainCfg: cfg.drain,
		active:   make(map[uint64]int),
	}, nil
}

// Register installs h as the handler for line.
func (c *Controller) Register(line Line, name string, h Handler) error {
	if line >= NumLines {
		return fmt.Errorf("%w: %d", ErrLineOutOfRange, line)
	}
	if h == nil {
		return ErrNilHandler
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers[line].fn != nil {
		return fmt.Errorf("%w: %d (%s)", ErrLineInUse, line, c.handlers[line].name)
	}
	c.handlers[line] = handlerEntry{fn: h, name: name}
	c.logger.Debug().
		Int("irq", int(line)).
		Str("name", name).
		Log("irq: handler registered")
	return nil
}

// Unregister removes the handler for line.
func (c *Controller) Unregister(line Line) error {
	if line >= NumLines {
		return fmt.Errorf("%w: %d", ErrLineOutOfRange, line)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers[line].fn == nil {
		return fmt.Errorf("%w: %d", ErrNotRegistered, line)
	}
	c.handlers[line] = handlerEntry{}
	return nil
}

// Raise delivers line on the calling goroutine. If the line is masked it is
// latched instead.
func (c *Controller) Raise(line Line) {
	if line >= NumLines {
		c.logger.Warning().
			Int("irq", int(line)).
			Log("irq: raise of out of range line")
		return
	}

	c.mu.Lock()
	if c.masked&(1<<line) != 0 {
		c.latched |= 1 << line
		c.mu.Unlock()
		c.latchedN[line].Add(1)
		return
	}
	h := c.handlers[line]
	c.mu.Unlock()

	if h.fn == nil {
		c.spurious[line].Add(1)
		if c.throttle.Allow(line) {
			c.logger.Warning().
				Int("irq", int(line)).
				Log("irq: spurious interrupt")
		}
		return
	}

	gid := goroutineid.Get()
	c.enter(gid)
	defer c.exit(gid)
	h.fn(line)
	c.delivered[line].Add(1)
}

func (c *Controller) enter(gid uint64) {
	c.activeMu.Lock()
	c.active[gid]++
	c.activeMu.Unlock()
}

func (c *Controller) exit(gid uint64) {
	c.activeMu.Lock()
	if n := c.active[gid]; n <= 1 {
		delete(c.active, gid)
	} else {
		c.active[gid] = n - 1
	}
	c.activeMu.Unlock()
}

// InInterrupt reports whether the calling goroutine is executing a handler.
func (c *Controller) InInterrupt() bool {
	return c.InInterruptGoroutine(goroutineid.Get())
}

// InInterruptGoroutine reports whether the goroutine identified by gid is
// executing a handler.
func (c *Controller) InInterruptGoroutine(gid uint64) bool {
	if c == nil {
		return false
	}
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	return c.active[gid] != 0
}

// Mask suppresses delivery of line. Raises while masked are latched.
func (c *Controller) Mask(line Line) {
	if line >= NumLines {
		return
	}
	c.mu.Lock()
	c.masked |= 1 << line
	c.mu.Unlock()
}

// Unmask re-enables delivery of line, delivering it once on the calling
// goroutine if it was raised while masked.
func (c *Controller) Unmask(line Line) {
	if line >= NumLines {
		return
	}
	c.mu.Lock()
	c.masked &^= 1 << line
	pending := c.latched&(1<<line) != 0
	c.latched &^= 1 << line
	c.mu.Unlock()
	if pending {
		c.Raise(line)
	}
}

// Masked reports whether line is masked.
func (c *Controller) Masked(line Line) bool {
	if line >= NumLines {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.masked&(1<<line) != 0
}

// Post queues line for delivery by Run. It never blocks, and reports false
// if the queue was full, in which case the post was dropped.
func (c *Controller) Post(line Line) bool {
	if line >= NumLines {
		return false
	}
	select {
	case c.posted <- line:
		return true
	default:
		c.dropped[line].Add(1)
		if c.throttle.Allow(line) {
			c.logger.Warning().
				Int("irq", int(line)).
				Log("irq: post queue full, interrupt dropped")
		}
		return false
	}
}

// Run delivers posted lines until ctx is done, returning ctx.Err().
func (c *Controller) Run(ctx context.Context) error {
	for {
		pending, err := drain(ctx, c.drainCfg, c.posted)
		if err != nil {
			return err
		}
		for pending != 0 {
			line := Line(bits.TrailingZeros64(pending))
			pending &^= 1 << line
			c.Raise(line)
		}
	}
}

// Stats returns the activity of line.
func (c *Controller) Stats(line Line) LineStats {
	if line >= NumLines {
		return LineStats{}
	}
	c.mu.Lock()
	name := c.handlers[line].name
	c.mu.Unlock()
	return LineStats{
		Name:      name,
		Delivered: c.delivered[line].Load(),
		Spurious:  c.spurious[line].Load(),
		Latched:   c.latchedN[line].Load(),
		Dropped:   c.dropped[line].Load(),
	}
}
