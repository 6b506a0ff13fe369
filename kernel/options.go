// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package kernel

import (
	"errors"
	"time"

	"github.com/joeycumines/go-kcore/clock"
	"github.com/joeycumines/go-kcore/internal/klog"
	"github.com/joeycumines/go-kcore/irq"
)

// kernelOptions holds configuration options for Boot.
type kernelOptions struct {
	logger       klog.Logger
	clock        clock.Clock
	irq          *irq.Controller
	onHalt       func(*HaltError)
	cpus         int
	tickInterval time.Duration
	timeslice    int
	futexBuckets int
	maxTimers    int
	tickless     bool
	tickSet      bool
	metrics      bool
}

// DefaultTickInterval is the periodic tick of a kernel on the host clock,
// booted without WithTickInterval or WithTickless.
const DefaultTickInterval = time.Millisecond

// Option configures a Kernel.
type Option interface {
	applyKernel(*kernelOptions) error
}

// optionImpl implements Option.
type optionImpl struct {
	applyKernelFunc func(*kernelOptions) error
}

func (o *optionImpl) applyKernel(opts *kernelOptions) error {
	return o.applyKernelFunc(opts)
}

// WithLogger sets the structured logger. A nil logger disables logging.
func WithLogger(logger klog.Logger) Option {
	return &optionImpl{func(opts *kernelOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithCPUs sets the number of simulated processors, i.e. the number of
// threads that may run at once. Defaults to 1.
func WithCPUs(n int) Option {
	return &optionImpl{func(opts *kernelOptions) error {
		if n < 1 {
			return errors.New("kernel: cpus must be at least 1")
		}
		opts.cpus = n
		return nil
	}}
}

// WithClock sets the monotonic clock. Defaults to clock.Host.
func WithClock(c clock.Clock) Option {
	return &optionImpl{func(opts *kernelOptions) error {
		if c == nil {
			return errors.New("kernel: nil clock")
		}
		opts.clock = c
		return nil
	}}
}

// WithIRQController sets the interrupt controller, instead of creating one.
func WithIRQController(c *irq.Controller) Option {
	return &optionImpl{func(opts *kernelOptions) error {
		opts.irq = c
		return nil
	}}
}

// WithTickInterval starts a periodic tick device raising the timer line.
// Zero disables it, leaving ticks to Kernel.Tick. Defaults to
// DefaultTickInterval on the host clock, and to zero with WithClock.
func WithTickInterval(d time.Duration) Option {
	return &optionImpl{func(opts *kernelOptions) error {
		if d < 0 {
			return errors.New("kernel: negative tick interval")
		}
		opts.tickInterval = d
		opts.tickSet = true
		return nil
	}}
}

// WithTickless programs a one-shot device with the earliest timer deadline
// after every change to the armed timers, so timers fire without periodic
// ticks.
func WithTickless(enabled bool) Option {
	return &optionImpl{func(opts *kernelOptions) error {
		opts.tickless = enabled
		return nil
	}}
}

// WithTimeslice sets the number of ticks a thread may run before it is
// flagged for preemption, when other threads are runnable. Defaults to 10.
func WithTimeslice(ticks int) Option {
	return &optionImpl{func(opts *kernelOptions) error {
		if ticks < 1 {
			return errors.New("kernel: timeslice must be at least 1 tick")
		}
		opts.timeslice = ticks
		return nil
	}}
}

// WithFutexBuckets sets the size of the futex hash table, which must be a
// power of two. Defaults to 256.
func WithFutexBuckets(n int) Option {
	return &optionImpl{func(opts *kernelOptions) error {
		if n < 1 || n&(n-1) != 0 {
			return errors.New("kernel: futex buckets must be a power of two")
		}
		opts.futexBuckets = n
		return nil
	}}
}

// WithMaxTimers bounds the number of live timers, including the one
// preallocated per thread. Zero (the default) means unbounded.
func WithMaxTimers(n int) Option {
	return &optionImpl{func(opts *kernelOptions) error {
		if n < 0 {
			return errors.New("kernel: negative max timers")
		}
		opts.maxTimers = n
		return nil
	}}
}

// WithMetrics enables runtime metrics, see Kernel.Metrics.
func WithMetrics(enabled bool) Option {
	return &optionImpl{func(opts *kernelOptions) error {
		opts.metrics = enabled
		return nil
	}}
}

// WithHaltFunc registers fn to be called, once, when the kernel halts.
func WithHaltFunc(fn func(*HaltError)) Option {
	return &optionImpl{func(opts *kernelOptions) error {
		opts.onHalt = fn
		return nil
	}}
}

// resolveOptions applies Option instances to kernelOptions.
func resolveOptions(opts []Option) (*kernelOptions, error) {
	cfg := &kernelOptions{
		cpus:         1,
		timeslice:    10,
		futexBuckets: 256,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyKernel(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.clock == nil {
		cfg.clock = clock.Host{}
		if !cfg.tickSet && !cfg.tickless {
			cfg.tickInterval = DefaultTickInterval
		}
	}
	return cfg, nil
}
