package blockdev

import (
	"errors"
	"time"

	"github.com/joeycumines/go-kcore/irq"
)

type diskOptions struct {
	flushInterval time.Duration
	maxBatch      int
	line          irq.Line
}

// Option configures a Disk.
type Option interface {
	applyDisk(*diskOptions) error
}

type optionImpl struct {
	applyDiskFunc func(*diskOptions) error
}

func (o *optionImpl) applyDisk(opts *diskOptions) error {
	return o.applyDiskFunc(opts)
}

// WithMaxBatch caps the number of commands the controller executes per
// batch, if positive. Defaults to 16. A value < 0 disables the cap, in which
// case batches are only flushed by interval.
func WithMaxBatch(n int) Option {
	return &optionImpl{func(opts *diskOptions) error {
		opts.maxBatch = n
		return nil
	}}
}

// WithFlushInterval sets the maximum time the controller holds an
// incomplete batch, if positive. Defaults to 200µs. A value < 0 disables
// time-based flushing, which requires a max batch of 1.
func WithFlushInterval(d time.Duration) Option {
	return &optionImpl{func(opts *diskOptions) error {
		opts.flushInterval = d
		return nil
	}}
}

// WithLine sets the completion interrupt line. Defaults to irq.LineBlock.
func WithLine(line irq.Line) Option {
	return &optionImpl{func(opts *diskOptions) error {
		if line >= irq.NumLines || line == irq.LineTimer {
			return errors.New("blockdev: invalid interrupt line")
		}
		opts.line = line
		return nil
	}}
}

func resolveOptions(opts []Option) (*diskOptions, error) {
	cfg := &diskOptions{
		maxBatch:      16,
		flushInterval: 200 * time.Microsecond,
		line:          irq.LineBlock,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyDisk(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.maxBatch == 0 {
		cfg.maxBatch = 16
	}
	if cfg.flushInterval == 0 {
		cfg.flushInterval = 200 * time.Microsecond
	}
	if cfg.flushInterval < 0 && cfg.maxBatch != 1 {
		return nil, errors.New("blockdev: flush interval disabled requires a max batch of 1")
	}
	return cfg, nil
}
