package irq

import (
	"errors"

	"github.com/joeycumines/go-kcore/internal/klog"
)

type controllerOptions struct {
	logger     klog.Logger
	postBuffer int
	drain      DrainConfig
}

// Option configures a Controller.
type Option interface {
	applyController(*controllerOptions) error
}

type optionImpl struct {
	applyControllerFunc func(*controllerOptions) error
}

func (o *optionImpl) applyController(opts *controllerOptions) error {
	return o.applyControllerFunc(opts)
}

// WithLogger sets the logger used for spurious and dropped interrupts.
func WithLogger(logger klog.Logger) Option {
	return &optionImpl{func(opts *controllerOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithPostBuffer sets the capacity of the asynchronous delivery queue.
func WithPostBuffer(size int) Option {
	return &optionImpl{func(opts *controllerOptions) error {
		if size <= 0 {
			return errors.New("irq: post buffer must be positive")
		}
		opts.postBuffer = size
		return nil
	}}
}

// WithDrainConfig sets the batching behavior of Controller.Run.
func WithDrainConfig(cfg DrainConfig) Option {
	return &optionImpl{func(opts *controllerOptions) error {
		opts.drain = cfg
		return nil
	}}
}

func resolveOptions(opts []Option) (*controllerOptions, error) {
	cfg := &controllerOptions{
		postBuffer: 256,
		drain: DrainConfig{
			MaxSize:        32,
			MinSize:        1,
			PartialTimeout: 0,
		},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyController(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
