package irq

import (
	"context"
	"time"
)

// DrainConfig controls how posted lines are gathered into a batch before
// delivery.
type DrainConfig struct {
	// MaxSize caps the number of posts received per batch. Values < 0
	// disable the cap. Defaults to 32, if 0.
	MaxSize int

	// MinSize is the number of posts to wait for before delivering, unless
	// PartialTimeout elapses first. Defaults to 1, if 0.
	MinSize int

	// PartialTimeout bounds the wait for MinSize posts, starting from the
	// first post received. Zero means posts beyond the first are only taken
	// if already queued.
	PartialTimeout time.Duration
}

// drain receives one batch of posted lines from ch, returning them as a
// bitmask. It blocks until at least one line is received or ctx is done.
func drain(ctx context.Context, cfg DrainConfig, ch <-chan Line) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	maxSize := cfg.MaxSize
	if maxSize == 0 {
		maxSize = 32
	}
	minSize := cfg.MinSize
	if minSize == 0 {
		minSize = 1
	}

	var (
		pending   uint64
		size      int
		timer     *time.Timer
		timeoutCh <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	add := func(line Line) {
		size++
		pending |= 1 << line
		if size == 1 && cfg.PartialTimeout > 0 && timer == nil {
			timer = time.NewTimer(cfg.PartialTimeout)
			timeoutCh = timer.C
		}
	}

MinSizeLoop:
	for (maxSize < 0 || size < maxSize) && size < minSize {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-timeoutCh:
			break MinSizeLoop
		case line := <-ch:
			add(line)
		}
	}

MaxSizeLoop:
	for maxSize < 0 || size < maxSize {
		select {
		case line := <-ch:
			add(line)
		default:
			break MaxSizeLoop
		}
	}

	return pending, nil
}
