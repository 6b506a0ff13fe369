package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/joeycumines/go-kcore/clock"
	"github.com/joeycumines/go-kcore/internal/klog"
	"github.com/joeycumines/go-kcore/irq"
)

// Kernel owns the process-wide state of the kernel core. It is created once
// by Boot and torn down by Shutdown.
type Kernel struct {
	logger   klog.Logger
	throttle *klog.Throttle
	clock    clock.Clock
	irq      *irq.Controller
	sched    *Scheduler
	timers   *TimerQueue
	futex    *FutexTable
	io       *IoService
	metrics  *metrics
	ticker   *clock.Ticker
	oneshot  *clock.OneShot
	// stops the goroutine delivering posted interrupts
	irqCancel context.CancelFunc
	irqDone   chan struct{}
	onHalt   func(*HaltError)
	haltErr  *HaltError
	haltCh   chan struct{}
	bootedAt time.Time

	haltOnce     sync.Once
	shutdownOnce sync.Once
	haltMu       sync.Mutex
	shutdownErr  error
}

// Boot initializes the kernel core: the interrupt controller and its
// delivery goroutine, the scheduler, timer queue, futex table, and IoService
// worker, then starts the tick device if one was configured.
//
// The kernel runs the delivery loop of the controller (irq.Controller.Run),
// so a controller supplied with WithIRQController must not be run by the
// caller as well.
func Boot(opts ...Option) (*Kernel, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	ctrl := cfg.irq
	if ctrl == nil {
		if ctrl, err = irq.NewController(irq.WithLogger(cfg.logger)); err != nil {
			return nil, err
		}
	}

	k := &Kernel{
		logger:   cfg.logger,
		throttle: klog.NewThrottle(nil),
		clock:    cfg.clock,
		irq:      ctrl,
		onHalt:   cfg.onHalt,
		haltCh:   make(chan struct{}),
		metrics:  &metrics{enabled: cfg.metrics},
		bootedAt: cfg.clock.Realtime(),
	}
	k.sched = newScheduler(k, cfg.cpus, cfg.timeslice)
	k.timers = newTimerQueue(k, cfg.maxTimers)
	k.futex = newFutexTable(k, cfg.futexBuckets)

	if err := ctrl.Register(irq.LineTimer, "timer", k.timerInterrupt); err != nil {
		return nil, fmt.Errorf("kernel: timer interrupt: %w", err)
	}
	irqCtx, irqCancel := context.WithCancel(context.Background())
	k.irqCancel, k.irqDone = irqCancel, make(chan struct{})
	go k.deliverInterrupts(irqCtx)

	if cfg.tickless {
		k.oneshot = clock.NewOneShot(k.clock, k.raiseTimer)
		k.timers.device = k.oneshot
	}

	if k.io, err = newIoService(k); err != nil {
		k.stopDevices()
		_ = ctrl.Unregister(irq.LineTimer)
		return nil, err
	}

	if cfg.tickInterval > 0 {
		if k.ticker, err = clock.NewTicker(cfg.tickInterval, k.raiseTimer); err == nil {
			err = k.ticker.Start()
		}
		if err != nil {
			_ = k.Shutdown(context.Background())
			return nil, err
		}
	}

	k.logger.Info().
		Int("cpus", cfg.cpus).
		Dur("tick", cfg.tickInterval).
		Bool("tickless", cfg.tickless).
		Int("futex_buckets", cfg.futexBuckets).
		Log("kernel: booted")
	return k, nil
}

// deliverInterrupts runs the controller's delivery loop for lines posted by
// device goroutines, until the kernel stops its devices.
func (k *Kernel) deliverInterrupts(ctx context.Context) {
	defer close(k.irqDone)
	if err := k.irq.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		k.logger.Err().
			Err(err).
			Log("kernel: interrupt delivery stopped")
	}
}

func (k *Kernel) raiseTimer() { k.irq.Raise(irq.LineTimer) }

func (k *Kernel) timerInterrupt(irq.Line) {
	k.timers.Advance(k.clock.Now())
	k.sched.Tick()
}

// Tick raises the timer interrupt on the calling goroutine, advancing the
// timers to the current clock reading and accounting a scheduler tick.
func (k *Kernel) Tick() { k.raiseTimer() }

// Spawn creates a thread, see Scheduler.Spawn.
func (k *Kernel) Spawn(name string, kind ThreadKind, entry func(*Thread) int, opts ...SpawnOption) (*Thread, error) {
	return k.sched.Spawn(name, kind, entry, opts...)
}

// Logger returns the structured logger passed to WithLogger.
func (k *Kernel) Logger() klog.Logger { return k.logger }

// Clock returns the monotonic clock timers are measured against.
func (k *Kernel) Clock() clock.Clock { return k.clock }

// IRQ returns the interrupt controller.
func (k *Kernel) IRQ() *irq.Controller { return k.irq }

// Scheduler returns the thread scheduler.
func (k *Kernel) Scheduler() *Scheduler { return k.sched }

// Timers returns the timer queue.
func (k *Kernel) Timers() *TimerQueue { return k.timers }

// Futex returns the futex hash table.
func (k *Kernel) Futex() *FutexTable { return k.futex }

// IoService returns the bridge running work on the kernel worker thread.
func (k *Kernel) IoService() *IoService { return k.io }

// TickInterval returns the period of the tick device, or zero if the
// kernel runs without one.
func (k *Kernel) TickInterval() time.Duration {
	if k.ticker == nil {
		return 0
	}
	return k.ticker.Interval()
}

// BootTime returns the wall clock time at boot.
func (k *Kernel) BootTime() time.Time { return k.bootedAt }

// Metrics returns a snapshot of the kernel statistics.
func (k *Kernel) Metrics() Metrics { return k.metrics.snapshot() }

// Halted is closed if the kernel halts.
func (k *Kernel) Halted() <-chan struct{} { return k.haltCh }

// Err returns the *HaltError if the kernel halted, or nil.
func (k *Kernel) Err() error {
	k.haltMu.Lock()
	defer k.haltMu.Unlock()
	if k.haltErr == nil {
		return nil
	}
	return k.haltErr
}

func (k *Kernel) stopDevices() {
	if k.ticker != nil {
		k.ticker.Stop()
	}
	if k.oneshot != nil {
		k.oneshot.Stop()
	}
	if k.irqCancel != nil {
		k.irqCancel()
		<-k.irqDone
	}
}

// Shutdown drains the IoService, stops the tick devices and interrupt
// delivery, then terminates every remaining thread at its next suspension
// point, waiting for thread goroutines to finish or ctx to be done.
func (k *Kernel) Shutdown(ctx context.Context) error {
	k.shutdownOnce.Do(func() {
		if k.io != nil {
			k.io.Stop()
			select {
			case <-k.io.worker.Done():
			case <-k.haltCh:
			case <-ctx.Done():
			}
		}
		k.stopDevices()
		err := k.sched.shutdown(ctx)
		if uerr := k.irq.Unregister(irq.LineTimer); uerr != nil && !errors.Is(uerr, irq.ErrNotRegistered) {
			err = errors.Join(err, uerr)
		}
		k.shutdownErr = err
		k.logger.Info().
			Err(err).
			Log("kernel: shutdown")
	})
	return k.shutdownErr
}
