package clock

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrTickerRunning = errors.New("clock: ticker already running")
	ErrInterval      = errors.New("clock: interval must be positive")
)

// Ticker is a periodic timer device. It calls fire, typically raising the
// timer interrupt line, every interval from its own goroutine.
type Ticker struct {
	fire     func()
	stop     chan struct{}
	done     chan struct{}
	interval time.Duration
	mu       sync.Mutex
}

// NewTicker returns a stopped Ticker.
func NewTicker(interval time.Duration, fire func()) (*Ticker, error) {
	if interval <= 0 {
		return nil, ErrInterval
	}
	return &Ticker{interval: interval, fire: fire}, nil
}

// Interval returns the tick period.
func (t *Ticker) Interval() time.Duration { return t.interval }

// Start begins ticking.
func (t *Ticker) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop != nil {
		return ErrTickerRunning
	}
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go t.run(t.stop, t.done)
	return nil
}

func (t *Ticker) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	tk := time.NewTicker(t.interval)
	defer tk.Stop()
	for {
		select {
		case <-stop:
			return
		case <-tk.C:
			t.fire()
		}
	}
}

// Stop halts the ticker, waiting for an in-flight fire to return. It is a
// no-op if the ticker is not running.
func (t *Ticker) Stop() {
	t.mu.Lock()
	stop, done := t.stop, t.done
	t.stop, t.done = nil, nil
	t.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// OneShot is a reprogrammable one-shot timer device. At most one deadline
// is pending; programming a new one replaces it.
//
// On a clock implementing Watcher the device fires from the goroutine that
// moves the clock. Otherwise a host timer is used and fire runs on its
// goroutine. Program never calls fire itself: a deadline that already passed
// fires from a new goroutine.
type OneShot struct {
	clk      Clock
	fire     func()
	timer    *time.Timer
	unwatch  func()
	gen      uint64
	deadline time.Duration
	armed    bool
	stopped  bool
	mu       sync.Mutex
}

// NewOneShot returns an unprogrammed device for clk.
func NewOneShot(clk Clock, fire func()) *OneShot {
	o := &OneShot{clk: clk, fire: fire}
	if w, ok := clk.(Watcher); ok {
		o.unwatch = w.Watch(o.observe)
	}
	return o
}

// Program arms the device to fire once the clock reaches deadline.
func (o *OneShot) Program(deadline time.Duration) {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.gen++
	gen := o.gen
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	o.deadline = deadline
	o.armed = true
	now := o.clk.Now()
	if o.unwatch != nil {
		o.mu.Unlock()
		if deadline <= now {
			go o.expire(gen)
		}
		return
	}
	o.timer = time.AfterFunc(max(deadline-now, 0), func() { o.expire(gen) })
	o.mu.Unlock()
}

// Cancel disarms any pending deadline.
func (o *OneShot) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gen++
	o.armed = false
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
}

// Deadline returns the pending deadline, if any.
func (o *OneShot) Deadline() (time.Duration, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.deadline, o.armed
}

// Stop cancels the device permanently.
func (o *OneShot) Stop() {
	o.Cancel()
	o.mu.Lock()
	o.stopped = true
	unwatch := o.unwatch
	o.mu.Unlock()
	if unwatch != nil {
		unwatch()
	}
}

func (o *OneShot) observe(now time.Duration) {
	o.mu.Lock()
	if !o.armed || o.deadline > now {
		o.mu.Unlock()
		return
	}
	gen := o.gen
	o.mu.Unlock()
	o.expire(gen)
}

func (o *OneShot) expire(gen uint64) {
	o.mu.Lock()
	if gen != o.gen || !o.armed || o.stopped {
		o.mu.Unlock()
		return
	}
	o.armed = false
	o.timer = nil
	o.mu.Unlock()
	o.fire()
}
