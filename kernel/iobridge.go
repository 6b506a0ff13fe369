package kernel

import (
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-kcore/kernel/internal/klist"
)

// IoFunc is a deferred unit of work run by the IoService worker thread. It
// may suspend the worker, e.g. to await a device interrupt.
type IoFunc func(t *Thread, arg1, arg2 any)

type ioTask struct {
	fn   IoFunc
	arg1 any
	arg2 any
}

// IoService runs deferred, potentially suspending tasks on a single
// dedicated kernel thread, letting code that cannot itself suspend hand off
// work, and letting any thread synchronously await the result.
//
// Tasks run one at a time, to completion, in push order. Throughput is
// bounded by the one worker.
type IoService struct {
	k       *Kernel
	ev      *Event
	worker  *Thread
	queue   klist.List[ioTask]
	mu      sync.Mutex
	stopped bool
}

func newIoService(k *Kernel) (*IoService, error) {
	s := &IoService{k: k, ev: NewEvent("iosvc")}
	worker, err := k.sched.Spawn("iosvc", KernelThread, s.run)
	if err != nil {
		return nil, err
	}
	s.worker = worker
	return s, nil
}

// Worker returns the worker thread.
func (s *IoService) Worker() *Thread { return s.worker }

// Push queues fn to run on the worker. It never suspends, and may be called
// from any context, including interrupt handlers.
func (s *IoService) Push(fn IoFunc, arg1, arg2 any) error {
	if fn == nil {
		return ErrInvalidArgument
	}
	e := &klist.Entry[ioTask]{Value: ioTask{fn: fn, arg1: arg1, arg2: arg2}}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrIoServiceStopped
	}
	s.queue.PushBack(e)
	s.mu.Unlock()
	s.ev.Trigger(false)
	return nil
}

// Pending returns the number of queued tasks, excluding the one running.
func (s *IoService) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

func (s *IoService) runnable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped || s.queue.Len() != 0
}

func (s *IoService) run(t *Thread) int {
	for {
		s.ev.WaitUninterruptible(t, s.runnable)
		s.mu.Lock()
		e := s.queue.PopFront()
		stopped := s.stopped
		s.mu.Unlock()
		if e == nil {
			if stopped {
				return 0
			}
			continue
		}
		s.k.metrics.ioTasks.Add(1)
		e.Value.fn(t, e.Value.arg1, e.Value.arg2)
	}
}

// Stop rejects further pushes. Queued tasks still run, then the worker
// exits.
func (s *IoService) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.ev.Trigger(false)
}

// IoRequest is the completion handle of a task queued with Submit.
type IoRequest struct {
	ev        *Event
	done      chan struct{}
	err       error
	completed atomic.Bool
}

// Submit queues fn and returns a handle to await its result.
func (s *IoService) Submit(fn func(t *Thread) error) (*IoRequest, error) {
	if fn == nil {
		return nil, ErrInvalidArgument
	}
	r := &IoRequest{ev: NewEvent("iosvc:req"), done: make(chan struct{})}
	err := s.Push(func(t *Thread, _, _ any) {
		r.complete(fn(t))
	}, nil, nil)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Call runs fn on the worker, suspending t until it completes.
func (s *IoService) Call(t *Thread, fn func(t *Thread) error) error {
	r, err := s.Submit(fn)
	if err != nil {
		return err
	}
	return r.Await(t)
}

func (r *IoRequest) complete(err error) {
	r.err = err
	r.completed.Store(true)
	close(r.done)
	r.ev.Trigger(true)
}

// Await suspends t until the task completed, returning its error. The wait
// is not interruptible.
func (r *IoRequest) Await(t *Thread) error {
	r.ev.WaitUninterruptible(t, r.completed.Load)
	return r.err
}

// Done is closed when the task completed, for callers outside any thread.
func (r *IoRequest) Done() <-chan struct{} { return r.done }

// Err returns the task's error, once Done is closed.
func (r *IoRequest) Err() error { return r.err }
