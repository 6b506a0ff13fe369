package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/joeycumines/go-kcore/internal/klog"
	"github.com/joeycumines/go-kcore/kernel"
	"github.com/joeycumines/go-kcore/mm"
	"github.com/joeycumines/go-kcore/sys"
)

const (
	userBase mm.Addr = 0x400000
	// regionSize is the user memory given to each workload.
	regionSize = 4096
	// stopGrace bounds the wait for threads after the run is cut short.
	stopGrace = 5 * time.Second
)

// Result is the outcome of one workload.
type Result struct {
	Err     error
	Name    string
	Ops     uint64
	Threads int
}

// Report summarizes a run.
type Report struct {
	Results []Result
	Metrics kernel.Metrics
	Elapsed time.Duration
}

// Err joins the errors of every failed workload.
func (x *Report) Err() error {
	var errs []error
	for _, res := range x.Results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.Name, res.Err))
		}
	}
	return errors.Join(errs...)
}

// runner owns the state shared by the workloads of a run.
type runner struct {
	k      *kernel.Kernel
	s      *sys.Syscalls
	as     *mm.Flat
	proc   *sys.Process
	cfg    *Config
	logger klog.Logger

	wg       sync.WaitGroup
	deadline atomic.Int64

	mu      sync.Mutex
	results map[string]*Result
	closers []func() error
}

func (r *runner) expired() bool {
	return r.k.Clock().Now() >= time.Duration(r.deadline.Load())
}

func (r *runner) stop() { r.deadline.Store(0) }

func (r *runner) onClose(fn func() error) {
	r.mu.Lock()
	r.closers = append(r.closers, fn)
	r.mu.Unlock()
}

// spawn starts a user thread of the named workload, recording the operations
// and error returned by fn.
func (r *runner) spawn(name, thread string, fn func(t *sys.Task) (uint64, error)) {
	r.mu.Lock()
	res := r.results[name]
	res.Threads++
	r.mu.Unlock()

	r.wg.Add(1)
	_, err := r.k.Spawn(name+"/"+thread, kernel.UserThread, func(t *kernel.Thread) int {
		defer r.wg.Done()
		ops, err := fn(&sys.Task{Thread: t, Proc: r.proc})
		r.mu.Lock()
		res.Ops += ops
		res.Err = errors.Join(res.Err, err)
		r.mu.Unlock()
		if err != nil {
			r.logger.Err().
				Str("thread", t.Name()).
				Err(err).
				Log("kcore: workload failed")
			r.stop()
			return 1
		}
		return 0
	}, kernel.WithAddressSpace(r.as))
	if err != nil {
		r.wg.Done()
		r.mu.Lock()
		res.Err = errors.Join(res.Err, err)
		r.mu.Unlock()
	}
}

// run boots a kernel, runs the configured workloads until the configured
// duration elapses or ctx is done, and shuts the kernel down.
func run(ctx context.Context, cfg *Config, logger klog.Logger) (*Report, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	k, err := kernel.Boot(cfg.kernelOptions(logger)...)
	if err != nil {
		return nil, err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), stopGrace)
		defer cancel()
		if err := k.Shutdown(sctx); err != nil {
			logger.Warning().
				Err(err).
				Log("kcore: unclean shutdown")
		}
	}()

	as := mm.NewFlat(userBase, len(cfg.Workloads)*regionSize)
	r := &runner{
		k:       k,
		s:       sys.New(k),
		as:      as,
		proc:    sys.NewProcess(as, 0),
		cfg:     cfg,
		logger:  logger,
		results: make(map[string]*Result, len(cfg.Workloads)),
	}
	defer r.proc.Files.CloseAll()
	defer func() {
		for _, fn := range r.closers {
			if err := fn(); err != nil {
				logger.Warning().
					Err(err).
					Log("kcore: close failed")
			}
		}
	}()

	start := k.Clock().Now()
	r.deadline.Store(int64(start + cfg.Duration))
	logger.Info().
		Int("cpus", cfg.CPUs).
		Bool("tickless", cfg.Tickless).
		Dur("duration", cfg.Duration).
		Str("workloads", fmt.Sprint(cfg.Workloads)).
		Log("kcore: run started")

	for i, name := range cfg.Workloads {
		r.results[name] = &Result{Name: name}
		if err := workloads[name](r, name, userBase+mm.Addr(i*regionSize)); err != nil {
			r.results[name].Err = err
			r.stop()
			break
		}
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-k.Halted():
		return nil, k.Err()
	case <-ctx.Done():
		r.stop()
		select {
		case <-done:
		case <-k.Halted():
			return nil, k.Err()
		case <-time.After(stopGrace + cfg.Duration):
			return nil, errors.New("workloads did not stop")
		}
	}

	x := &Report{
		Metrics: k.Metrics(),
		Elapsed: k.Clock().Now() - start,
	}
	for _, name := range cfg.Workloads {
		if res := r.results[name]; res != nil {
			x.Results = append(x.Results, *res)
		}
	}
	return x, nil
}

// printReport writes the per workload results and kernel counters to w.
func printReport(w io.Writer, x *Report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "WORKLOAD\tTHREADS\tOPS\tSTATUS\n")
	for _, res := range x.Results {
		status := "ok"
		if res.Err != nil {
			status = res.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", res.Name, res.Threads, res.Ops, status)
	}
	fmt.Fprintf(tw, "\n")
	m := x.Metrics
	for _, row := range [...]struct {
		name  string
		value any
	}{
		{"elapsed", x.Elapsed},
		{"context switches", m.ContextSwitches},
		{"wakeups", m.Wakeups},
		{"preemptions", m.Preemptions},
		{"yields", m.Yields},
		{"timers fired", m.TimersFired},
		{"futex waits", m.FutexWaits},
		{"futex wakes", m.FutexWakes},
		{"io tasks", m.IoTasks},
		{"dispatch p50", m.Dispatch.P50},
		{"dispatch p99", m.Dispatch.P99},
		{"dispatch max", m.Dispatch.Max},
		{"run queue avg", fmt.Sprintf("%.2f", m.RunQueue.Avg)},
		{"run queue max", m.RunQueue.Max},
	} {
		fmt.Fprintf(tw, "%s\t%v\n", row.name, row.value)
	}
	return tw.Flush()
}
