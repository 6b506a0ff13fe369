package kernel

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/exp/slices"
)

// Metrics is a snapshot of kernel statistics, see Kernel.Metrics. Dispatch
// latency and run queue depth are only sampled if enabled with WithMetrics.
type Metrics struct {
	// Dispatch is the time threads spent ready before getting a CPU.
	Dispatch LatencySnapshot
	RunQueue QueueSnapshot

	ContextSwitches uint64
	Wakeups         uint64
	Preemptions     uint64
	Yields          uint64
	TimersFired     uint64
	FutexWaits      uint64
	FutexWakes      uint64
	IoTasks         uint64
}

// LatencySnapshot summarizes the retained latency samples.
type LatencySnapshot struct {
	P50   time.Duration
	P90   time.Duration
	P95   time.Duration
	P99   time.Duration
	Max   time.Duration
	Mean  time.Duration
	Count int
}

// QueueSnapshot summarizes observed queue depths.
type QueueSnapshot struct {
	Avg     float64
	Current int
	Max     int
}

type metrics struct {
	latency latencyMetrics
	queue   queueMetrics

	contextSwitches atomic.Uint64
	wakeups         atomic.Uint64
	preemptions     atomic.Uint64
	yields          atomic.Uint64
	timersFired     atomic.Uint64
	futexWaits      atomic.Uint64
	futexWakes      atomic.Uint64
	ioTasks         atomic.Uint64

	enabled bool
}

func (m *metrics) recordDispatch(d time.Duration) {
	if m.enabled {
		m.latency.record(d)
	}
}

func (m *metrics) recordRunQueue(depth int) {
	if m.enabled {
		m.queue.update(depth)
	}
}

func (m *metrics) snapshot() Metrics {
	return Metrics{
		Dispatch:        m.latency.sample(),
		RunQueue:        m.queue.snapshot(),
		ContextSwitches: m.contextSwitches.Load(),
		Wakeups:         m.wakeups.Load(),
		Preemptions:     m.preemptions.Load(),
		Yields:          m.yields.Load(),
		TimersFired:     m.timersFired.Load(),
		FutexWaits:      m.futexWaits.Load(),
		FutexWakes:      m.futexWakes.Load(),
		IoTasks:         m.ioTasks.Load(),
	}
}

// sampleSize is the number of latency samples retained.
const sampleSize = 1000

// latencyMetrics keeps a rolling buffer of samples to compute percentiles.
type latencyMetrics struct {
	samples     [sampleSize]time.Duration
	sum         time.Duration
	sampleIdx   int
	sampleCount int
	mu          sync.Mutex
}

func (l *latencyMetrics) record(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sampleCount >= sampleSize {
		l.sum -= l.samples[l.sampleIdx]
	}
	l.samples[l.sampleIdx] = d
	l.sum += d
	l.sampleIdx++
	if l.sampleIdx >= sampleSize {
		l.sampleIdx = 0
	}
	if l.sampleCount < sampleSize {
		l.sampleCount++
	}
}

func (l *latencyMetrics) sample() LatencySnapshot {
	l.mu.Lock()
	count := l.sampleCount
	sorted := make([]time.Duration, count)
	copy(sorted, l.samples[:count])
	sum := l.sum
	l.mu.Unlock()

	if count == 0 {
		return LatencySnapshot{}
	}
	slices.Sort(sorted)
	return LatencySnapshot{
		P50:   sorted[percentileIndex(count, 50)],
		P90:   sorted[percentileIndex(count, 90)],
		P95:   sorted[percentileIndex(count, 95)],
		P99:   sorted[percentileIndex(count, 99)],
		Max:   sorted[count-1],
		Mean:  sum / time.Duration(count),
		Count: count,
	}
}

// percentileIndex computes the index for a given percentile (0-100).
func percentileIndex(n, p int) int {
	index := (p * n) / 100
	if index >= n {
		return n - 1
	}
	return index
}

// queueMetrics tracks queue depth, with an exponential moving average
// (alpha=0.1) warm started from the first observation.
type queueMetrics struct {
	avg            float64
	current        int
	max            int
	mu             sync.Mutex
	emaInitialized bool
}

func (q *queueMetrics) update(depth int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.current = depth
	if depth > q.max {
		q.max = depth
	}
	if !q.emaInitialized {
		q.avg = float64(depth)
		q.emaInitialized = true
	} else {
		q.avg = 0.9*q.avg + 0.1*float64(depth)
	}
}

func (q *queueMetrics) snapshot() QueueSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueSnapshot{Avg: q.avg, Current: q.current, Max: q.max}
}
