package kernel

// ThreadState is the run-state of a Thread.
//
//	StateEmbryo  → StateReady    [Spawn]
//	StateReady   → StateRunning  [dispatch]
//	StateRunning → StateReady    [Yield, preemption]
//	StateRunning → StateBlocked  [Event wait]
//	StateBlocked → StateReady    [Event wake]
//	StateRunning → StateDead     [Exit]
//
// Any other transition is an invariant violation and halts the kernel.
type ThreadState uint32

const (
	StateEmbryo ThreadState = iota
	StateReady
	StateRunning
	StateBlocked
	StateDead
)

func (s ThreadState) String() string {
	switch s {
	case StateEmbryo:
		return "Embryo"
	case StateReady:
		return "Ready"
	case StateRunning:
		return "Running"
	case StateBlocked:
		return "Blocked"
	case StateDead:
		return "Dead"
	default:
		return "Unknown"
	}
}

var validTransitions = [...][5]bool{
	StateEmbryo:  {StateReady: true},
	StateReady:   {StateRunning: true},
	StateRunning: {StateReady: true, StateBlocked: true, StateDead: true},
	StateBlocked: {StateReady: true},
	StateDead:    {},
}

// CanTransition reports whether from → to is a legal thread transition.
func CanTransition(from, to ThreadState) bool {
	if int(from) >= len(validTransitions) || int(to) >= len(validTransitions[from]) {
		return false
	}
	return validTransitions[from][to]
}

// WakeReason reports why a wait returned.
type WakeReason uint8

const (
	// WokenNormally indicates a trigger, or a pending trigger consumed
	// without suspending.
	WokenNormally WakeReason = iota
	// WokenByTimeout indicates the wait's timeout expired.
	WokenByTimeout
	// Interrupted indicates a signal is pending for the thread.
	Interrupted
)

func (r WakeReason) String() string {
	switch r {
	case WokenNormally:
		return "Normal"
	case WokenByTimeout:
		return "TimedOut"
	case Interrupted:
		return "Interrupted"
	default:
		return "Unknown"
	}
}

// ThreadKind distinguishes kernel-only threads from threads running on
// behalf of a user address space. Only user threads are interruptible.
type ThreadKind uint8

const (
	KernelThread ThreadKind = iota
	UserThread
)

func (k ThreadKind) String() string {
	if k == UserThread {
		return "user"
	}
	return "kernel"
}
