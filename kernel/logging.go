package kernel

// recordHalt marks the kernel halted, the first time, stopping every parked
// thread, and returns the error describing the halt.
func (k *Kernel) recordHalt(t *Thread, reason string) *HaltError {
	err := &HaltError{Reason: reason}
	if t != nil {
		err.Thread = t.String()
	}
	k.haltOnce.Do(func() {
		k.haltMu.Lock()
		k.haltErr = err
		k.haltMu.Unlock()
		k.logger.Emerg().
			Str("reason", reason).
			Str("thread", err.Thread).
			Log("kernel: halt")
		close(k.haltCh)
		k.sched.closeStop()
		if k.onHalt != nil {
			k.onHalt(err)
		}
	})
	return err
}

// halt records a fatal invariant violation and panics with it.
func (k *Kernel) halt(t *Thread, reason string) {
	panic(k.recordHalt(t, reason))
}
