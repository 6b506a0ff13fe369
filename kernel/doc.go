// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package kernel implements the scheduling and blocking core of a small
// POSIX-flavored kernel: threads and their scheduler, the Event wait queue
// every blocking service is built on, timers, futexes, and the IoService
// bridge for deferred work.
//
// Threads are goroutines that only execute kernel code while they hold one
// of a fixed number of simulated CPUs. Everything that may suspend takes the
// calling *Thread, much like a context.Context, and suspension happens only
// inside the Event wait family.
//
// # Lock ordering
//
// From outermost: futex bucket, Event, TimerQueue, Scheduler. No lock other
// than an Event's own is held across a suspension, and that one is released
// before the thread parks.
//
// # Fatal conditions
//
// Invariant violations, such as waiting from interrupt context or
// destroying an Event that has waiters, halt the kernel: every parked thread
// is terminated, Kernel.Err reports the *HaltError, and the goroutine that
// detected the violation panics with it.
package kernel
