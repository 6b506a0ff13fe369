// Package goroutineid exposes the identity of the calling goroutine.
//
// Identity is used by the kernel core to enforce ownership: only the
// goroutine backing a thread may suspend that thread, and interrupt
// handlers are tracked per goroutine.
package goroutineid

import (
	"runtime"
)

const stackPrefix = "goroutine "

// Get returns the id of the calling goroutine, as reported by the header
// of runtime.Stack. It returns 0 if the header cannot be parsed.
func Get() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	if n <= len(stackPrefix) || string(buf[:len(stackPrefix)]) != stackPrefix {
		return 0
	}
	var id uint64
	for i := len(stackPrefix); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}
