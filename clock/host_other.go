//go:build !linux

package clock

import (
	"time"
)

// Host reads the clocks of the host operating system.
type Host struct{}

var _ Clock = Host{}

func (Host) Now() time.Duration { return time.Since(hostEpoch) }

func (Host) Realtime() time.Time { return time.Now() }

func (Host) Resolution() time.Duration { return time.Microsecond }

var hostEpoch = time.Now()
