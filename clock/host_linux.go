//go:build linux

package clock

import (
	"time"

	"golang.org/x/sys/unix"
)

// Host reads the clocks of the host operating system.
type Host struct{}

var _ Clock = Host{}

func (Host) Now() time.Duration {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return time.Since(hostEpoch)
	}
	return time.Duration(ts.Nano())
}

func (Host) Realtime() time.Time {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_REALTIME, &ts); err != nil {
		return time.Now()
	}
	return time.Unix(ts.Unix())
}

func (Host) Resolution() time.Duration {
	var ts unix.Timespec
	if err := unix.ClockGetres(unix.CLOCK_MONOTONIC, &ts); err != nil || ts.Nano() <= 0 {
		return time.Microsecond
	}
	return time.Duration(ts.Nano())
}

var hostEpoch = time.Now()
