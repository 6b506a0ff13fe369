// Package klog holds the logging conventions shared by the kernel packages.
package klog

import (
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// Logger is the structured logger accepted by every kernel component. A nil
// Logger disables logging.
type Logger = *logiface.Logger[logiface.Event]

// DefaultRates bounds how often a single category of repetitive diagnostic
// may be written.
var DefaultRates = map[time.Duration]int{
	time.Second: 5,
	time.Minute: 60,
}

// Throttle rate limits repetitive diagnostics per category. The zero value
// and a nil Throttle allow everything.
type Throttle struct {
	limiter *catrate.Limiter
}

// NewThrottle returns a Throttle using rates, or DefaultRates if rates is nil.
func NewThrottle(rates map[time.Duration]int) *Throttle {
	if rates == nil {
		rates = DefaultRates
	}
	return &Throttle{limiter: catrate.NewLimiter(rates)}
}

// Allow reports whether a diagnostic in category may be written now.
func (x *Throttle) Allow(category any) bool {
	if x == nil || x.limiter == nil {
		return true
	}
	_, ok := x.limiter.Allow(category)
	return ok
}
