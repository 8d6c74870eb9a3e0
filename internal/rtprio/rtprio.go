// Package rtprio raises the calling OS thread to real-time scheduling.
//
// Callers must runtime.LockOSThread first, otherwise the priority lands on
// whatever thread the goroutine happens to run on. Failure is normal on
// systems without the right permissions; callers log it and carry on at
// normal priority.
package rtprio

import "errors"

var ErrUnsupported = errors.New("rtprio: real-time scheduling not supported on this platform")

// Promote raises the current thread. priority is 1..99 where the platform
// uses numeric priorities; zero or less leaves the thread at normal
// priority. The returned function undoes the promotion.
func Promote(priority int) (restore func(), err error) {
	if priority <= 0 {
		return func() {}, nil
	}
	if priority > 99 {
		priority = 99
	}
	return promote(priority)
}
