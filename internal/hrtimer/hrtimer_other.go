//go:build !windows

package hrtimer

import "time"

type runtimeTimer struct {
	t    *time.Timer
	done chan struct{}
}

func newImpl() (timerImpl, error) {
	t := time.NewTimer(time.Hour)
	t.Stop()
	return &runtimeTimer{t: t, done: make(chan struct{})}, nil
}

func (r *runtimeTimer) sleep(d time.Duration) bool {
	r.t.Reset(d)
	select {
	case <-r.t.C:
		return true
	case <-r.done:
		r.t.Stop()
		return false
	}
}

func (r *runtimeTimer) closed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *runtimeTimer) cancelWait() { close(r.done) }

func (r *runtimeTimer) release() { r.t.Stop() }
