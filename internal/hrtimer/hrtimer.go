// Package hrtimer provides a cancellable sleep with the best resolution the
// platform offers. On Windows that is a high-resolution waitable timer; the
// Go runtime timer already has sub-millisecond resolution elsewhere.
package hrtimer

import (
	"sync"
	"time"
)

// Timer sleeps one goroutine at a time, normally the goroutine that owns
// it and calls Release when done. Cancel may be called from anywhere.
type Timer struct {
	impl        timerImpl
	cancelOnce  sync.Once
	releaseOnce sync.Once
}

func New() (*Timer, error) {
	impl, err := newImpl()
	if err != nil {
		return nil, err
	}
	return &Timer{impl: impl}, nil
}

// Sleep waits for d and reports whether it ran to completion. After
// Cancel it returns false at once.
func (t *Timer) Sleep(d time.Duration) bool {
	if d <= 0 {
		return !t.impl.closed()
	}
	return t.impl.sleep(d)
}

// Cancel wakes the sleeper and fails every later Sleep.
func (t *Timer) Cancel() {
	t.cancelOnce.Do(t.impl.cancelWait)
}

// Release frees the timer. No Sleep may be in progress.
func (t *Timer) Release() {
	t.releaseOnce.Do(t.impl.release)
}

type timerImpl interface {
	sleep(time.Duration) bool
	closed() bool
	cancelWait()
	release()
}
