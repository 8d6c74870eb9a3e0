package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// freewheel hands processing back and forth between the real-time
// context and the freewheel worker. requested is what the session engine
// asked for; active says which side owns processing. The real-time side
// only ever turns active on and the worker only ever turns it off, so the
// two never process the same cycle.
type freewheel struct {
	mu        sync.Mutex
	cond      *sync.Cond
	requested bool
	active    bool
	shutdown  bool

	// lock-free mirrors for the real-time side
	req  atomic.Bool
	act  atomic.Bool
	quit atomic.Bool
}

func newFreewheel() *freewheel {
	f := &freewheel{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *freewheel) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested, f.active, f.shutdown = false, false, false
	f.req.Store(false)
	f.act.Store(false)
	f.quit.Store(false)
}

// request records the wanted mode and wakes every waiter.
func (f *freewheel) request(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested = on
	f.req.Store(on)
	f.cond.Broadcast()
}

// close wakes the worker and all waiters for shutdown.
func (f *freewheel) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown = true
	f.quit.Store(true)
	f.cond.Broadcast()
}

// acquire runs at the top of every real-time cycle and reports whether
// the real-time side should process it. A pending request to freewheel
// is acknowledged here: onEnter runs under the lock, then the worker is
// released. The lock is only tried, never waited for.
func (f *freewheel) acquire(onEnter func()) bool {
	if f.act.Load() {
		return false
	}
	if !f.req.Load() || !f.mu.TryLock() {
		return true
	}
	defer f.mu.Unlock()

	if f.requested && !f.active && !f.shutdown {
		onEnter()
		f.active = true
		f.act.Store(true)
		f.cond.Broadcast()
		return false
	}
	return !f.active
}

// awaitTurn blocks the worker until it owns processing. It returns false
// on shutdown.
func (f *freewheel) awaitTurn() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for !f.active && !f.shutdown {
		f.cond.Wait()
	}
	return !f.shutdown
}

// wanted reports whether the worker should keep rendering.
func (f *freewheel) wanted() bool {
	return f.req.Load() && !f.quit.Load()
}

// release returns processing to the real-time side after onLeave has run
// under the lock.
func (f *freewheel) release(onLeave func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	onLeave()
	f.active = false
	f.act.Store(false)
	f.cond.Broadcast()
}

func (f *freewheel) isActive() bool { return f.act.Load() }

// wait blocks until the active mode equals on, the timeout expires or the
// backend shuts down.
func (f *freewheel) wait(on bool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		f.mu.Lock()
		f.cond.Broadcast()
		f.mu.Unlock()
	})
	defer stop()

	f.mu.Lock()
	defer f.mu.Unlock()
	for f.active != on {
		if f.shutdown {
			return ErrNotRunning
		}
		if ctx.Err() != nil {
			return ErrFreewheelTimeout
		}
		f.cond.Wait()
	}
	return nil
}
