//go:build windows

package hrtimer

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	kernel32                   = windows.NewLazySystemDLL("kernel32.dll")
	procCreateWaitableTimerExW = kernel32.NewProc("CreateWaitableTimerExW")
	procSetWaitableTimer       = kernel32.NewProc("SetWaitableTimer")
	procCancelWaitableTimer    = kernel32.NewProc("CancelWaitableTimer")
)

const (
	createWaitableTimerHighResolution = 0x00000002
	timerAllAccess                    = 0x1F0003
)

type waitableTimer struct {
	timer  windows.Handle
	cancel windows.Handle
	done   atomic.Bool
}

func newImpl() (timerImpl, error) {
	// High-resolution timers need Windows 10 1803; fall back to a plain one.
	h, _, err := procCreateWaitableTimerExW.Call(0, 0, createWaitableTimerHighResolution, timerAllAccess)
	if h == 0 {
		h, _, err = procCreateWaitableTimerExW.Call(0, 0, 0, timerAllAccess)
		if h == 0 {
			return nil, fmt.Errorf("hrtimer: CreateWaitableTimerExW: %w", err)
		}
	}
	ev, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		_ = windows.CloseHandle(windows.Handle(h))
		return nil, fmt.Errorf("hrtimer: CreateEvent: %w", err)
	}
	return &waitableTimer{timer: windows.Handle(h), cancel: ev}, nil
}

func (w *waitableTimer) sleep(d time.Duration) bool {
	if w.done.Load() {
		return false
	}
	// negative due time is relative, in 100ns units
	due := -int64(d / 100)
	if due == 0 {
		due = -1
	}
	r, _, _ := procSetWaitableTimer.Call(uintptr(w.timer), uintptr(unsafe.Pointer(&due)), 0, 0, 0, 0)
	if r == 0 {
		time.Sleep(d)
		return !w.done.Load()
	}
	ev, err := windows.WaitForMultipleObjects([]windows.Handle{w.timer, w.cancel}, false, windows.INFINITE)
	if err != nil || ev != windows.WAIT_OBJECT_0 {
		_, _, _ = procCancelWaitableTimer.Call(uintptr(w.timer))
		return false
	}
	return true
}

func (w *waitableTimer) closed() bool { return w.done.Load() }

func (w *waitableTimer) cancelWait() {
	w.done.Store(true)
	_ = windows.SetEvent(w.cancel)
}

func (w *waitableTimer) release() {
	_ = windows.CloseHandle(w.timer)
	_ = windows.CloseHandle(w.cancel)
}
