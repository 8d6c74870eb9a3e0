//go:build windows

package rtprio

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	avrt                                = windows.NewLazySystemDLL("avrt.dll")
	procAvSetMmThreadCharacteristicsW   = avrt.NewProc("AvSetMmThreadCharacteristicsW")
	procAvRevertMmThreadCharacteristics = avrt.NewProc("AvRevertMmThreadCharacteristics")
	procAvSetMmThreadPriority           = avrt.NewProc("AvSetMmThreadPriority")
)

// AVRT_PRIORITY_HIGH; CRITICAL is reserved for the system.
const avrtPriorityHigh = 1

// promote registers the thread with MMCSS as a "Pro Audio" task. MMCSS has
// no numeric priority, so any priority maps to the task's high level.
func promote(int) (func(), error) {
	if err := procAvSetMmThreadCharacteristicsW.Find(); err != nil {
		return nil, ErrUnsupported
	}
	task, err := windows.UTF16PtrFromString("Pro Audio")
	if err != nil {
		return nil, err
	}
	var index uint32
	h, _, callErr := procAvSetMmThreadCharacteristicsW.Call(
		uintptr(unsafe.Pointer(task)),
		uintptr(unsafe.Pointer(&index)))
	if h == 0 {
		return nil, fmt.Errorf("rtprio: MMCSS registration: %w", callErr)
	}
	_, _, _ = procAvSetMmThreadPriority.Call(h, avrtPriorityHigh)
	return func() { _, _, _ = procAvRevertMmThreadCharacteristics.Call(h) }, nil
}
