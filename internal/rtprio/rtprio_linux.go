//go:build linux

package rtprio

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

func promote(priority int) (func(), error) {
	old, err := unix.SchedGetAttr(0, 0)
	if err != nil {
		return nil, fmt.Errorf("rtprio: read scheduling policy: %w", err)
	}
	attr := unix.SchedAttr{
		Size:     uint32(unsafe.Sizeof(unix.SchedAttr{})),
		Policy:   unix.SCHED_FIFO,
		Priority: uint32(priority),
	}
	if err := unix.SchedSetAttr(0, &attr, 0); err != nil {
		return nil, fmt.Errorf("rtprio: SCHED_FIFO %d: %w", priority, err)
	}
	return func() { _ = unix.SchedSetAttr(0, old, 0) }, nil
}
