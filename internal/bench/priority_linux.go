//go:build linux

package bench

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	rtPriority = 50
	niceBoost  = -10
)

// raiseThreadPriority asks for SCHED_RR on the calling thread and falls back
// to a lower nice value when real-time scheduling is denied.
func raiseThreadPriority() error {
	attr := unix.SchedAttr{Policy: unix.SCHED_RR, Priority: rtPriority}
	rtErr := unix.SchedSetAttr(0, &attr, 0)
	if rtErr == nil {
		return nil
	}
	if err := unix.Setpriority(unix.PRIO_PROCESS, 0, niceBoost); err != nil {
		return fmt.Errorf("sched_setattr: %v; setpriority: %w", rtErr, err)
	}
	return nil
}
