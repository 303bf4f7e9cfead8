//go:build linux

package scheduler

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// realtimePriority is a conservative SCHED_FIFO priority, well below the
// range kernel threads typically claim, matching original_source's use of
// a fixed low real-time priority for the I/O thread rather than the
// maximum available.
const realtimePriority = 5

// raiseRealtimePriority puts the calling goroutine's underlying OS thread
// into SCHED_FIFO and locks all process memory, matching spec §5's "If the
// host permits, the I/O thread is raised to real-time priority at start."
// Both calls require CAP_SYS_NICE/CAP_IPC_LOCK or RLIMIT_RTPRIO; failure
// here is logged and non-fatal (spec does not treat this as a construction
// error).
func raiseRealtimePriority() error {
	sp := &unix.SchedParam{Priority: realtimePriority}
	if err := unix.SchedSetscheduler(0, unix.SCHED_FIFO, sp); err != nil {
		return errors.Wrap(err, "sched_setscheduler")
	}
	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		return errors.Wrap(err, "mlockall")
	}
	return nil
}
