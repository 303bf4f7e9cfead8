//go:build !linux

package scheduler

import "errors"

// raiseRealtimePriority is a no-op off Linux: SCHED_FIFO and mlockall are
// not portably available through golang.org/x/sys/unix on every target,
// and spec §5 treats failure to raise priority as non-fatal.
func raiseRealtimePriority() error {
	return errors.New("scheduler: realtime priority not supported on this platform")
}
