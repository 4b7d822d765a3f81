package lease

import (
	"os"
	"syscall"
	"time"

	"github.com/theproxycompany/orchard/internal/flock"
)

// stopProcess escalates SIGINT, then SIGTERM after grace, then SIGKILL,
// polling liveness in between.
func stopProcess(pid int, grace time.Duration) {
	if !flock.IsAlive(pid) {
		return
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}

	_ = proc.Signal(syscall.SIGINT)
	if waitForExit(pid, grace) {
		return
	}

	_ = proc.Signal(syscall.SIGTERM)
	if waitForExit(pid, grace) {
		return
	}

	_ = proc.Signal(syscall.SIGKILL)
	waitForExit(pid, grace)
}

func waitForExit(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !flock.IsAlive(pid) {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return !flock.IsAlive(pid)
}
