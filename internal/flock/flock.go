// Package flock provides the advisory exclusive file lock the engine
// lease uses to guard its pid/refs files, and a process liveness check
// via signal 0. golang.org/x/sys/unix itself is an example-pack
// dependency (rockstar-0000-aistore/ios/fsutils_linux.go imports it for
// Statfs_t/atime access), but that file never calls Flock or Kill —
// there is no in-pack call site for either function, so this package's
// use of them is built directly against the unix package's own
// documented behavior rather than an example analogue (see DESIGN.md).
package flock

import (
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/theproxycompany/orchard/orcherr"
)

// Lock is an advisory exclusive lock held on a single file (the
// lease's engine.lock) from Acquire until Release.
type Lock struct {
	file *os.File
}

// Acquire opens (creating if needed) path and blocks, up to timeout,
// for an exclusive advisory lock. It fails with LEASE.LOCK_TIMEOUT if
// the lock isn't obtained in time.
func Acquire(path string, timeout time.Duration) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, orcherr.NewLease(orcherr.CodeLockTimeout, "opening lock file "+path, err)
	}

	deadline := time.Now().Add(timeout)
	backoff := 10 * time.Millisecond
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &Lock{file: f}, nil
		}
		if err != unix.EWOULDBLOCK {
			f.Close()
			return nil, orcherr.NewLease(orcherr.CodeLockTimeout, "flock "+path, err)
		}
		if time.Now().After(deadline) {
			f.Close()
			return nil, orcherr.NewLease(orcherr.CodeLockTimeout, "timed out waiting for lock on "+path, nil)
		}
		time.Sleep(backoff)
		if backoff < 200*time.Millisecond {
			backoff *= 2
		}
	}
}

// Release unlocks and closes the underlying file. Idempotent.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return err
	}
	return closeErr
}

// IsAlive reports whether pid names a running process, via signal 0.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == nil
}
