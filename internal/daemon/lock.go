package daemon

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrAlreadyRunning is returned when another daemon holds the workspace lock.
var ErrAlreadyRunning = errors.New("another daemon is already serving this workspace")

// acquireWorkspaceLock takes a non-blocking exclusive flock on path. The
// lock is released when the returned function runs or the process exits.
func acquireWorkspaceLock(path string) (func() error, error) {
	lockFile, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lockFile.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}

	return func() error {
		unlockErr := unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)
		closeErr := lockFile.Close()
		if unlockErr != nil {
			return unlockErr
		}
		return closeErr
	}, nil
}
