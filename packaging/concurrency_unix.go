//go:build unix

package packaging

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

var errLockHeld = errors.New("lock held by another process")

// tryAcquireLock takes a non-blocking flock on the lock file.
func tryAcquireLock(lockFilePath string) (*FileLock, error) {
	lockFile, err := os.OpenFile(lockFilePath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = lockFile.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN) {
			return nil, errLockHeld
		}
		return nil, fmt.Errorf("flock: %w", err)
	}

	return &FileLock{lockFilePath: lockFilePath, lockFile: lockFile}, nil
}

// releaseLock closes the lock file. The file itself stays: removing it
// would let a waiter lock an unlinked inode.
func releaseLock(lock *FileLock) {
	_ = lock.lockFile.Close()
}
