//go:build windows

package packaging

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"unsafe"
)

var (
	kernel32       = syscall.NewLazyDLL("kernel32.dll")
	procLockFileEx = kernel32.NewProc("LockFileEx")

	errLockHeld = errors.New("lock held by another process")
)

const (
	lockfileExclusiveLock   = 0x00000002
	lockfileFailImmediately = 0x00000001
	errorLockViolation      = 33
)

// tryAcquireLock takes a non-blocking LockFileEx lock over the whole lock file.
// The lock is released when the handle is closed.
func tryAcquireLock(lockFilePath string) (*FileLock, error) {
	lockFile, err := os.OpenFile(lockFilePath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	var overlapped syscall.Overlapped
	r1, _, err := procLockFileEx.Call(
		uintptr(syscall.Handle(lockFile.Fd())),
		uintptr(lockfileExclusiveLock|lockfileFailImmediately),
		0,
		uintptr(0xFFFFFFFF),
		uintptr(0xFFFFFFFF),
		uintptr(unsafe.Pointer(&overlapped)),
	)
	if r1 == 0 {
		_ = lockFile.Close()
		if errno, ok := err.(syscall.Errno); ok && errno == errorLockViolation {
			return nil, errLockHeld
		}
		return nil, fmt.Errorf("lock file: %w", err)
	}

	return &FileLock{lockFilePath: lockFilePath, lockFile: lockFile}, nil
}

// releaseLock closes and deletes the lock file.
func releaseLock(lock *FileLock) {
	_ = lock.lockFile.Close()
	_ = os.Remove(lock.lockFilePath)
}
